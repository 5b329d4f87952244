package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/basestation/internal/httputil"
	"github.com/banshee-data/basestation/internal/monitoring"
	"github.com/banshee-data/basestation/internal/schedule"
	"github.com/banshee-data/basestation/internal/station"
	"github.com/banshee-data/basestation/internal/stats"
)

// DefaultWindow is the measurement range served when a request names none.
const DefaultWindow = 24 * time.Hour

// Station is the engine surface the API serves.
type Station interface {
	Sensors() []station.SensorStatus
	Sensor(sensorID uint32) (station.SensorStatus, error)
	Unbind(ctx context.Context, sensorID uint32) error
	OutboundConfig(sensorID uint32, now time.Time) (station.OutboundConfig, error)
	Measurements(ctx context.Context, sensorID uint32, from, to time.Time) ([]station.Measurement, error)
	Schedule(now time.Time) station.ScheduleStatus
	SetCadence(ctx context.Context, c schedule.Cadence) (schedule.TimeConfig, error)
	Now() time.Time
}

// Pipeline reports ingestion progress.
type Pipeline interface {
	Healthy() bool
	Backlog() int
}

type Server struct {
	station  Station
	pipeline Pipeline
}

func NewServer(st Station, p Pipeline) *Server {
	return &Server{station: st, pipeline: p}
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/sensors", s.listSensors)
	mux.HandleFunc("/api/sensors/{id}", s.sensorHandler)
	mux.HandleFunc("/api/sensors/{id}/config", s.showSensorConfig)
	mux.HandleFunc("/api/sensors/{id}/measurements", s.listMeasurements)
	mux.HandleFunc("/api/sensors/{id}/stats", s.showStats)
	mux.HandleFunc("/api/schedule", s.scheduleHandler)
	mux.Handle("/metrics", monitoring.MetricsHandler())
	return mux
}

func sensorID(r *http.Request) (uint32, error) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid sensor id %q", r.PathValue("id"))
	}
	return uint32(id), nil
}

// timeRange reads from/to as RFC 3339 instants. Missing values default to
// the DefaultWindow ending now.
func (s *Server) timeRange(r *http.Request) (time.Time, time.Time, error) {
	q := r.URL.Query()
	to := s.station.Now()
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid 'to' parameter: %v", err)
		}
		to = t
	}
	from := to.Add(-DefaultWindow)
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid 'from' parameter: %v", err)
		}
		from = t
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, errors.New("'from' must not be after 'to'")
	}
	return from, to, nil
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	resp := map[string]any{
		"time":    s.station.Now(),
		"sensors": len(s.station.Sensors()),
	}
	if s.pipeline != nil {
		resp["healthy"] = s.pipeline.Healthy()
		resp["backlog"] = s.pipeline.Backlog()
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) listSensors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.station.Sensors())
}

func (s *Server) sensorHandler(w http.ResponseWriter, r *http.Request) {
	id, err := sensorID(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	switch r.Method {
	case http.MethodGet:
		st, err := s.station.Sensor(id)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		httputil.WriteJSONOK(w, st)
	case http.MethodDelete:
		if err := s.station.Unbind(r.Context(), id); err != nil {
			httputil.WriteError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		httputil.MethodNotAllowed(w)
	}
}

func (s *Server) showSensorConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	id, err := sensorID(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	cfg, err := s.station.OutboundConfig(id, s.station.Now())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSONOK(w, cfg)
}

func (s *Server) measurementsFor(w http.ResponseWriter, r *http.Request) (uint32, []station.Measurement, bool) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return 0, nil, false
	}
	id, err := sensorID(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return 0, nil, false
	}
	from, to, err := s.timeRange(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return 0, nil, false
	}
	ms, err := s.station.Measurements(r.Context(), id, from, to)
	if err != nil {
		monitoring.Logf("[api] measurements for sensor %d: %v", id, err)
		httputil.InternalServerError(w, "Failed to retrieve measurements")
		return 0, nil, false
	}
	return id, ms, true
}

func (s *Server) listMeasurements(w http.ResponseWriter, r *http.Request) {
	_, ms, ok := s.measurementsFor(w, r)
	if !ok {
		return
	}
	if ms == nil {
		ms = []station.Measurement{}
	}
	httputil.WriteJSONOK(w, ms)
}

func (s *Server) showStats(w http.ResponseWriter, r *http.Request) {
	id, ms, ok := s.measurementsFor(w, r)
	if !ok {
		return
	}
	httputil.WriteJSONOK(w, stats.Summarize(id, ms))
}

// cadenceRequest carries periods as Go duration strings, e.g. "5m".
type cadenceRequest struct {
	MeasurementPeriod string `json:"measurement_period"`
	CommsPeriod       string `json:"comms_period"`
}

func (c cadenceRequest) parse() (schedule.Cadence, error) {
	mp, err := time.ParseDuration(c.MeasurementPeriod)
	if err != nil {
		return schedule.Cadence{}, fmt.Errorf("invalid measurement_period: %v", err)
	}
	cp, err := time.ParseDuration(c.CommsPeriod)
	if err != nil {
		return schedule.Cadence{}, fmt.Errorf("invalid comms_period: %v", err)
	}
	return schedule.Cadence{MeasurementPeriod: mp, CommsPeriod: cp}, nil
}

func (s *Server) scheduleHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		httputil.WriteJSONOK(w, s.station.Schedule(s.station.Now()))
	case http.MethodPost:
		var req cadenceRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
			httputil.BadRequest(w, "invalid JSON body")
			return
		}
		c, err := req.parse()
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		cfg, err := s.station.SetCadence(r.Context(), c)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		monitoring.Logf("[api] cadence changed: %s", cfg)
		httputil.WriteJSON(w, http.StatusCreated, cfg)
	default:
		httputil.MethodNotAllowed(w)
	}
}
