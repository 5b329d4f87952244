// Package stats summarises stored readings for the API.
package stats

import (
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/basestation/internal/station"
)

// Series describes one reading channel over a window.
type Series struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	P50    float64 `json:"p50"`
	P95    float64 `json:"p95"`
}

// Summary is the statistics of a sensor's measurements in a time range.
type Summary struct {
	SensorID    uint32    `json:"sensor_id"`
	Count       int       `json:"count"`
	From        time.Time `json:"from"`
	To          time.Time `json:"to"`
	FirstIndex  uint32    `json:"first_index"`
	LastIndex   uint32    `json:"last_index"`
	Missing     int       `json:"missing"`
	Temperature Series    `json:"temperature_c"`
	Humidity    Series    `json:"humidity_pct"`
}

// Summarize computes a Summary of ms. Missing counts the index gaps between
// the first and last measurement, which a later upload may still fill.
func Summarize(sensorID uint32, ms []station.Measurement) Summary {
	s := Summary{SensorID: sensorID, Count: len(ms)}
	if len(ms) == 0 {
		return s
	}

	sorted := append([]station.Measurement(nil), ms...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	temps := make([]float64, len(sorted))
	hums := make([]float64, len(sorted))
	for i, m := range sorted {
		temps[i] = m.TemperatureC
		hums[i] = m.HumidityPct
	}

	first, last := sorted[0], sorted[len(sorted)-1]
	s.FirstIndex = first.Index
	s.LastIndex = last.Index
	s.From = first.AssignedAt
	s.To = last.AssignedAt
	s.Missing = int(last.Index-first.Index) + 1 - distinct(sorted)
	s.Temperature = summarise(temps)
	s.Humidity = summarise(hums)
	return s
}

func distinct(sorted []station.Measurement) int {
	n := 0
	for i, m := range sorted {
		if i == 0 || m.Index != sorted[i-1].Index {
			n++
		}
	}
	return n
}

func summarise(xs []float64) Series {
	mean, std := stat.MeanStdDev(xs, nil)
	if math.IsNaN(std) {
		std = 0
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	return Series{
		Mean:   mean,
		StdDev: std,
		Min:    floats.Min(sorted),
		Max:    floats.Max(sorted),
		P50:    stat.Quantile(0.5, stat.Empirical, sorted, nil),
		P95:    stat.Quantile(0.95, stat.Empirical, sorted, nil),
	}
}
