package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/basestation/internal/api"
	"github.com/banshee-data/basestation/internal/config"
	"github.com/banshee-data/basestation/internal/health"
	"github.com/banshee-data/basestation/internal/influx"
	"github.com/banshee-data/basestation/internal/monitoring"
	"github.com/banshee-data/basestation/internal/schedule"
	"github.com/banshee-data/basestation/internal/serialmux"
	"github.com/banshee-data/basestation/internal/station"
)

func newServeCmd() *cobra.Command {
	var (
		noRadio bool
		listen  string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the base station service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if noRadio {
				cfg.Radio.Disabled = true
			}
			if listen != "" {
				cfg.Listen = listen
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().BoolVar(&noRadio, "no-radio", false, "Run without a radio module; frames can be injected from /debug/send-command")
	cmd.Flags().StringVar(&listen, "listen", "", "Override the HTTP listen address")
	return cmd
}

// applyCadence switches to c unless it is already the active cadence.
func applyCadence(ctx context.Context, e *station.Engine, c schedule.Cadence) error {
	if h := e.History(); len(h) > 0 {
		active := h[len(h)-1]
		if active.MeasurementPeriod == c.MeasurementPeriod && active.CommsPeriod == c.CommsPeriod {
			return nil
		}
	}
	_, err := e.SetCadence(ctx, c)
	return err
}

func openRadio(cfg config.RadioConfig) (serialmux.SerialMuxInterface, error) {
	if cfg.Disabled {
		log.Print("radio disabled, using an in-process stand-in")
		return serialmux.NewDisabledSerialMux(), nil
	}
	mux, err := serialmux.NewRealSerialMux(cfg.Port, cfg.Serial)
	if err != nil {
		return nil, fmt.Errorf("failed to open radio: %w", err)
	}
	return mux, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	logFile := monitoring.SetOutputFile(cfg.Log)
	defer logFile.Close()

	store, err := openBackend(cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	var observers station.Observers
	if cfg.Influx != nil {
		icfg := *cfg.Influx
		if icfg.Station == "" {
			icfg.Station = cfg.StationName
		}
		mirror, err := influx.New(ctx, icfg)
		if err != nil {
			// The mirror is optional; SQLite remains the record.
			log.Printf("influx mirror disabled: %v", err)
		} else {
			observers = append(observers, mirror)
			defer mirror.Shutdown(context.Background(), 5*time.Second)
		}
	}

	opts := cfg.EngineOptions()
	opts.Observer = observers
	engine := station.NewEngine(store, opts)
	if err := engine.Load(ctx); err != nil {
		return err
	}
	if err := applyCadence(ctx, engine, cfg.Cadence.Cadence()); err != nil {
		return fmt.Errorf("apply configured cadence: %w", err)
	}

	radio, err := openRadio(cfg.Radio)
	if err != nil {
		return err
	}
	defer radio.Close()

	pipeline := station.NewPipeline(engine, cfg.PipelineOptions())
	bridge := &serialmux.Bridge{Mux: radio, Roster: engine, Queue: pipeline}

	mux := api.NewServer(engine, pipeline).ServeMux()
	radio.AttachAdminRoutes(mux)
	if store.sql != nil {
		store.sql.AttachAdminRoutes(mux)
	}
	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.LoggingMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	pipeline.Start(gctx)

	g.Go(func() error {
		if err := radio.Monitor(gctx); err != nil && gctx.Err() == nil {
			return fmt.Errorf("radio monitor: %w", err)
		}
		log.Print("monitor routine terminated")
		return nil
	})

	g.Go(func() error {
		if err := bridge.Run(gctx); err != nil && gctx.Err() == nil {
			return fmt.Errorf("radio bridge: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		log.Printf("listening on %s", cfg.Listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if cfg.HealthListen != "" {
		g.Go(func() error {
			return health.NewServer(pipeline, 0).Serve(gctx, cfg.HealthListen)
		})
	}

	if configPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, configPath, 0, func(next *config.Config) {
				if err := applyCadence(gctx, engine, next.Cadence.Cadence()); err != nil {
					log.Printf("config reload: %v", err)
				}
			})
		})
	}

	err = g.Wait()
	pipeline.Stop()
	log.Printf("stopped with %d measurements unpersisted", pipeline.Backlog())
	return err
}
