package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/basestation/internal/security"
	"github.com/banshee-data/basestation/internal/station"
)

var csvHeader = []string{"sensor_id", "index", "assigned_at", "temperature_c", "humidity_pct"}

func writeCSV(w io.Writer, ms []station.Measurement) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, m := range ms {
		if err := cw.Write([]string{
			strconv.FormatUint(uint64(m.SensorID), 10),
			strconv.FormatUint(uint64(m.Index), 10),
			m.AssignedAt.UTC().Format(time.RFC3339),
			strconv.FormatFloat(m.TemperatureC, 'f', 2, 64),
			strconv.FormatFloat(m.HumidityPct, 'f', 2, 64),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func newExportCmd() *cobra.Command {
	var (
		out      string
		from, to string
		window   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "export ID",
		Short: "Write a sensor's stored measurements as CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid sensor id %q", args[0])
			}
			return withEngine(cmd.Context(), func(e *station.Engine) error {
				s, err := e.Sensor(uint32(id))
				if err != nil {
					return err
				}
				end := e.Now()
				if to != "" {
					if end, err = time.Parse(time.RFC3339, to); err != nil {
						return fmt.Errorf("invalid --to: %w", err)
					}
				}
				start := end.Add(-window)
				if from != "" {
					if start, err = time.Parse(time.RFC3339, from); err != nil {
						return fmt.Errorf("invalid --from: %w", err)
					}
				}
				ms, err := e.Measurements(cmd.Context(), s.ID, start, end)
				if err != nil {
					return err
				}

				path := out
				if path == "" {
					path = fmt.Sprintf("sensor-%d-%s.csv", s.ID, security.SanitizeFilename(s.Address))
				}
				if path == "-" {
					return writeCSV(cmd.OutOrStdout(), ms)
				}
				if err := security.ValidateExportPath(path); err != nil {
					return err
				}
				f, err := os.Create(path)
				if err != nil {
					return err
				}
				if err := writeCSV(f, ms); err != nil {
					f.Close()
					return err
				}
				if err := f.Close(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %d measurements to %s\n", len(ms), path)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output file under the working or temp directory; - for stdout")
	cmd.Flags().StringVar(&from, "from", "", "Start of the range (RFC3339); defaults to --window before --to")
	cmd.Flags().StringVar(&to, "to", "", "End of the range (RFC3339); defaults to now")
	cmd.Flags().DurationVar(&window, "window", 24*time.Hour, "Range length when --from is not given")
	return cmd
}
