package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/basestation/internal/schedule"
	"github.com/banshee-data/basestation/internal/station"
)

func printSchedule(w io.Writer, st station.ScheduleStatus) error {
	if len(st.History) == 0 {
		fmt.Fprintln(w, "no cadence configured")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FROM INDEX\tAT\tMEASURE EVERY\tCOMMS EVERY")
	for _, c := range st.History {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", c.BaselineIndex, formatTime(c.BaselineTimePoint), c.MeasurementPeriod, c.CommsPeriod)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "\n%d sensors, comms round every %s, next round at %s\n",
		st.SensorCount, st.ActualCommsPeriod, formatTime(st.NextRound))
	return nil
}

func newCadenceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cadence",
		Short: "Show or change the measurement and comms periods",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the cadence history and the current comms round",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(e *station.Engine) error {
				return printSchedule(cmd.OutOrStdout(), e.Schedule(e.Now()))
			})
		},
	})

	var measure, comms time.Duration
	set := &cobra.Command{
		Use:   "set",
		Short: "Start a new cadence at the next sample boundary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(e *station.Engine) error {
				cfg, err := e.SetCadence(cmd.Context(), schedule.Cadence{MeasurementPeriod: measure, CommsPeriod: comms})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "new cadence from %s\n", cfg)
				return nil
			})
		},
	}
	set.Flags().DurationVar(&measure, "measurement", 5*time.Minute, "Measurement period")
	set.Flags().DurationVar(&comms, "comms", 15*time.Minute, "Comms period")
	cmd.AddCommand(set)
	return cmd
}
