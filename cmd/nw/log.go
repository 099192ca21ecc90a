package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/nestwatch/internal/activity"
	"github.com/zulandar/nestwatch/internal/device"
)

func newLogCmd() *cobra.Command {
	var (
		configPath string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "log <device-id>",
		Short: "Show a device's monitoring history, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLog(cmd, configPath, args[0], limit)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to nestwatch config file")
	cmd.Flags().IntVarP(&limit, "limit", "n", activity.DefaultLimit, "maximum entries to show")
	return cmd
}

func runLog(cmd *cobra.Command, configPath, deviceID string, limit int) error {
	if err := device.ValidateID(deviceID); err != nil {
		return err
	}
	if limit < 0 {
		return fmt.Errorf("--limit must not be negative")
	}
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	entries, err := activity.Query(gormDB, deviceID, limit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintf(out, "No activity for %s.\n", deviceID)
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tSTATUS\tDURATION\tPARENT\tSESSION")
	for _, e := range entries {
		dur := "-"
		if e.DurationSeconds != nil {
			dur = activity.FormatDuration(*e.DurationSeconds)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.StartedAt.Local().Format(time.DateTime), e.Status, dur, e.ParentID, e.SessionID)
	}
	return w.Flush()
}
