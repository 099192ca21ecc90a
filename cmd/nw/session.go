package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/nestwatch/internal/activity"
	"github.com/zulandar/nestwatch/internal/device"
	"github.com/zulandar/nestwatch/internal/session"
)

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Monitoring session commands",
		Long: `Starts, ends and inspects monitoring sessions directly against the
database. Privacy windows are held by a running "nw serve" and are not
visible here; use the HTTP API when privacy mode matters.`,
	}

	cmd.AddCommand(newSessionStartCmd())
	cmd.AddCommand(newSessionEndCmd())
	cmd.AddCommand(newSessionStatusCmd())
	return cmd
}

func newSessionStartCmd() *cobra.Command {
	var (
		configPath string
		parentID   string
	)

	cmd := &cobra.Command{
		Use:   "start <device-id>",
		Short: "Open a monitoring session on a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			coord := session.New(session.Opts{DB: gormDB})
			res, err := coord.Start(cmd.Context(), args[0], parentID)
			if err != nil {
				return err
			}
			if !res.Admitted() {
				return fmt.Errorf("session refused: %s", res.Refusal.Message())
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Started session %s on %s\n", res.Session.SessionID, args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to nestwatch config file")
	cmd.Flags().StringVar(&parentID, "parent", "", "parent opening the session (required)")
	cmd.MarkFlagRequired("parent")
	return cmd
}

func newSessionEndCmd() *cobra.Command {
	var (
		configPath string
		as         string
	)

	cmd := &cobra.Command{
		Use:   "end <device-id> <session-id>",
		Short: "End a monitoring session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := device.ParseActor(as)
			if err != nil {
				return err
			}
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			coord := session.New(session.Opts{DB: gormDB})
			res, err := coord.EndAs(cmd.Context(), args[0], args[1], actor)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch {
			case res.Refusal != "":
				return fmt.Errorf("end refused: %s", res.Refusal.Message())
			case res.NotFound:
				fmt.Fprintf(out, "No open session %s on %s\n", args[1], args[0])
			default:
				fmt.Fprintf(out, "Ended session %s after %s\n", args[1], activity.FormatDuration(res.DurationSeconds))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to nestwatch config file")
	cmd.Flags().StringVar(&as, "as", "parent", "actor ending the session (parent, child, system)")
	return cmd
}

func newSessionStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status <device-id>",
		Short: "Show a device's open session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			coord := session.New(session.Opts{DB: gormDB})
			sess, err := coord.Active(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if sess == nil {
				fmt.Fprintf(out, "%s: %s\n", args[0], device.StatusOffline)
				return nil
			}
			elapsed := int(time.Since(sess.StartedAt) / time.Second)
			fmt.Fprintf(out, "%s: %s\n", args[0], device.StatusOnline)
			fmt.Fprintf(out, "  session  %s\n", sess.SessionID)
			fmt.Fprintf(out, "  parent   %s\n", sess.ParentID)
			fmt.Fprintf(out, "  started  %s (%s ago)\n", sess.StartedAt.Local().Format(time.DateTime), activity.FormatDuration(elapsed))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to nestwatch config file")
	return cmd
}
