package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/nestwatch/internal/device"
	"github.com/zulandar/nestwatch/internal/session"
)

func newDeviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Device registry commands",
	}

	cmd.AddCommand(newDeviceRegisterCmd())
	cmd.AddCommand(newDeviceListCmd())
	cmd.AddCommand(newDeviceSettingsCmd())
	cmd.AddCommand(newDeviceSetCmd())
	return cmd
}

func newDeviceRegisterCmd() *cobra.Command {
	var (
		configPath string
		parentID   string
		name       string
	)

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a new device and print its ID",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeviceRegister(cmd, configPath, parentID, name)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to nestwatch config file")
	cmd.Flags().StringVar(&parentID, "parent", "", "owning parent account (required)")
	cmd.Flags().StringVar(&name, "name", "", "display name (default \"Device N\")")
	cmd.MarkFlagRequired("parent")
	return cmd
}

func runDeviceRegister(cmd *cobra.Command, configPath, parentID, name string) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	dev, err := device.Register(gormDB, device.RegisterOpts{ParentID: parentID, Name: name})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Registered device %s (%s)\n", dev.ID, dev.Name)
	return nil
}

func newDeviceListCmd() *cobra.Command {
	var (
		configPath string
		parentID   string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List devices with their status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeviceList(cmd, configPath, parentID)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to nestwatch config file")
	cmd.Flags().StringVar(&parentID, "parent", "", "only list this parent's devices")
	return cmd
}

func runDeviceList(cmd *cobra.Command, configPath, parentID string) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	devices, err := device.List(gormDB, parentID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(devices) == 0 {
		fmt.Fprintln(out, "No devices found.")
		return nil
	}

	// Privacy windows live in the server process; the CLI only sees sessions.
	coord := session.New(session.Opts{DB: gormDB})
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tPARENT\tSTATUS\tLAST CONNECTION")
	for _, d := range devices {
		status, err := coord.DeviceStatus(cmd.Context(), d.ID)
		if err != nil {
			return err
		}
		last := "-"
		if d.LastConnectionAt != nil {
			last = d.LastConnectionAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", d.ID, d.Name, d.ParentID, status, last)
	}
	return w.Flush()
}

func newDeviceSettingsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "settings <device-id>",
		Short: "Show a device's settings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			s, err := device.GetSettings(gormDB, args[0])
			if err != nil {
				return err
			}
			printSettings(cmd.OutOrStdout(), s)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to nestwatch config file")
	return cmd
}

func newDeviceSetCmd() *cobra.Command {
	var (
		configPath string
		as         string
		name       string
		privacy    bool
		endCall    bool
		autoAccept bool
		locked     bool
		maxMinutes int
		unlimited  bool
	)

	cmd := &cobra.Command{
		Use:   "set <device-id>",
		Short: "Change a device's settings",
		Long: `Changes only the settings whose flags are given. For example:

  nw device set DEV-0A1B2C3D --end-call=false --max-minutes 30
  nw device set DEV-0A1B2C3D --unlimited`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := cmd.Flags()
			var patch device.Patch
			if f.Changed("name") {
				patch.Name = &name
			}
			if f.Changed("privacy") {
				patch.AllowPrivacyMode = &privacy
			}
			if f.Changed("end-call") {
				patch.AllowEndCall = &endCall
			}
			if f.Changed("auto-accept") {
				patch.AutoAcceptCalls = &autoAccept
			}
			if f.Changed("locked") {
				patch.AdminLocked = &locked
			}
			if f.Changed("max-minutes") {
				patch.MaxCallDurationMinutes = &maxMinutes
			}
			patch.ClearMaxCallDuration = unlimited
			if patch.Empty() {
				return fmt.Errorf("no settings given; see --help")
			}
			return runDeviceSet(cmd, configPath, args[0], as, patch)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to nestwatch config file")
	cmd.Flags().StringVar(&as, "as", "parent", "actor making the change (parent, child)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().BoolVar(&privacy, "privacy", true, "allow the child to enable privacy mode")
	cmd.Flags().BoolVar(&endCall, "end-call", true, "allow the child to end sessions")
	cmd.Flags().BoolVar(&autoAccept, "auto-accept", true, "accept sessions without a prompt")
	cmd.Flags().BoolVar(&locked, "locked", false, "lock settings against child changes")
	cmd.Flags().IntVar(&maxMinutes, "max-minutes", 0, "maximum session length in minutes")
	cmd.Flags().BoolVar(&unlimited, "unlimited", false, "remove the maximum session length")
	return cmd
}

func runDeviceSet(cmd *cobra.Command, configPath, id, as string, patch device.Patch) error {
	actor, err := device.ParseActor(as)
	if err != nil {
		return err
	}
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	s, err := device.UpdateSettingsAs(gormDB, id, patch, actor)
	if err != nil {
		return err
	}
	printSettings(cmd.OutOrStdout(), s)
	return nil
}

func printSettings(out io.Writer, s *device.Settings) {
	maxDur := "unlimited"
	if s.MaxCallDurationMinutes != nil {
		maxDur = fmt.Sprintf("%d min", *s.MaxCallDurationMinutes)
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Device:\t%s\n", s.DeviceID)
	fmt.Fprintf(w, "Name:\t%s\n", s.DeviceName)
	fmt.Fprintf(w, "Privacy mode allowed:\t%s\n", yesNo(s.AllowPrivacyMode))
	fmt.Fprintf(w, "End call allowed:\t%s\n", yesNo(s.AllowEndCall))
	fmt.Fprintf(w, "Auto-accept calls:\t%s\n", yesNo(s.AutoAcceptCalls))
	fmt.Fprintf(w, "Admin locked:\t%s\n", yesNo(s.AdminLocked))
	fmt.Fprintf(w, "Max call duration:\t%s\n", maxDur)
	w.Flush()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
