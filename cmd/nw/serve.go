package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/zulandar/nestwatch/internal/alert"
	"github.com/zulandar/nestwatch/internal/alert/discord"
	"github.com/zulandar/nestwatch/internal/alert/slack"
	"github.com/zulandar/nestwatch/internal/api"
	"github.com/zulandar/nestwatch/internal/config"
	"github.com/zulandar/nestwatch/internal/db"
	"github.com/zulandar/nestwatch/internal/device"
	"github.com/zulandar/nestwatch/internal/privacy"
	"github.com/zulandar/nestwatch/internal/session"
	"gorm.io/gorm"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the nestwatch API server",
		Long: `Starts the HTTP API together with the privacy-mode timer, the
overdue-session sweep and parent alerts. Sessions left open by a previous
run are interrupted on startup.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to nestwatch config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (overrides server.port)")
	return cmd
}

// services is everything serve runs besides the HTTP listener.
type services struct {
	sessions *session.Coordinator
	privacy  *privacy.Timer
	alerts   *alert.Dispatcher
	sweeper  *cron.Cron
}

func runServe(cmd *cobra.Command, configPath string, port int) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	if port > 0 {
		cfg.Server.Port = port
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	if err := db.SeedDevices(gormDB, cfg.Devices); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := newServices(ctx, cfg, gormDB)
	if err != nil {
		return err
	}
	if n, err := svc.sessions.Recover(ctx); err != nil {
		return fmt.Errorf("recover sessions: %w", err)
	} else if n > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "Interrupted %d session(s) left open by a previous run\n", n)
	}

	svc.privacy.Start()
	defer svc.privacy.Stop()
	svc.sweeper.Start()
	defer func() { <-svc.sweeper.Stop().Done() }()
	go svc.alerts.Run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(cmd.OutOrStdout(), "\nReceived %s, shutting down...\n", sig)
		cancel()
	}()

	return api.Start(ctx, api.StartOpts{
		DB:       gormDB,
		Sessions: svc.sessions,
		Privacy:  svc.privacy,
		Alerts:   svc.alerts,
		Port:     cfg.Server.Port,
		Out:      cmd.OutOrStdout(),
	})
}

// newServices wires the coordinator, privacy timer, alert dispatcher and
// overdue sweep. Nothing is started.
func newServices(ctx context.Context, cfg *config.Config, gormDB *gorm.DB) (*services, error) {
	notifiers, err := buildNotifiers(cfg.Alerts)
	if err != nil {
		return nil, err
	}
	alerts := alert.NewDispatcher(cfg.Alerts.QueueSize, notifiers...)

	timer := privacy.New(privacy.Opts{
		Settings: privacy.SettingsFunc(func(id string) (*device.Settings, error) {
			return device.GetSettings(gormDB, id)
		}),
		OnExpire: func(id string) {
			alerts.Publish(alert.Event{Kind: alert.PrivacyExpired, DeviceID: id})
		},
		MaxMinutes: cfg.Privacy.MaxMinutes,
	})

	coord := session.New(session.Opts{
		DB:      gormDB,
		Privacy: timer,
		Alerts:  alerts,
		Debug:   cfg.Server.Debug,
	})

	sweeper := cron.New()
	_, err = sweeper.AddFunc(cfg.Sessions.SweepSchedule, func() {
		n, err := coord.EndOverdue(ctx)
		if err != nil {
			log.Printf("serve: sweep overdue sessions: %v", err)
			return
		}
		if n > 0 {
			log.Printf("serve: ended %d overdue session(s)", n)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("sessions.sweep_schedule %q: %w", cfg.Sessions.SweepSchedule, err)
	}

	return &services{sessions: coord, privacy: timer, alerts: alerts, sweeper: sweeper}, nil
}

func buildNotifiers(cfg config.AlertsConfig) ([]alert.Notifier, error) {
	var notifiers []alert.Notifier
	if cfg.Slack.Enabled() {
		n, err := slack.New(slack.Opts{BotToken: cfg.Slack.BotToken, ChannelID: cfg.Slack.ChannelID})
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, n)
	}
	if cfg.Discord.Enabled() {
		n, err := discord.New(discord.Opts{BotToken: cfg.Discord.BotToken, ChannelID: cfg.Discord.ChannelID})
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, n)
	}
	return notifiers, nil
}
