package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/nainya/scoresync/internal/auth"
	"github.com/nainya/scoresync/internal/config"
	"github.com/nainya/scoresync/internal/logger"
	"github.com/nainya/scoresync/internal/server"
	"github.com/nainya/scoresync/pkg/protocol"
	"github.com/nainya/scoresync/pkg/transport"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay server",
		Long: `Start the websocket relay together with the gRPC health service,
the metrics endpoint and the idle session janitor.

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with a config file
  scoresync serve --config scoresync.yaml

  # Start with debug logging
  scoresync serve --config scoresync.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if debug {
				cfg.Log.Level = "debug"
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "scoresync.yaml", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logger.NewLogger(cfg.Log.LoggerConfig())

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv, err := server.New(ctx, cfg.Server, log, reg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	return srv.Run(ctx)
}

func buildWatchCmd() *cobra.Command {
	var (
		configPath string
		url        string
		token      string
		events     []string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print relayed events as JSON lines",
		Example: `  # Watch every event on a local relay
  scoresync watch --url ws://localhost:8080/realtime

  # Watch operations only
  scoresync watch --url ws://localhost:8080/realtime --event operationApplied`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			tcfg := cfg.Client.TransportConfig()
			if url != "" {
				tcfg.URL = url
			}
			if tcfg.URL == "" {
				return errors.New("--url is required")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			enc := json.NewEncoder(cmd.OutOrStdout())
			return runWatch(ctx, tcfg, token, events, func(ev protocol.RealtimeEvent) {
				_ = enc.Encode(ev)
			}, logger.NewLogger(logger.Config{Level: cfg.Log.Level, Output: cmd.ErrOrStderr()}))
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file (client section)")
	cmd.Flags().StringVar(&url, "url", "", "Relay websocket URL")
	cmd.Flags().StringVar(&token, "token", "", "Bearer token for the relay")
	cmd.Flags().StringSliceVar(&events, "event", []string{"*"}, "Event names to watch")
	return cmd
}

// runWatch connects, subscribes to events and blocks until ctx is done
func runWatch(ctx context.Context, cfg transport.Config, token string, events []string, emit func(protocol.RealtimeEvent), log *logger.Logger) error {
	t := transport.New(cfg, transport.WithLogger(log))
	defer t.Close()

	t.Events().On(transport.EventStateChanged, func(payload any) {
		if state, ok := payload.(transport.ConnectionState); ok {
			log.Info("connection state").Str("status", string(state.Status)).Int("attempts", state.ReconnectAttempts).Send()
		}
	})
	for _, name := range events {
		t.Subscribe(name, emit, nil)
	}

	if err := t.Connect(ctx, token); err != nil {
		return err
	}

	<-ctx.Done()
	return nil
}

func buildTokenCmd() *cobra.Command {
	var (
		secret string
		id     string
		name   string
		role   string
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a signed token for a collaborator",
		Example: `  scoresync token --secret "$SCORESYNC_SECRET" --user ada --name "Ada" --ttl 24h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = os.Getenv("SCORESYNC_SECRET")
			}
			if secret == "" {
				return errors.New("--secret or SCORESYNC_SECRET is required")
			}
			if id == "" {
				return errors.New("--user is required")
			}
			signed, err := auth.NewJWTService(secret, ttl).Generate(auth.Identity{ID: id, Name: name, Role: role})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), signed)
			return nil
		},
	}

	cmd.Flags().StringVar(&secret, "secret", "", "HMAC signing secret")
	cmd.Flags().StringVar(&id, "user", "", "Collaborator id")
	cmd.Flags().StringVar(&name, "name", "", "Display name")
	cmd.Flags().StringVar(&role, "role", "", "Role claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime, 0 for no expiry")
	return cmd
}
