package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	router "github.com/dkeye/studio/internal/adapters/http"
	"github.com/dkeye/studio/internal/app"
	"github.com/dkeye/studio/internal/app/orch"
	"github.com/dkeye/studio/internal/config"
)

// flag name per config key
var relayFlags = map[string]string{
	"port":            "port",
	"mode":            "mode",
	"static_path":     "static",
	"log_level":       "log-level",
	"join_rate_limit": "join-rate-limit",
}

var rootCmd = &cobra.Command{
	Use:   "studio-relay",
	Short: "Signaling relay for studio rooms",
	Long: `studio-relay tracks room membership and forwards offers, answers, ICE
candidates and liveness probes between the participants of a room.
Media never passes through it.`,
	RunE: run,
}

func init() {
	f := rootCmd.Flags()
	f.Int("port", 0, "listen port")
	f.String("mode", "", "gin mode: debug, release or test")
	f.String("static", "", "directory served under /static, empty to disable")
	f.String("log-level", "", "log level")
	f.Int("join-rate-limit", 0, "joins allowed per identity within the rate interval, 0 disables")
}

func main() {
	// Initialize zerolog global logger early so config loading can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("relay exited")
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadWithFlags(cmd.Flags(), relayFlags)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	zerolog.SetGlobalLevel(cfg.Level())

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	o := &orch.Orchestrator{
		Registry: app.NewRegistry(),
		Rooms:    app.NewRoomManager(),
		Policy:   app.SimplePolicy{},
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router.SetupRouter(ctx, cfg, o),
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("Studio relay started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}

	log.Info().Int("connections", o.Registry.Len()).Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
	return nil
}
