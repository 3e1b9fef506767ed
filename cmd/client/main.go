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

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/studio/internal/adapters/capture"
	router "github.com/dkeye/studio/internal/adapters/http"
	"github.com/dkeye/studio/internal/adapters/rtc"
	"github.com/dkeye/studio/internal/adapters/wsclient"
	"github.com/dkeye/studio/internal/app/mesh"
	"github.com/dkeye/studio/internal/config"
	"github.com/dkeye/studio/internal/core"
	"github.com/dkeye/studio/internal/domain"
)

var (
	errSignalLost = errors.New("signaling connection lost")
	errTerminated = errors.New("session terminated")
)

// flag name per config key
var clientFlags = map[string]string{
	"client.server_url": "server",
	"client.room":       "room",
	"client.identity":   "identity",
	"client.name":       "name",
	"client.debug_addr": "debug-addr",
	"log_level":         "log-level",
}

var rootCmd = &cobra.Command{
	Use:   "studio-client",
	Short: "Headless full-mesh participant for a studio room",
	Long: `studio-client joins a room on the signaling relay, negotiates a direct
media connection with every other participant and keeps them healthy.
Media is synthetic; the coordinator state is served on the debug address.`,
	RunE: run,
}

func init() {
	f := rootCmd.Flags()
	f.String("server", "", "relay websocket url")
	f.String("room", "", "room to join")
	f.String("identity", "", "participant identity (random when empty)")
	f.String("name", "", "display name")
	f.String("debug-addr", "", "debug HTTP listen address, empty to disable")
	f.String("log-level", "", "log level")
	f.Bool("share-screen", false, "start a screen share after joining")
	f.Bool("no-video", false, "capture audio only")
	f.Duration("screen-limit", 0, "end the synthetic screen share after this long")
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("client exited")
		os.Exit(1)
	}
}

func meshThresholds(t config.Thresholds) mesh.Thresholds {
	return mesh.Thresholds{
		Good: mesh.Band(t.Good),
		Fair: mesh.Band(t.Fair),
		Poor: mesh.Band(t.Poor),
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadWithFlags(cmd.Flags(), clientFlags)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(cfg.Level())
	cc := cfg.Client

	self := domain.Identity(cc.Identity)
	if self == "" {
		self = domain.Identity("guest-" + uuid.NewString()[:8])
	}
	if err := self.Validate(); err != nil {
		return fmt.Errorf("identity: %w", err)
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sig, err := wsclient.Dial(ctx, cc.ServerURL)
	if err != nil {
		return err
	}
	defer sig.Close()

	noVideo, _ := cmd.Flags().GetBool("no-video")
	screenLimit, _ := cmd.Flags().GetDuration("screen-limit")
	provider := capture.NewProvider(capture.NewSynthetic(capture.SyntheticConfig{
		StreamID:    string(self),
		NoVideo:     noVideo,
		ScreenLimit: screenLimit,
	}))
	defer provider.Close()

	obs := newLogObserver()
	coord, err := mesh.New(mesh.Options{
		Self:            self,
		Signal:          sig,
		Media:           rtc.NewFactory(rtc.ICEConfig(cc.ICEServers)),
		Capture:         provider,
		Observer:        obs,
		Clock:           clockwork.NewRealClock(),
		ProbeTimeout:    cc.ProbeTimeout,
		GraceWindow:     cc.GraceWindow,
		ReconnectDelay:  cc.ReconnectDelay,
		MonitorInterval: cc.MonitorInterval,
		HealthWindow:    cc.HealthWindow,
		Thresholds:      meshThresholds(cc.Thresholds),
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := coord.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		return join(gctx, cmd, coord, provider, sig, cc, self)
	})

	if cc.DebugAddr != "" {
		srv := &http.Server{
			Addr:    cc.DebugAddr,
			Handler: router.SetupDebugRouter(cfg.Mode, coord),
		}
		g.Go(func() error {
			log.Info().Str("addr", cc.DebugAddr).Msg("debug endpoint started")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer shutdownCancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-sig.Done():
			if err := sig.Err(); err != nil {
				return fmt.Errorf("%w: %v", errSignalLost, err)
			}
			return errSignalLost
		case reason := <-obs.terminated:
			return fmt.Errorf("%w: %s", errTerminated, reason)
		}
	})

	err = g.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if serr := coord.Shutdown(shutdownCtx); serr != nil {
		log.Warn().Err(serr).Msg("coordinator shutdown")
	}
	if errors.Is(err, errTerminated) {
		log.Warn().Err(err).Msg("left the room")
		return nil
	}
	log.Info().Msg("client exited gracefully")
	return err
}

// join publishes local media and enters the room.
func join(ctx context.Context, cmd *cobra.Command, coord *mesh.Coordinator, provider *capture.Provider, sig *wsclient.Client, cc config.ClientConfig, self domain.Identity) error {
	bundle, err := provider.AcquireLocal(ctx)
	if err != nil {
		var ce *capture.Error
		if !errors.As(err, &ce) {
			return err
		}
		log.Warn().Str("cause", string(ce.Cause)).Msg(ce.Message())
		bundle = core.LocalBundle{}
	}
	if err := coord.ApplyLocalBundleChange(ctx, bundle); err != nil {
		return err
	}
	if err := sig.Join(domain.RoomName(cc.Room), self, cc.Name); err != nil {
		return err
	}
	log.Info().Str("room", cc.Room).Str("identity", string(self)).Msg("join sent")

	if share, _ := cmd.Flags().GetBool("share-screen"); share {
		if err := coord.StartScreenShare(ctx); err != nil {
			var ce *capture.Error
			if errors.As(err, &ce) {
				log.Warn().Str("cause", string(ce.Cause)).Msg(ce.Message())
				return nil
			}
			return err
		}
	}
	return nil
}
