package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/VoiceRooms/internal/adapters/engine"
	router "github.com/dkeye/VoiceRooms/internal/adapters/http"
	wsignal "github.com/dkeye/VoiceRooms/internal/adapters/signal"
	"github.com/dkeye/VoiceRooms/internal/app/orch"
	"github.com/dkeye/VoiceRooms/internal/config"
	"github.com/dkeye/VoiceRooms/internal/core"
	"github.com/dkeye/VoiceRooms/internal/domain"
)

func main() {
	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	app := &cli.App{
		Name:  "voice-rooms",
		Usage: "multi-room WebRTC conferencing signaling server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to the YAML config file",
				EnvVars: []string{"VOICE_CONFIG"},
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	setupLogging(cfg)

	ctx, cancel := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	worker, err := engine.NewWorker(engine.Config{RTCMinPort: cfg.Media.RTCMinPort, RTCMaxPort: cfg.Media.RTCMaxPort})
	if err != nil {
		return fmt.Errorf("start media worker: %w", err)
	}
	defer worker.Close()

	o := orch.NewOrchestrator(worker, orchOptions(cfg))
	ctrl := wsignal.NewSignalWSController(o, wsignal.NewHub(), wsignal.Options{
		ReadLimit:        cfg.ReadLimit,
		PingPeriod:       cfg.PingPeriod,
		RequestTimeout:   cfg.RequestTimeout,
		JoinRateLimit:    cfg.JoinRateLimit,
		JoinRateInterval: cfg.JoinRateInterval,
	})

	var dead atomic.Value
	health := func() error {
		if err, ok := dead.Load().(error); ok {
			return err
		}
		return nil
	}

	r := router.SetupRouter(ctx, cfg, ctrl, health)
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router.WithCORS(cfg, r),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("Voice server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-worker.Died():
			if err == nil {
				err = core.ErrFatal
			}
			dead.Store(err)
			log.Error().Err(err).Dur("grace", cfg.WorkerDiedGrace).Msg("media worker died, exiting")
			time.Sleep(cfg.WorkerDiedGrace)
			os.Exit(1)
			return err
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("Server exited gracefully")
	return nil
}

func setupLogging(cfg *config.Config) {
	if cfg.Mode != "debug" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func orchOptions(cfg *config.Config) orch.Options {
	listen := make([]core.ListenIP, 0, len(cfg.Media.ListenIPs))
	for _, l := range cfg.Media.ListenIPs {
		listen = append(listen, core.ListenIP{IP: l.IP, AnnouncedIP: l.AnnouncedIP})
	}
	codecs := make([]core.MediaCodec, 0, len(cfg.Media.Codecs))
	for _, mc := range cfg.Media.Codecs {
		codecs = append(codecs, core.MediaCodec{
			Kind:       domain.MediaKind(strings.ToLower(mc.Kind)),
			MimeType:   mc.MimeType,
			ClockRate:  mc.ClockRate,
			Channels:   mc.Channels,
			Parameters: mc.Parameters,
		})
	}
	return orch.Options{
		Codecs: codecs,
		Transport: core.TransportOptions{
			ListenIPs:                       listen,
			EnableUDP:                       true,
			EnableTCP:                       true,
			PreferUDP:                       true,
			InitialAvailableOutgoingBitrate: cfg.Media.InitialAvailableOutgoingBitrate,
		},
		Observer: core.ObserverOptions{
			MaxEntries: cfg.Media.ObserverMaxEntries,
			Threshold:  cfg.Media.ObserverThreshold,
			IntervalMs: int(cfg.Media.ObserverInterval / time.Millisecond),
		},
		EmptyRoomTTL: cfg.EmptyRoomTTL,
	}
}
