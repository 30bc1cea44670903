package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/DonTee-Why/logstack/internal/admission"
	"github.com/DonTee-Why/logstack/internal/authn"
	"github.com/DonTee-Why/logstack/internal/config"
	"github.com/DonTee-Why/logstack/internal/dedupe"
	"github.com/DonTee-Why/logstack/internal/diskstat"
	"github.com/DonTee-Why/logstack/internal/forwarder"
	"github.com/DonTee-Why/logstack/internal/health"
	"github.com/DonTee-Why/logstack/internal/mask"
	"github.com/DonTee-Why/logstack/internal/metrics"
	"github.com/DonTee-Why/logstack/internal/ratelimit"
	"github.com/DonTee-Why/logstack/internal/server"
	"github.com/DonTee-Why/logstack/internal/sink"
	"github.com/DonTee-Why/logstack/internal/wal"
)

func main() {
	configPath := pflag.String("config", "", "path to the YAML configuration file")
	logLevel := pflag.String("log-level", "", "override the configured log level")
	pflag.Parse()

	_ = godotenv.Load()

	bootstrap := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootstrap.Fatal().Err(err).Msg("could not load configuration")
	}
	if *logLevel != "" {
		cfg.Server.LogLevel = *logLevel
	}

	log := buildLogger(cfg.Server.LogLevel)
	cfgStore := config.NewStore(cfg)

	reg := metrics.New()
	tokens := authn.NewRegistry(cfg.Security.APIKeys)
	limiter := ratelimit.New(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst)
	masker := mask.New(cfg.Masking, func() {})
	dedupCache := dedupe.New()

	walMgr := wal.New(cfg.WAL, log, func() (float64, error) {
		return diskstat.FreeRatio(cfg.WAL.RootPath)
	})
	walMgr.SetMetrics(reg)
	if err := walMgr.Recover(); err != nil {
		log.Fatal().Err(err).Msg("wal recovery failed")
	}

	pipeline := admission.New(tokens, limiter, masker, walMgr, dedupCache, reg, cfgStore)

	sinkClient := sink.New(cfg.Loki.BaseURL, cfg.Loki.AuthToken, time.Duration(cfg.Loki.TimeoutSeconds)*time.Second)
	checker := health.New(sinkClient, cfg.WAL.RootPath, cfg.WAL.DiskFreeMinRatio, 60*time.Second)
	checker.NoteRecovered(true)

	fwd := forwarder.New(walMgr, sinkClient, cfg.Loki, reg, log, checker.NoteForwarderProgress)

	srv := server.New(cfgStore, tokens, pipeline, walMgr, checker, reg, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The forwarder, sink-readiness poll, and idle-bucket sweep are
	// supervised background tasks: a panic in one is caught, logged,
	// and the task restarted, without taking the process down.
	bg, bgCtx := errgroup.WithContext(ctx)
	bg.Go(func() error { supervise(bgCtx, log, "forwarder", func(c context.Context) { fwd.Run(c) }); return nil })
	bg.Go(func() error { supervise(bgCtx, log, "sink_readiness_poll", func(c context.Context) { pollSinkReadiness(c, checker) }); return nil })
	bg.Go(func() error { supervise(bgCtx, log, "idle_eviction_sweep", func(c context.Context) { idleEvictionSweep(c, limiter) }); return nil })

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGHUP:
				reloaded, err := config.Load(*configPath)
				if err != nil {
					log.Warn().Err(err).Msg("SIGHUP: config reload failed, keeping previous config")
					continue
				}
				cfgStore.Swap(reloaded)
				tokens.Reload(reloaded.Security.APIKeys)
				log.Info().Msg("SIGHUP: configuration reloaded")
			case syscall.SIGTERM, syscall.SIGINT:
				log.Info().Msg("shutdown signal received")
				cancel()
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer shutdownCancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("http server shutdown error")
				}
				_ = bg.Wait()
				return
			}
		}
	}()

	addr := cfg.Server.Host + ":" + cfg.Server.Port
	log.Info().Str("addr", addr).Msg("logstack-gateway starting")
	if err := srv.Start(addr); err != nil {
		log.Info().Err(err).Msg("server exited")
	}
}

func buildLogger(level string) zerolog.Logger {
	var out io.Writer = os.Stderr
	if os.Getenv("LOGSTACK_ENV") == "dev" {
		out = zerolog.ConsoleWriter{Out: os.Stderr}
	}
	log := zerolog.New(out).With().Timestamp().Logger()
	if lvl, err := zerolog.ParseLevel(level); err == nil {
		log = log.Level(lvl)
	}
	return log
}

// supervise runs task repeatedly until ctx is canceled, restarting it
// with backoff if it panics, so a background-task fault never brings
// down the process.
func supervise(ctx context.Context, log zerolog.Logger, name string, task func(context.Context)) {
	backoff := time.Second
	for ctx.Err() == nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Str("task", name).Msg("background task panicked, restarting")
				}
			}()
			task(ctx)
		}()
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func pollSinkReadiness(ctx context.Context, checker *health.Checker) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			checker.PollSink(ctx)
		}
	}
}

func idleEvictionSweep(ctx context.Context, limiter *ratelimit.Limiter) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			limiter.SweepIdle(time.Now())
		}
	}
}
