package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"audiobook-studio/internal/api"
	"audiobook-studio/internal/config"
	"audiobook-studio/internal/engine"
	"audiobook-studio/internal/events"
	"audiobook-studio/internal/mirror"
	"audiobook-studio/internal/ratelimit"
	"audiobook-studio/internal/scheduler"
	"audiobook-studio/internal/state"
)

func main() {
	cfg := config.Load()

	logger, err := buildLogger(cfg.Env)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := state.Open(cfg.StatePath, logger)
	if err != nil {
		logger.Fatal("open state store", zap.Error(err))
	}

	m, err := mirror.Open(cfg.MirrorPath)
	if err != nil {
		logger.Fatal("open queue mirror", zap.Error(err))
	}

	bus := events.New(0, 0)
	st.AddListener(func(jobID string, fields map[string]any) {
		bus.Publish(events.JobDelta(jobID, fields))
	})

	runner := engine.NewRunner(cfg.SynthesisCommand, cfg.AssemblyCommand, cfg.ConvertCommand,
		cfg.MP3Quality, cfg.CancelPollInterval, cfg.TermGracePeriod, logger)
	probe := engine.NewFFProbe(cfg.ProbeCommand)

	sched := scheduler.New(cfg, logger, st, m, bus, scheduler.Engines{
		Synthesizer: runner,
		Assembler:   runner,
		Converter:   runner,
		Probe:       probe,
	})

	st.SetSyncer(mirror.NewSyncer(m, probe, sched.OutputPath))

	if n := sched.StartupSweep(); n > 0 {
		logger.Info("cancelled stale jobs from previous run", zap.Int("count", n))
	}
	sched.Reconcile()
	sched.Start()

	var limiter *ratelimit.Limiter
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		limiter = ratelimit.New(client, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	}

	server := api.New(cfg, logger, st, sched, m, bus, limiter)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info("server listening", zap.String("port", cfg.HTTPPort))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	sched.Stop()
}

func buildLogger(env string) (*zap.Logger, error) {
	if env == "prod" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
