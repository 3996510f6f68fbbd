// mailhook receives email over SMTP, applies admission policy, stores
// attachments, and relays parsed messages to configured webhooks.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/mailhook/mailhook/internal/config"
	"github.com/mailhook/mailhook/internal/dispatch"
	"github.com/mailhook/mailhook/internal/logger"
	"github.com/mailhook/mailhook/internal/ops"
	"github.com/mailhook/mailhook/internal/parser"
	"github.com/mailhook/mailhook/internal/queue"
	"github.com/mailhook/mailhook/internal/ratelimit"
	"github.com/mailhook/mailhook/internal/router"
	"github.com/mailhook/mailhook/internal/scheduler"
	"github.com/mailhook/mailhook/internal/smtp"
	"github.com/mailhook/mailhook/internal/storage"
)

const forceExitAfter = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Output:    cfg.Logging.Output,
		AddSource: cfg.Logging.AddSource,
	})
	slog.SetDefault(log)

	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	app, err := buildApp(cfg, log)
	if err != nil {
		log.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := app.start(); err != nil {
		log.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig
	log.Info("shutdown signal received", slog.String("signal", received.String()))

	app.shutdown()
}

// app holds the wired components so start and shutdown can reach them.
type app struct {
	cfg        *config.Config
	log        *slog.Logger
	sched      *scheduler.Scheduler
	tier       *storage.Tier
	dispatcher *dispatch.Dispatcher
	server     *smtp.Server
	opsServer  *ops.Server

	shutdownOnce sync.Once
}

// buildApp wires every component from configuration.
func buildApp(cfg *config.Config, log *slog.Logger) (*app, error) {
	sched := scheduler.New()

	local, err := storage.NewLocalStore(cfg.Storage.LocalPath, cfg.Storage.EncryptionKey)
	if err != nil {
		return nil, err
	}

	var store storage.ObjectStore
	if cfg.Storage.ObjectStoreConfigured() {
		store = storage.NewS3Store(&cfg.Storage)
		log.Info("object store configured", slog.String("bucket", cfg.Storage.Bucket))
	} else {
		log.Warn("object store not configured, attachments stay on local disk")
	}

	tier := storage.NewTier(storage.TierOptions{
		Store:         store,
		Local:         local,
		Scheduler:     sched,
		Logger:        log,
		MaxFileSize:   cfg.Storage.MaxFileSize,
		RetryInterval: cfg.Storage.S3RetryInterval,
		MaxRetries:    cfg.Storage.S3MaxRetries,
		Retention:     time.Duration(cfg.Storage.RetentionHours) * time.Hour,
	})

	taskQueue, err := queue.New(cfg.Queue.Path)
	if err != nil {
		return nil, err
	}

	rules := router.ParseRules(cfg.Webhook.RulesJSON)
	rt := router.New(rules, cfg.Webhook.DefaultURL, cfg.Webhook.AllowInsecureHTTP, log)

	dispatcher := dispatch.New(dispatch.Options{
		Queue:       taskQueue,
		Router:      rt,
		Scheduler:   sched,
		Logger:      log,
		Secret:      cfg.Webhook.Secret,
		Timeout:     cfg.Webhook.Timeout,
		Concurrency: cfg.Webhook.Concurrency,
		QueueSize:   cfg.Webhook.MaxQueueSize,
		RetryDelay:  cfg.Webhook.RetryDelay,
	})

	limiter := ratelimit.New(cfg.SMTP.RateLimitMax, cfg.SMTP.RateLimitWindow)
	policy := smtp.NewPolicy(&cfg.SMTP, limiter)
	processor := smtp.NewProcessor(parser.NewEmailParser(), tier, taskQueue, dispatcher, policy, log)

	server, err := smtp.NewServer(&cfg.SMTP, policy, processor, log)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:        cfg,
		log:        log,
		sched:      sched,
		tier:       tier,
		dispatcher: dispatcher,
		server:     server,
	}

	if cfg.Ops.Port > 0 {
		a.opsServer = ops.New(cfg.Ops.Port, a, log)
	}

	// Rate-limiter windows expire on their own but stale keys linger; prune
	// them alongside the retention sweep cadence.
	sched.Every(10*time.Minute, limiter.Prune)

	return a, nil
}

// Health implements ops.HealthSource.
func (a *app) Health() ops.Health {
	status := "healthy"
	if !a.server.Running() {
		status = "unhealthy"
	}
	return ops.Health{
		Status:             status,
		SMTPRunning:        a.server.Running(),
		ActiveConnections:  a.server.ActiveConnections(),
		PendingTasks:       a.dispatcher.Pending(),
		PendingAttachments: a.tier.PendingRetries(),
	}
}

func (a *app) start() error {
	a.tier.StartRetention()
	a.dispatcher.Replay()

	if err := a.server.Start(); err != nil {
		return err
	}
	if a.opsServer != nil {
		a.opsServer.Start()
	}

	a.log.Info("mailhook started",
		slog.Int("smtp_port", a.cfg.SMTP.Port),
		slog.Int("ops_port", a.cfg.Ops.Port),
		slog.Bool("production", a.cfg.Production))
	return nil
}

// shutdown is the single-shot graceful path: stop intake, wait for pending
// deliveries up to the force deadline, then exit. Pending tasks stay in the
// durable queue and replay on next start.
func (a *app) shutdown() {
	a.shutdownOnce.Do(func() {
		a.server.Stop()
		a.sched.StopAll()

		deadline := time.Now().Add(forceExitAfter)
		for a.dispatcher.Pending() > 0 {
			if time.Now().After(deadline) {
				a.log.Warn("forcing exit with deliveries still pending",
					slog.Int("pending", a.dispatcher.Pending()))
				os.Exit(0)
			}
			a.log.Info("waiting for pending deliveries",
				slog.Int("pending", a.dispatcher.Pending()))
			time.Sleep(time.Second)
		}

		a.dispatcher.Close()

		if a.opsServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			a.opsServer.Stop(ctx)
			cancel()
		}

		a.log.Info("shutdown complete")
		os.Exit(0)
	})
}
