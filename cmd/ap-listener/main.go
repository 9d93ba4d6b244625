package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"apqueue/internal/bootstrap"
	"apqueue/internal/config"
	"apqueue/internal/notify"
)

func main() {
	cfg, err := config.Load()
	must(err)

	app, err := bootstrap.New(cfg, "ap-listener")
	must(err)
	defer app.Close()
	logger := app.Logger

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.EnableScanner(ctx); err != nil {
		logger.Warn("mail scanning disabled", "error", err)
	}

	controller := app.Controller()
	controller.Start()
	defer controller.Close()

	if token := strings.TrimSpace(cfg.SlackBotToken); token != "" {
		slackNotifier := notify.NewSlack(notify.NewSlackClient(token), app.Settings, 0, logger.With("component", "slack"))
		slackNotifier.Start(ctx)
		unsub := app.Bus.Subscribe(slackNotifier.Handle, slackNotifier.Types()...)
		defer func() {
			unsub()
			cancel()
			slackNotifier.Wait()
		}()
	}

	if url := strings.TrimSpace(cfg.NATSURL); url != "" {
		forwarder, err := notify.NewNATSForwarder(url, cfg.NATSSubject, notify.NATSOptions{RetryOnFailedConnect: true}, logger.With("component", "nats"))
		if err != nil {
			logger.Warn("nats forwarding disabled", "error", err)
		} else {
			unsub := app.Bus.Subscribe(forwarder.Handle)
			defer forwarder.Close()
			defer unsub()
		}
	}

	scheduler := cron.New()
	if schedule := strings.TrimSpace(cfg.SyncPullSchedule); schedule != "" {
		_, err := scheduler.AddFunc(schedule, func() {
			pullCtx, stop := context.WithTimeout(ctx, 2*cfg.BackendTimeout())
			defer stop()
			if _, err := app.Sync.Pull(pullCtx); err != nil {
				logger.Warn("scheduled pull failed", "error", err)
			}
			if n := app.Sync.PushUnsynced(); n > 0 {
				logger.Info("re-pushing unsynced items", "count", n)
			}
		})
		if err != nil {
			logger.Warn("sync schedule disabled", "schedule", schedule, "error", err)
		}
	}
	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()

	var server *http.Server
	if addr := strings.TrimSpace(cfg.MetricsAddr); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", app.Metrics.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		server = &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("metrics listening", "addr", addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	if app.Scanner != nil {
		logger.Info("scanner started", "provider", cfg.MailProvider, "label", cfg.MailLabel, "interval", cfg.ScanInterval())
		must(app.Scanner.Run(ctx))
	} else {
		<-ctx.Done()
	}

	if server != nil {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown failed", "error", err)
		}
	}
	logger.Info("listener stopped")
}

func must(err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
