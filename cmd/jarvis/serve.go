package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/jarvis/internal/buildinfo"
	"github.com/nugget/jarvis/internal/connwatch"
	"github.com/nugget/jarvis/internal/events"
	"github.com/nugget/jarvis/internal/scheduler"
	"github.com/nugget/jarvis/internal/telegram"
	"github.com/nugget/jarvis/internal/webhook"
)

// eventBuffer is the inbound queue depth shared by all producers.
const eventBuffer = 64

// runServe is the primary operating mode: the Telegram transport, the
// scheduler and the webhook all feed one event dispatcher until a
// shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. Producers stop: Telegram polling, the webhook server, the scheduler
//  3. The dispatcher waits for in-flight cycles and drops queued events
//  4. Stores are closed
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	cfg, logger, err := setup(stdout, configPath)
	if err != nil {
		return err
	}
	logger.Info("starting Jarvis", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	watch := a.watchServices(ctx)
	defer watch.Stop()

	// The transport needs the dispatcher and the dispatcher's handler
	// delivers through the transport, so the sender is set once both
	// exist and before anything runs.
	p := a.pipeline(logSender{logger: logger})
	dispatcher := events.NewDispatcher(p.handle, eventBuffer, logger)

	sched, err := a.scheduler(dispatcher)
	if err != nil {
		return err
	}

	var bot *telegram.Transport
	if cfg.Telegram.Configured() {
		bot, err = telegram.New(cfg.Telegram.Token, cfg.Telegram.ChatID, cfg.BotName, dispatcher, telegram.Commands{
			Briefing: func(ctx context.Context) error {
				return sched.RunNow(ctx, scheduler.KindBriefing)
			},
		}, logger)
		if err != nil {
			return err
		}
		p.out = bot
	} else {
		logger.Warn("Telegram not configured - answers will only be logged")
	}

	server := webhook.NewServer(webhook.Config{
		Addr:     cfg.Listen.Addr(),
		Token:    cfg.Webhook.Token,
		Services: watch.Status,
	}, dispatcher, a.router, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error {
		if err := server.Start(gctx); err != nil {
			return fmt.Errorf("webhook server: %w", err)
		}
		return nil
	})
	if bot != nil {
		g.Go(func() error { return bot.Run(gctx) })
	}

	if err := sched.Start(gctx); err != nil {
		cancel()
		_ = g.Wait()
		return fmt.Errorf("start scheduler: %w", err)
	}
	g.Go(func() error {
		<-gctx.Done()
		sched.Stop()
		return nil
	})

	if bot != nil {
		hello := fmt.Sprintf("%s online.", cfg.BotName)
		if err := bot.Send(gctx, hello); err != nil {
			logger.Warn("startup message failed", "error", err)
		}
	}

	err = g.Wait()
	logger.Info("Jarvis stopped", "uptime", buildinfo.Uptime())
	return err
}

// watchServices probes Home Assistant and the model providers in the
// background. A down service is reported on /health but never blocks
// startup; each request reports its own errors.
func (a *app) watchServices(ctx context.Context) *connwatch.Manager {
	m := connwatch.NewManager(a.logger)
	if a.ha != nil {
		m.Watch(ctx, "homeassistant", a.ha.Ping, connwatch.DefaultBackoff())
	}
	m.Watch(ctx, "models", a.llm.Ping, connwatch.Backoff{PollInterval: 5 * time.Minute})
	return m
}
