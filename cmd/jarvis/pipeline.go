package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/nugget/jarvis/internal/agent"
	"github.com/nugget/jarvis/internal/events"
	"github.com/nugget/jarvis/internal/homeassistant"
	"github.com/nugget/jarvis/internal/prompts"
	"github.com/nugget/jarvis/internal/router"
)

// Sender delivers finished answers to the user.
type Sender interface {
	Send(ctx context.Context, text string) error
}

type stateSource interface {
	GetStates(ctx context.Context) ([]homeassistant.State, error)
}

// pipeline turns dispatched events into conversation cycles. It runs
// on the dispatcher's per-conversation workers.
type pipeline struct {
	logger           *slog.Logger
	loop             *agent.Loop
	router           *router.Router
	ha               stateSource // nil when Home Assistant is not configured
	watched          []string
	briefingModel    string
	briefingFallback string
	out              Sender
}

// handle runs one event to completion and delivers the answer.
func (p *pipeline) handle(ctx context.Context, ev events.Event) {
	log := p.logger.With("event_id", ev.ID, "origin", ev.Origin, "kind", ev.Kind, "conversation", ev.ConversationID)

	req, ok := p.request(ctx, ev, log)
	if !ok {
		return
	}

	resp, err := p.loop.Run(ctx, req)
	if err != nil && ev.Kind == events.KindBriefing && p.briefingFallback != "" && ctx.Err() == nil {
		// A rerun would repeat whatever the failed cycle already changed.
		if resp != nil && resp.Mutated() {
			log.Warn("briefing model failed after a change, not retrying", "model", req.Model, "error", err)
		} else {
			log.Warn("briefing model failed, retrying with fallback", "model", req.Model, "fallback", p.briefingFallback, "error", err)
			req.Model = p.briefingFallback
			resp, err = p.loop.Run(ctx, req)
		}
	}
	if err != nil {
		log.Error("cycle failed", "error", err)
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return
	}

	if err := p.out.Send(ctx, resp.Content); err != nil {
		log.Error("delivery failed", "cycle_id", resp.CycleID, "error", err)
	}
}

// request maps an event to a cycle request. It reports false when the
// event needs no cycle.
func (p *pipeline) request(ctx context.Context, ev events.Event, log *slog.Logger) (agent.Request, bool) {
	req := agent.Request{
		ConversationID: ev.ConversationID,
		Origin:         string(ev.Origin),
		Text:           ev.Text,
		Tier:           router.TierTools,
	}

	switch ev.Origin {
	case events.OriginUser:
		req.Tier = p.router.Classify(ctx, ev.Text).Tier

	case events.OriginScheduled:
		if ev.Kind == events.KindBriefing {
			req.Prompt = ev.Prompt
			req.Model = p.briefingModel
		}

	case events.OriginWebhook:
		d := p.router.ClassifyEvent(ctx, router.Event{
			Title:    ev.Title,
			Message:  ev.Text,
			EntityID: ev.EntityID,
		}, p.homeState(ctx))

		switch {
		case d.Action == router.ActionLog:
			log.Info("webhook event logged", "title", ev.Title, "message", ev.Text, "entity_id", ev.EntityID)
			return req, false
		case !d.Action.Delivers():
			log.Debug("webhook event ignored", "request_id", d.RequestID)
			return req, false
		}
		req.Text = prompts.WebhookRequest(ev.Title, ev.Text, ev.EntityID)
	}
	return req, true
}

// homeState summarises the watched domains for event triage. Failures
// yield an empty summary.
func (p *pipeline) homeState(ctx context.Context) string {
	if p.ha == nil {
		return ""
	}
	states, err := p.ha.GetStates(ctx)
	if err != nil {
		p.logger.Warn("home state unavailable for triage", "error", err)
		return ""
	}
	return homeassistant.Summary(homeassistant.FilterDomains(states, p.watched))
}

// directQueue runs each event synchronously instead of queueing it.
type directQueue struct {
	handle events.Handler
}

func (q directQueue) Enqueue(ctx context.Context, ev events.Event) error {
	q.handle(ctx, ev)
	return nil
}

// writerSender prints answers, for CLI subcommands.
type writerSender struct {
	w io.Writer
}

func (s writerSender) Send(_ context.Context, text string) error {
	_, err := fmt.Fprintln(s.w, text)
	return err
}

// logSender logs answers when no chat transport is configured.
type logSender struct {
	logger *slog.Logger
}

func (s logSender) Send(_ context.Context, text string) error {
	s.logger.Info("answer (no chat transport configured)", "text", text)
	return nil
}
