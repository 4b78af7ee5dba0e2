package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/jarvis/internal/alerts"
	"github.com/nugget/jarvis/internal/events"
	"github.com/nugget/jarvis/internal/homeassistant"
	"github.com/nugget/jarvis/internal/metrics"
	"github.com/nugget/jarvis/internal/prompts"
	"github.com/nugget/jarvis/internal/selfedit"
)

const (
	defaultAlertInterval = 5 * time.Minute
	defaultAlertCooldown = 30 * time.Minute

	// catchUpWindow is how late a missed briefing may still be sent
	// after a restart.
	catchUpWindow = 2 * time.Hour

	jobTimeout = time.Minute
)

// Queue accepts events for the conversation pipeline.
type Queue interface {
	Enqueue(ctx context.Context, ev events.Event) error
}

// HomeAssistant is the state source the jobs read.
type HomeAssistant interface {
	GetState(ctx context.Context, entityID string) (*homeassistant.State, error)
	GetStates(ctx context.Context) ([]homeassistant.State, error)
}

// RuleStore is the alert-rule storage the poll job reads and updates.
type RuleStore interface {
	List(enabledOnly bool) ([]*alerts.Rule, error)
	MarkFired(id string, at time.Time) error
}

// Documents reads the briefing instructions.
type Documents interface {
	Read(n selfedit.Name) (selfedit.Document, error)
}

// Config configures the jobs.
type Config struct {
	// BriefingAt is "HH:MM" or a cron expression. Empty disables the
	// briefing job.
	BriefingAt     string
	AlertInterval  time.Duration
	AlertCooldown  time.Duration
	WatchedDomains []string
	Location       *time.Location
	BotName        string
}

// Deps are the collaborators a Scheduler needs. Rules may be nil to
// disable the alert poll.
type Deps struct {
	Queue  Queue
	HA     HomeAssistant
	Rules  RuleStore
	Docs   Documents
	Jobs   *Store
	Logger *slog.Logger
}

// Scheduler fires the briefing and alert-poll jobs.
type Scheduler struct {
	logger  *slog.Logger
	cfg     Config
	trigger string // normalized briefing cron expression
	queue   Queue
	ha      HomeAssistant
	rules   RuleStore
	docs    Documents
	jobs    *Store
	now     func() time.Time

	pollMu sync.Mutex // one alert poll at a time
	// unsaved holds fire times the rule store failed to record, so the
	// cooldown still applies until a later write succeeds. Guarded by
	// pollMu.
	unsaved map[string]time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a scheduler. It fails only on an invalid briefing
// trigger.
func New(cfg Config, deps Deps) (*Scheduler, error) {
	if deps.Queue == nil {
		return nil, errors.New("scheduler needs an event queue")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.AlertInterval <= 0 {
		cfg.AlertInterval = defaultAlertInterval
	}
	if cfg.AlertCooldown <= 0 {
		cfg.AlertCooldown = defaultAlertCooldown
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.BotName == "" {
		cfg.BotName = "Jarvis"
	}

	s := &Scheduler{
		logger: deps.Logger,
		cfg:    cfg,
		queue:  deps.Queue,
		ha:     deps.HA,
		rules:  deps.Rules,
		docs:   deps.Docs,
		jobs:   deps.Jobs,
		now:    time.Now,
	}
	if cfg.BriefingAt != "" {
		trigger, err := ParseTrigger(cfg.BriefingAt)
		if err != nil {
			return nil, fmt.Errorf("briefing trigger: %w", err)
		}
		s.trigger = trigger
	}
	return s, nil
}

// Start launches the job loops. They run until Stop is called or ctx
// is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	if s.jobs != nil {
		if s.trigger != "" {
			if err := s.jobs.Register(KindBriefing, s.trigger); err != nil {
				return err
			}
		}
		if s.rules != nil {
			if err := s.jobs.Register(KindAlertPoll, s.cfg.AlertInterval.String()); err != nil {
				return err
			}
		}
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.running = true

	if s.trigger != "" {
		s.wg.Add(1)
		go s.briefingLoop(ctx)
	}
	if s.rules != nil && s.ha != nil {
		s.wg.Add(1)
		go s.alertLoop(ctx)
	}

	s.logger.Info("scheduler started",
		"briefing", s.trigger,
		"alert_interval", s.cfg.AlertInterval,
		"alert_cooldown", s.cfg.AlertCooldown,
	)
	return nil
}

// Stop halts the job loops and waits for a running job to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// RunNow fires a job immediately, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, kind Kind) error {
	switch kind {
	case KindBriefing:
		return s.briefing(ctx)
	case KindAlertPoll:
		_, err := s.PollAlerts(ctx)
		return err
	default:
		return fmt.Errorf("unknown job %q", kind)
	}
}

func (s *Scheduler) briefingLoop(ctx context.Context) {
	defer s.wg.Done()

	s.catchUpBriefing(ctx)

	for {
		next, err := NextRun(s.trigger, s.now(), s.cfg.Location)
		if err != nil {
			s.logger.Error("briefing schedule failed", "trigger", s.trigger, "error", err)
			return
		}
		s.logger.Debug("briefing scheduled", "next", next)

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		jobCtx, cancel := context.WithTimeout(ctx, jobTimeout)
		if err := s.briefing(jobCtx); err != nil {
			s.logger.Error("briefing job failed", "error", err)
		}
		cancel()
	}
}

// catchUpBriefing sends a briefing missed while the process was down,
// if the missed slot is recent.
func (s *Scheduler) catchUpBriefing(ctx context.Context) {
	if s.jobs == nil {
		return
	}
	job, err := s.jobs.Get(KindBriefing)
	if err != nil || job == nil || job.LastFired == nil {
		return
	}
	now := s.now()
	prev, err := PrevRun(s.trigger, now, s.cfg.Location)
	if err != nil || !job.LastFired.Before(prev) || now.Sub(prev) > catchUpWindow {
		return
	}
	s.logger.Info("catching up missed briefing", "scheduled", prev, "last_fired", *job.LastFired)
	jobCtx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()
	if err := s.briefing(jobCtx); err != nil {
		s.logger.Error("briefing catch-up failed", "error", err)
	}
}

// briefing enqueues the daily briefing on its own conversation.
func (s *Scheduler) briefing(ctx context.Context) error {
	now := s.now().In(s.cfg.Location)

	var summary string
	if s.ha != nil {
		states, err := s.ha.GetStates(ctx)
		if err != nil {
			s.logger.Warn("briefing state fetch failed", "error", err)
		} else {
			summary = homeassistant.Summary(homeassistant.FilterDomains(states, s.cfg.WatchedDomains))
		}
	}

	ev := events.New(events.OriginScheduled, events.KindBriefing, events.ConversationBriefing,
		prompts.BriefingRequest(now, summary))
	ev.Prompt = s.briefingInstructions()

	if err := s.queue.Enqueue(ctx, ev); err != nil {
		return fmt.Errorf("enqueue briefing: %w", err)
	}
	s.logger.Info("briefing enqueued", "event_id", ev.ID)

	if s.jobs != nil {
		if err := s.jobs.MarkFired(KindBriefing, now); err != nil {
			s.logger.Warn("failed to record briefing", "error", err)
		}
	}
	return nil
}

func (s *Scheduler) briefingInstructions() string {
	if s.docs != nil {
		doc, err := s.docs.Read(selfedit.Briefing)
		if err == nil && doc.Content != "" {
			return doc.Content
		}
		if err != nil {
			s.logger.Warn("briefing instructions unavailable", "error", err)
		}
	}
	return prompts.BriefingFallback(s.cfg.BotName)
}

func (s *Scheduler) alertLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.AlertInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			jobCtx, cancel := context.WithTimeout(ctx, jobTimeout)
			if _, err := s.PollAlerts(jobCtx); err != nil {
				s.logger.Error("alert poll failed", "error", err)
			}
			cancel()
		}
	}
}

// PollAlerts evaluates every enabled rule once and enqueues an alert
// event for each crossing outside its cooldown. It returns how many
// alerts were enqueued. A rule that cannot be evaluated is logged and
// skipped. Polls never overlap.
func (s *Scheduler) PollAlerts(ctx context.Context) (int, error) {
	if s.rules == nil || s.ha == nil {
		return 0, errors.New("alert polling is not configured")
	}

	s.pollMu.Lock()
	defer s.pollMu.Unlock()

	rules, err := s.rules.List(true)
	if err != nil {
		return 0, fmt.Errorf("list alert rules: %w", err)
	}

	fired := 0
	for _, rule := range rules {
		if ctx.Err() != nil {
			return fired, ctx.Err()
		}
		ok, err := s.checkRule(ctx, rule)
		if ok {
			fired++
		}
		if err != nil {
			s.logger.Warn("alert rule check failed", "rule_id", rule.ID, "entity", rule.EntityID, "error", err)
		}
	}

	if s.jobs != nil {
		if err := s.jobs.MarkFired(KindAlertPoll, s.now()); err != nil {
			s.logger.Warn("failed to record alert poll", "error", err)
		}
	}
	s.logger.Debug("alert poll complete", "rules", len(rules), "fired", fired)
	return fired, nil
}

func (s *Scheduler) checkRule(ctx context.Context, rule *alerts.Rule) (bool, error) {
	state, err := s.ha.GetState(ctx, rule.EntityID)
	if err != nil {
		return false, err
	}
	value, crossed, err := rule.Evaluate(state.State)
	if err != nil || !crossed {
		return false, err
	}

	now := s.now()
	if at, ok := s.unsaved[rule.ID]; ok && (rule.LastFired == nil || at.After(*rule.LastFired)) {
		r := *rule
		r.LastFired = &at
		rule = &r
	}
	if rule.CoolingDown(now, s.cfg.AlertCooldown) {
		s.logger.Debug("alert cooling down", "rule_id", rule.ID, "last_fired", rule.LastFired)
		return false, nil
	}

	text := rule.Text(value)
	ev := events.New(events.OriginScheduled, events.KindAlert, events.ConversationAlerts,
		prompts.AlertRequest(text, rule.Describe()))
	ev.EntityID = rule.EntityID
	if err := s.queue.Enqueue(ctx, ev); err != nil {
		return false, fmt.Errorf("enqueue alert: %w", err)
	}

	metrics.AlertsFiredTotal.Inc()
	if err := s.rules.MarkFired(rule.ID, now); err != nil {
		if s.unsaved == nil {
			s.unsaved = make(map[string]time.Time)
		}
		s.unsaved[rule.ID] = now
		return true, fmt.Errorf("alert enqueued but last-fired not saved: %w", err)
	}
	delete(s.unsaved, rule.ID)
	s.logger.Info("alert fired", "rule_id", rule.ID, "entity", rule.EntityID, "value", value)
	return true, nil
}
