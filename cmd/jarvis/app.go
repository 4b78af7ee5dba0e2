package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nugget/jarvis/internal/agent"
	"github.com/nugget/jarvis/internal/alerts"
	"github.com/nugget/jarvis/internal/config"
	"github.com/nugget/jarvis/internal/delegate"
	"github.com/nugget/jarvis/internal/homeassistant"
	"github.com/nugget/jarvis/internal/llm"
	"github.com/nugget/jarvis/internal/router"
	"github.com/nugget/jarvis/internal/scheduler"
	"github.com/nugget/jarvis/internal/selfedit"
	"github.com/nugget/jarvis/internal/tools"
)

// dbFile holds alert rules, job bookkeeping and delegation records.
const dbFile = "jarvis.db"

// app is the set of long-lived components every subcommand shares.
// Transports and the event dispatcher are added by serve.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	llm      llm.Client
	ha       *homeassistant.Client // nil when Home Assistant is not configured
	docs     *selfedit.Store
	alerts   *alerts.Store
	jobs     *scheduler.Store
	tools    *tools.Dispatcher
	delegate *delegate.Executor
	loop     *agent.Loop
	router   *router.Router

	closers []io.Closer
}

// newApp opens the stores and wires the tool registry, the delegation
// gate, the conversation loop and the triage router.
func newApp(cfg *config.Config, logger *slog.Logger) (a *app, err error) {
	loc := cfg.Location()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	a = &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.llm = createLLMClient(cfg, logger)

	deps := tools.Deps{Location: loc, Logger: logger}

	if cfg.HomeAssistant.Configured() {
		a.ha = homeassistant.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)
		deps.HA = a.ha
		logger.Debug("Home Assistant configured", "url", cfg.HomeAssistant.URL)
	} else {
		logger.Warn("Home Assistant not configured - home tools will report it unavailable")
	}

	// Long-term statistics come from the recorder file when it is
	// reachable, otherwise over the websocket API.
	switch {
	case cfg.HomeAssistant.RecorderDB != "":
		rec, err := homeassistant.OpenRecorderDB(cfg.HomeAssistant.RecorderDB)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rec)
		deps.Statistics = rec
		logger.Info("statistics from recorder database", "path", cfg.HomeAssistant.RecorderDB)
	case cfg.HomeAssistant.Configured():
		deps.Statistics = homeassistant.NewWSClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)
	}

	a.docs, err = selfedit.NewStore(cfg.DataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("open document store: %w", err)
	}
	deps.Documents = a.docs

	if cfg.HomeAssistant.ConfigDir != "" {
		deps.HAConfig = selfedit.NewConfigFiles(cfg.HomeAssistant.ConfigDir, cfg.HomeAssistant.CheckCommand, logger)
	}

	dbPath := filepath.Join(cfg.DataDir, dbFile)
	a.alerts, err = alerts.NewStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open alert store %s: %w", dbPath, err)
	}
	a.closers = append(a.closers, a.alerts)
	deps.Alerts = a.alerts

	a.jobs, err = scheduler.NewStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open job store %s: %w", dbPath, err)
	}
	a.closers = append(a.closers, a.jobs)

	// Delegation records share the alert store's handle.
	delegations, err := delegate.NewStore(a.alerts.DB())
	if err != nil {
		return nil, err
	}
	logger.Info("database opened", "path", dbPath)

	a.tools = tools.NewDispatcher(deps)

	a.delegate = delegate.NewExecutor(logger, a.llm, a.tools, delegate.Config{
		Model:       cfg.Models.Delegate,
		BotName:     cfg.BotName,
		MaxRounds:   cfg.Agent.DelegateMaxTurns,
		MaxDuration: cfg.Agent.DelegateMaxDuration,
		Location:    loc,
	})
	a.delegate.SetStore(delegations)
	a.tools.SetDelegator(a.delegate)

	// A history turn is one user message and one assistant reply.
	history := agent.NewHistory(cfg.Agent.HistoryTurns * 2)
	a.loop = agent.NewLoop(logger, a.llm, a.tools, a.docs, history, agent.Config{
		Model:        cfg.Models.Conversation,
		BotName:      cfg.BotName,
		MaxTurns:     cfg.Agent.MaxTurns,
		RetryBackoff: cfg.Agent.ProviderRetryBackoff,
		Location:     loc,
	})

	a.router = router.NewRouter(logger, a.llm, router.Config{
		Model:         cfg.Models.Triage,
		FallbackModel: cfg.Models.TriageFallback,
		Timeout:       cfg.Triage.Timeout,
		Location:      loc,
	})

	return a, nil
}

// pipeline returns the event handler that delivers answers to out.
func (a *app) pipeline(out Sender) *pipeline {
	p := &pipeline{
		logger:           a.logger,
		loop:             a.loop,
		router:           a.router,
		watched:          a.cfg.Scheduler.WatchedDomains,
		briefingModel:    a.cfg.Models.Briefing,
		briefingFallback: a.cfg.Models.BriefingFallback,
		out:              out,
	}
	if a.ha != nil {
		p.ha = a.ha
	}
	return p
}

// scheduler creates the briefing and alert-poll jobs feeding q.
func (a *app) scheduler(q scheduler.Queue) (*scheduler.Scheduler, error) {
	deps := scheduler.Deps{
		Queue:  q,
		Rules:  a.alerts,
		Docs:   a.docs,
		Jobs:   a.jobs,
		Logger: a.logger,
	}
	if a.ha != nil {
		deps.HA = a.ha
	}
	return scheduler.New(scheduler.Config{
		BriefingAt:     a.cfg.Scheduler.BriefingAt,
		AlertInterval:  a.cfg.Scheduler.AlertInterval,
		AlertCooldown:  a.cfg.Scheduler.AlertCooldown,
		WatchedDomains: a.cfg.Scheduler.WatchedDomains,
		Location:       a.cfg.Location(),
		BotName:        a.cfg.BotName,
	}, deps)
}

// Close releases the stores in reverse order of opening.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}

// createLLMClient builds a multi-provider client. Each configured model
// is mapped to a provider by name: Claude models go to Anthropic and
// everything else to the OpenAI-compatible endpoint.
func createLLMClient(cfg *config.Config, logger *slog.Logger) llm.Client {
	multi := llm.NewMultiClient(nil)

	if cfg.Anthropic.APIKey != "" {
		multi.AddProvider(llm.ProviderAnthropic, llm.NewAnthropicClient(cfg.Anthropic.APIKey, cfg.Anthropic.BaseURL, logger))
		logger.Info("Anthropic provider configured")
	}
	if cfg.OpenAICompat.APIKey != "" {
		multi.AddProvider(llm.ProviderOpenAI, llm.NewOpenAIClient(cfg.OpenAICompat.APIKey, cfg.OpenAICompat.BaseURL, logger))
		logger.Info("OpenAI-compatible provider configured", "base_url", cfg.OpenAICompat.BaseURL)
	} else {
		logger.Warn("no OpenAI-compatible key configured - messages will skip triage")
	}

	m := cfg.Models
	for _, name := range []string{m.Triage, m.TriageFallback, m.Conversation, m.Briefing, m.BriefingFallback, m.Delegate} {
		if name != "" {
			multi.AddModel(name, llm.ProviderFor(name))
		}
	}

	logger.Info("LLM client initialized",
		"conversation", m.Conversation,
		"triage", m.Triage,
		"delegate", m.Delegate,
	)
	return multi
}
