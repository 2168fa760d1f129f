// Package application wires the proxy together: config in, a running HTTP
// listener out. Construction order matters only here.
package application

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lynkr/lynkr/internal/domain/service"
	"github.com/lynkr/lynkr/internal/infrastructure/audit"
	"github.com/lynkr/lynkr/internal/infrastructure/cache"
	"github.com/lynkr/lynkr/internal/infrastructure/config"
	"github.com/lynkr/lynkr/internal/infrastructure/llm"
	"github.com/lynkr/lynkr/internal/infrastructure/persistence"
	httpiface "github.com/lynkr/lynkr/internal/interfaces/http"
	"github.com/lynkr/lynkr/internal/interfaces/http/handlers"

	// Dialect packages register their factories via init().
	_ "github.com/lynkr/lynkr/internal/infrastructure/llm/anthropic"
	_ "github.com/lynkr/lynkr/internal/infrastructure/llm/bedrock"
	_ "github.com/lynkr/lynkr/internal/infrastructure/llm/gemini"
	_ "github.com/lynkr/lynkr/internal/infrastructure/llm/llamacpp"
	_ "github.com/lynkr/lynkr/internal/infrastructure/llm/ollama"
	_ "github.com/lynkr/lynkr/internal/infrastructure/llm/openai"
	_ "github.com/lynkr/lynkr/internal/infrastructure/llm/openairesp"
	_ "github.com/lynkr/lynkr/internal/infrastructure/llm/zai"
)

// App owns every long-lived component and their teardown order.
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	transport *llm.Transport
	auditLog  *audit.Logger
	server    *httpiface.Server
	health    *httpiface.HealthState
	watcher   *config.Watcher
}

// NewApp builds the full pipeline.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	transport := llm.NewTransport(llm.RetryOptions{
		MaxRetries:   cfg.Retry.MaxRetries,
		InitialDelay: cfg.Retry.InitialDelay,
		MaxDelay:     cfg.Retry.MaxDelay,
	}, logger)

	dispatcher, err := llm.NewDispatcher(cfg, transport, logger)
	if err != nil {
		return nil, fmt.Errorf("build dispatcher: %w", err)
	}

	var recorder service.SessionRecorder
	if cfg.Session.DBPath != "" {
		db, err := persistence.NewDBConnection(cfg.Session.DBPath)
		if err != nil {
			return nil, err
		}
		recorder = persistence.NewGormSessionRepository(db)
	} else {
		recorder = persistence.NewMemorySessionRepository()
	}

	var auditLog *audit.Logger
	var sink service.AuditSink
	if cfg.Audit.Enabled {
		auditLog, err = audit.NewLogger(cfg.Audit, logger)
		if err != nil {
			return nil, fmt.Errorf("open audit trail: %w", err)
		}
		sink = auditLog
	}

	defaultModel := cfg.Providers[cfg.Routing.ModelProvider].Model
	health := httpiface.NewHealthState()

	orchestrator := service.NewOrchestrator(service.OrchestratorOptions{
		Config:     cfg.Loop,
		Sanitizer:  service.NewSanitizer(cfg.Loop, defaultModel, logger),
		Dispatcher: dispatcher,
		Policy:     service.NewPolicyGate(cfg.Policy, logger),
		Recorder:   recorder,
		Cache:      cache.New(cfg.Cache, transport, logger),
		Audit:      sink,
		IsShutdown: health.ShuttingDown,
		Logger:     logger,
	})

	// Hot reload: only knobs read through the watcher (load shedding) pick
	// up config file rewrites; everything else keeps its startup snapshot.
	watcher, err := config.NewWatcher(cfg, config.FilePath(), logger)
	if err != nil {
		return nil, fmt.Errorf("watch config file: %w", err)
	}

	messages := handlers.NewMessagesHandler(orchestrator, logger)
	server := httpiface.NewServer(cfg.Server, func() config.LoadSheddingConfig {
		return watcher.Current().LoadShedding
	}, health, messages, logger)

	return &App{
		cfg:       cfg,
		logger:    logger,
		transport: transport,
		auditLog:  auditLog,
		server:    server,
		health:    health,
		watcher:   watcher,
	}, nil
}

// Start begins serving.
func (a *App) Start(ctx context.Context) error {
	return a.server.Start(ctx)
}

// Stop drains in-flight requests, flushes the audit trail, and releases the
// upstream connection pool.
func (a *App) Stop(ctx context.Context) error {
	err := a.server.Stop(ctx)
	if a.auditLog != nil {
		if cerr := a.auditLog.Close(); err == nil {
			err = cerr
		}
	}
	if cerr := a.watcher.Close(); err == nil {
		err = cerr
	}
	a.transport.Close()
	return err
}
