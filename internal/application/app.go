package application

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/convergio/maoc/internal/domain/agent"
	"github.com/convergio/maoc/internal/domain/approval"
	"github.com/convergio/maoc/internal/domain/breaker"
	"github.com/convergio/maoc/internal/domain/ledger"
	"github.com/convergio/maoc/internal/domain/orchestrator"
	"github.com/convergio/maoc/internal/domain/pricing"
	"github.com/convergio/maoc/internal/domain/rag"
	"github.com/convergio/maoc/internal/domain/runner"
	"github.com/convergio/maoc/internal/domain/safety"
	"github.com/convergio/maoc/internal/domain/service"
	domaintool "github.com/convergio/maoc/internal/domain/tool"
	"github.com/convergio/maoc/internal/domain/turntracker"
	"github.com/convergio/maoc/internal/domain/valueobject"
	"github.com/convergio/maoc/internal/infrastructure/agentdoc"
	"github.com/convergio/maoc/internal/infrastructure/config"
	"github.com/convergio/maoc/internal/infrastructure/embedding"
	"github.com/convergio/maoc/internal/infrastructure/llm"
	_ "github.com/convergio/maoc/internal/infrastructure/llm/anthropic" // register anthropic provider factory
	_ "github.com/convergio/maoc/internal/infrastructure/llm/gemini"    // register gemini provider factory
	_ "github.com/convergio/maoc/internal/infrastructure/llm/openai"    // register openai provider factory
	"github.com/convergio/maoc/internal/infrastructure/persistence"
	"github.com/convergio/maoc/internal/infrastructure/prompt"
	"github.com/convergio/maoc/internal/infrastructure/sandbox"
	toolpkg "github.com/convergio/maoc/internal/infrastructure/tool"
	"github.com/convergio/maoc/internal/infrastructure/vectorstore"
	httpServer "github.com/convergio/maoc/internal/interfaces/http"
	"github.com/convergio/maoc/internal/interfaces/websocket"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// App is the dependency-injection container for the C1-C10 multi-agent
// orchestration core. It wires the shared LLM/tool/prompt infrastructure
// once and hands it to both cmd/gateway (HTTP + websocket surface) and
// cmd/maocctl (CLI turn loop), with the orchestrator.Orchestrator as the
// sole conversation entry point either surface drives.
type App struct {
	config *config.Config
	logger *zap.Logger
	db     *gorm.DB

	// Shared agent-execution infrastructure, reused by every C9 turn the
	// orchestrator drives (one AgentLoop instance, one tool registry).
	toolRegistry domaintool.Registry
	toolExecutor *toolpkg.Executor
	llmRouter    *llm.Router
	mcpManager   *toolpkg.MCPManager
	agentLoop    *service.AgentLoop
	httpServer   *httpServer.Server

	// Multi-agent orchestration core (C1-C10)
	agentRegistry *agent.Registry
	orchestrator  *orchestrator.Orchestrator
	registryWatch *agentdoc.Watcher
	registryStop  chan struct{}
	wsHub         *websocket.Hub
	wsCancel      context.CancelFunc

	promptEngine *prompt.PromptEngine
}

// NewApp builds the full gateway: infrastructure, the C1-C10 orchestrator,
// and the HTTP/websocket surface cmd/gateway serves.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if err := config.Bootstrap(logger); err != nil {
		logger.Warn("Bootstrap failed (non-fatal)", zap.Error(err))
	}

	app := &App{config: cfg, logger: logger}

	if err := app.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to init database: %w", err)
	}
	if err := app.initInfrastructure(); err != nil {
		return nil, fmt.Errorf("failed to init infrastructure: %w", err)
	}
	if err := app.initAgentLoop(); err != nil {
		return nil, fmt.Errorf("failed to init agent loop: %w", err)
	}
	if err := app.initOrchestrator(); err != nil {
		return nil, fmt.Errorf("failed to init orchestrator: %w", err)
	}
	if err := app.initInterfaces(); err != nil {
		return nil, fmt.Errorf("failed to init interfaces: %w", err)
	}

	return app, nil
}

// NewAppCLI builds the orchestrator and its infrastructure without the
// HTTP/websocket surface, for `maocctl run`'s single-turn CLI loop.
func NewAppCLI(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if err := config.Bootstrap(logger); err != nil {
		logger.Warn("Bootstrap failed (non-fatal)", zap.Error(err))
	}

	app := &App{config: cfg, logger: logger}

	if err := app.initDatabaseSilent(); err != nil {
		return nil, fmt.Errorf("failed to init database: %w", err)
	}
	if err := app.initInfrastructure(); err != nil {
		return nil, fmt.Errorf("failed to init infrastructure: %w", err)
	}
	if err := app.initAgentLoop(); err != nil {
		return nil, fmt.Errorf("failed to init agent loop: %w", err)
	}
	if err := app.initOrchestrator(); err != nil {
		return nil, fmt.Errorf("failed to init orchestrator: %w", err)
	}

	return app, nil
}

// initDatabase opens the gorm connection backing C1's ledger, C7's approval
// store, and C8's turn tracker.
func (app *App) initDatabase() error {
	app.logger.Info("Initializing database")
	db, err := persistence.NewDBConnection(&app.config.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	app.db = db
	return nil
}

// initDatabaseSilent is initDatabase with SQL query logging suppressed, so
// `maocctl run`'s TUI output isn't interleaved with gorm log lines.
func (app *App) initDatabaseSilent() error {
	db, err := persistence.NewDBConnectionSilent(&app.config.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	app.db = db
	return nil
}

// initInfrastructure wires the tool registry/executor, sandbox, LLM router,
// MCP manager, and prompt engine — every C9 agent turn shares this one set
// regardless of which agent definition the C3 registry selected.
func (app *App) initInfrastructure() error {
	app.logger.Info("Initializing infrastructure")

	app.toolRegistry = domaintool.NewInMemoryRegistry()
	homeDir, _ := os.UserHomeDir()
	systemSkillsDir := filepath.Join(homeDir, ".convergio", "skills")

	workspaceDir := app.config.Agent.Workspace
	skillsDirs := []string{systemSkillsDir}
	if workspaceDir != "" {
		wsSkillsDir := filepath.Join(workspaceDir, ".convergio", "skills")
		skillsDirs = append(skillsDirs, wsSkillsDir)
	}

	sbxCfg := sandbox.DefaultConfig()
	sbxCfg.PythonEnv = app.config.PythonEnv
	if app.config.Agent.Runtime.ToolTimeout > 0 {
		sbxCfg.Timeout = app.config.Agent.Runtime.ToolTimeout
	}
	sbx, sbxErr := sandbox.NewProcessSandbox(sbxCfg, app.logger)
	if sbxErr != nil {
		app.logger.Warn("Sandbox init failed, tools will run unsandboxed", zap.Error(sbxErr))
	}

	app.toolExecutor = toolpkg.NewExecutor(
		app.toolRegistry,
		&domaintool.Policy{Profile: "full"},
		sbx, nil, app.logger,
	)

	// LLM Router — must come up before RegisterAllTools, since the
	// sub_agent tool dials back through it.
	app.llmRouter = llm.NewRouter(app.logger)
	for _, p := range app.config.Agent.Providers {
		provider, err := llm.CreateProvider(llm.ProviderConfig{
			Name:     p.Name,
			Type:     p.Type,
			BaseURL:  p.BaseURL,
			APIKey:   p.APIKey,
			Models:   p.Models,
			Priority: p.Priority,
		}, app.logger)
		if err != nil {
			app.logger.Error("Failed to create LLM provider",
				zap.String("name", p.Name),
				zap.String("type", p.Type),
				zap.Error(err),
			)
			continue
		}
		app.llmRouter.AddProvider(provider)
	}
	app.logger.Info("LLM Router initialized", zap.Int("providers", len(app.config.Agent.Providers)))

	// MCP Manager (hot-pluggable, reads ~/.convergio/mcp.json)
	mcpConfigPath := filepath.Join(homeDir, ".convergio", "mcp.json")
	app.mcpManager = toolpkg.NewMCPManager(mcpConfigPath, app.toolRegistry, app.logger)

	subMaxSteps := app.config.Agent.Runtime.SubAgentMaxSteps
	if subMaxSteps <= 0 {
		subMaxSteps = 25
	}
	var researchURL, researchKey, researchModel string
	if len(app.config.Agent.Providers) > 0 {
		p := app.config.Agent.Providers[0]
		researchURL = p.BaseURL
		researchKey = p.APIKey
		if len(p.Models) > 0 {
			model := p.Models[0]
			if idx := strings.Index(model, "/"); idx >= 0 {
				model = model[idx+1:]
			}
			researchModel = model
		}
	}

	toolpkg.RegisterAllTools(toolpkg.ToolLayerDeps{
		Registry:         app.toolRegistry,
		Sandbox:          sbx,
		SkillExec:        nil,
		PythonEnv:        app.config.PythonEnv,
		SkillsDir:        systemSkillsDir,
		ResearchLLMURL:   researchURL,
		ResearchLLMKey:   researchKey,
		ResearchLLMModel: researchModel,
		Workspace:        app.config.Agent.Workspace,
		MCPManager:       app.mcpManager,
		SubAgent: &toolpkg.SubAgentDeps{
			LLMClient:    app.llmRouter,
			ToolExecutor: &toolBridge{registry: app.toolRegistry},
			DefaultModel: app.config.Agent.DefaultModel,
			MaxSteps:     subMaxSteps,
			Timeout:      app.config.Agent.Runtime.SubAgentTimeout,
		},
		Logger: app.logger,
	})

	// Prompt Engine (hot-pluggable system prompt assembly — System + Workspace layers)
	app.promptEngine = prompt.NewPromptEngine(app.config.Agent.Workspace, app.logger)
	if err := app.promptEngine.Discover(); err != nil {
		app.logger.Warn("Prompt engine discovery failed, will use empty system prompt", zap.Error(err))
	}

	return nil
}

// initAgentLoop builds the single AgentLoop instance every C9 turn drives
// through (see initOrchestrator's ProviderResolver). One AgentLoop — and
// its state machine, tool-call middleware, retry/compaction/guardrail
// policy — now serves both the orchestrator's per-agent turns and the
// direct /api/v1/agent diagnostic endpoint, instead of a separate
// single-agent pipeline duplicating its ReAct loop.
func (app *App) initAgentLoop() error {
	app.logger.Info("Initializing agent loop")

	loopTools := &toolBridge{registry: app.toolRegistry}

	loopCfg := service.DefaultAgentLoopConfig()
	loopCfg.Model = app.config.Agent.DefaultModel

	if len(app.config.Agent.ModelPolicies) > 0 {
		loopCfg.ModelPolicies = make(map[string]*service.ModelPolicyOverride)
		for key, cfgPolicy := range app.config.Agent.ModelPolicies {
			loopCfg.ModelPolicies[key] = &service.ModelPolicyOverride{
				RepairToolPairing:   cfgPolicy.RepairToolPairing,
				EnforceTurnOrdering: cfgPolicy.EnforceTurnOrdering,
				ReasoningFormat:     cfgPolicy.ReasoningFormat,
				ProgressInterval:    cfgPolicy.ProgressInterval,
				ProgressEscalation:  cfgPolicy.ProgressEscalation,
				PromptStyle:         cfgPolicy.PromptStyle,
				SystemRoleSupport:   cfgPolicy.SystemRoleSupport,
				ThinkingTagHint:     cfgPolicy.ThinkingTagHint,
			}
		}
	}
	if app.config.Agent.Guardrails.LoopDetectWindow > 0 {
		loopCfg.LoopWindowSize = app.config.Agent.Guardrails.LoopDetectWindow
	}
	if app.config.Agent.Guardrails.LoopDetectThreshold > 0 {
		loopCfg.LoopDetectThreshold = app.config.Agent.Guardrails.LoopDetectThreshold
	}
	if app.config.Agent.Guardrails.LoopNameThreshold > 0 {
		loopCfg.LoopNameThreshold = app.config.Agent.Guardrails.LoopNameThreshold
	}
	if app.config.Agent.Runtime.MaxRetries > 0 {
		loopCfg.MaxRetries = app.config.Agent.Runtime.MaxRetries
	}
	if app.config.Agent.Runtime.RetryBaseWait > 0 {
		loopCfg.RetryBaseWait = app.config.Agent.Runtime.RetryBaseWait
	}
	if app.config.Agent.Compaction.MessageThreshold > 0 {
		loopCfg.CompactThreshold = app.config.Agent.Compaction.MessageThreshold
	}
	if app.config.Agent.Compaction.KeepRecent > 0 {
		loopCfg.CompactKeepLast = app.config.Agent.Compaction.KeepRecent
	}

	app.agentLoop = service.NewAgentLoop(app.llmRouter, loopTools, loopCfg, app.logger)
	app.logger.Info("Agent Loop initialized", zap.String("model", loopCfg.Model))

	// Middleware pipeline (data-transformation hooks around LLM calls).
	mwPipeline := service.NewMiddlewarePipeline(app.logger)
	mwPipeline.Use(
		service.NewDanglingToolCallMiddleware(app.logger),
		// NOTE: MemoryMiddleware intentionally removed.
		// It produced low-quality, unfiltered facts that polluted the
		// system prompt and caused context poisoning.
		// Future: agent writes memory via file tools (OpenClaw pattern).
	)
	app.agentLoop.SetMiddleware(mwPipeline)
	app.logger.Info("Middleware pipeline configured", zap.Int("middlewares", mwPipeline.Len()))

	return nil
}

// initOrchestrator wires C1-C10 into a single orchestrator.Orchestrator:
// the gorm-backed stores built in infrastructure/persistence, the C3
// registry loaded from agent definition documents (with a hot-reload
// watcher), the C4 RAG injector backed by the teacher's LanceDB + Ollama
// embedding stack when configured, and a ProviderResolver that routes each
// selected agent definition's model_preference through the shared
// AgentLoop via llm.AgentLoopProvider — so every C9 turn, regardless of
// which agent the C5 selection picked, runs the full ReAct tool-calling
// loop rather than a bare delta relay.
func (app *App) initOrchestrator() error {
	app.logger.Info("Initializing orchestrator (C1-C10)")

	orcCfg := app.config.Orchestrator

	// C3 — registry, seeded from agent definition documents on disk.
	app.agentRegistry = agent.NewRegistry(app.logger)
	knownTools := make(map[string]bool)
	for _, d := range app.toolRegistry.List() {
		knownTools[d.Name] = true
	}
	if orcCfg.AgentDefsDir != "" {
		if err := os.MkdirAll(orcCfg.AgentDefsDir, 0o755); err != nil {
			app.logger.Warn("failed to create agent defs dir", zap.Error(err))
		}
		defs, invalid := agentdoc.ScanAndLoad(orcCfg.AgentDefsDir, knownTools, app.logger)
		if len(invalid) > 0 {
			app.logger.Warn("invalid agent definitions skipped on boot", zap.Int("count", len(invalid)))
		}
		if err := app.agentRegistry.Load(defs); err != nil {
			app.logger.Warn("agent registry initial load rejected", zap.Error(err))
		}
		app.registryStop = make(chan struct{})
		app.registryWatch = agentdoc.NewWatcher(orcCfg.AgentDefsDir, knownTools, app.agentRegistry, app.logger)
		go func() {
			if err := app.registryWatch.Run(app.registryStop); err != nil {
				app.logger.Warn("agent registry watcher stopped", zap.Error(err))
			}
		}()
	}

	// C1 — ledger, backed by the gorm store.
	limits := valueobject.BudgetLimits{
		DailyUSD:           valueobject.NewDecimal6FromFloat(orcCfg.DailyBudgetUSD),
		MonthlyUSD:         valueobject.NewDecimal6FromFloat(orcCfg.MonthlyBudgetUSD),
		PerConversationUSD: valueobject.NewDecimal6FromFloat(orcCfg.PerConversationUSD),
	}
	ledgerStore := persistence.NewGormLedgerStore(app.db)
	ldg := ledger.New(ledgerStore, limits, app.logger)

	// C2 — breaker, reads the ledger's utilization for its budget checks.
	brk := breaker.New(ldg, app.logger)

	// C8 — turn token tracker, backed by its own gorm store and the shared
	// price table.
	prices := pricing.DefaultTable()
	turnStore := persistence.NewGormTurnTrackerStore(app.db)
	tracker := turntracker.New(turnStore, prices, app.logger)

	// C6 — safety guardian (stateless).
	guardian := safety.New()

	// C7 — approval store, backed by its own gorm store.
	approvalStore := persistence.NewGormApprovalStore(app.db)
	approvals := approval.New(approvalStore, app.logger)

	// C4 — RAG injector. Uses the teacher's LanceDB + Ollama embedding
	// stack when memory.enabled is configured; otherwise falls back to a
	// store that always returns zero facts, exercising the injector's
	// documented degraded-bundle path rather than leaving RAG unwired.
	var ragStore rag.Store
	if app.config.Memory.Enabled && app.config.Memory.StoreType != "memory" {
		embedder, eerr := embedding.NewOllamaEmbedder(app.config.Memory.OllamaURL, app.config.Memory.EmbedModel, app.logger)
		if eerr != nil {
			app.logger.Warn("ollama embedder init failed, RAG context will stay degraded", zap.Error(eerr))
		} else {
			vstore, verr := vectorstore.NewLanceDBVectorStore(app.config.Memory.StorePath, embedder.Dimension(), app.logger)
			if verr != nil {
				app.logger.Warn("lancedb store init failed, RAG context will stay degraded", zap.Error(verr))
			} else {
				ragStore = vectorstore.NewRAGAdapter(vstore, embedder)
			}
		}
	}
	if ragStore == nil {
		ragStore = emptyRAGStore{}
	}
	injector := rag.New(ragStore, app.logger)

	// C9 — streaming runner.
	streamer := runner.New(app.logger)

	// ProviderResolver: route the selected agent's model_preference through
	// the shared AgentLoop, reusing one AgentLoopProvider per model.
	resolverCache := make(map[string]*llm.AgentLoopProvider)
	var resolverMu sync.Mutex
	resolve := func(def *agent.Definition) (runner.Provider, string, string, error) {
		model := def.ModelPreference
		if model == "" {
			model = app.config.Agent.DefaultModel
		}
		resolverMu.Lock()
		defer resolverMu.Unlock()
		p, ok := resolverCache[model]
		if !ok {
			p = llm.NewAgentLoopProvider(app.agentLoop, model)
			resolverCache[model] = p
		}
		return p, app.config.Agent.DefaultProvider, model, nil
	}

	app.orchestrator = orchestrator.New(
		app.agentRegistry, brk, ldg, injector, guardian, approvals, tracker, streamer, prices, resolve, app.logger,
	)

	app.logger.Info("Orchestrator initialized", zap.Int("registered_agents", app.agentRegistry.Count()))
	return nil
}

// emptyRAGStore is rag.Store's no-backend fallback: every query returns zero
// facts, so Injector.Build always yields its degraded bundle instead of
// panicking on a nil store.
type emptyRAGStore struct{}

func (emptyRAGStore) Query(ctx context.Context, query string, topK int) ([]valueobject.Fact, error) {
	return nil, nil
}

// initInterfaces wires the HTTP/websocket surface: the realtime
// orchestration channel bridging chat frames into Orchestrate, and the
// REST/SSE endpoints (/api/v1/orchestrate, /api/v1/agent, /ws).
func (app *App) initInterfaces() error {
	app.logger.Info("Initializing interfaces")

	var wsHandler *websocket.Handler
	if app.orchestrator != nil {
		app.wsHub = websocket.NewHub(app.logger)
		bridge := websocket.NewOrchestratorBridge(app.orchestrator, app.logger)
		app.wsHub.SetMessageHandler(bridge.HandleMessage)
		var hubCtx context.Context
		hubCtx, app.wsCancel = context.WithCancel(context.Background())
		go app.wsHub.Run(hubCtx)
		wsHandler = websocket.NewHandler(app.wsHub, app.logger)
	}

	loopToolsBridge := &toolBridge{registry: app.toolRegistry}
	app.httpServer = httpServer.NewServer(
		httpServer.Config{
			Host: app.config.Gateway.Host,
			Port: app.config.Gateway.Port,
			Mode: app.config.Gateway.Mode,
		},
		app.agentLoop,
		loopToolsBridge,
		app.promptEngine,
		app.orchestrator,
		wsHandler,
		app.logger,
	)

	return nil
}

// Start starts the HTTP server and, transitively, the websocket hub it
// embeds.
func (app *App) Start(ctx context.Context) error {
	app.logger.Info("Starting application")

	if err := app.httpServer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	app.logger.Info("Application started successfully")
	return nil
}

// Stop shuts down every background goroutine the App started: the agent
// registry watcher, the websocket hub, the HTTP server, and the database
// connection.
func (app *App) Stop(ctx context.Context) error {
	app.logger.Info("Stopping application")

	if app.registryStop != nil {
		close(app.registryStop)
	}
	if app.wsCancel != nil {
		app.wsCancel()
	}
	if err := app.httpServer.Stop(ctx); err != nil {
		app.logger.Error("Failed to stop HTTP server", zap.Error(err))
	}
	if app.db != nil {
		sqlDB, err := app.db.DB()
		if err == nil {
			if err := sqlDB.Close(); err != nil {
				app.logger.Error("Failed to close database connection", zap.Error(err))
			}
		}
	}

	app.logger.Info("Application stopped successfully")
	return nil
}

// Logger returns the application logger.
func (app *App) Logger() *zap.Logger {
	return app.logger
}

// AppConfig returns the application config.
func (app *App) AppConfig() *config.Config {
	return app.config
}

// AgentLoop returns the shared agent loop instance (used by the HTTP
// /api/v1/agent diagnostic endpoint and by cmd/maocctl's lower-level
// tooling).
func (app *App) AgentLoop() *service.AgentLoop {
	return app.agentLoop
}

// PromptEngine returns the prompt engine.
func (app *App) PromptEngine() *prompt.PromptEngine {
	return app.promptEngine
}

// ToolRegistry returns the tool registry.
func (app *App) ToolRegistry() domaintool.Registry {
	return app.toolRegistry
}

// Orchestrator returns the C10 group orchestrator, the sole entry point
// cmd/maocctl and the HTTP/websocket interfaces use to start multi-agent
// conversation turns.
func (app *App) Orchestrator() *orchestrator.Orchestrator {
	return app.orchestrator
}

// AgentRegistry returns the C3 agent registry (used by `maocctl registry
// validate` and similar tooling).
func (app *App) AgentRegistry() *agent.Registry {
	return app.agentRegistry
}
