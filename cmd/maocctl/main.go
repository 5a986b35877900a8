package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/convergio/maoc/internal/application"
	"github.com/convergio/maoc/internal/domain/entity"
	"github.com/convergio/maoc/internal/domain/orchestrator"
	"github.com/convergio/maoc/internal/infrastructure/agentdoc"
	"github.com/convergio/maoc/internal/infrastructure/config"
	"github.com/convergio/maoc/internal/infrastructure/logger"
	"github.com/convergio/maoc/internal/interfaces/tui"
)

const (
	ctlVersion = "0.1.0"
	ctlName    = "maocctl"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   ctlName,
		Short: "maocctl — Convergio multi-agent orchestration core CLI",
		Long:  "maocctl drives the C10 group orchestrator: run a single conversation turn loop, serve the full gateway, or validate an agent definition directory.",
	}

	runCmd := &cobra.Command{
		Use:   "run [message]",
		Short: "run one conversation turn loop against the orchestrator, printing its event stream",
		Args:  cobra.ArbitraryArgs,
		RunE:  runOrchestrate,
	}
	runCmd.Flags().String("conv-id", "", "conversation id (generated if omitted)")
	runCmd.Flags().Float64("budget", 0, "override per-conversation budget_limit_usd")
	runCmd.Flags().Bool("plain", false, "print raw event lines instead of the styled TUI renderer")
	rootCmd.AddCommand(runCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "start the full gateway (HTTP + websocket), including the orchestrator's /api/v1/orchestrate endpoint",
		RunE:  runServe,
	})

	registryCmd := &cobra.Command{Use: "registry", Short: "agent registry tooling"}
	registryCmd.AddCommand(&cobra.Command{
		Use:   "validate <dir>",
		Short: "scan a directory of agent definition documents and report valid/invalid counts",
		Args:  cobra.ExactArgs(1),
		RunE:  runRegistryValidate,
	})
	rootCmd.AddCommand(registryCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s v%s\n", ctlName, ctlVersion)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runOrchestrate(cmd *cobra.Command, args []string) error {
	log, err := logger.NewLogger(logger.Config{Level: "warn", Format: "console", OutputPath: "stdout"})
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	app, err := application.NewAppCLI(cfg, log)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}

	convID, _ := cmd.Flags().GetString("conv-id")
	if convID == "" {
		convID = uuid.NewString()
	}
	budget, _ := cmd.Flags().GetFloat64("budget")
	if budget == 0 {
		budget = cfg.Orchestrator.PerConversationUSD
	}

	message := strings.Join(args, " ")
	if message == "" {
		reader := bufio.NewReader(os.Stdin)
		fmt.Print("> ")
		line, _ := reader.ReadString('\n')
		message = strings.TrimSpace(line)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() { <-sig; cancel() }()

	events, err := app.Orchestrator().Orchestrate(ctx, orchestrator.Request{
		ConvID:         convID,
		UserID:         "cli",
		UserMessage:    message,
		BudgetLimitUSD: budget,
	})
	if err != nil {
		return fmt.Errorf("orchestrate: %w", err)
	}

	plain, _ := cmd.Flags().GetBool("plain")
	if plain {
		for event := range events {
			printEvent(event)
		}
		return nil
	}

	renderer := tui.New(tui.Config{ConvID: convID}, log)
	renderer.PrintBanner()
	renderer.PrintUserMessage(message)
	renderer.Render(events)
	return nil
}

func printEvent(e *entity.StreamEvent) {
	switch e.Type {
	case entity.EventDelta:
		fmt.Print(e.DeltaContent)
	case entity.EventToolCall:
		fmt.Printf("\n[tool_call %s %s]\n", e.ToolName, e.CallID)
	case entity.EventToolResult:
		fmt.Printf("[tool_result %s] %s\n", e.CallID, e.Result)
	case entity.EventHandoff:
		fmt.Printf("\n[handoff %s -> %s: %s]\n", e.HandoffFrom, e.HandoffTo, e.HandoffReason)
	case entity.EventTurnEnded:
		fmt.Printf("\n[turn %d done, reason=%s, tokens=%d, cost=$%.4f]\n", e.TurnIndex, e.CompletionReason, e.TotalTokens, e.CostEstimate)
	case entity.EventError:
		fmt.Printf("\n[error %s retryable=%v] %s\n", e.ErrKind, e.ErrRetryable, e.ErrDetails)
	case entity.EventOrchestratorFinal:
		fmt.Printf("\n=== %s (agents=%v, total_cost=$%.4f) ===\n%s\n", e.Status, e.AgentsUsed, e.TotalCost, e.Message)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	log, err := logger.NewLogger(logger.Config{Level: "info", Format: "json", OutputPath: "stdout"})
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load configuration", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := application.NewApp(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize application", zap.Error(err))
	}

	if err := app.Start(ctx); err != nil {
		log.Fatal("failed to start application", zap.Error(err))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := app.Stop(shutdownCtx); err != nil {
		log.Error("error during shutdown", zap.Error(err))
		os.Exit(1)
	}
	return nil
}

func runRegistryValidate(cmd *cobra.Command, args []string) error {
	log, err := logger.NewLogger(logger.Config{Level: "warn", Format: "console", OutputPath: "stdout"})
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer log.Sync()

	dir := args[0]
	defs, invalid := agentdoc.ScanAndLoad(dir, nil, log)
	fmt.Printf("valid: %d\n", len(defs))
	for _, d := range defs {
		fmt.Printf("  %s (%s, tier=%s)\n", d.ID, d.Name, d.Tier)
	}
	fmt.Printf("invalid: %d\n", len(invalid))
	for path, verr := range invalid {
		fmt.Printf("  %s: %v\n", path, verr)
	}
	if len(invalid) > 0 {
		return fmt.Errorf("%d invalid agent definitions", len(invalid))
	}
	return nil
}
