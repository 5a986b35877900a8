package tui

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/convergio/maoc/internal/domain/entity"
)

// TUI is a rich terminal renderer for a C10 group orchestrator turn loop.
// It consumes the entity.StreamEvent channel produced by
// Orchestrator.Orchestrate and renders it with ANSI styling, generalizing
// the single-agent AgentLoop renderer to a multi-agent conversation:
// handoffs between agents get their own styled line, and the closing
// summary reports total cost and every agent the turn touched rather than
// one model's token count.
type TUI struct {
	convID string
	logger *zap.Logger
}

const (
	reset  = "\033[0m"
	bold   = "\033[1m"
	dim    = "\033[2m"
	italic = "\033[3m"

	fgCyan    = "\033[36m"
	fgGreen   = "\033[32m"
	fgYellow  = "\033[33m"
	fgRed     = "\033[31m"
	fgMagenta = "\033[35m"
	fgGray    = "\033[90m"
	fgWhite   = "\033[97m"

	bgCyan    = "\033[46m"
	bgMagenta = "\033[45m"
)

// Config holds TUI configuration
type Config struct {
	ConvID   string
	UserName string
}

func New(cfg Config, logger *zap.Logger) *TUI {
	convID := cfg.ConvID
	if convID == "" {
		convID = fmt.Sprintf("tui_%d", time.Now().UnixNano())
	}
	return &TUI{convID: convID, logger: logger}
}

func (t *TUI) PrintBanner() {
	fmt.Printf("\n%s%s ╔═══════════════════════════════════════╗ %s\n", bold, bgCyan, reset)
	fmt.Printf("%s%s ║   Convergio multi-agent orchestrator   ║ %s\n", bold, bgCyan, reset)
	fmt.Printf("%s%s ╚═══════════════════════════════════════╝ %s\n", bold, bgCyan, reset)
	convID := t.convID
	if len(convID) > 16 {
		convID = convID[:16]
	}
	fmt.Printf("%s Conversation: %s%s\n\n", fgGray, convID, reset)
}

// PrintUserMessage echoes the user's turn before the event stream starts.
func (t *TUI) PrintUserMessage(msg string) {
	fmt.Printf("%s%s▶ You%s\n", bold, fgGreen, reset)
	fmt.Printf("  %s\n\n", msg)
}

// Render drains one orchestrator event stream, styling each event type.
func (t *TUI) Render(events <-chan *entity.StreamEvent) {
	for event := range events {
		t.renderEvent(event)
	}
}

func (t *TUI) renderEvent(e *entity.StreamEvent) {
	switch e.Type {
	case entity.EventDelta:
		fmt.Print(e.DeltaContent)

	case entity.EventToolCall:
		fmt.Printf("\n%s%s🔧 %s%s", bold, fgYellow, e.ToolName, reset)
		if len(e.Arguments) > 0 {
			fmt.Printf(" %s(", fgGray)
			i := 0
			for k, v := range e.Arguments {
				if i > 0 {
					fmt.Print(", ")
				}
				vStr := fmt.Sprintf("%v", v)
				if len(vStr) > 60 {
					vStr = vStr[:57] + "..."
				}
				fmt.Printf("%s=%s", k, vStr)
				i++
			}
			fmt.Printf(")%s", reset)
		}
		fmt.Println()

	case entity.EventToolResult:
		fmt.Printf("  %s✅ %s%s\n", fgGreen, e.CallID, reset)
		result := e.Result
		if len(result) > 500 {
			result = result[:497] + "..."
		}
		for _, line := range strings.Split(result, "\n") {
			fmt.Printf("  %s│ %s%s\n", fgGray, line, reset)
		}
		fmt.Println()

	case entity.EventHandoff:
		fmt.Printf("\n%s%s⇄ %s → %s%s %s(%s)%s\n\n",
			bold, fgMagenta, e.HandoffFrom, e.HandoffTo, reset, italic+fgGray, e.HandoffReason, reset)

	case entity.EventTurnEnded:
		fmt.Printf("%s%s  ── turn %d │ %d tokens │ $%.4f │ %s ──%s\n",
			dim, fgGray, e.TurnIndex, e.TotalTokens, e.CostEstimate, e.CompletionReason, reset)

	case entity.EventError:
		fmt.Printf("\n%s%s⚠ %s: %s%s\n\n", bold, fgRed, e.ErrKind, e.ErrDetails, reset)

	case entity.EventOrchestratorFinal:
		t.renderSummary(e)
	}
}

func (t *TUI) renderSummary(e *entity.StreamEvent) {
	fmt.Printf("\n%s%s🤖 %s%s\n\n", bold, fgCyan, e.Status, reset)
	fmt.Printf("%s%s────────────────────────────────────%s\n", dim, fgGray, reset)
	fmt.Printf("%s  Agents: %s │ Total cost: $%.4f%s\n",
		fgGray, strings.Join(e.AgentsUsed, ", "), e.TotalCost, reset)
	fmt.Printf("%s────────────────────────────────────%s\n\n", fgGray, reset)
}
