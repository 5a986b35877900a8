// Package safety implements C6, the Safety Guardian. Grounded on
// internal/domain/service/security_hook.go's mode-based gating style
// (trusted/dangerous lists checked before falling through to an approval
// callback) generalized from "approve this tool call" to "allow/block/
// require_approval this prompt" and "allow/sanitize/block this output".
package safety

import (
	"regexp"
	"strings"

	"github.com/convergio/maoc/internal/domain/entity"
)

// PromptDecision is validate_prompt's return shape.
type PromptDecision struct {
	Allow           bool
	Block           bool
	BlockReason     string
	RequireApproval bool
	Risk            entity.RiskLevel
	RedactedMessage string
}

// OutputDecision is validate_output's return shape.
type OutputDecision struct {
	Allow        bool
	Sanitize     bool
	SanitizedText string
	Block        bool
	BlockReason  string
}

var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore (all )?(previous|above) instructions`),
	regexp.MustCompile(`(?i)disregard (your|the) (system|prior) prompt`),
	regexp.MustCompile(`(?i)you are now (in )?(developer|dan|jailbreak) mode`),
	regexp.MustCompile(`(?i)reveal (your|the) system prompt`),
}

var disallowedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(build|synthesize) (a )?(bomb|explosive|bioweapon)\b`),
}

var piiPatterns = map[string]*regexp.Regexp{
	"email":       regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
	"ssn":         regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	"credit_card": regexp.MustCompile(`\b(?:\d[ -]*?){13,16}\b`),
}

var highRiskActionTokens = []string{"delete", "transfer funds", "wire", "drop table", "rm -rf", "execute payment"}

// Guardian is C6.
type Guardian struct{}

func New() *Guardian { return &Guardian{} }

// ValidatePrompt inspects userMessage; the caller-supplied actionHint is
// checked alongside it for high-risk action tokens. It takes no context
// argument and works purely off these two strings.
func (g *Guardian) ValidatePrompt(userMessage string, actionHint string) PromptDecision {
	for _, p := range disallowedPatterns {
		if p.MatchString(userMessage) {
			return PromptDecision{Block: true, BlockReason: "disallowed_content"}
		}
	}
	for _, p := range injectionPatterns {
		if p.MatchString(userMessage) {
			return PromptDecision{RequireApproval: true, Risk: entity.RiskHigh,
				RedactedMessage: g.redactPII(userMessage)}
		}
	}

	lower := strings.ToLower(userMessage + " " + actionHint)
	for _, tok := range highRiskActionTokens {
		if strings.Contains(lower, tok) {
			return PromptDecision{RequireApproval: true, Risk: entity.RiskMedium,
				RedactedMessage: g.redactPII(userMessage)}
		}
	}

	redacted := g.redactPII(userMessage)
	return PromptDecision{Allow: true, RedactedMessage: redacted}
}

// ValidateOutput inspects agent_output for policy violations, sanitizing
// (redacting) rather than blocking when the only issue is exposed PII.
func (g *Guardian) ValidateOutput(agentOutput string) OutputDecision {
	for _, p := range disallowedPatterns {
		if p.MatchString(agentOutput) {
			return OutputDecision{Block: true, BlockReason: "disallowed_content"}
		}
	}
	redacted := g.redactPII(agentOutput)
	if redacted != agentOutput {
		return OutputDecision{Sanitize: true, SanitizedText: redacted}
	}
	return OutputDecision{Allow: true}
}

// redactPII replaces matched PII spans with a type-tagged placeholder,
// in place, discarding the original per spec §4.6 ("original is discarded").
func (g *Guardian) redactPII(text string) string {
	out := text
	for kind, p := range piiPatterns {
		out = p.ReplaceAllString(out, "[REDACTED_"+strings.ToUpper(kind)+"]")
	}
	return out
}
