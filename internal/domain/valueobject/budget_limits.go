package valueobject

import "fmt"

// BudgetLimits configures C1's admission thresholds.
type BudgetLimits struct {
	DailyUSD          Decimal6
	MonthlyUSD        Decimal6
	PerProviderUSD    map[string]Decimal6
	PerConversationUSD Decimal6
}

// AlertThreshold is a utilization crossing point that fires exactly once per
// window.
type AlertThreshold struct {
	Utilization float64 // 0..1
	Severity    string  // info | warn | critical
}

// AlertThresholds are the fixed 50/75/90% crossing points from spec §4.4.
var AlertThresholds = []AlertThreshold{
	{Utilization: 0.50, Severity: "info"},
	{Utilization: 0.75, Severity: "warn"},
	{Utilization: 0.90, Severity: "critical"},
}

// Validate enforces non-negative limits and daily ≤ monthly.
func (b BudgetLimits) Validate() error {
	if b.DailyUSD < 0 || b.MonthlyUSD < 0 || b.PerConversationUSD < 0 {
		return fmt.Errorf("budget limits must be non-negative")
	}
	for provider, v := range b.PerProviderUSD {
		if v < 0 {
			return fmt.Errorf("budget limit for provider %q must be non-negative", provider)
		}
	}
	if b.DailyUSD > 0 && b.MonthlyUSD > 0 && b.DailyUSD > b.MonthlyUSD {
		return fmt.Errorf("daily budget %s exceeds monthly budget %s", b.DailyUSD, b.MonthlyUSD)
	}
	return nil
}
