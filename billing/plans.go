package billing

// Plan identifiers. "free" is the signup default; "pro" carries a recurring
// monthly minute allocation.
const (
	PlanFree = "free"
	PlanPro  = "pro"
)

// PlanLimits describes what a plan grants.
type PlanLimits struct {
	ID             string `json:"id"`
	MonthlyMinutes int    `json:"monthly_minutes"` // 0 = no recurring grant
	SignupMinutes  int    `json:"signup_minutes"`  // one-time grant at account creation
}

// DefaultPlans returns the built-in plan set. The pro allocation is
// config-overridable; this is the fallback.
func DefaultPlans() map[string]PlanLimits {
	return map[string]PlanLimits{
		PlanFree: {ID: PlanFree, MonthlyMinutes: 0, SignupMinutes: 30},
		PlanPro:  {ID: PlanPro, MonthlyMinutes: 300},
	}
}
