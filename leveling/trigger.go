package leveling

import (
	"strings"

	"github.com/rustyeddy/tradeguard/model"
)

// Triggers written by automatic evaluation.
const (
	TriggerLossLimit        = "loss_limit"
	TriggerOverconfidence   = "overconfidence_cooldown"
	TriggerCooldownRecovery = "cooldown_recovery"
	TriggerPerformance      = "performance_upgrade"
)

// Triggers offered for manual changes.
const (
	TriggerManualOverride = "manual_override"
	TriggerRiskReview     = "risk_review"
	TriggerDrawdown       = "drawdown"
	TriggerRuleViolation  = "rule_violation"
	TriggerAccountReset   = "account_reset"
)

// Taxonomy is the fixed set of known triggers.
var Taxonomy = []string{
	TriggerLossLimit,
	TriggerOverconfidence,
	TriggerCooldownRecovery,
	TriggerPerformance,
	TriggerManualOverride,
	TriggerRiskReview,
	TriggerDrawdown,
	TriggerRuleViolation,
	TriggerAccountReset,
}

const maxTriggerLen = 64

// NormalizeTrigger lowercases and trims s and replaces spaces with
// underscores. Taxonomy entries pass unchanged; anything else must reduce to
// [a-z0-9_-] within 64 characters.
func NormalizeTrigger(s string) (string, error) {
	t := strings.ToLower(strings.TrimSpace(s))
	t = strings.Join(strings.Fields(t), "_")
	if t == "" {
		return "", model.Errorf(model.ErrInvalidTrigger, "trigger is empty")
	}
	for _, known := range Taxonomy {
		if t == known {
			return t, nil
		}
	}
	if len(t) > maxTriggerLen {
		return "", model.Errorf(model.ErrInvalidTrigger, "trigger %q longer than %d characters", s, maxTriggerLen)
	}
	for _, r := range t {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return "", model.Errorf(model.ErrInvalidTrigger, "trigger %q contains %q", s, r)
		}
	}
	return t, nil
}
