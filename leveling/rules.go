// Package leveling adjusts an account's risk level from its trailing
// performance and applies protected manual overrides. Every applied change
// writes exactly one audit event.
package leveling

import (
	"fmt"

	"github.com/rustyeddy/tradeguard/model"
	"github.com/rustyeddy/tradeguard/risk"
	"github.com/shopspring/decimal"
)

// Multiplier returns the position sizing multiplier of a level.
func Multiplier(level int) (decimal.Decimal, error) {
	return risk.LevelMultiplier(level)
}

// Performance summarizes closed trades over the trailing window. Loss
// percentages are negative and only count trades closed after the account's
// last level change, so a loss that already cost a level is not charged again.
type Performance struct {
	Trades          int
	Wins            int
	WinRatePct      decimal.Decimal
	ConsecutiveWins int
	MonthlyLossPct  decimal.Decimal
	LargestLossPct  decimal.Decimal
}

var (
	monthlyLossLimit = decimal.NewFromInt(-5)
	tradeLossLimit   = decimal.NewFromInt(-2)
)

// Decision is the outcome of one rule evaluation.
type Decision struct {
	Trigger    string
	Reason     string
	FromLevel  int
	ToLevel    int
	FromStatus model.AccountStatus
	ToStatus   model.AccountStatus
	// Clamped marks a matched rule whose step would leave the level range.
	Clamped bool
}

type rule struct {
	trigger string
	step    int
	status  model.AccountStatus
	match   func(status model.AccountStatus, p Performance) bool
	reason  func(p Performance) string
}

func atLeast(p Performance, trades int, winPct int64, streak int) bool {
	return p.Trades >= trades && p.WinRatePct.GreaterThanOrEqual(decimal.NewFromInt(winPct)) && p.ConsecutiveWins >= streak
}

// rules in priority order; the first match decides.
var rules = []rule{
	{
		trigger: TriggerLossLimit,
		step:    -1,
		status:  model.StatusProbation,
		match: func(_ model.AccountStatus, p Performance) bool {
			return p.MonthlyLossPct.LessThanOrEqual(monthlyLossLimit) || p.LargestLossPct.LessThanOrEqual(tradeLossLimit)
		},
		reason: func(p Performance) string {
			return fmt.Sprintf("monthly loss %s%%, largest loss %s%%", p.MonthlyLossPct.StringFixed(2), p.LargestLossPct.StringFixed(2))
		},
	},
	{
		trigger: TriggerOverconfidence,
		step:    -1,
		status:  model.StatusCooldown,
		match: func(_ model.AccountStatus, p Performance) bool {
			return atLeast(p, 20, 85, 8)
		},
		reason: streakReason,
	},
	{
		trigger: TriggerCooldownRecovery,
		step:    +1,
		status:  model.StatusNormal,
		match: func(s model.AccountStatus, p Performance) bool {
			return s == model.StatusCooldown && atLeast(p, 5, 65, 2)
		},
		reason: streakReason,
	},
	{
		trigger: TriggerPerformance,
		step:    +1,
		status:  model.StatusNormal,
		match: func(_ model.AccountStatus, p Performance) bool {
			return atLeast(p, 10, 70, 3)
		},
		reason: streakReason,
	},
}

func streakReason(p Performance) string {
	return fmt.Sprintf("%d trades, %s%% wins, %d consecutive", p.Trades, p.WinRatePct.StringFixed(2), p.ConsecutiveWins)
}

// Decide applies the first matching rule. It moves at most one level. ok is
// false when no rule matched or the step would leave 0..4; in the latter case
// the returned decision has Clamped set.
func Decide(level int, status model.AccountStatus, p Performance) (d Decision, ok bool) {
	for _, r := range rules {
		if !r.match(status, p) {
			continue
		}
		d = Decision{
			Trigger:    r.trigger,
			Reason:     r.reason(p),
			FromLevel:  level,
			ToLevel:    level + r.step,
			FromStatus: status,
			ToStatus:   r.status,
		}
		if !model.ValidLevel(d.ToLevel) {
			d.ToLevel = level
			d.Clamped = true
			return d, false
		}
		return d, true
	}
	return Decision{FromLevel: level, ToLevel: level, FromStatus: status, ToStatus: status}, false
}
