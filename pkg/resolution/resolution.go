// Package resolution picks an aggregation granularity for a query window
// and a client performance budget.
package resolution

import "time"

// Granularity is the fixed time-bucket width used for aggregation.
type Granularity string

const (
	Raw     Granularity = "raw" // native 15-minute sampling
	Hourly  Granularity = "hourly"
	Daily   Granularity = "daily"
	Weekly  Granularity = "weekly"
	Monthly Granularity = "monthly"
)

// levels orders granularities finest to coarsest for escalation.
var levels = []Granularity{Raw, Hourly, Daily, Weekly, Monthly}

// pointsPerDay estimates how many points one entity produces per day at
// each granularity. Raw assumes the native 15-minute cadence.
var pointsPerDay = map[Granularity]float64{
	Raw:     96,
	Hourly:  24,
	Daily:   1,
	Weekly:  1.0 / 7,
	Monthly: 1.0 / 30,
}

// ParseGranularity maps a granularity name to its constant.
func ParseGranularity(name string) (Granularity, bool) {
	for _, level := range levels {
		if string(level) == name {
			return level, true
		}
	}
	return "", false
}

// Coarser returns the next coarser granularity, or false at Monthly.
func (g Granularity) Coarser() (Granularity, bool) {
	for i, level := range levels {
		if level == g && i+1 < len(levels) {
			return levels[i+1], true
		}
	}
	return g, false
}

// Level returns the granularity's position in the escalation order,
// Raw being 0. Unknown granularities report -1.
func (g Granularity) Level() int {
	for i, level := range levels {
		if level == g {
			return i
		}
	}
	return -1
}

// PointsPerDay returns the per-entity daily point estimate.
func (g Granularity) PointsPerDay() float64 {
	if ppd, ok := pointsPerDay[g]; ok {
		return ppd
	}
	return pointsPerDay[Raw]
}

// Bucket truncates a timestamp to the start of its aggregation bucket.
// Raw keeps the native 15-minute boundaries. Weekly buckets start on
// Monday. All bucketing is done in UTC.
func (g Granularity) Bucket(t time.Time) time.Time {
	t = t.UTC()
	switch g {
	case Raw:
		return t.Truncate(15 * time.Minute)
	case Hourly:
		return t.Truncate(time.Hour)
	case Daily:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case Weekly:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		// time.Weekday counts Sunday as 0; shift so Monday starts the week.
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case Monthly:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return t
	}
}

// Tier is a named point-count budget a client indicates it can render.
type Tier string

const (
	TierHighDetail Tier = "high_detail"
	TierBalanced   Tier = "balanced"
	TierFast       Tier = "fast"
)

// budgets maps each tier to the maximum point count it should receive.
var budgets = map[Tier]int{
	TierHighDetail: 10000,
	TierBalanced:   5000,
	TierFast:       2000,
}

// ParseTier maps a tier name onto a known tier, defaulting to Balanced for
// anything unrecognized.
func ParseTier(name string) Tier {
	switch Tier(name) {
	case TierHighDetail, TierBalanced, TierFast:
		return Tier(name)
	default:
		return TierBalanced
	}
}

// PointBudget returns the tier's point budget.
func (t Tier) PointBudget() int {
	if b, ok := budgets[t]; ok {
		return b
	}
	return budgets[TierBalanced]
}

// Escalation describes how far the selector had to coarsen the base
// granularity to fit the budget. Purely observational.
type Escalation string

const (
	EscalationNone       Escalation = "none"
	EscalationLight      Escalation = "light"
	EscalationModerate   Escalation = "moderate"
	EscalationAggressive Escalation = "aggressive"
)

func escalationFor(steps int) Escalation {
	switch {
	case steps <= 0:
		return EscalationNone
	case steps == 1:
		return EscalationLight
	case steps == 2:
		return EscalationModerate
	default:
		return EscalationAggressive
	}
}

// Plan is the per-request aggregation decision. It is computed, consumed
// and discarded; nothing persists it.
type Plan struct {
	Granularity     Granularity `json:"granularity"`
	Tier            Tier        `json:"performance_tier"`
	TargetPoints    int         `json:"target_point_count"`
	EstimatedPoints int         `json:"estimated_point_count"`
	Escalation      Escalation  `json:"escalation_level"`
}

// Select computes a plan for the window [start, end] over entityCount
// entities at the named tier. It never fails: if even the coarsest
// granularity blows the budget the coarsest plan is returned, with the
// escalation level recording how hard the selector tried.
func Select(start, end time.Time, entityCount int, tierName string) Plan {
	tier := ParseTier(tierName)
	budget := tier.PointBudget()

	days := end.Sub(start).Hours() / 24
	if days < 0 {
		days = 0
	}
	if entityCount < 1 {
		entityCount = 1
	}

	g := baseGranularity(days)
	estimate := estimatePoints(g, days, entityCount)

	steps := 0
	for estimate > budget {
		coarser, ok := g.Coarser()
		if !ok {
			break
		}
		g = coarser
		steps++
		estimate = estimatePoints(g, days, entityCount)
	}

	return Plan{
		Granularity:     g,
		Tier:            tier,
		TargetPoints:    budget,
		EstimatedPoints: estimate,
		Escalation:      escalationFor(steps),
	}
}

// baseGranularity maps window length in days onto the breakpoint table.
func baseGranularity(days float64) Granularity {
	switch {
	case days < 1:
		return Raw
	case days <= 7:
		return Hourly
	case days <= 30:
		return Daily
	case days <= 180:
		return Weekly
	default:
		return Monthly
	}
}

func estimatePoints(g Granularity, days float64, entities int) int {
	if days < 1 {
		days = 1
	}
	return int(float64(entities) * days * g.PointsPerDay())
}
