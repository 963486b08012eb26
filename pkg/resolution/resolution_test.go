package resolution

import (
	"testing"
	"time"
)

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestBaseGranularityBreakpoints(t *testing.T) {
	tests := []struct {
		days float64
		want Granularity
	}{
		{0.5, Raw},
		{0.99, Raw},
		{1, Hourly},
		{7, Hourly},
		{7.5, Daily},
		{30, Daily},
		{31, Weekly},
		{180, Weekly},
		{181, Monthly},
		{400, Monthly},
	}
	for _, tt := range tests {
		if got := baseGranularity(tt.days); got != tt.want {
			t.Errorf("baseGranularity(%v) = %s, want %s", tt.days, got, tt.want)
		}
	}
}

func TestParseTier(t *testing.T) {
	if got := ParseTier("high_detail"); got != TierHighDetail {
		t.Errorf("ParseTier(high_detail) = %s", got)
	}
	if got := ParseTier("fast"); got != TierFast {
		t.Errorf("ParseTier(fast) = %s", got)
	}
	// Unknown names fall back to balanced rather than failing.
	if got := ParseTier("ultra"); got != TierBalanced {
		t.Errorf("ParseTier(ultra) = %s, want balanced", got)
	}
	if got := ParseTier(""); got != TierBalanced {
		t.Errorf("ParseTier(\"\") = %s, want balanced", got)
	}
}

func TestParseGranularity(t *testing.T) {
	for _, name := range []string{"raw", "hourly", "daily", "weekly", "monthly"} {
		g, ok := ParseGranularity(name)
		if !ok || string(g) != name {
			t.Errorf("ParseGranularity(%s) = %s, %v", name, g, ok)
		}
	}
	if _, ok := ParseGranularity("yearly"); ok {
		t.Error("ParseGranularity(yearly) should not parse")
	}
}

func TestPointBudgets(t *testing.T) {
	if b := TierHighDetail.PointBudget(); b != 10000 {
		t.Errorf("high_detail budget = %d", b)
	}
	if b := TierBalanced.PointBudget(); b != 5000 {
		t.Errorf("balanced budget = %d", b)
	}
	if b := TierFast.PointBudget(); b != 2000 {
		t.Errorf("fast budget = %d", b)
	}
}

func TestSelectThirtyDayBalanced(t *testing.T) {
	start := day("2025-03-01")
	end := start.AddDate(0, 0, 30)

	plan := Select(start, end, 2, "balanced")

	if plan.Granularity != Daily {
		t.Fatalf("granularity = %s, want daily", plan.Granularity)
	}
	if plan.Escalation != EscalationNone {
		t.Errorf("escalation = %s, want none", plan.Escalation)
	}
	if plan.EstimatedPoints != 60 {
		t.Errorf("estimated points = %d, want 60", plan.EstimatedPoints)
	}
	if plan.TargetPoints != 5000 {
		t.Errorf("target points = %d, want 5000", plan.TargetPoints)
	}
}

func TestSelectEscalatesUntilBudgetFits(t *testing.T) {
	// Six days of raw data for 40 entities would be 23k points; hourly
	// is still 5.7k, daily fits.
	start := day("2025-06-01")
	end := start.AddDate(0, 0, 6)

	plan := Select(start, end, 40, "balanced")

	if plan.Granularity != Daily {
		t.Fatalf("granularity = %s, want daily", plan.Granularity)
	}
	if plan.Escalation != EscalationLight {
		t.Errorf("escalation = %s, want light", plan.Escalation)
	}
	if plan.EstimatedPoints > plan.TargetPoints {
		t.Errorf("estimate %d exceeds budget %d", plan.EstimatedPoints, plan.TargetPoints)
	}
}

func TestSelectFastTierLargeWindow(t *testing.T) {
	start := day("2024-01-01")
	end := start.AddDate(0, 0, 400)

	plan := Select(start, end, 4, "fast")

	if plan.EstimatedPoints > 2000 {
		t.Fatalf("estimate %d exceeds fast budget", plan.EstimatedPoints)
	}
	if plan.Granularity.Level() < Monthly.Level() && plan.EstimatedPoints > plan.TargetPoints {
		t.Errorf("selector stopped at %s with estimate over budget", plan.Granularity)
	}
}

func TestSelectNeverFails(t *testing.T) {
	// A window even the coarsest granularity cannot fit still returns a
	// plan; the estimate is simply left over budget.
	start := day("2025-01-01")
	end := start.AddDate(0, 0, 100)

	plan := Select(start, end, 5000, "fast")

	if plan.Granularity != Monthly {
		t.Fatalf("granularity = %s, want monthly", plan.Granularity)
	}
	if plan.Escalation != EscalationLight {
		t.Errorf("escalation = %s, want light", plan.Escalation)
	}
	if plan.EstimatedPoints <= plan.TargetPoints {
		t.Errorf("expected estimate to remain over budget, got %d", plan.EstimatedPoints)
	}
}

func TestSelectMonotonicEscalation(t *testing.T) {
	// Escalation only ever coarsens: for a fixed window, a tighter
	// budget must never pick a finer granularity.
	start := day("2025-01-01")
	end := start.AddDate(0, 0, 20)

	high := Select(start, end, 10, "high_detail")
	balanced := Select(start, end, 10, "balanced")
	fast := Select(start, end, 10, "fast")

	if balanced.Granularity.Level() < high.Granularity.Level() {
		t.Errorf("balanced picked finer granularity (%s) than high_detail (%s)",
			balanced.Granularity, high.Granularity)
	}
	if fast.Granularity.Level() < balanced.Granularity.Level() {
		t.Errorf("fast picked finer granularity (%s) than balanced (%s)",
			fast.Granularity, balanced.Granularity)
	}
}

func TestSelectDegenerateWindows(t *testing.T) {
	at := day("2025-05-05")

	plan := Select(at, at, 3, "balanced")
	if plan.Granularity != Raw {
		t.Errorf("zero-length window granularity = %s, want raw", plan.Granularity)
	}

	// Inverted windows behave like empty ones instead of exploding.
	plan = Select(at, at.AddDate(0, 0, -5), 3, "balanced")
	if plan.Granularity != Raw {
		t.Errorf("inverted window granularity = %s, want raw", plan.Granularity)
	}
}

func TestBucket(t *testing.T) {
	at := time.Date(2025, 3, 12, 14, 38, 21, 0, time.UTC) // a Wednesday

	tests := []struct {
		g    Granularity
		want time.Time
	}{
		{Raw, time.Date(2025, 3, 12, 14, 30, 0, 0, time.UTC)},
		{Hourly, time.Date(2025, 3, 12, 14, 0, 0, 0, time.UTC)},
		{Daily, time.Date(2025, 3, 12, 0, 0, 0, 0, time.UTC)},
		{Weekly, time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)}, // Monday
		{Monthly, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		if got := tt.g.Bucket(at); !got.Equal(tt.want) {
			t.Errorf("%s.Bucket() = %v, want %v", tt.g, got, tt.want)
		}
	}
}

func TestBucketWeeklyOnSunday(t *testing.T) {
	sunday := time.Date(2025, 3, 16, 9, 0, 0, 0, time.UTC)
	want := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	if got := Weekly.Bucket(sunday); !got.Equal(want) {
		t.Errorf("Weekly.Bucket(sunday) = %v, want %v", got, want)
	}
}

func TestCoarserChain(t *testing.T) {
	g := Raw
	seen := []Granularity{g}
	for {
		next, ok := g.Coarser()
		if !ok {
			break
		}
		g = next
		seen = append(seen, g)
	}
	if len(seen) != 5 || seen[4] != Monthly {
		t.Errorf("escalation chain = %v", seen)
	}
	if _, ok := Monthly.Coarser(); ok {
		t.Error("Monthly should be the coarsest level")
	}
}
