package aggregate

import (
	"testing"
	"time"

	"github.com/limnolab/aquifer/pkg/resolution"
	"github.com/limnolab/aquifer/pkg/series"
)

func TestRuleFor(t *testing.T) {
	tests := []struct {
		column string
		want   Rule
	}{
		{"temperature_c", RuleMean},
		{"water_temp", RuleMean},
		{"ph", RuleMean},
		{"dissolved_oxygen", RuleMean},
		{"redox_potential", RuleMean},
		{"flow", RuleMean},
		{"pump_rate", RuleMean},
		{"depth_m", RuleMean},
		{"total_volume", RuleSum},
		{"sample_count", RuleSum},
		{"max_level", RuleMax},
		{"min_level", RuleMin},
		{"site_id", RuleFirst},
		{"station", RuleFirst},
		{"parameter", RuleFirst},
		{"unit", RuleFirst},
		{"id", RuleFirst},
		{"mystery_reading", RuleMean},
	}
	for _, tt := range tests {
		if got := RuleFor(tt.column); got != tt.want {
			t.Errorf("RuleFor(%q) = %s, want %s", tt.column, got, tt.want)
		}
	}
}

func TestResampleHourlyMean(t *testing.T) {
	f := series.New("timestamp", "site", "temperature")
	f.Append(time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC), "S1", 10.0)
	f.Append(time.Date(2025, 4, 1, 10, 15, 0, 0, time.UTC), "S1", 20.0)
	f.Append(time.Date(2025, 4, 1, 10, 30, 0, 0, time.UTC), "S1", 30.0)
	f.Append(time.Date(2025, 4, 1, 11, 5, 0, 0, time.UTC), "S1", 40.0)

	out := Resample(f, resolution.Hourly)

	if out.Len() != 2 {
		t.Fatalf("rows = %d, want 2", out.Len())
	}
	if v, _ := out.Value(0, "temperature"); v != 20.0 {
		t.Errorf("bucket 10:00 mean = %v, want 20", v)
	}
	if v, _ := out.Value(1, "temperature"); v != 40.0 {
		t.Errorf("bucket 11:00 mean = %v, want 40", v)
	}
	if ts, ok := out.Time(0, "timestamp"); !ok || !ts.Equal(time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("bucket start = %v", ts)
	}
	if v, _ := out.Value(0, "site"); v != "S1" {
		t.Errorf("site = %v, want S1", v)
	}
}

func TestResampleSumMaxMin(t *testing.T) {
	f := series.New("timestamp", "total_volume", "max_level", "min_level")
	base := time.Date(2025, 4, 2, 8, 0, 0, 0, time.UTC)
	f.Append(base, 5.0, 3.1, 3.1)
	f.Append(base.Add(10*time.Minute), 7.0, 2.8, 2.8)
	f.Append(base.Add(20*time.Minute), 1.0, 3.6, 3.6)

	out := Resample(f, resolution.Daily)

	if out.Len() != 1 {
		t.Fatalf("rows = %d, want 1", out.Len())
	}
	if v, _ := out.Value(0, "total_volume"); v != 13.0 {
		t.Errorf("sum = %v, want 13", v)
	}
	if v, _ := out.Value(0, "max_level"); v != 3.6 {
		t.Errorf("max = %v, want 3.6", v)
	}
	if v, _ := out.Value(0, "min_level"); v != 2.8 {
		t.Errorf("min = %v, want 2.8", v)
	}
}

func TestResampleKeepsEntitiesSeparate(t *testing.T) {
	f := series.New("timestamp", "site", "temperature")
	at := time.Date(2025, 4, 3, 14, 10, 0, 0, time.UTC)
	f.Append(at, "S1", 10.0)
	f.Append(at.Add(time.Minute), "S2", 100.0)
	f.Append(at.Add(2*time.Minute), "S1", 20.0)
	f.Append(at.Add(3*time.Minute), "S2", 200.0)

	out := Resample(f, resolution.Hourly)

	if out.Len() != 2 {
		t.Fatalf("rows = %d, want one per site", out.Len())
	}
	if v, _ := out.Value(0, "site"); v != "S1" {
		t.Errorf("row 0 site = %v", v)
	}
	if v, _ := out.Value(0, "temperature"); v != 15.0 {
		t.Errorf("S1 mean = %v, want 15", v)
	}
	if v, _ := out.Value(1, "temperature"); v != 150.0 {
		t.Errorf("S2 mean = %v, want 150", v)
	}
}

func TestResampleDropsEmptyBuckets(t *testing.T) {
	f := series.New("timestamp", "level")
	f.Append(time.Date(2025, 4, 4, 10, 0, 0, 0, time.UTC), 1.0)
	f.Append(time.Date(2025, 4, 4, 13, 0, 0, 0, time.UTC), 2.0)

	out := Resample(f, resolution.Hourly)

	if out.Len() != 2 {
		t.Fatalf("rows = %d, want 2 (gap hours must not appear)", out.Len())
	}
}

func TestResamplePassthrough(t *testing.T) {
	f := series.New("timestamp", "temperature")
	f.Append(time.Date(2025, 4, 5, 9, 7, 0, 0, time.UTC), 12.5)

	if out := Resample(f, resolution.Raw); out != f {
		t.Error("raw granularity should return the frame unchanged")
	}

	noTS := series.New("site", "temperature")
	noTS.Append("S1", 12.5)
	if out := Resample(noTS, resolution.Hourly); out != noTS {
		t.Error("frame without timestamp column should pass through")
	}

	if out := Resample(nil, resolution.Hourly); out != nil {
		t.Error("nil frame should pass through")
	}
}

func TestResampleNonNumericMeanFallsBack(t *testing.T) {
	f := series.New("timestamp", "comment")
	at := time.Date(2025, 4, 6, 6, 0, 0, 0, time.UTC)
	f.Append(at, "calibrated")
	f.Append(at.Add(5*time.Minute), "drifting")

	out := Resample(f, resolution.Hourly)

	if out.Len() != 1 {
		t.Fatalf("rows = %d, want 1", out.Len())
	}
	if v, _ := out.Value(0, "comment"); v != "calibrated" {
		t.Errorf("comment = %v, want first value carried through", v)
	}
}

func TestResampleMalformedTimestampsDegradeToInput(t *testing.T) {
	f := series.New("timestamp", "level")
	f.Append("not-a-time", 1.0)
	f.Append("also-bad", 2.0)

	if out := Resample(f, resolution.Hourly); out != f {
		t.Fatalf("rows = %d, want the original %d back unchanged", out.Len(), f.Len())
	}
}

func TestResampleSkipsOnlyBadRows(t *testing.T) {
	f := series.New("timestamp", "level")
	f.Append("garbage", 99.0)
	f.Append(time.Date(2025, 4, 7, 9, 0, 0, 0, time.UTC), 1.0)

	out := Resample(f, resolution.Hourly)

	if out.Len() != 1 {
		t.Fatalf("rows = %d, want 1 (only the parseable row bucketed)", out.Len())
	}
	if v, _ := out.Value(0, "level"); v != 1.0 {
		t.Errorf("level = %v, want 1", v)
	}
}

func TestResampleBucketsSortedByTime(t *testing.T) {
	f := series.New("timestamp", "level")
	f.Append(time.Date(2025, 4, 7, 15, 0, 0, 0, time.UTC), 3.0)
	f.Append(time.Date(2025, 4, 7, 9, 0, 0, 0, time.UTC), 1.0)
	f.Append(time.Date(2025, 4, 7, 12, 0, 0, 0, time.UTC), 2.0)

	out := Resample(f, resolution.Hourly)

	var prev time.Time
	for i := 0; i < out.Len(); i++ {
		ts, _ := out.Time(i, "timestamp")
		if i > 0 && ts.Before(prev) {
			t.Fatalf("bucket %d (%v) out of order", i, ts)
		}
		prev = ts
	}
}

func TestDownsample(t *testing.T) {
	f := series.New("timestamp", "level")
	base := time.Date(2025, 4, 8, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		f.Append(base.Add(time.Duration(i)*time.Hour), float64(i))
	}

	out := Downsample(f, 3)

	if out.Len() != 3 {
		t.Fatalf("rows = %d, want 3", out.Len())
	}
	// stride ceil(10/3)=4 keeps rows 0, 4, 8
	for i, want := range []float64{0, 4, 8} {
		if v, _ := out.Value(i, "level"); v != want {
			t.Errorf("row %d level = %v, want %v", i, v, want)
		}
	}

	if same := Downsample(f, 10); same != f {
		t.Error("frame within target should return unchanged")
	}
	if same := Downsample(f, 0); same != f {
		t.Error("non-positive target should return unchanged")
	}
}

func TestShapeThirtyDaysDaily(t *testing.T) {
	// Two entities sampled every 15 minutes for 30 days collapse to one
	// row per site per day under a balanced-tier plan.
	f := series.New("timestamp", "site", "level")
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	for d := 0; d < 30; d++ {
		for q := 0; q < 96; q++ {
			at := start.Add(time.Duration(d*96+q) * 15 * time.Minute)
			f.Append(at, "S1", float64(d))
			f.Append(at, "S2", float64(d*10))
		}
	}

	plan := resolution.Select(start, start.AddDate(0, 0, 30), 2, "balanced")
	out := Shape(f, plan)

	if plan.Granularity != resolution.Daily {
		t.Fatalf("plan granularity = %s", plan.Granularity)
	}
	if out.Len() != 60 {
		t.Fatalf("rows = %d, want 60", out.Len())
	}
	if v, _ := out.Value(0, "level"); v != 0.0 {
		t.Errorf("day 0 S1 mean = %v, want 0", v)
	}
}
