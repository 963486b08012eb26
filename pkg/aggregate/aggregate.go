// Package aggregate resamples measurement frames into fixed-width time
// buckets and thins oversized results by stride.
package aggregate

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/limnolab/aquifer/pkg/resolution"
	"github.com/limnolab/aquifer/pkg/series"
)

// Rule is the aggregation applied to one column within a bucket.
type Rule int

const (
	RuleMean Rule = iota
	RuleSum
	RuleMax
	RuleMin
	RuleFirst
)

func (r Rule) String() string {
	switch r {
	case RuleMean:
		return "mean"
	case RuleSum:
		return "sum"
	case RuleMax:
		return "max"
	case RuleMin:
		return "min"
	case RuleFirst:
		return "first"
	default:
		return "unknown"
	}
}

var meanWords = []string{
	"temperature", "temp", "ph", "level", "depth", "conductivity",
	"oxygen", "redox", "flow", "rate", "salinity", "turbidity",
}

var identifierWords = []string{
	"site", "station", "location", "sensor", "parameter", "variable",
	"unit", "name", "code",
}

// RuleFor picks an aggregation rule from the column name. Identifier-like
// columns carry their first value through; everything else defaults to the
// mean, which also passes non-numeric values through untouched.
func RuleFor(column string) Rule {
	name := strings.ToLower(strings.TrimSpace(column))
	switch {
	case name == "" || name == "id" || strings.HasSuffix(name, "_id"):
		return RuleFirst
	case containsAny(name, identifierWords):
		return RuleFirst
	case containsAny(name, []string{"total", "sum", "count"}):
		return RuleSum
	case strings.Contains(name, "max"):
		return RuleMax
	case strings.Contains(name, "min"):
		return RuleMin
	case containsAny(name, meanWords):
		return RuleMean
	default:
		return RuleMean
	}
}

func containsAny(name string, words []string) bool {
	for _, w := range words {
		if strings.Contains(name, w) {
			return true
		}
	}
	return false
}

// cell accumulates one column of one bucket.
type cell struct {
	sum   float64
	count int
	val   float64
	first any
	seen  bool
}

func (c *cell) add(rule Rule, v any) {
	if v != nil && c.first == nil {
		c.first = v
	}
	n, ok := series.Numeric(v)
	if !ok {
		return
	}
	switch rule {
	case RuleMean:
		c.sum += n
		c.count++
	case RuleSum:
		c.sum += n
		c.seen = true
	case RuleMax:
		if !c.seen || n > c.val {
			c.val = n
		}
		c.seen = true
	case RuleMin:
		if !c.seen || n < c.val {
			c.val = n
		}
		c.seen = true
	case RuleFirst:
		// first already captured above
	}
}

func (c *cell) finalize(rule Rule) any {
	switch rule {
	case RuleMean:
		if c.count == 0 {
			return c.first
		}
		return c.sum / float64(c.count)
	case RuleSum:
		if !c.seen {
			return nil
		}
		return c.sum
	case RuleMax, RuleMin:
		if !c.seen {
			return nil
		}
		return c.val
	case RuleFirst:
		return c.first
	default:
		return nil
	}
}

type bucket struct {
	start time.Time
	order int
	cells []cell
}

// Resample groups rows into fixed-width buckets at the given granularity
// and collapses each bucket per column rule. Rows sharing identifier
// column values stay separate, so frames holding several entities keep
// one row per entity per bucket. Buckets with no rows never appear.
//
// Raw granularity and frames without a recognizable timestamp column
// come back unchanged.
func Resample(f *series.Frame, g resolution.Granularity) *series.Frame {
	if f == nil || g == resolution.Raw || f.Len() == 0 {
		return f
	}
	tsName, ok := f.TimestampColumn()
	if !ok {
		return f
	}
	tsIdx := f.ColumnIndex(tsName)

	rules := make([]Rule, len(f.Columns))
	var groupCols []int
	for i, col := range f.Columns {
		rules[i] = RuleFor(col)
		if i != tsIdx && rules[i] == RuleFirst {
			groupCols = append(groupCols, i)
		}
	}

	buckets := make(map[string]*bucket)
	var keys []string
	for row := 0; row < f.Len(); row++ {
		ts, ok := f.Time(row, tsName)
		if !ok {
			continue
		}
		start := g.Bucket(ts)
		key := groupKey(start, f.Records[row], groupCols)
		b := buckets[key]
		if b == nil {
			b = &bucket{start: start, order: len(keys), cells: make([]cell, len(f.Columns))}
			buckets[key] = b
			keys = append(keys, key)
		}
		for i, v := range f.Records[row] {
			if i == tsIdx {
				continue
			}
			b.cells[i].add(rules[i], v)
		}
	}

	// A non-empty frame whose timestamps all failed to parse cannot be
	// bucketed; the unaggregated input beats an empty result.
	if len(keys) == 0 {
		return f
	}

	ordered := make([]*bucket, 0, len(keys))
	for _, key := range keys {
		ordered = append(ordered, buckets[key])
	}
	sortBuckets(ordered)

	out := series.New(f.Columns...)
	for _, b := range ordered {
		record := make([]any, len(f.Columns))
		for i := range f.Columns {
			if i == tsIdx {
				record[i] = b.start
				continue
			}
			record[i] = b.cells[i].finalize(rules[i])
		}
		out.Records = append(out.Records, record)
	}
	return out
}

func groupKey(start time.Time, record []any, groupCols []int) string {
	var sb strings.Builder
	sb.WriteString(start.UTC().Format(time.RFC3339))
	for _, i := range groupCols {
		sb.WriteByte(0x1f)
		if i < len(record) {
			fmt.Fprint(&sb, record[i])
		}
	}
	return sb.String()
}

// sortBuckets orders by bucket start, breaking ties by first appearance
// so multi-entity frames keep a stable entity order within each bucket.
func sortBuckets(buckets []*bucket) {
	sort.Slice(buckets, func(i, j int) bool {
		if !buckets[i].start.Equal(buckets[j].start) {
			return buckets[i].start.Before(buckets[j].start)
		}
		return buckets[i].order < buckets[j].order
	})
}

// Downsample keeps every ceil(n/target)-th row so at most target rows
// remain. Frames already within the target come back unchanged.
func Downsample(f *series.Frame, target int) *series.Frame {
	if f == nil || target <= 0 || f.Len() <= target {
		return f
	}
	stride := int(math.Ceil(float64(f.Len()) / float64(target)))
	out := series.New(f.Columns...)
	for i := 0; i < f.Len(); i += stride {
		out.Records = append(out.Records, f.Records[i])
	}
	return out
}

// Shape resamples a frame to the plan's granularity, then thins it to the
// plan's point budget if the bucketed result still overshoots.
func Shape(f *series.Frame, plan resolution.Plan) *series.Frame {
	return Downsample(Resample(f, plan.Granularity), plan.TargetPoints)
}
