// Package series provides the tabular frame type that moves between the
// raw-data loader, the aggregator and the cache tiers.
package series

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"
)

// timestampColumns is the prioritized list of column names checked when a
// frame needs to be filtered or bucketed by time. The first present wins.
var timestampColumns = []string{
	"timestamp",
	"datetime",
	"date_time",
	"sample_time",
	"time",
	"date",
}

// Frame is a lightweight column-oriented table: ordered column names plus
// positional records. Values survive a JSON round trip (timestamps become
// RFC3339 strings), which makes a frame directly usable as a cache payload.
type Frame struct {
	Columns []string `json:"columns"`
	Records [][]any  `json:"records"`
}

// New creates an empty frame with the given column order.
func New(columns ...string) *Frame {
	return &Frame{
		Columns: columns,
		Records: make([][]any, 0),
	}
}

// Len returns the number of records.
func (f *Frame) Len() int {
	if f == nil {
		return 0
	}
	return len(f.Records)
}

// Width returns the number of columns.
func (f *Frame) Width() int {
	if f == nil {
		return 0
	}
	return len(f.Columns)
}

// Empty reports whether the frame holds no records.
func (f *Frame) Empty() bool {
	return f.Len() == 0
}

// ColumnIndex returns the position of a column, or -1 if absent.
func (f *Frame) ColumnIndex(name string) int {
	for i, c := range f.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Append adds one record. Short records are padded with nils so that every
// record has exactly one value per column.
func (f *Frame) Append(record ...any) {
	for len(record) < len(f.Columns) {
		record = append(record, nil)
	}
	f.Records = append(f.Records, record[:len(f.Columns)])
}

// Value returns the cell at (row, column name).
func (f *Frame) Value(row int, column string) (any, bool) {
	idx := f.ColumnIndex(column)
	if idx < 0 || row < 0 || row >= len(f.Records) {
		return nil, false
	}
	return f.Records[row][idx], true
}

// Clone returns a deep copy of the frame's structure. Cell values are
// copied by reference; callers treat cells as immutable.
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	out := &Frame{
		Columns: append([]string(nil), f.Columns...),
		Records: make([][]any, len(f.Records)),
	}
	for i, rec := range f.Records {
		out.Records[i] = append([]any(nil), rec...)
	}
	return out
}

// TimestampColumn returns the first known timestamp-like column present in
// the frame.
func (f *Frame) TimestampColumn() (string, bool) {
	for _, name := range timestampColumns {
		if f.ColumnIndex(name) >= 0 {
			return name, true
		}
	}
	return "", false
}

// Time parses the timestamp cell of a record. It accepts time.Time values
// and the string/numeric encodings produced by JSON round trips.
func (f *Frame) Time(row int, column string) (time.Time, bool) {
	v, ok := f.Value(row, column)
	if !ok {
		return time.Time{}, false
	}
	return ParseTime(v)
}

// FilterRange returns a new frame containing only records whose timestamp
// column falls inside [start, end]. Records with unparseable timestamps are
// dropped. Column order is preserved.
func (f *Frame) FilterRange(column string, start, end time.Time) *Frame {
	out := New(f.Columns...)
	idx := f.ColumnIndex(column)
	if idx < 0 {
		return out
	}
	for _, rec := range f.Records {
		ts, ok := ParseTime(rec[idx])
		if !ok {
			continue
		}
		if ts.Before(start) || ts.After(end) {
			continue
		}
		out.Records = append(out.Records, rec)
	}
	return out
}

// Concat merges frames into one. Columns are the union in first-seen order;
// records missing a column get nil. Nil and empty frames are skipped.
func Concat(frames ...*Frame) *Frame {
	var columns []string
	seen := make(map[string]int)
	for _, fr := range frames {
		if fr == nil {
			continue
		}
		for _, c := range fr.Columns {
			if _, ok := seen[c]; !ok {
				seen[c] = len(columns)
				columns = append(columns, c)
			}
		}
	}

	out := New(columns...)
	for _, fr := range frames {
		if fr == nil || fr.Empty() {
			continue
		}
		// Map source column positions into the merged layout once per frame.
		remap := make([]int, len(fr.Columns))
		for i, c := range fr.Columns {
			remap[i] = seen[c]
		}
		for _, rec := range fr.Records {
			merged := make([]any, len(columns))
			for i, v := range rec {
				if i < len(remap) {
					merged[remap[i]] = v
				}
			}
			out.Records = append(out.Records, merged)
		}
	}
	return out
}

// Fingerprint returns the (rows, columns) shape used when a frame appears
// inside a cache-key parameter set, so large payloads are never hashed by
// content.
func (f *Frame) Fingerprint() (rows, cols int) {
	return f.Len(), f.Width()
}

// Marshal encodes the frame as the canonical cache payload.
func (f *Frame) Marshal() ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

// WriteCSV encodes the frame for download: a header row of column
// names, then one row per record. Timestamps render as RFC3339, floats
// without an exponent, nil cells as empty strings.
func (f *Frame) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(f.Columns); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	row := make([]string, len(f.Columns))
	for _, rec := range f.Records {
		for i := range row {
			var v any
			if i < len(rec) {
				v = rec[i]
			}
			row[i] = formatCell(v)
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatCell(v any) string {
	switch c := v.(type) {
	case nil:
		return ""
	case string:
		return c
	case time.Time:
		return c.Format(time.RFC3339)
	case float64:
		return strconv.FormatFloat(c, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(c), 'f', -1, 32)
	case json.Number:
		return c.String()
	default:
		return fmt.Sprint(c)
	}
}

// Unmarshal decodes a cache payload back into a frame.
func Unmarshal(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if f.Records == nil {
		f.Records = make([][]any, 0)
	}
	return &f, nil
}

// ParseTime converts a cell value to a timestamp. Supported encodings:
// time.Time, RFC3339(Nano) strings, common date layouts, and unix
// seconds/milliseconds as numbers.
func ParseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	case string:
		for _, layout := range []string{
			time.RFC3339Nano,
			time.RFC3339,
			"2006-01-02 15:04:05",
			"2006-01-02T15:04:05",
			"2006-01-02",
		} {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts, true
			}
		}
		return time.Time{}, false
	case int64:
		return fromEpoch(t), true
	case int:
		return fromEpoch(int64(t)), true
	case float64:
		return fromEpoch(int64(t)), true
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return fromEpoch(n), true
		}
		return time.Time{}, false
	default:
		return time.Time{}, false
	}
}

// fromEpoch treats values above 1e12 as milliseconds, otherwise seconds.
func fromEpoch(n int64) time.Time {
	if n > 1_000_000_000_000 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

// Numeric converts a cell value to float64 when possible.
func Numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
