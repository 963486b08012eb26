// Package keygen derives deterministic cache keys from request
// parameters. Two requests that mean the same thing must map to the
// same key no matter how their parameters were ordered or typed.
package keygen

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/crypto/blake2b"

	"github.com/limnolab/aquifer/pkg/series"
)

// Key builds "prefix:<digest>" from a parameter map. The primary digest
// is BLAKE2b-128 over the canonical JSON form. If the canonical form
// cannot be marshaled (NaN values and the like) the key falls back to an
// xxhash of the printed form, and as a last resort to a parameter-count
// key, so callers always get something usable.
func Key(prefix string, params map[string]any) (key string) {
	defer func() {
		if recover() != nil {
			key = fmt.Sprintf("%s:p%d", prefix, len(params))
		}
	}()

	canon := Canonicalize(params)
	data, err := json.Marshal(canon)
	if err != nil {
		return prefix + ":x" + Hash64(fmt.Sprint(canon))
	}
	digest, err := blake2b.New(16, nil)
	if err != nil {
		return prefix + ":x" + Hash64(string(data))
	}
	digest.Write(data)
	return prefix + ":" + hex.EncodeToString(digest.Sum(nil))
}

// Canonicalize reduces a value to a stable, JSON-friendly form: times
// become UTC RFC3339 strings, frames reduce to their shape, string
// slices are sorted, keys starting with "_" are dropped as internal
// bookkeeping, and anything unrecognized collapses to its type name.
func Canonicalize(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	case *time.Time:
		if t == nil {
			return nil
		}
		return t.UTC().Format(time.RFC3339)
	case *series.Frame:
		if t == nil {
			return nil
		}
		rows, cols := t.Fingerprint()
		return map[string]any{"rows": rows, "cols": cols}
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if strings.HasPrefix(k, "_") {
				continue
			}
			out[k] = Canonicalize(val)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if strings.HasPrefix(k, "_") {
				continue
			}
			out[k] = val
		}
		return out
	case []string:
		sorted := append([]string(nil), t...)
		sort.Strings(sorted)
		return sorted
	case []any:
		return canonicalizeSlice(t)
	case string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, json.Number:
		return t
	default:
		return fmt.Sprintf("%T", v)
	}
}

// canonicalizeSlice sorts all-string slices so entity lists hash the
// same regardless of order; mixed slices keep their order since position
// may carry meaning.
func canonicalizeSlice(vals []any) any {
	strs := make([]string, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			out := make([]any, len(vals))
			for i, item := range vals {
				out[i] = Canonicalize(item)
			}
			return out
		}
		strs = append(strs, s)
	}
	sort.Strings(strs)
	return strs
}

// EntityHash collapses an entity list, plus any parameter names scoping
// it, into a short stable token. Entities are trimmed, uppercased and
// sorted; parameters trimmed, lowercased and sorted, so neither order
// nor case changes the hash. Both empty means the query spans
// everything and hashes to the literal "all".
func EntityHash(entities []string, params ...string) string {
	if len(entities) == 0 && len(params) == 0 {
		return "all"
	}
	up := make([]string, len(entities))
	for i, e := range entities {
		up[i] = strings.ToUpper(strings.TrimSpace(e))
	}
	sort.Strings(up)
	lo := make([]string, len(params))
	for i, p := range params {
		lo[i] = strings.ToLower(strings.TrimSpace(p))
	}
	sort.Strings(lo)
	return Hash64(strings.Join(up, "|") + "||" + strings.Join(lo, "|"))
}

// Hash64 returns the xxhash64 of s in lowercase hex.
func Hash64(s string) string {
	return strconv.FormatUint(xxhash.Sum64String(s), 16)
}
