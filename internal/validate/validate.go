// Package validate checks candidate parameter values against the legal
// domain declared for an instrument control before a command is built.
// Strict validators fail with ErrOutOfRange/ErrNotOnStep/ErrNotInSet;
// clamping and wrapping variants coerce silently and never fail.
package validate

import (
	"fmt"
	"math"
	"math/big"
	"sort"
	"strconv"
)

type Range struct {
	Min, Max float64
}

func NewRange(min, max float64) (Range, error) {
	if min > max {
		return Range{}, fmt.Errorf("bad range: min %v > max %v", min, max)
	}
	return Range{min, max}, nil
}

func (r Range) Validate(v float64) (float64, error) {
	if v < r.Min || v > r.Max {
		return 0, fmt.Errorf("%w: %v not in [%v, %v]", ErrOutOfRange, v, r.Min, r.Max)
	}
	return v, nil
}

// Clamp coerces v into [Min, Max]. Total and idempotent.
func (r Range) Clamp(v float64) float64 {
	switch {
	case v < r.Min:
		return r.Min
	case v > r.Max:
		return r.Max
	default:
		return v
	}
}

// Wrap maps v into [0, Max) by modulo Max, so that values differing by an
// integer multiple of Max coerce to the same setting (phase angles etc.)
func (r Range) Wrap(v float64) float64 {
	if r.Max <= 0 {
		return 0
	}
	m := math.Mod(v, r.Max)
	if m < 0 {
		m += r.Max
	}
	return m
}

// SteppedRange is a range restricted to Min plus integer multiples of Step.
type SteppedRange struct {
	Min, Max, Step float64
}

func NewSteppedRange(min, max, step float64) (SteppedRange, error) {
	if min > max {
		return SteppedRange{}, fmt.Errorf("bad range: min %v > max %v", min, max)
	}
	if step <= 0 {
		return SteppedRange{}, fmt.Errorf("bad step %v", step)
	}
	return SteppedRange{min, max, step}, nil
}

func (r SteppedRange) Validate(v float64) (float64, error) {
	if _, err := (Range{r.Min, r.Max}).Validate(v); err != nil {
		return 0, err
	}
	// exact decimal arithmetic here: float modulo would reject
	// e.g. 0.003 against step 0.001
	d := new(big.Rat).Sub(decimal(v), decimal(r.Min))
	d.Quo(d, decimal(r.Step))
	if !d.IsInt() {
		return 0, fmt.Errorf("%w: %v is not %v plus a multiple of %v", ErrNotOnStep, v, r.Min, r.Step)
	}
	return v, nil
}

// decimal converts v to an exact rational via its shortest decimal
// representation, so that 0.001 becomes 1/1000 and not the nearest
// binary fraction.
func decimal(v float64) *big.Rat {
	r, ok := new(big.Rat).SetString(strconv.FormatFloat(v, 'g', -1, 64))
	if !ok {
		// FormatFloat output of a finite float always parses
		panic("validate: unparseable float " + strconv.FormatFloat(v, 'g', -1, 64))
	}
	return r
}

// NumberSet is a finite enumerated numeric domain, kept sorted.
type NumberSet struct {
	values []float64
}

func NewNumberSet(values ...float64) NumberSet {
	vs := append([]float64(nil), values...)
	sort.Float64s(vs)
	n := 0
	for i, v := range vs {
		if i == 0 || v != vs[n-1] {
			vs[n] = v
			n++
		}
	}
	return NumberSet{vs[:n]}
}

func (s NumberSet) Values() []float64 {
	return append([]float64(nil), s.values...)
}

func (s NumberSet) Validate(v float64) (float64, error) {
	i := sort.SearchFloat64s(s.values, v)
	if i < len(s.values) && s.values[i] == v {
		return v, nil
	}
	return 0, fmt.Errorf("%w: %v not one of %v", ErrNotInSet, v, s.values)
}

// Truncate returns the smallest member >= v, or the largest member when v
// exceeds all of them. Total, never fails on a non-empty set.
func (s NumberSet) Truncate(v float64) float64 {
	if len(s.values) == 0 {
		return v
	}
	i := sort.SearchFloat64s(s.values, v)
	if i == len(s.values) {
		return s.values[len(s.values)-1]
	}
	return s.values[i]
}

// StringSet is a finite set of sentinel strings, tried in declaration order.
type StringSet struct {
	values []string
}

func NewStringSet(values ...string) StringSet {
	return StringSet{append([]string(nil), values...)}
}

func (s StringSet) Validate(v string) (string, error) {
	for _, m := range s.values {
		if m == v {
			return v, nil
		}
	}
	return "", fmt.Errorf("%w: %q not one of %q", ErrNotInSet, v, s.values)
}

// Mapping substitutes a user-facing value for the code the instrument
// expects, and back. Key order is kept for stable trial order and errors.
type Mapping struct {
	keys    []string
	table   map[string]string
	inverse map[string]string
}

func NewMapping(keys []string, table map[string]string) (Mapping, error) {
	if len(keys) != len(table) {
		return Mapping{}, fmt.Errorf("mapping: %d keys for %d table entries", len(keys), len(table))
	}
	seen := make(map[string]bool, len(keys))
	inverse := make(map[string]string, len(table))
	for _, k := range keys {
		code, found := table[k]
		if !found {
			return Mapping{}, fmt.Errorf("mapping: key %q not in table", k)
		}
		if seen[k] {
			return Mapping{}, fmt.Errorf("mapping: duplicate key %q", k)
		}
		seen[k] = true
		if _, found := inverse[code]; !found {
			inverse[code] = k
		}
	}
	return Mapping{append([]string(nil), keys...), table, inverse}, nil
}

func (m Mapping) Keys() []string {
	return append([]string(nil), m.keys...)
}

func (m Mapping) Map(v string) (string, error) {
	code, found := m.table[v]
	if !found {
		return "", fmt.Errorf("%w: %q not one of %q", ErrNotInSet, v, m.keys)
	}
	return code, nil
}

// Unmap inverts an instrument reply back to the user-facing value.
func (m Mapping) Unmap(code string) (string, bool) {
	v, found := m.inverse[code]
	return v, found
}
