package config

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"

	"scpigw/internal/validate"
)

// ValidatorConfig is the YAML clause declaring the legal domain of a
// writable control. Exactly one domain must be given; mode selects the
// failure policy for numeric domains (strict validation vs. silent
// coercion).
type ValidatorConfig struct {
	Range        *RangeClause
	SteppedRange *SteppedClause `yaml:"steppedrange"`
	Set          []string
	Values       []float64
	Enum         yaml.Node
	AnyOf        []*ValidatorConfig `yaml:"anyof"`
	Mode         string             // "", "strict", "clamp", "wrap", "truncate"
}

type RangeClause struct {
	Min, Max float64
}

type SteppedClause struct {
	Min, Max, Step float64
}

func (vc *ValidatorConfig) clauseCount() int {
	n := 0
	if vc.Range != nil {
		n++
	}
	if vc.SteppedRange != nil {
		n++
	}
	if vc.Set != nil {
		n++
	}
	if vc.Values != nil {
		n++
	}
	if !vc.Enum.IsZero() {
		n++
	}
	if vc.AnyOf != nil {
		n++
	}
	return n
}

// Checker builds the validate.Checker this clause declares.
func (vc *ValidatorConfig) Checker() (validate.Checker, error) {
	if vc.clauseCount() != 1 {
		return nil, errors.New("validator: exactly one of range/steppedrange/set/values/enum/anyof expected")
	}
	switch {
	case vc.Range != nil:
		r, err := validate.NewRange(vc.Range.Min, vc.Range.Max)
		if err != nil {
			return nil, err
		}
		switch vc.Mode {
		case "", "strict":
			return r, nil
		case "clamp":
			return validate.Clamped{R: r}, nil
		case "wrap":
			return validate.Wrapped{R: r}, nil
		default:
			return nil, fmt.Errorf("bad range mode %q", vc.Mode)
		}
	case vc.SteppedRange != nil:
		if vc.Mode != "" && vc.Mode != "strict" {
			return nil, fmt.Errorf("bad steppedrange mode %q", vc.Mode)
		}
		return validate.NewSteppedRange(vc.SteppedRange.Min, vc.SteppedRange.Max, vc.SteppedRange.Step)
	case vc.Values != nil:
		s := validate.NewNumberSet(vc.Values...)
		switch vc.Mode {
		case "", "strict":
			return s, nil
		case "truncate":
			return validate.Truncated{S: s}, nil
		default:
			return nil, fmt.Errorf("bad values mode %q", vc.Mode)
		}
	case vc.Set != nil:
		if vc.Mode != "" && vc.Mode != "strict" {
			return nil, fmt.Errorf("bad set mode %q", vc.Mode)
		}
		return validate.NewStringSet(vc.Set...), nil
	case !vc.Enum.IsZero():
		m, err := vc.EnumMapping()
		if err != nil {
			return nil, err
		}
		return m, nil
	default:
		var checkers []validate.Checker
		for _, sub := range vc.AnyOf {
			c, err := sub.Checker()
			if err != nil {
				return nil, err
			}
			checkers = append(checkers, c)
		}
		if len(checkers) == 0 {
			return nil, errors.New("empty anyof clause")
		}
		return validate.Any(checkers...), nil
	}
}

// EnumMapping decodes the enum clause, keeping the YAML key order so that
// error messages and trial order stay stable.
func (vc *ValidatorConfig) EnumMapping() (validate.Mapping, error) {
	if vc.Enum.IsZero() {
		return validate.Mapping{}, errors.New("no enum clause")
	}
	if vc.Enum.Kind != yaml.MappingNode {
		return validate.Mapping{}, errors.New("enum clause must be a mapping")
	}
	var keys []string
	table := make(map[string]string)
	for i := 0; i+1 < len(vc.Enum.Content); i += 2 {
		var k, v string
		if err := vc.Enum.Content[i].Decode(&k); err != nil {
			return validate.Mapping{}, fmt.Errorf("bad enum key: %v", err)
		}
		if err := vc.Enum.Content[i+1].Decode(&v); err != nil {
			return validate.Mapping{}, fmt.Errorf("bad enum value for %q: %v", k, err)
		}
		if _, dup := table[k]; dup {
			return validate.Mapping{}, fmt.Errorf("duplicate enum key %q", k)
		}
		keys = append(keys, k)
		table[k] = v
	}
	return validate.NewMapping(keys, table)
}

// HasEnum reports whether this clause is a plain enum mapping whose
// inverse applies to query replies.
func (vc *ValidatorConfig) HasEnum() bool {
	return vc != nil && !vc.Enum.IsZero()
}
