package validate

import (
	"errors"
	"fmt"
	"strconv"
)

// Checker is what the property layer sees: given the candidate value as it
// arrived from the caller, return the string to substitute into the outgoing
// command, or fail.
type Checker interface {
	Check(value string) (string, error)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// parseFloat reports non-numeric input as ErrNotInSet so that Any() can
// fall through to string alternatives ("0..60" or "OFF" parameters).
func parseFloat(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", ErrNotInSet, s)
	}
	return v, nil
}

func (r Range) Check(value string) (string, error) {
	v, err := parseFloat(value)
	if err != nil {
		return "", err
	}
	if _, err := r.Validate(v); err != nil {
		return "", err
	}
	return formatFloat(v), nil
}

func (r SteppedRange) Check(value string) (string, error) {
	v, err := parseFloat(value)
	if err != nil {
		return "", err
	}
	if _, err := r.Validate(v); err != nil {
		return "", err
	}
	return formatFloat(v), nil
}

func (s NumberSet) Check(value string) (string, error) {
	v, err := parseFloat(value)
	if err != nil {
		return "", err
	}
	if _, err := s.Validate(v); err != nil {
		return "", err
	}
	return formatFloat(v), nil
}

func (s StringSet) Check(value string) (string, error) {
	return s.Validate(value)
}

func (m Mapping) Check(value string) (string, error) {
	return m.Map(value)
}

// Clamped silently coerces out-of-range numbers into the range.
type Clamped struct {
	R Range
}

func (c Clamped) Check(value string) (string, error) {
	v, err := parseFloat(value)
	if err != nil {
		return "", err
	}
	return formatFloat(c.R.Clamp(v)), nil
}

// Wrapped silently wraps numbers modulo the range maximum.
type Wrapped struct {
	R Range
}

func (w Wrapped) Check(value string) (string, error) {
	v, err := parseFloat(value)
	if err != nil {
		return "", err
	}
	return formatFloat(w.R.Wrap(v)), nil
}

// Truncated coerces to the nearest legal member of a discrete set from above.
type Truncated struct {
	S NumberSet
}

func (t Truncated) Check(value string) (string, error) {
	v, err := parseFloat(value)
	if err != nil {
		return "", err
	}
	return formatFloat(t.S.Truncate(v)), nil
}

type anyChecker []Checker

// Any tries each checker in declaration order and returns the first
// success; when all fail the errors are aggregated.
func Any(checkers ...Checker) Checker {
	return anyChecker(checkers)
}

func (cs anyChecker) Check(value string) (string, error) {
	var errs []error
	for _, c := range cs {
		r, err := c.Check(value)
		if err == nil {
			return r, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return "", errors.New("no checkers")
	}
	return "", errors.Join(errs...)
}
