package validate

import "errors"

var (
	ErrOutOfRange = errors.New("value out of range")
	ErrNotOnStep  = errors.New("value not on step")
	ErrNotInSet   = errors.New("value not in set")
)
