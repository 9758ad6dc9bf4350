package comm

import "errors"

var ErrTimeout = errors.New("i/o timeout")
