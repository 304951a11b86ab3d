package event

import "errors"

// ErrInvalidPattern is returned for empty or malformed topic patterns.
var ErrInvalidPattern = errors.New("event: invalid topic pattern")
