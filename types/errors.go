package types

import "errors"

// Error taxonomy. Callers classify failures with errors.Is; everything that
// matches none of these is treated as a transient storage failure and
// propagated as a connection-level error.
var (
	ErrNotFound      = errors.New("not found")
	ErrForbidden     = errors.New("forbidden")
	ErrConfiguration = errors.New("configuration error")
	ErrValidation    = errors.New("validation error")
)
