package shared

import "errors"

var (
	ErrNotFound            = errors.New("entity not found")
	ErrInvalidState        = errors.New("invalid state transition")
	ErrAlreadyFull         = errors.New("battle already has two players")
	ErrSelfJoin            = errors.New("cannot join own battle")
	ErrForbidden           = errors.New("operation not allowed for caller")
	ErrValidation          = errors.New("invalid input")
	ErrUnauthenticated     = errors.New("missing or invalid credential")
	ErrUpstreamTimeout     = errors.New("store call timed out")
	ErrUpstreamUnavailable = errors.New("store unavailable")
)
