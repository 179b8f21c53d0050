package exchange

import (
	"errors"
	"fmt"
)

// ErrorKind partitions gateway failures for the executor's retry loop.
type ErrorKind int

const (
	// KindNetwork covers timeouts and transport failures. Retryable.
	KindNetwork ErrorKind = iota
	// KindRateLimit covers venue throttling responses. Retryable.
	KindRateLimit
	// KindVenue covers venue-side rejections and malformed responses.
	// Retryable per the engine's taxonomy: the venue may recover.
	KindVenue
	// KindBadRequest covers requests the venue will never accept (bad
	// symbol, invalid amount). Terminal.
	KindBadRequest
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindRateLimit:
		return "rate_limit"
	case KindVenue:
		return "venue"
	case KindBadRequest:
		return "bad_request"
	default:
		return "unknown"
	}
}

// Error wraps a venue failure with its retry classification.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("exchange %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Retryable reports whether err is eligible for the executor's retry loop.
// Unclassified errors default to retryable: the taxonomy treats any unexpected
// fault during execution as transient infrastructure.
func Retryable(err error) bool {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Kind != KindBadRequest
	}
	return true
}
