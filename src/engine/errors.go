package engine

import "errors"

var (
	ErrPositionClosed       = errors.New("position closed")
	ErrDegenerateInputs     = errors.New("degenerate inputs for protective price")
	ErrConstraintRejected   = errors.New("protective price rejected by venue constraints")
	ErrRateLimited          = errors.New("protective update rate limited")
	ErrDebounced            = errors.New("protective update debounced")
	ErrVerificationMismatch = errors.New("venue protective price does not match request")
	ErrRetriesExhausted     = errors.New("protective update retries exhausted")
	ErrLossCapUnreachable   = errors.New("loss cap cannot be placed within venue constraints")
)
