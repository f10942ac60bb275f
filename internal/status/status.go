package status

import "errors"

var (
	ErrDuplicateEntry       = errors.New("queue: entry already queued")
	ErrSessionAlreadyActive = errors.New("session: a turn is already active")
	ErrTurnAlreadyGranted   = errors.New("session: entry already had its turn")
	ErrNotHeadOfQueue       = errors.New("queue: not head of queue")
	ErrScoringUnavailable   = errors.New("scorer: scoring unavailable")
	ErrDuplicateBooking     = errors.New("booking: booking already exists")
	ErrInvalidKey           = errors.New("queue: client id and resource id are required")
	ErrCircuitOpen          = errors.New("circuit breaker: circuit breaker is open")
	ErrTooManyRequests      = errors.New("circuit breaker: too many requests when half open")
	ErrRateLimited          = errors.New("rate limit: too many requests")
)
