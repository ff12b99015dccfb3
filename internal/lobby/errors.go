package lobby

import (
	"context"
	"errors"
	"fmt"

	"github.com/ent0n29/lobbykit/internal/backend"
)

var (
	ErrNotConfigured     = errors.New("lobby: backend not configured")
	ErrInvalidParameters = errors.New("lobby: invalid parameters")
	ErrNotFound          = errors.New("lobby: session not found")
	ErrAlreadyInSession  = errors.New("lobby: already in a session")
	ErrLimitExceeded     = errors.New("lobby: limit exceeded")
	ErrUnauthorized      = errors.New("lobby: unauthorized")
	ErrPartialFailure    = errors.New("lobby: attribute update rejected")
)

// Status is the stable outcome name reported to callers and metrics.
type Status string

const (
	StatusSuccess           Status = "success"
	StatusNotConfigured     Status = "not_configured"
	StatusInvalidParameters Status = "invalid_parameters"
	StatusNotFound          Status = "not_found"
	StatusAlreadyInSession  Status = "already_in_session"
	StatusLimitExceeded     Status = "limit_exceeded"
	StatusUnauthorized      Status = "unauthorized"
	StatusPartialFailure    Status = "partial_failure"
	StatusCanceled          Status = "canceled"
	StatusBackendError      Status = "backend_error"
)

// StatusOf maps err to a Status. Unknown errors are backend errors.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, ErrNotConfigured):
		return StatusNotConfigured
	case errors.Is(err, ErrInvalidParameters):
		return StatusInvalidParameters
	case errors.Is(err, ErrNotFound):
		return StatusNotFound
	case errors.Is(err, ErrAlreadyInSession):
		return StatusAlreadyInSession
	case errors.Is(err, ErrLimitExceeded):
		return StatusLimitExceeded
	case errors.Is(err, ErrUnauthorized):
		return StatusUnauthorized
	case errors.Is(err, ErrPartialFailure):
		return StatusPartialFailure
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return StatusCanceled
	default:
		return StatusBackendError
	}
}

// translateBackendError wraps a backend error with the matching lobby
// sentinel while keeping the original in the chain.
func translateBackendError(op string, err error) error {
	if err == nil {
		return nil
	}
	var lobbyErr error
	switch {
	case errors.Is(err, backend.ErrNotFound):
		lobbyErr = ErrNotFound
	case errors.Is(err, backend.ErrAlreadyMember):
		lobbyErr = ErrAlreadyInSession
	case errors.Is(err, backend.ErrLimitExceeded), errors.Is(err, backend.ErrSessionFull):
		lobbyErr = ErrLimitExceeded
	case errors.Is(err, backend.ErrInvalidParameters):
		lobbyErr = ErrInvalidParameters
	case errors.Is(err, backend.ErrNotOwner):
		lobbyErr = ErrUnauthorized
	case errors.Is(err, backend.ErrNotConfigured):
		lobbyErr = ErrNotConfigured
	case errors.Is(err, backend.ErrAttributeRejected):
		lobbyErr = ErrPartialFailure
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, lobbyErr, err)
}

func invalid(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrInvalidParameters, err)
}
