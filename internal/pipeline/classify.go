package pipeline

import (
	"context"
	"errors"

	"github.com/dal428/rapid-response-agent-system/internal/conflict"
	"github.com/dal428/rapid-response-agent-system/internal/database"
	"github.com/dal428/rapid-response-agent-system/internal/domain"
	"github.com/dal428/rapid-response-agent-system/internal/intake"
	"github.com/dal428/rapid-response-agent-system/internal/routing"
	"github.com/dal428/rapid-response-agent-system/internal/scoring"
	"github.com/dal428/rapid-response-agent-system/internal/session"
)

// Error classes recorded in audit trails and returned by the API.
const (
	ClassIngest       = "IngestError"
	ClassScoring      = "ScoringError"
	ClassTimeout      = "ConflictTimeout"
	ClassRouting      = "RoutingError"
	ClassSessionState = "SessionStateError"
	ClassNotFound     = "NotFound"
	ClassCancelled    = "Cancelled"
	ClassInternal     = "InternalError"
)

// Classify maps an error to its class name.
func Classify(err error) string {
	var (
		ie *intake.IngestError
		se *scoring.ScoringError
		ct *conflict.ConflictTimeout
		re *routing.RoutingError
		st *session.StateError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ie):
		return ClassIngest
	case errors.As(err, &se):
		return ClassScoring
	case errors.As(err, &ct):
		return ClassTimeout
	case errors.As(err, &re):
		return ClassRouting
	case errors.As(err, &st), errors.Is(err, database.ErrStaleState), errors.Is(err, domain.ErrSessionNotActive):
		return ClassSessionState
	case errors.Is(err, database.ErrNotFound):
		return ClassNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ClassCancelled
	}
	return ClassInternal
}
