package service

import (
	"context"

	"github.com/lynkr/lynkr/internal/domain/entity"
)

// SessionRecorder persists the per-session transcript the orchestrator
// produces. Append order is the causal order of the loop; implementations
// must preserve it per session.
type SessionRecorder interface {
	Append(ctx context.Context, sessionID string, turn entity.SessionTurn) error
	Turns(ctx context.Context, sessionID string) ([]entity.SessionTurn, error)
}

// NopRecorder discards everything. Used when session persistence is off.
type NopRecorder struct{}

func (NopRecorder) Append(ctx context.Context, sessionID string, turn entity.SessionTurn) error {
	return nil
}

func (NopRecorder) Turns(ctx context.Context, sessionID string) ([]entity.SessionTurn, error) {
	return nil, nil
}
