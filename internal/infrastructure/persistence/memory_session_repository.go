package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/lynkr/lynkr/internal/domain/entity"
	"github.com/lynkr/lynkr/internal/domain/service"
)

// MemorySessionRepository keeps session transcripts in process memory. It is
// the default recorder when no database path is configured.
type MemorySessionRepository struct {
	mu       sync.RWMutex
	sessions map[string][]entity.SessionTurn
}

// NewMemorySessionRepository creates an empty in-memory recorder.
func NewMemorySessionRepository() service.SessionRecorder {
	return &MemorySessionRepository{sessions: map[string][]entity.SessionTurn{}}
}

// Append implements service.SessionRecorder.
func (r *MemorySessionRepository) Append(ctx context.Context, sessionID string, turn entity.SessionTurn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	turn.TurnIndex = len(r.sessions[sessionID])
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}
	r.sessions[sessionID] = append(r.sessions[sessionID], turn)
	return nil
}

// Turns implements service.SessionRecorder.
func (r *MemorySessionRepository) Turns(ctx context.Context, sessionID string) ([]entity.SessionTurn, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	turns := r.sessions[sessionID]
	out := make([]entity.SessionTurn, len(turns))
	copy(out, turns)
	return out, nil
}
