package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/lynkr/lynkr/internal/domain/entity"
	"github.com/lynkr/lynkr/internal/domain/service"
	"github.com/lynkr/lynkr/internal/infrastructure/persistence/models"
)

// GormSessionRepository persists session turns in SQLite through GORM.
type GormSessionRepository struct {
	db *gorm.DB

	// mu serialises index assignment; sessions are owned by one request at a
	// time but distinct sessions append concurrently.
	mu      sync.Mutex
	nextIdx map[string]int
}

// NewGormSessionRepository creates the GORM-backed recorder.
func NewGormSessionRepository(db *gorm.DB) service.SessionRecorder {
	return &GormSessionRepository{db: db, nextIdx: map[string]int{}}
}

// Append implements service.SessionRecorder.
func (r *GormSessionRepository) Append(ctx context.Context, sessionID string, turn entity.SessionTurn) error {
	model, err := r.toModel(sessionID, turn)
	if err != nil {
		return err
	}

	r.mu.Lock()
	idx, seen := r.nextIdx[sessionID]
	if !seen {
		var max int64
		r.db.WithContext(ctx).Model(&models.SessionTurnModel{}).
			Where("session_id = ?", sessionID).
			Select("COALESCE(MAX(turn_index), -1)").
			Scan(&max)
		idx = int(max) + 1
	}
	r.nextIdx[sessionID] = idx + 1
	r.mu.Unlock()

	model.TurnIndex = idx
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return fmt.Errorf("append session turn: %w", err)
	}
	return nil
}

// Turns implements service.SessionRecorder.
func (r *GormSessionRepository) Turns(ctx context.Context, sessionID string) ([]entity.SessionTurn, error) {
	var rows []models.SessionTurnModel
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("turn_index asc").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load session turns: %w", err)
	}

	turns := make([]entity.SessionTurn, 0, len(rows))
	for _, row := range rows {
		turn, err := r.toEntity(&row)
		if err != nil {
			return nil, err
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

func (r *GormSessionRepository) toModel(sessionID string, turn entity.SessionTurn) (*models.SessionTurnModel, error) {
	metadata := ""
	if turn.Metadata != nil {
		raw, err := json.Marshal(turn.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal turn metadata: %w", err)
		}
		metadata = string(raw)
	}
	ts := turn.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return &models.SessionTurnModel{
		SessionID: sessionID,
		Role:      turn.Role,
		Type:      string(turn.Type),
		Status:    turn.Status,
		Content:   turn.Content,
		Metadata:  metadata,
		CreatedAt: ts,
	}, nil
}

func (r *GormSessionRepository) toEntity(model *models.SessionTurnModel) (entity.SessionTurn, error) {
	turn := entity.SessionTurn{
		TurnIndex: model.TurnIndex,
		Role:      model.Role,
		Type:      entity.TurnType(model.Type),
		Status:    model.Status,
		Content:   model.Content,
		Timestamp: model.CreatedAt,
	}
	if model.Metadata != "" {
		if err := json.Unmarshal([]byte(model.Metadata), &turn.Metadata); err != nil {
			return entity.SessionTurn{}, fmt.Errorf("unmarshal turn metadata: %w", err)
		}
	}
	return turn, nil
}
