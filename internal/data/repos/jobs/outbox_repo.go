package jobs

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/yungbote/jobs-orchestrator/internal/domain/jobs"
	"github.com/yungbote/jobs-orchestrator/internal/platform/dbctx"
	"github.com/yungbote/jobs-orchestrator/internal/platform/logger"
)

type OutboxRepo interface {
	Append(dbc dbctx.Context, jobID uuid.UUID, topic, kind string, payload interface{}) (*types.OutboxEvent, error)
	ListPending(dbc dbctx.Context, limit int) ([]*types.OutboxEvent, error)
	MarkSent(dbc dbctx.Context, id uuid.UUID) error
	PurgeSentBefore(dbc dbctx.Context, before time.Time) (int64, error)
}

type outboxRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewOutboxRepo(db *gorm.DB, baseLog *logger.Logger) OutboxRepo {
	return &outboxRepo{db: db, log: baseLog.With("repo", "OutboxRepo")}
}

func (r *outboxRepo) tx(dbc dbctx.Context) *gorm.DB {
	t := dbc.Tx
	if t == nil {
		t = r.db
	}
	return t.WithContext(dbctx.Of(dbc.Ctx).Ctx)
}

// Append must run inside the transaction of the change being announced.
func (r *outboxRepo) Append(dbc dbctx.Context, jobID uuid.UUID, topic, kind string, payload interface{}) (*types.OutboxEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	row := &types.OutboxEvent{
		ID:        uuid.New(),
		JobID:     jobID,
		Topic:     topic,
		Key:       jobID.String(),
		Kind:      kind,
		Data:      datatypes.JSON(raw),
		Status:    types.OutboxPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.tx(dbc).Create(row).Error; err != nil {
		return nil, err
	}
	return row, nil
}

func (r *outboxRepo) ListPending(dbc dbctx.Context, limit int) ([]*types.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []*types.OutboxEvent
	err := r.tx(dbc).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("status = ?", types.OutboxPending).
		Order("created_at ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *outboxRepo) MarkSent(dbc dbctx.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return nil
	}
	now := time.Now().UTC()
	return r.tx(dbc).Model(&types.OutboxEvent{}).
		Where("id = ? AND status = ?", id, types.OutboxPending).
		Updates(map[string]interface{}{
			"status":  types.OutboxSent,
			"sent_at": now,
		}).Error
}

func (r *outboxRepo) PurgeSentBefore(dbc dbctx.Context, before time.Time) (int64, error) {
	res := r.tx(dbc).
		Where("status = ? AND sent_at < ?", types.OutboxSent, before.UTC()).
		Delete(&types.OutboxEvent{})
	return res.RowsAffected, res.Error
}
