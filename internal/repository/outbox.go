package repository

import (
	"context"
	"strings"
	"time"

	"github.com/jmehdipour/sms-broadcast/internal/model"
	"github.com/jmoiron/sqlx"
)

// OutboxRepository defines persistence methods for the outbox table.
type OutboxRepository interface {
	// InsertBatch writes queue jobs. If tx is nil, it will open/commit
	// an internal transaction; otherwise it uses the given tx.
	InsertBatch(ctx context.Context, tx *sqlx.Tx, events []model.OutboxEvent) error
	ListPending(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	Delete(ctx context.Context, ids []int64) error
	CountPending(ctx context.Context, queue string) (int, error)
}

// OutboxRepositoryImpl is a sqlx-backed implementation.
type OutboxRepositoryImpl struct {
	db *sqlx.DB
}

var _ OutboxRepository = (*OutboxRepositoryImpl)(nil)

// NewOutboxRepository constructs an OutboxRepositoryImpl.
func NewOutboxRepository(db *sqlx.DB) *OutboxRepositoryImpl {
	return &OutboxRepositoryImpl{db: db}
}

const outboxInsertChunk = 200

// InsertBatch uses multi-row inserts in chunks to bound statement size.
func (r *OutboxRepositoryImpl) InsertBatch(ctx context.Context, tx *sqlx.Tx, events []model.OutboxEvent) error {
	if len(events) == 0 {
		return nil
	}
	now := dbTime(time.Now())
	return withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		for start := 0; start < len(events); start += outboxInsertChunk {
			end := min(start+outboxInsertChunk, len(events))
			chunk := events[start:end]

			var sb strings.Builder
			sb.WriteString(`INSERT INTO outbox (job_id, queue, payload, delay_seconds, created_at) VALUES `)
			args := make([]any, 0, len(chunk)*5)
			for i, ev := range chunk {
				if i > 0 {
					sb.WriteString(", ")
				}
				sb.WriteString("(?, ?, ?, ?, ?)")
				args = append(args, ev.JobID, ev.Queue, ev.Payload, ev.DelaySeconds, now)
			}
			if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *OutboxRepositoryImpl) ListPending(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	const q = `
		SELECT id, job_id, queue, payload, delay_seconds, created_at
		FROM outbox
		ORDER BY id
		LIMIT ?
	`
	var events []model.OutboxEvent
	if err := r.db.SelectContext(ctx, &events, q, limit); err != nil {
		return nil, err
	}
	return events, nil
}

func (r *OutboxRepositoryImpl) Delete(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	q, args, err := sqlx.In(`DELETE FROM outbox WHERE id IN (?)`, ids)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, r.db.Rebind(q), args...)
	return err
}

func (r *OutboxRepositoryImpl) CountPending(ctx context.Context, queue string) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM outbox WHERE queue = ?`, queue)
	return n, err
}
