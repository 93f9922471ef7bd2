package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jmehdipour/sms-broadcast/internal/model"
	"github.com/jmoiron/sqlx"
)

// BroadcastsRepository persists broadcasts and their weighted segments.
type BroadcastsRepository interface {
	GetEditable(ctx context.Context) (*model.Broadcast, error)
	GetByID(ctx context.Context, id int64) (*model.Broadcast, error)
	Segments(ctx context.Context, broadcastID int64) ([]model.BroadcastSegment, error)
	Insert(ctx context.Context, tx *sqlx.Tx, b model.Broadcast, segs []model.BroadcastSegment) (int64, error)
	// Lock flips an editable broadcast to locked with runAt. False means it was no longer editable.
	Lock(ctx context.Context, tx *sqlx.Tx, id int64, runAt time.Time) (bool, error)
	// Update applies a patch while the row is editable. False means it was not editable.
	Update(ctx context.Context, tx *sqlx.Tx, id int64, p model.BroadcastPatch, now time.Time) (bool, error)
	ReplaceSegments(ctx context.Context, tx *sqlx.Tx, broadcastID int64, segs []model.BroadcastSegment) error
	SetReconcileToken(ctx context.Context, id int64, token string) error
}

type BroadcastsRepositoryImpl struct {
	db *sqlx.DB
}

var _ BroadcastsRepository = (*BroadcastsRepositoryImpl)(nil)

func NewBroadcastsRepository(db *sqlx.DB) *BroadcastsRepositoryImpl {
	return &BroadcastsRepositoryImpl{db: db}
}

const broadcastColumns = `id, first_message, second_message, run_at, delay_seconds, no_users, editable, reconcile_token, created_at, updated_at`

func (r *BroadcastsRepositoryImpl) GetEditable(ctx context.Context) (*model.Broadcast, error) {
	q := `SELECT ` + broadcastColumns + ` FROM broadcasts WHERE editable = 1 ORDER BY id DESC LIMIT 1`
	return r.getOne(ctx, q)
}

func (r *BroadcastsRepositoryImpl) GetByID(ctx context.Context, id int64) (*model.Broadcast, error) {
	q := `SELECT ` + broadcastColumns + ` FROM broadcasts WHERE id = ?`
	return r.getOne(ctx, q, id)
}

func (r *BroadcastsRepositoryImpl) getOne(ctx context.Context, q string, args ...any) (*model.Broadcast, error) {
	var b model.Broadcast
	if err := r.db.GetContext(ctx, &b, q, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &b, nil
}

func (r *BroadcastsRepositoryImpl) Segments(ctx context.Context, broadcastID int64) ([]model.BroadcastSegment, error) {
	const q = `
		SELECT broadcast_id, segment_id, ratio
		FROM broadcast_segments
		WHERE broadcast_id = ?
		ORDER BY segment_id
	`
	var segs []model.BroadcastSegment
	if err := r.db.SelectContext(ctx, &segs, q, broadcastID); err != nil {
		return nil, err
	}
	return segs, nil
}

func (r *BroadcastsRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, b model.Broadcast, segs []model.BroadcastSegment) (int64, error) {
	const q = `
		INSERT INTO broadcasts
		    (first_message, second_message, run_at, delay_seconds, no_users, editable, reconcile_token, created_at, updated_at)
		VALUES
		    (?, ?, ?, ?, ?, ?, '', ?, ?)
	`
	now := dbTime(time.Now())
	var id int64
	err := withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, q,
			b.FirstMessage, b.SecondMessage, dbTimePtr(b.RunAt), b.DelaySeconds, b.NoUsers, b.Editable, now, now,
		)
		if err != nil {
			return err
		}
		if id, err = res.LastInsertId(); err != nil {
			return err
		}
		return r.insertSegments(ctx, tx, id, segs)
	})
	return id, err
}

func (r *BroadcastsRepositoryImpl) insertSegments(ctx context.Context, tx *sqlx.Tx, broadcastID int64, segs []model.BroadcastSegment) error {
	const q = `INSERT INTO broadcast_segments (broadcast_id, segment_id, ratio) VALUES (?, ?, ?)`
	for _, s := range segs {
		if _, err := tx.ExecContext(ctx, q, broadcastID, s.SegmentID, s.Ratio); err != nil {
			return err
		}
	}
	return nil
}

func (r *BroadcastsRepositoryImpl) Lock(ctx context.Context, tx *sqlx.Tx, id int64, runAt time.Time) (bool, error) {
	const q = `
		UPDATE broadcasts
		SET editable = 0, run_at = ?, updated_at = ?
		WHERE id = ? AND editable = 1
	`
	var locked bool
	err := withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, q, dbTime(runAt), dbTime(time.Now()), id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		locked = n == 1
		return err
	})
	return locked, err
}

func (r *BroadcastsRepositoryImpl) Update(ctx context.Context, tx *sqlx.Tx, id int64, p model.BroadcastPatch, now time.Time) (bool, error) {
	sets := []string{"updated_at = ?"}
	args := []any{dbTime(now)}
	if p.FirstMessage != nil {
		sets = append(sets, "first_message = ?")
		args = append(args, *p.FirstMessage)
	}
	if p.SecondMessage != nil {
		sets = append(sets, "second_message = ?")
		args = append(args, *p.SecondMessage)
	}
	if p.ClearRunAt {
		sets = append(sets, "run_at = NULL")
	} else if p.RunAt != nil {
		sets = append(sets, "run_at = ?")
		args = append(args, dbTime(*p.RunAt))
	}
	if p.DelaySeconds != nil {
		sets = append(sets, "delay_seconds = ?")
		args = append(args, *p.DelaySeconds)
	}
	if p.NoUsers != nil {
		sets = append(sets, "no_users = ?")
		args = append(args, *p.NoUsers)
	}
	q := `UPDATE broadcasts SET ` + strings.Join(sets, ", ") + ` WHERE id = ? AND editable = 1`
	args = append(args, id)

	var ok bool
	err := withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		ok = n == 1
		if ok && p.Segments != nil {
			return r.ReplaceSegments(ctx, tx, id, p.Segments)
		}
		return nil
	})
	return ok, err
}

func (r *BroadcastsRepositoryImpl) ReplaceSegments(ctx context.Context, tx *sqlx.Tx, broadcastID int64, segs []model.BroadcastSegment) error {
	return withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM broadcast_segments WHERE broadcast_id = ?`, broadcastID); err != nil {
			return err
		}
		return r.insertSegments(ctx, tx, broadcastID, segs)
	})
}

func (r *BroadcastsRepositoryImpl) SetReconcileToken(ctx context.Context, id int64, token string) error {
	const q = `UPDATE broadcasts SET reconcile_token = ?, updated_at = ? WHERE id = ?`
	_, err := r.db.ExecContext(ctx, q, token, dbTime(time.Now()), id)
	return err
}
