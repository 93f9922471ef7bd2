package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmehdipour/sms-broadcast/internal/model"
	"github.com/jmoiron/sqlx"
)

// CampaignsRepository persists ad-hoc campaigns.
type CampaignsRepository interface {
	GetByID(ctx context.Context, id int64) (*model.Campaign, error)
	Insert(ctx context.Context, tx *sqlx.Tx, c model.Campaign) (int64, error)
	// MarkProcessed flips processed once. False means another run already claimed it.
	MarkProcessed(ctx context.Context, tx *sqlx.Tx, id int64) (bool, error)
	SetReconcileToken(ctx context.Context, id int64, token string) error
}

type CampaignsRepositoryImpl struct {
	db *sqlx.DB
}

var _ CampaignsRepository = (*CampaignsRepositoryImpl)(nil)

func NewCampaignsRepository(db *sqlx.DB) *CampaignsRepositoryImpl {
	return &CampaignsRepositoryImpl{db: db}
}

func (r *CampaignsRepositoryImpl) GetByID(ctx context.Context, id int64) (*model.Campaign, error) {
	const q = `
		SELECT id, title, first_message, second_message, run_at, delay_seconds,
		       included_segments, excluded_segments, recipient_file, processed,
		       reconcile_token, created_at, updated_at
		FROM campaigns
		WHERE id = ?
	`
	var c model.Campaign
	if err := r.db.GetContext(ctx, &c, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

func (r *CampaignsRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, c model.Campaign) (int64, error) {
	const q = `
		INSERT INTO campaigns
		    (title, first_message, second_message, run_at, delay_seconds,
		     included_segments, excluded_segments, recipient_file, processed,
		     reconcile_token, created_at, updated_at)
		VALUES
		    (?, ?, ?, ?, ?, ?, ?, ?, 0, '', ?, ?)
	`
	now := dbTime(time.Now())
	var id int64
	err := withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, q,
			c.Title, c.FirstMessage, c.SecondMessage, dbTimePtr(c.RunAt), c.DelaySeconds,
			c.IncludedSegments, c.ExcludedSegments, c.RecipientFile, now, now,
		)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

func (r *CampaignsRepositoryImpl) MarkProcessed(ctx context.Context, tx *sqlx.Tx, id int64) (bool, error) {
	const q = `UPDATE campaigns SET processed = 1, updated_at = ? WHERE id = ? AND processed = 0`
	var ok bool
	err := withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, q, dbTime(time.Now()), id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		ok = n == 1
		return err
	})
	return ok, err
}

func (r *CampaignsRepositoryImpl) SetReconcileToken(ctx context.Context, id int64, token string) error {
	const q = `UPDATE campaigns SET reconcile_token = ?, updated_at = ? WHERE id = ?`
	_, err := r.db.ExecContext(ctx, q, token, dbTime(time.Now()), id)
	return err
}
