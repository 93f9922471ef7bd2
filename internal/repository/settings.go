package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmehdipour/sms-broadcast/internal/model"
	"github.com/jmoiron/sqlx"
)

// SettingsRepository reads the weekly broadcast time slots and stores worker progress.
type SettingsRepository interface {
	ActiveSlots(ctx context.Context) ([]model.TimeSlot, error)
	InsertSlot(ctx context.Context, s model.TimeSlot) (int64, error)
	// Cursor returns the saved position of a resumable worker, "" when none.
	Cursor(ctx context.Context, name string) (string, error)
	SetCursor(ctx context.Context, name, value string) error
}

type SettingsRepositoryImpl struct {
	db *sqlx.DB
}

var _ SettingsRepository = (*SettingsRepositoryImpl)(nil)

func NewSettingsRepository(db *sqlx.DB) *SettingsRepositoryImpl {
	return &SettingsRepositoryImpl{db: db}
}

func (r *SettingsRepositoryImpl) ActiveSlots(ctx context.Context) ([]model.TimeSlot, error) {
	const q = `
		SELECT id, weekday, time_of_day, active
		FROM broadcast_settings
		WHERE active = 1
		ORDER BY weekday, time_of_day
	`
	var slots []model.TimeSlot
	if err := r.db.SelectContext(ctx, &slots, q); err != nil {
		return nil, err
	}
	return slots, nil
}

func (r *SettingsRepositoryImpl) InsertSlot(ctx context.Context, s model.TimeSlot) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO broadcast_settings (weekday, time_of_day, active) VALUES (?, ?, ?)`,
		s.Weekday, s.TimeOfDay, s.Active,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r *SettingsRepositoryImpl) Cursor(ctx context.Context, name string) (string, error) {
	var v string
	err := r.db.GetContext(ctx, &v, `SELECT value FROM worker_cursors WHERE name = ?`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}

func (r *SettingsRepositoryImpl) SetCursor(ctx context.Context, name, value string) error {
	return withTx(ctx, r.db, nil, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM worker_cursors WHERE name = ?`, name); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO worker_cursors (name, value, updated_at) VALUES (?, ?, ?)`,
			name, value, dbTime(time.Now()),
		)
		return err
	})
}
