package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmehdipour/sms-broadcast/internal/model"
	"github.com/jmoiron/sqlx"
)

// AuthorsRepository persists recipients and their subscription flags.
type AuthorsRepository interface {
	Get(ctx context.Context, phone string) (*model.Author, error)
	Insert(ctx context.Context, a model.Author, labels ...string) error
	SetUnsubscribed(ctx context.Context, phone string, unsubscribed bool) error
	MarkReplied(ctx context.Context, phone string, at time.Time) error
	MarkExcluded(ctx context.Context, tx *sqlx.Tx, phones []string) error
	// Blocked returns the subset of phones that are unsubscribed or excluded.
	Blocked(ctx context.Context, phones []string) (map[string]bool, error)
}

type AuthorsRepositoryImpl struct {
	db *sqlx.DB
}

var _ AuthorsRepository = (*AuthorsRepositoryImpl)(nil)

func NewAuthorsRepository(db *sqlx.DB) *AuthorsRepositoryImpl {
	return &AuthorsRepositoryImpl{db: db}
}

func (r *AuthorsRepositoryImpl) Get(ctx context.Context, phone string) (*model.Author, error) {
	const q = `SELECT phone_number, unsubscribed, excluded, last_replied_at, created_at FROM authors WHERE phone_number = ?`
	var a model.Author
	if err := r.db.GetContext(ctx, &a, q, phone); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

func (r *AuthorsRepositoryImpl) Insert(ctx context.Context, a model.Author, labels ...string) error {
	const q = `
		INSERT INTO authors (phone_number, unsubscribed, excluded, last_replied_at, created_at)
		VALUES (?, ?, ?, ?, ?)
	`
	created := a.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	return withTx(ctx, r.db, nil, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, q, a.Phone, a.Unsubscribed, a.Excluded, dbTimePtr(a.LastRepliedAt), dbTime(created)); err != nil {
			return err
		}
		for _, l := range labels {
			if _, err := tx.ExecContext(ctx, `INSERT INTO author_labels (phone_number, label) VALUES (?, ?)`, a.Phone, l); err != nil {
				return err
			}
		}
		return nil
	})
}

// ensure creates a bare author row when none exists.
func (r *AuthorsRepositoryImpl) ensure(ctx context.Context, tx *sqlx.Tx, phone string) error {
	var n int
	if err := tx.GetContext(ctx, &n, `SELECT COUNT(*) FROM authors WHERE phone_number = ?`, phone); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO authors (phone_number, unsubscribed, excluded, last_replied_at, created_at) VALUES (?, 0, 0, NULL, ?)`,
		phone, dbTime(time.Now()),
	)
	return err
}

func (r *AuthorsRepositoryImpl) SetUnsubscribed(ctx context.Context, phone string, unsubscribed bool) error {
	return withTx(ctx, r.db, nil, func(tx *sqlx.Tx) error {
		if err := r.ensure(ctx, tx, phone); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE authors SET unsubscribed = ? WHERE phone_number = ?`, unsubscribed, phone)
		return err
	})
}

func (r *AuthorsRepositoryImpl) MarkReplied(ctx context.Context, phone string, at time.Time) error {
	return withTx(ctx, r.db, nil, func(tx *sqlx.Tx) error {
		if err := r.ensure(ctx, tx, phone); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE authors SET last_replied_at = ? WHERE phone_number = ?`, dbTime(at), phone)
		return err
	})
}

func (r *AuthorsRepositoryImpl) MarkExcluded(ctx context.Context, tx *sqlx.Tx, phones []string) error {
	if len(phones) == 0 {
		return nil
	}
	q, args, err := sqlx.In(`UPDATE authors SET excluded = 1 WHERE phone_number IN (?)`, phones)
	if err != nil {
		return err
	}
	q = r.db.Rebind(q)

	return withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		for _, p := range phones {
			if err := r.ensure(ctx, tx, p); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, q, args...)
		return err
	})
}

func (r *AuthorsRepositoryImpl) Blocked(ctx context.Context, phones []string) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(phones) == 0 {
		return out, nil
	}
	const chunk = 500
	for start := 0; start < len(phones); start += chunk {
		end := min(start+chunk, len(phones))
		q, args, err := sqlx.In(`
			SELECT phone_number FROM authors
			WHERE phone_number IN (?) AND (unsubscribed = 1 OR excluded = 1)
		`, phones[start:end])
		if err != nil {
			return nil, err
		}
		var blocked []string
		if err := r.db.SelectContext(ctx, &blocked, r.db.Rebind(q), args...); err != nil {
			return nil, err
		}
		for _, p := range blocked {
			out[p] = true
		}
	}
	return out, nil
}
