package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmehdipour/sms-broadcast/internal/model"
	"github.com/jmoiron/sqlx"
)

// SegmentsRepository loads audience segments and executes their definitions.
type SegmentsRepository interface {
	GetByID(ctx context.Context, id int64) (*model.AudienceSegment, error)
	GetByName(ctx context.Context, name string) (*model.AudienceSegment, error)
	Insert(ctx context.Context, s model.AudienceSegment) (int64, error)
	// Members returns up to limit reachable phone numbers after the given one, ordered ascending.
	Members(ctx context.Context, def model.SegmentDefinition, after string, limit int) ([]string, error)
}

type SegmentsRepositoryImpl struct {
	db  *sqlx.DB
	now func() time.Time
}

var _ SegmentsRepository = (*SegmentsRepositoryImpl)(nil)

func NewSegmentsRepository(db *sqlx.DB) *SegmentsRepositoryImpl {
	return &SegmentsRepositoryImpl{db: db, now: time.Now}
}

func (r *SegmentsRepositoryImpl) GetByID(ctx context.Context, id int64) (*model.AudienceSegment, error) {
	return r.getOne(ctx, `SELECT id, name, definition FROM audience_segments WHERE id = ?`, id)
}

func (r *SegmentsRepositoryImpl) GetByName(ctx context.Context, name string) (*model.AudienceSegment, error) {
	return r.getOne(ctx, `SELECT id, name, definition FROM audience_segments WHERE name = ?`, name)
}

func (r *SegmentsRepositoryImpl) getOne(ctx context.Context, q string, args ...any) (*model.AudienceSegment, error) {
	var s model.AudienceSegment
	if err := r.db.GetContext(ctx, &s, q, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

func (r *SegmentsRepositoryImpl) Insert(ctx context.Context, s model.AudienceSegment) (int64, error) {
	res, err := r.db.ExecContext(ctx, `INSERT INTO audience_segments (name, definition) VALUES (?, ?)`, s.Name, s.Definition)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r *SegmentsRepositoryImpl) Members(ctx context.Context, def model.SegmentDefinition, after string, limit int) ([]string, error) {
	q, args, err := buildMembersQuery(def, r.now(), after, limit)
	if err != nil {
		return nil, err
	}
	var phones []string
	if err := r.db.SelectContext(ctx, &phones, r.db.Rebind(q), args...); err != nil {
		return nil, err
	}
	return phones, nil
}
