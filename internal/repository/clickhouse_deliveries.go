package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
)

// DeliveryEvent is one reconciled provider record, appended to ClickHouse.
type DeliveryEvent struct {
	ProviderID   string     `db:"provider_id"`
	Phone        string     `db:"phone_number"`
	BroadcastID  int64      `db:"broadcast_id"`
	CampaignID   int64      `db:"campaign_id"`
	Status       string     `db:"status"`
	DeliveredAt  *time.Time `db:"delivered_at"`
	ReconciledAt time.Time  `db:"reconciled_at"`
}

// StatusCount is a per-status tally for reporting.
type StatusCount struct {
	Status string `db:"status" json:"status"`
	Count  uint64 `db:"cnt"    json:"count"`
}

// DeliveryEventsRepository appends and aggregates reconciled delivery events (ClickHouse).
type DeliveryEventsRepository interface {
	Append(ctx context.Context, events []DeliveryEvent) error
	CountByBroadcast(ctx context.Context, broadcastID int64) ([]StatusCount, error)
}

type chDeliveryEventsRepository struct {
	ch *sqlx.DB // ClickHouse connection
}

func NewCHDeliveryEventsRepository(ch *sqlx.DB) DeliveryEventsRepository {
	return &chDeliveryEventsRepository{ch: ch}
}

// Append writes one batch; clickhouse-go sends it as a single block on commit.
func (r *chDeliveryEventsRepository) Append(ctx context.Context, events []DeliveryEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := r.ch.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO delivery_events
		    (provider_id, phone_number, broadcast_id, campaign_id, status, delivered_at, reconciled_at)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, ev := range events {
		if _, err := stmt.ExecContext(ctx,
			ev.ProviderID, ev.Phone, ev.BroadcastID, ev.CampaignID, ev.Status, ev.DeliveredAt, ev.ReconciledAt,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *chDeliveryEventsRepository) CountByBroadcast(ctx context.Context, broadcastID int64) ([]StatusCount, error) {
	const q = `
		SELECT status, count() AS cnt
		FROM delivery_events FINAL
		WHERE broadcast_id = ?
		GROUP BY status
		ORDER BY status
	`
	var rows []StatusCount
	if err := r.ch.SelectContext(ctx, &rows, q, broadcastID); err != nil {
		return nil, err
	}
	return rows, nil
}
