package db

import (
	"context"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/jmoiron/sqlx"
)

// NewClickHouseConnection opens the analytics store that receives reconciled delivery events.
// DSN e.g. clickhouse://default:@localhost:9000/broadcast?dial_timeout=5s&compress=true
func NewClickHouseConnection(dsn string, opts PoolOpts) (*sqlx.DB, error) {
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 3 * time.Second
	}
	db, err := sqlx.Open("clickhouse", dsn)
	if err != nil {
		return nil, err
	}

	applyPool(db, opts)

	ctx, cancel := context.WithTimeout(context.Background(), opts.PingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

const clickHouseSchema = `
CREATE TABLE IF NOT EXISTS delivery_events
(
    provider_id     String,
    phone_number    String,
    broadcast_id    Int64,
    campaign_id     Int64,
    status          LowCardinality(String),
    delivered_at    Nullable(DateTime),
    reconciled_at   DateTime
)
ENGINE = ReplacingMergeTree(reconciled_at)
ORDER BY (broadcast_id, campaign_id, provider_id)
`

// MigrateClickHouse creates the delivery_events table if missing.
func MigrateClickHouse(ctx context.Context, ch *sqlx.DB) error {
	_, err := ch.ExecContext(ctx, clickHouseSchema)
	return err
}
