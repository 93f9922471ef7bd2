package model

import "time"

// OutboxEvent is a queue job written in the same transaction as the state change that produced it.
type OutboxEvent struct {
	ID           int64     `db:"id"`
	JobID        string    `db:"job_id"` // queue id, ULID
	Queue        string    `db:"queue"`
	Payload      []byte    `db:"payload"`
	DelaySeconds int       `db:"delay_seconds"`
	CreatedAt    time.Time `db:"created_at"`
}
