// Package jobqueue is a durable at-least-once job queue with per-read visibility timeouts.
//
// A read job stays invisible to other readers until it is deleted or its visibility
// timeout expires, after which it is handed out again with an incremented read count.
package jobqueue

import (
	"context"
	"time"
)

// Queue names used by the delivery pipeline.
const (
	First  = "first-messages"
	Second = "second-messages"
)

// Name returns the queue for a stage.
func Name(isSecond bool) string {
	if isSecond {
		return Second
	}
	return First
}

// DefaultRetireFor is how long a deleted id is remembered and refused by Send.
const DefaultRetireFor = 7 * 24 * time.Hour

// Job is one read of a queued payload.
type Job struct {
	ID        string
	Payload   []byte
	ReadCount int // including this read
}

type Queue interface {
	// Send stores payload under id, invisible until now+delay. Re-sending a stored id,
	// or one deleted within the retire window, is a no-op.
	Send(ctx context.Context, queue, id string, payload []byte, delay time.Duration) error
	// Read returns one visible job and hides it for vt, or nil when none is visible.
	Read(ctx context.Context, queue string, vt time.Duration) (*Job, error)
	// Delete removes id and retires it so a late re-send cannot deliver it twice.
	Delete(ctx context.Context, queue, id string) error
	// Len counts all stored jobs, visible or not.
	Len(ctx context.Context, queue string) (int64, error)
}
