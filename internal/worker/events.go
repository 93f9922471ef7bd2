package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmehdipour/sms-broadcast/internal/jobqueue"
	"github.com/jmehdipour/sms-broadcast/internal/kafka"
	"github.com/jmehdipour/sms-broadcast/internal/model"
	"github.com/jmehdipour/sms-broadcast/internal/repository"
	"github.com/jmehdipour/sms-broadcast/internal/util"
	"go.uber.org/zap"
)

// EventSource is the subset of kafka.Consumer the events worker reads from.
type EventSource interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, m kafka.Message) error
}

// Events applies recipient events: subscription flags, reply timestamps, and
// cancellation of second-stage messages that have not gone out yet.
type Events struct {
	Source    EventSource
	Authors   repository.AuthorsRepository
	Statuses  repository.MessageStatusesRepository
	Queue     jobqueue.Queue
	Log       *zap.Logger
	DefaultCC string
}

// Run consumes until ctx is cancelled. Undecodable messages are committed and skipped.
func (w *Events) Run(ctx context.Context) error {
	for {
		m, err := w.Source.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.Log.Warn("kafka fetch failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}

		var ev model.RecipientEvent
		if err := json.Unmarshal(m.Value, &ev); err != nil {
			w.Log.Warn("skipping undecodable event", zap.Int64("offset", m.Offset), zap.Error(err))
		} else if err := w.Handle(ctx, ev); err != nil {
			// not committed, so the event is redelivered
			w.Log.Error("event handling failed", zap.String("type", string(ev.Type)), zap.Error(err))
			continue
		}

		if err := w.Source.Commit(ctx, m); err != nil && ctx.Err() == nil {
			w.Log.Warn("kafka commit failed", zap.Error(err))
		}
	}
}

func (w *Events) Handle(ctx context.Context, ev model.RecipientEvent) error {
	phone := util.NormalizePhone(ev.Phone, w.DefaultCC)
	if phone == "" {
		return fmt.Errorf("event %s: invalid phone %q", ev.Type, ev.Phone)
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	switch ev.Type {
	case model.EventUnsubscribed:
		if err := w.Authors.SetUnsubscribed(ctx, phone, true); err != nil {
			return err
		}
		return w.cancelSecond(ctx, phone)
	case model.EventResubscribed:
		return w.Authors.SetUnsubscribed(ctx, phone, false)
	case model.EventReplied:
		if err := w.Authors.MarkReplied(ctx, phone, at); err != nil {
			return err
		}
		return w.cancelSecond(ctx, phone)
	default:
		w.Log.Debug("ignoring event", zap.String("type", string(ev.Type)))
		return nil
	}
}

// cancelSecond deletes pending second-stage jobs by the queue id recorded at first send.
func (w *Events) cancelSecond(ctx context.Context, phone string) error {
	rows, err := w.Statuses.PendingSecondJobs(ctx, phone)
	if err != nil {
		return fmt.Errorf("pending second jobs: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		if err := w.Queue.Delete(ctx, jobqueue.Second, r.SecondJobID); err != nil {
			return fmt.Errorf("delete second job %s: %w", r.SecondJobID, err)
		}
		ids = append(ids, r.SecondJobID)
	}
	if err := w.Statuses.ClearSecondJob(ctx, nil, ids); err != nil {
		return err
	}
	w.Log.Info("second-stage messages cancelled", zap.String("phone", phone), zap.Int("jobs", len(ids)))
	return nil
}
