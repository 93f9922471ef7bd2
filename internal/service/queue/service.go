package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jmehdipour/sms-broadcast/internal/jobqueue"
	"github.com/jmehdipour/sms-broadcast/internal/metrics"
	"github.com/jmehdipour/sms-broadcast/internal/model"
	"github.com/jmehdipour/sms-broadcast/internal/repository"
	"github.com/jmehdipour/sms-broadcast/internal/scheduler"
	"github.com/jmehdipour/sms-broadcast/internal/util"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

const relayPage = 500

// Service writes queue jobs through the outbox table and relays them into the delivery queue.
type Service struct {
	db           *sqlx.DB
	outbox       repository.OutboxRepository
	queue        jobqueue.Queue
	sched        scheduler.Scheduler
	dispatchSpec string
	log          *zap.Logger

	relayMu sync.Mutex
}

// New constructs the queue service.
func New(
	db *sqlx.DB,
	outboxRepo repository.OutboxRepository,
	q jobqueue.Queue,
	sched scheduler.Scheduler,
	dispatchSpec string,
	log *zap.Logger,
) *Service {
	if dispatchSpec == "" {
		dispatchSpec = "@every 1m"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		db:           db,
		outbox:       outboxRepo,
		queue:        q,
		sched:        sched,
		dispatchSpec: dispatchSpec,
		log:          log,
	}
}

// Enqueue generates a ULID per job and writes the jobs into `outbox` within tx,
// so they reach the queue only if tx commits. Returns the job ids in input order.
func (s *Service) Enqueue(ctx context.Context, tx *sqlx.Tx, queue string, jobs []model.Job) ([]string, error) {
	if len(jobs) == 0 {
		return nil, nil
	}
	ids := make([]string, len(jobs))
	events := make([]model.OutboxEvent, len(jobs))
	for i, j := range jobs {
		payload, err := json.Marshal(j)
		if err != nil {
			return nil, fmt.Errorf("marshal job for %s: %w", j.Phone, err)
		}
		ids[i] = util.NewID()
		events[i] = model.OutboxEvent{
			JobID:   ids[i],
			Queue:   queue,
			Payload: payload,
		}
	}
	if err := s.outbox.InsertBatch(ctx, tx, events); err != nil {
		return nil, fmt.Errorf("insert outbox: %w", err)
	}
	return ids, nil
}

// Relay moves pending outbox rows into the delivery queue and makes sure a dispatch
// job is registered for every queue it filled. Sending uses the outbox job id, so a
// row relayed twice after a crash is stored once, and not at all once it was delivered.
func (s *Service) Relay(ctx context.Context) (int, error) {
	s.relayMu.Lock()
	defer s.relayMu.Unlock()

	filled := make(map[string]struct{})
	total := 0
	var relayErr error
	for relayErr == nil {
		events, err := s.outbox.ListPending(ctx, relayPage)
		if err != nil {
			relayErr = fmt.Errorf("list outbox: %w", err)
			break
		}
		if len(events) == 0 {
			break
		}

		done := make([]int64, 0, len(events))
		for _, ev := range events {
			delay := time.Duration(ev.DelaySeconds) * time.Second
			if err := s.queue.Send(ctx, ev.Queue, ev.JobID, ev.Payload, delay); err != nil {
				relayErr = fmt.Errorf("send %s to %s: %w", ev.JobID, ev.Queue, err)
				break
			}
			done = append(done, ev.ID)
			filled[ev.Queue] = struct{}{}
		}
		if err := s.outbox.Delete(ctx, done); err != nil {
			relayErr = fmt.Errorf("delete relayed outbox rows: %w", err)
		}
		total += len(done)
		metrics.OutboxRelayed.Add(float64(len(done)))
		if len(events) < relayPage {
			break
		}
	}

	for q := range filled {
		if err := s.EnsureDispatch(ctx, q == jobqueue.Second); err != nil && relayErr == nil {
			relayErr = err
		}
	}
	if total > 0 {
		s.log.Info("outbox relayed", zap.Int("jobs", total))
	}
	return total, relayErr
}

// EnsureDispatch registers the periodic dispatch job for a stage. Re-registering is a no-op.
func (s *Service) EnsureDispatch(ctx context.Context, isSecond bool) error {
	name := scheduler.DispatchName(isSecond)
	if err := s.sched.Schedule(ctx, name, s.dispatchSpec, scheduler.Target{Op: scheduler.OpDispatch, IsSecond: isSecond}); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	return nil
}
