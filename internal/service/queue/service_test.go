package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jmehdipour/sms-broadcast/internal/jobqueue"
	"github.com/jmehdipour/sms-broadcast/internal/model"
	"github.com/jmehdipour/sms-broadcast/internal/repository"
	"github.com/jmehdipour/sms-broadcast/internal/scheduler"
	"github.com/jmehdipour/sms-broadcast/internal/testutil"
)

type flakyQueue struct {
	jobqueue.Queue
	failAfter int
	sent      int
}

func (f *flakyQueue) Send(ctx context.Context, queue, id string, payload []byte, delay time.Duration) error {
	if f.sent == f.failAfter {
		return errors.New("redis unavailable")
	}
	f.sent++
	return f.Queue.Send(ctx, queue, id, payload, delay)
}

func newService(t *testing.T, q jobqueue.Queue) (*Service, *repository.OutboxRepositoryImpl, *scheduler.Cron) {
	t.Helper()
	dbx := testutil.NewDB(t)
	outbox := repository.NewOutboxRepository(dbx)
	sched := scheduler.NewCron(scheduler.NewMemoryStore(), nil, scheduler.Options{})
	return New(dbx, outbox, q, sched, "", nil), outbox, sched
}

func jobs(n int) []model.Job {
	out := make([]model.Job, n)
	for i := range out {
		out[i] = model.Job{Phone: fmt.Sprintf("+155500000%02d", i), FirstMessage: "hi", BroadcastID: 1, DelaySeconds: 60}
	}
	return out
}

func TestEnqueueIsInvisibleUntilCommit(t *testing.T) {
	ctx := context.Background()
	mem := jobqueue.NewMemory(time.Now)
	s, outbox, _ := newService(t, mem)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	ids, err := s.Enqueue(ctx, tx, jobqueue.First, jobs(3))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if len(ids) != 3 || ids[0] == ids[1] {
		t.Fatalf("ids = %v", ids)
	}
	_ = tx.Rollback()

	n, _ := outbox.CountPending(ctx, jobqueue.First)
	if n != 0 {
		t.Fatalf("rolled back jobs still pending: %d", n)
	}
}

func TestRelayMovesJobsAndSchedulesDispatch(t *testing.T) {
	ctx := context.Background()
	mem := jobqueue.NewMemory(time.Now)
	s, outbox, sched := newService(t, mem)

	if _, err := s.Enqueue(ctx, nil, jobqueue.First, jobs(4)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	n, err := s.Relay(ctx)
	if err != nil || n != 4 {
		t.Fatalf("relay = %d, %v", n, err)
	}
	if depth, _ := mem.Len(ctx, jobqueue.First); depth != 4 {
		t.Fatalf("queue depth = %d", depth)
	}
	if pending, _ := outbox.CountPending(ctx, jobqueue.First); pending != 0 {
		t.Fatalf("outbox pending = %d", pending)
	}

	job, err := mem.Read(ctx, jobqueue.First, time.Minute)
	if err != nil || job == nil {
		t.Fatalf("read: %v %v", job, err)
	}
	var payload model.Job
	if err := json.Unmarshal(job.Payload, &payload); err != nil || payload.BroadcastID != 1 {
		t.Fatalf("payload = %+v, %v", payload, err)
	}

	names, _ := sched.ActiveJobNames(ctx)
	if len(names) != 1 || names[0] != scheduler.NameSendFirst {
		t.Fatalf("scheduled = %v", names)
	}
}

func TestRelayKeepsUnsentRowsOnQueueError(t *testing.T) {
	ctx := context.Background()
	mem := jobqueue.NewMemory(time.Now)
	fq := &flakyQueue{Queue: mem, failAfter: 2}
	s, outbox, _ := newService(t, fq)

	if _, err := s.Enqueue(ctx, nil, jobqueue.First, jobs(5)); err != nil {
		t.Fatal(err)
	}
	n, err := s.Relay(ctx)
	if err == nil || n != 2 {
		t.Fatalf("relay = %d, %v", n, err)
	}
	if pending, _ := outbox.CountPending(ctx, jobqueue.First); pending != 3 {
		t.Fatalf("outbox pending = %d, want 3", pending)
	}

	fq.failAfter = -1
	if n, err := s.Relay(ctx); err != nil || n != 3 {
		t.Fatalf("second relay = %d, %v", n, err)
	}
	if depth, _ := mem.Len(ctx, jobqueue.First); depth != 5 {
		t.Fatalf("queue depth = %d", depth)
	}
}

type stuckOutbox struct {
	*repository.OutboxRepositoryImpl
	failDelete bool
}

func (o *stuckOutbox) Delete(ctx context.Context, ids []int64) error {
	if o.failDelete {
		return errors.New("db connection reset")
	}
	return o.OutboxRepositoryImpl.Delete(ctx, ids)
}

func TestRelayAfterDeliveryDoesNotRequeue(t *testing.T) {
	ctx := context.Background()
	dbx := testutil.NewDB(t)
	outbox := &stuckOutbox{OutboxRepositoryImpl: repository.NewOutboxRepository(dbx), failDelete: true}
	mem := jobqueue.NewMemory(time.Now)
	s := New(dbx, outbox, mem, scheduler.NewCron(scheduler.NewMemoryStore(), nil, scheduler.Options{}), "", nil)

	ids, err := s.Enqueue(ctx, nil, jobqueue.First, jobs(1))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Relay(ctx); err == nil {
		t.Fatal("relay should report the outbox delete failure")
	}

	// the job is sent and removed before the outbox row is cleaned up
	job, _ := mem.Read(ctx, jobqueue.First, time.Minute)
	if job == nil || job.ID != ids[0] {
		t.Fatalf("read = %+v", job)
	}
	if err := mem.Delete(ctx, jobqueue.First, job.ID); err != nil {
		t.Fatal(err)
	}

	outbox.failDelete = false
	if _, err := s.Relay(ctx); err != nil {
		t.Fatalf("second relay: %v", err)
	}
	if pending, _ := outbox.CountPending(ctx, jobqueue.First); pending != 0 {
		t.Fatalf("outbox pending = %d", pending)
	}
	if depth, _ := mem.Len(ctx, jobqueue.First); depth != 0 {
		t.Fatalf("delivered job relayed again, depth = %d", depth)
	}
}
