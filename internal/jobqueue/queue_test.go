package jobqueue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jmehdipour/sms-broadcast/internal/testutil"
	"github.com/redis/go-redis/v9"
)

func newRedisQueue(t *testing.T, clock *testutil.Clock) *Redis {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	q := NewRedis(rdb, "test:q")
	q.now = clock.Now
	return q
}

func forEachQueue(t *testing.T, fn func(t *testing.T, q Queue, clock *testutil.Clock)) {
	t.Run("memory", func(t *testing.T) {
		clock := testutil.NewClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
		fn(t, NewMemory(clock.Now), clock)
	})
	t.Run("redis", func(t *testing.T) {
		clock := testutil.NewClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
		fn(t, newRedisQueue(t, clock), clock)
	})
}

func TestVisibilityTimeout(t *testing.T) {
	forEachQueue(t, func(t *testing.T, q Queue, clock *testutil.Clock) {
		ctx := context.Background()
		if err := q.Send(ctx, First, "a", []byte(`{"n":1}`), 0); err != nil {
			t.Fatalf("send: %v", err)
		}

		job, err := q.Read(ctx, First, 30*time.Second)
		if err != nil || job == nil {
			t.Fatalf("read = %v, %v", job, err)
		}
		if job.ID != "a" || string(job.Payload) != `{"n":1}` || job.ReadCount != 1 {
			t.Fatalf("job = %+v", job)
		}

		if again, _ := q.Read(ctx, First, 30*time.Second); again != nil {
			t.Fatalf("job visible during timeout: %+v", again)
		}

		clock.Advance(31 * time.Second)
		job, err = q.Read(ctx, First, 30*time.Second)
		if err != nil || job == nil || job.ReadCount != 2 {
			t.Fatalf("re-read = %+v, %v", job, err)
		}

		if err := q.Delete(ctx, First, "a"); err != nil {
			t.Fatalf("delete: %v", err)
		}
		clock.Advance(time.Minute)
		if job, _ := q.Read(ctx, First, time.Second); job != nil {
			t.Fatalf("deleted job came back: %+v", job)
		}
		if n, _ := q.Len(ctx, First); n != 0 {
			t.Fatalf("len = %d", n)
		}
	})
}

func TestDelayedSendAndIdempotency(t *testing.T) {
	forEachQueue(t, func(t *testing.T, q Queue, clock *testutil.Clock) {
		ctx := context.Background()
		if err := q.Send(ctx, Second, "x-2", []byte("one"), 10*time.Minute); err != nil {
			t.Fatalf("send: %v", err)
		}
		if err := q.Send(ctx, Second, "x-2", []byte("two"), 0); err != nil {
			t.Fatalf("resend: %v", err)
		}
		if n, _ := q.Len(ctx, Second); n != 1 {
			t.Fatalf("len = %d, want 1", n)
		}
		if job, _ := q.Read(ctx, Second, time.Second); job != nil {
			t.Fatalf("delayed job visible early: %+v", job)
		}

		clock.Advance(10 * time.Minute)
		job, err := q.Read(ctx, Second, time.Second)
		if err != nil || job == nil {
			t.Fatalf("read = %v, %v", job, err)
		}
		if string(job.Payload) != "one" {
			t.Fatalf("payload = %q, first send must win", job.Payload)
		}
	})
}

func TestDeletedIDIsNotRequeued(t *testing.T) {
	forEachQueue(t, func(t *testing.T, q Queue, clock *testutil.Clock) {
		ctx := context.Background()
		_ = q.Send(ctx, First, "J1", []byte("one"), 0)
		job, err := q.Read(ctx, First, 30*time.Second)
		if err != nil || job == nil {
			t.Fatalf("read = %v, %v", job, err)
		}
		if err := q.Delete(ctx, First, "J1"); err != nil {
			t.Fatalf("delete: %v", err)
		}

		if err := q.Send(ctx, First, "J1", []byte("one"), 0); err != nil {
			t.Fatalf("resend: %v", err)
		}
		clock.Advance(time.Minute)
		if job, _ := q.Read(ctx, First, time.Second); job != nil {
			t.Fatalf("delivered job queued again: %+v", job)
		}
		if n, _ := q.Len(ctx, First); n != 0 {
			t.Fatalf("len = %d", n)
		}

		// retirement is per queue
		if err := q.Send(ctx, Second, "J1", []byte("two"), 0); err != nil {
			t.Fatalf("send other queue: %v", err)
		}
		if n, _ := q.Len(ctx, Second); n != 1 {
			t.Fatalf("second len = %d", n)
		}
	})
}

func TestMemoryForgetsRetiredIDs(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	q := NewMemory(clock.Now)
	q.RetireFor = time.Hour

	_ = q.Send(ctx, First, "J1", nil, 0)
	_ = q.Delete(ctx, First, "J1")
	clock.Advance(2 * time.Hour)
	_ = q.Send(ctx, First, "J1", nil, 0)
	if n, _ := q.Len(ctx, First); n != 1 {
		t.Fatalf("len = %d, want the id accepted after its retire window", n)
	}
}

func TestRedisRetiredIDExpires(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	q := NewRedis(rdb, "test:q")
	q.RetireFor = time.Hour

	_ = q.Send(ctx, First, "J1", nil, 0)
	_ = q.Delete(ctx, First, "J1")
	if ttl := mr.TTL("test:q:" + First + ":done:J1"); ttl != time.Hour {
		t.Fatalf("done marker ttl = %v", ttl)
	}
	mr.FastForward(2 * time.Hour)
	_ = q.Send(ctx, First, "J1", nil, 0)
	if n, _ := q.Len(ctx, First); n != 1 {
		t.Fatalf("len = %d, want the id accepted after its retire window", n)
	}
}

func TestReadOrder(t *testing.T) {
	forEachQueue(t, func(t *testing.T, q Queue, clock *testutil.Clock) {
		ctx := context.Background()
		_ = q.Send(ctx, First, "late", nil, 2*time.Second)
		_ = q.Send(ctx, First, "early", nil, 0)
		clock.Advance(3 * time.Second)

		first, _ := q.Read(ctx, First, time.Minute)
		second, _ := q.Read(ctx, First, time.Minute)
		if first == nil || second == nil || first.ID != "early" || second.ID != "late" {
			t.Fatalf("order = %v, %v", first, second)
		}
		if other, _ := q.Read(ctx, Second, time.Minute); other != nil {
			t.Fatalf("queues leaked: %+v", other)
		}
	})
}
