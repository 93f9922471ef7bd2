package broadcast

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jmehdipour/sms-broadcast/internal/apperr"
	"github.com/jmehdipour/sms-broadcast/internal/jobqueue"
	"github.com/jmehdipour/sms-broadcast/internal/lock"
	"github.com/jmehdipour/sms-broadcast/internal/model"
	"github.com/jmehdipour/sms-broadcast/internal/repository"
	"github.com/jmehdipour/sms-broadcast/internal/scheduler"
	"github.com/jmehdipour/sms-broadcast/internal/segment"
	"github.com/jmehdipour/sms-broadcast/internal/service/queue"
	"github.com/jmehdipour/sms-broadcast/internal/testutil"
)

type env struct {
	svc        *Service
	clock      *testutil.Clock
	q          *jobqueue.Memory
	sched      *scheduler.Cron
	locker     *lock.Memory
	broadcasts *repository.BroadcastsRepositoryImpl
	segments   *repository.SegmentsRepositoryImpl
	authors    *repository.AuthorsRepositoryImpl
	settings   *repository.SettingsRepositoryImpl
	outbox     *repository.OutboxRepositoryImpl
}

// Monday 2026-05-04 09:00 UTC
var monday = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func newEnv(t *testing.T) *env {
	t.Helper()
	dbx := testutil.NewDB(t)
	e := &env{
		clock:      testutil.NewClock(monday),
		sched:      scheduler.NewCron(scheduler.NewMemoryStore(), nil, scheduler.Options{}),
		locker:     lock.NewMemory(),
		broadcasts: repository.NewBroadcastsRepository(dbx),
		segments:   repository.NewSegmentsRepository(dbx),
		authors:    repository.NewAuthorsRepository(dbx),
		settings:   repository.NewSettingsRepository(dbx),
		outbox:     repository.NewOutboxRepository(dbx),
	}
	e.q = jobqueue.NewMemory(e.clock.Now)
	resolver := segment.NewResolver(e.segments, e.authors, "1", nil)
	qs := queue.New(dbx, e.outbox, e.q, e.sched, "", nil)
	e.svc = New(dbx, e.broadcasts, e.settings, resolver, qs, e.sched, e.locker, nil, Config{})
	e.svc.now = e.clock.Now
	return e
}

// seed creates n authors labelled "a" (the first unreachable of them unsubscribed),
// segment "a", the fallback segment and an editable broadcast using "a" at 100%.
func (e *env) seed(t *testing.T, n, unreachable int, b model.Broadcast) int64 {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		a := model.Author{Phone: fmt.Sprintf("+1555000%04d", i), Unsubscribed: i < unreachable}
		if err := e.authors.Insert(ctx, a, "a"); err != nil {
			t.Fatal(err)
		}
	}
	segA, err := e.segments.Insert(ctx, model.AudienceSegment{Name: "a", Definition: model.SegmentDefinition{LabelsAny: []string{"a"}}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.segments.Insert(ctx, model.AudienceSegment{Name: model.FallbackSegmentName}); err != nil {
		t.Fatal(err)
	}
	b.Editable = true
	id, err := e.broadcasts.Insert(ctx, nil, b, []model.BroadcastSegment{{SegmentID: segA, Ratio: 100}})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func (e *env) jobs(t *testing.T) []string {
	t.Helper()
	names, err := e.sched.ActiveJobNames(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return names
}

func (e *env) def(t *testing.T, name string) scheduler.Definition {
	t.Helper()
	defs, _ := e.sched.Definitions(context.Background())
	for _, d := range defs {
		if d.Name == name {
			return d
		}
	}
	t.Fatalf("job %s not registered; have %v", name, e.jobs(t))
	return scheduler.Definition{}
}

func TestMakeLocksEnqueuesAndCreatesNextCycle(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	if _, err := e.settings.InsertSlot(ctx, model.TimeSlot{Weekday: 3, TimeOfDay: "18:30", Active: true}); err != nil {
		t.Fatal(err)
	}
	id := e.seed(t, 30, 6, model.Broadcast{FirstMessage: "hello", SecondMessage: "again", DelaySeconds: 600, NoUsers: 60})

	res, err := e.svc.Make(ctx)
	if err != nil {
		t.Fatalf("make: %v", err)
	}
	if res.BroadcastID != id || res.Enqueued != 24 {
		t.Fatalf("result = %+v", res)
	}
	if n, _ := e.q.Len(ctx, jobqueue.First); n != 24 {
		t.Fatalf("first queue len = %d, want 24", n)
	}
	if n, _ := e.outbox.CountPending(ctx, jobqueue.First); n != 0 {
		t.Fatalf("outbox not relayed: %d", n)
	}

	locked, _ := e.broadcasts.GetByID(ctx, id)
	if locked.Editable || locked.RunAt == nil || !locked.RunAt.Equal(monday) {
		t.Fatalf("locked = %+v", locked)
	}
	next, _ := e.broadcasts.GetEditable(ctx)
	if next == nil || next.ID != res.NextID || next.FirstMessage != "hello" || next.SecondMessage != "again" || next.NoUsers != 60 {
		t.Fatalf("next = %+v", next)
	}
	wantNext := time.Date(2026, 5, 6, 18, 30, 0, 0, time.UTC)
	if next.RunAt == nil || !next.RunAt.Equal(wantNext) {
		t.Fatalf("next run_at = %v, want %v", next.RunAt, wantNext)
	}
	if segs, _ := e.broadcasts.Segments(ctx, next.ID); len(segs) != 1 || segs[0].Ratio != 100 {
		t.Fatalf("next segments = %+v", segs)
	}

	inv := e.def(t, scheduler.NameInvokeBroadcast)
	if inv.Target.BroadcastID != next.ID || inv.Spec != "30 18 6 5 *" {
		t.Fatalf("invoke = %+v", inv)
	}
	rec := e.def(t, scheduler.NameReconcile)
	if rec.Target.Final || !rec.Target.NotBefore.Equal(monday.Add(24*time.Second)) {
		t.Fatalf("reconcile = %+v", rec.Target)
	}
	delayed := e.def(t, scheduler.NameDelayReconcile)
	if !delayed.Target.Final || !delayed.Target.NotBefore.Equal(monday.Add(48*time.Second+600*time.Second)) {
		t.Fatalf("delay reconcile = %+v", delayed.Target)
	}
	e.def(t, scheduler.NameSendFirst)
}

func TestMakeWithoutSecondMessageSchedulesSingleFinalPass(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.seed(t, 3, 0, model.Broadcast{FirstMessage: "hello", NoUsers: 3})

	if _, err := e.svc.Make(ctx); err != nil {
		t.Fatalf("make: %v", err)
	}
	if !e.def(t, scheduler.NameReconcile).Target.Final {
		t.Fatal("single pass must be final")
	}
	for _, n := range e.jobs(t) {
		if n == scheduler.NameDelayReconcile || n == scheduler.NameInvokeBroadcast {
			t.Fatalf("unexpected job %s", n)
		}
	}
}

func TestMakeRejectedWhileRunning(t *testing.T) {
	ctx := context.Background()
	for _, indicator := range scheduler.RunningIndicators {
		e := newEnv(t)
		id := e.seed(t, 3, 0, model.Broadcast{FirstMessage: "hello", NoUsers: 3})
		_ = e.sched.Schedule(ctx, indicator, "@every 1m", scheduler.Target{Op: scheduler.OpDispatch})

		for _, call := range []func(context.Context) (Result, error){e.svc.Make, e.svc.SendNow} {
			_, err := call(ctx)
			if !errors.Is(err, ErrBroadcastRunning) || !errors.Is(err, apperr.ErrConflict) {
				t.Fatalf("%s: err = %v", indicator, err)
			}
			if apperr.Reason(err) != "broadcast_running" {
				t.Fatalf("reason = %q", apperr.Reason(err))
			}
		}
		cur, _ := e.broadcasts.GetEditable(ctx)
		if cur == nil || cur.ID != id || cur.RunAt != nil {
			t.Fatalf("%s: broadcast mutated: %+v", indicator, cur)
		}
		if n, _ := e.q.Len(ctx, jobqueue.First); n != 0 {
			t.Fatalf("%s: jobs enqueued", indicator)
		}
	}
}

func TestMakeRejectedWhileLockHeld(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.seed(t, 3, 0, model.Broadcast{FirstMessage: "hello", NoUsers: 3})
	release, err := e.locker.Acquire(ctx, lifecycleLock, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.svc.Make(ctx); !errors.Is(err, ErrBroadcastRunning) {
		t.Fatalf("err = %v", err)
	}
	_ = release(ctx)
	if _, err := e.svc.Make(ctx); err != nil {
		t.Fatalf("after release: %v", err)
	}
}

func TestMakeConfigErrorLeavesNoState(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	segA, _ := e.segments.Insert(ctx, model.AudienceSegment{Name: "a"})
	id, _ := e.broadcasts.Insert(ctx, nil, model.Broadcast{FirstMessage: "hello", NoUsers: 5, Editable: true},
		[]model.BroadcastSegment{{SegmentID: segA, Ratio: 100}})

	_, err := e.svc.Make(ctx)
	if !errors.Is(err, apperr.ErrConfig) {
		t.Fatalf("err = %v, want config error", err)
	}
	cur, _ := e.broadcasts.GetEditable(ctx)
	if cur == nil || cur.ID != id {
		t.Fatalf("editable changed: %+v", cur)
	}
	if n, _ := e.outbox.CountPending(ctx, jobqueue.First); n != 0 {
		t.Fatal("outbox written on config error")
	}
	if len(e.jobs(t)) != 0 {
		t.Fatalf("jobs scheduled: %v", e.jobs(t))
	}
}

func TestSendNowLeadTime(t *testing.T) {
	ctx := context.Background()

	e := newEnv(t)
	soon := monday.Add(30 * time.Minute)
	e.seed(t, 3, 0, model.Broadcast{FirstMessage: "hello", NoUsers: 3, RunAt: &soon})
	if _, err := e.svc.SendNow(ctx); !errors.Is(err, ErrSendNowTooClose) {
		t.Fatalf("err = %v", err)
	}

	e = newEnv(t)
	later := monday.Add(3 * time.Hour)
	id := e.seed(t, 3, 0, model.Broadcast{FirstMessage: "hello", NoUsers: 3, RunAt: &later})
	res, err := e.svc.SendNow(ctx)
	if err != nil {
		t.Fatalf("send now: %v", err)
	}
	if res.BroadcastID != id || res.Enqueued != 3 {
		t.Fatalf("result = %+v", res)
	}
	clone, _ := e.broadcasts.GetEditable(ctx)
	if clone.RunAt == nil || !clone.RunAt.Equal(later) || clone.FirstMessage != "hello" {
		t.Fatalf("clone = %+v", clone)
	}
	if inv := e.def(t, scheduler.NameInvokeBroadcast); inv.Target.BroadcastID != clone.ID {
		t.Fatalf("invoke targets %d, want clone %d", inv.Target.BroadcastID, clone.ID)
	}

	e = newEnv(t)
	e.seed(t, 3, 0, model.Broadcast{FirstMessage: "hello", NoUsers: 3})
	if _, err := e.svc.SendNow(ctx); err != nil {
		t.Fatalf("send now without schedule: %v", err)
	}
}

func TestPatch(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	id := e.seed(t, 3, 0, model.Broadcast{FirstMessage: "hello", NoUsers: 3})

	text := "updated"
	runAt := monday.Add(24 * time.Hour)
	got, err := e.svc.Patch(ctx, id, model.BroadcastPatch{FirstMessage: &text, RunAt: &runAt})
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	if got.FirstMessage != "updated" || got.RunAt == nil || !got.RunAt.Equal(runAt) {
		t.Fatalf("patched = %+v", got)
	}
	if inv := e.def(t, scheduler.NameInvokeBroadcast); inv.Spec != "0 9 5 5 *" || inv.Target.BroadcastID != id {
		t.Fatalf("invoke = %+v", inv)
	}

	if _, err := e.svc.Patch(ctx, id, model.BroadcastPatch{ClearRunAt: true}); err != nil {
		t.Fatalf("clear run_at: %v", err)
	}
	if len(e.jobs(t)) != 0 {
		t.Fatalf("invoke not removed: %v", e.jobs(t))
	}

	neg := -1
	if _, err := e.svc.Patch(ctx, id, model.BroadcastPatch{DelaySeconds: &neg}); !errors.Is(err, apperr.ErrInvalid) {
		t.Fatalf("invalid patch err = %v", err)
	}
	past := monday.Add(-time.Hour)
	if _, err := e.svc.Patch(ctx, id, model.BroadcastPatch{RunAt: &past}); !errors.Is(err, apperr.ErrInvalid) {
		t.Fatalf("past run_at err = %v", err)
	}

	if _, err := e.svc.Make(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := e.svc.Patch(ctx, id, model.BroadcastPatch{FirstMessage: &text}); !errors.Is(err, ErrNotEditable) {
		t.Fatalf("patch locked err = %v", err)
	}
	if _, err := e.svc.Patch(ctx, 999, model.BroadcastPatch{FirstMessage: &text}); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("patch missing err = %v", err)
	}
}

func TestInvokeRetriesWhenBusy(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	id := e.seed(t, 3, 0, model.Broadcast{FirstMessage: "hello", NoUsers: 3})
	_ = e.sched.Schedule(ctx, scheduler.NameSendSecond, "@every 1m", scheduler.Target{Op: scheduler.OpDispatch, IsSecond: true})

	if err := e.svc.Invoke(ctx, scheduler.Target{Op: scheduler.OpInvokeBroadcast, BroadcastID: id}); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	inv := e.def(t, scheduler.NameInvokeBroadcast)
	if inv.Spec != scheduler.At(monday.Add(5*time.Minute), time.UTC) || inv.Target.BroadcastID != id {
		t.Fatalf("retry = %+v", inv)
	}

	_ = e.sched.Unschedule(ctx, scheduler.NameSendSecond)
	if err := e.svc.Invoke(ctx, scheduler.Target{Op: scheduler.OpInvokeBroadcast, BroadcastID: id + 100}); err != nil {
		t.Fatalf("stale invoke: %v", err)
	}
	if cur, _ := e.broadcasts.GetEditable(ctx); cur.ID != id {
		t.Fatal("stale invoke ran make")
	}
	if err := e.svc.Invoke(ctx, scheduler.Target{Op: scheduler.OpInvokeBroadcast, BroadcastID: id}); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if cur, _ := e.broadcasts.GetEditable(ctx); cur.ID == id {
		t.Fatal("invoke did not lock the draft")
	}
}

func TestNextSlot(t *testing.T) {
	slots := []model.TimeSlot{
		{ID: 1, Weekday: 1, TimeOfDay: "08:00", Active: true},
		{ID: 2, Weekday: 5, TimeOfDay: "17:15", Active: true},
		{ID: 3, Weekday: 2, TimeOfDay: "10:00", Active: false},
	}
	got, err := NextSlot(monday, slots, time.UTC)
	if err != nil || got == nil || !got.Equal(time.Date(2026, 5, 8, 17, 15, 0, 0, time.UTC)) {
		t.Fatalf("next = %v, %v", got, err)
	}

	none, err := NextSlot(monday, slots[2:], time.UTC)
	if err != nil || none != nil {
		t.Fatalf("inactive only = %v, %v", none, err)
	}

	if _, err := NextSlot(monday, []model.TimeSlot{{Weekday: 1, TimeOfDay: "25:00", Active: true}}, time.UTC); err == nil {
		t.Fatal("expected error for bad time")
	}

	loc := time.FixedZone("UTC+2", 2*3600)
	got, _ = NextSlot(monday, []model.TimeSlot{{Weekday: 1, TimeOfDay: "12:00", Active: true}}, loc)
	if !got.Equal(time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("zoned next = %v", got)
	}
}
