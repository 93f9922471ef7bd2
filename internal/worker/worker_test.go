package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jmehdipour/sms-broadcast/internal/apperr"
	"github.com/jmehdipour/sms-broadcast/internal/jobqueue"
	"github.com/jmehdipour/sms-broadcast/internal/kafka"
	"github.com/jmehdipour/sms-broadcast/internal/model"
	"github.com/jmehdipour/sms-broadcast/internal/provider"
	"github.com/jmehdipour/sms-broadcast/internal/repository"
	"github.com/jmehdipour/sms-broadcast/internal/scheduler"
	"github.com/jmehdipour/sms-broadcast/internal/testutil"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

type env struct {
	db         *sqlx.DB
	prov       *testutil.FakeProvider
	statuses   *repository.MessageStatusesRepositoryImpl
	broadcasts *repository.BroadcastsRepositoryImpl
	campaigns  *repository.CampaignsRepositoryImpl
	authors    *repository.AuthorsRepositoryImpl
	sched      *scheduler.Cron
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dbx := testutil.NewDB(t)
	return &env{
		db:         dbx,
		prov:       testutil.NewFakeProvider(),
		statuses:   repository.NewMessageStatusesRepository(dbx),
		broadcasts: repository.NewBroadcastsRepository(dbx),
		campaigns:  repository.NewCampaignsRepository(dbx),
		authors:    repository.NewAuthorsRepository(dbx),
		sched:      scheduler.NewCron(scheduler.NewMemoryStore(), nil, scheduler.Options{}),
	}
}

func (e *env) lockedBroadcast(t *testing.T, runAt time.Time) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := e.broadcasts.Insert(ctx, nil, model.Broadcast{FirstMessage: "one", Editable: true, NoUsers: 10}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := e.broadcasts.Lock(ctx, nil, id, runAt); err != nil || !ok {
		t.Fatalf("lock: %v %v", ok, err)
	}
	return id
}

func (e *env) status(t *testing.T, m model.MessageStatus) int64 {
	t.Helper()
	id, err := e.statuses.Insert(context.Background(), nil, m)
	if err != nil {
		t.Fatalf("insert status: %v", err)
	}
	return id
}

func (e *env) reconciler() *Reconciler {
	return &Reconciler{
		Provider:   e.prov,
		Statuses:   e.statuses,
		Broadcasts: e.broadcasts,
		Campaigns:  e.campaigns,
		Scheduler:  e.sched,
		Log:        zap.NewNop(),
		DefaultCC:  "1",
	}
}

func TestReconcilePagesAndFinishes(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	runAt := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	bid := e.lockedBroadcast(t, runAt)
	e.status(t, model.MessageStatus{Phone: "+15550000001", Message: "one", BroadcastID: &bid, ProviderID: "m-1"})
	e.status(t, model.MessageStatus{Phone: "+15550000002", Message: "one", BroadcastID: &bid})

	delivered := runAt.Add(time.Minute)
	e.prov.Pages[""] = provider.DeliveryPage{
		Records: []provider.DeliveryRecord{
			{ID: "m-1", To: "+15550000001", Status: "delivered", DeliveredAt: &delivered},
			{ID: "x-9", To: "5550000002", Status: "failed", ConversationID: "conv-2"},
			{ID: "zz", To: "+15559999999", Status: "delivered"},
		},
		NextPageToken: "p2",
	}
	e.prov.Pages["p2"] = provider.DeliveryPage{
		Records: []provider.DeliveryRecord{{ID: "m-1", To: "+15550000001", Status: "undelivered"}},
	}

	target := scheduler.Target{Op: scheduler.OpReconcile, BroadcastID: bid, Final: true}
	_ = e.sched.Schedule(ctx, scheduler.NameReconcile, "@every 1m", target)

	r := e.reconciler()
	res, err := r.Reconcile(ctx, scheduler.NameReconcile, target)
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	if res.Applied != 2 || res.Skipped != 1 || res.Done {
		t.Fatalf("first page = %+v", res)
	}
	b, _ := e.broadcasts.GetByID(ctx, bid)
	if b.ReconcileToken != "p2" {
		t.Fatalf("token = %q", b.ReconcileToken)
	}

	res, err = r.Reconcile(ctx, scheduler.NameReconcile, target)
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if res.Applied != 0 || !res.Done {
		t.Fatalf("second page = %+v", res)
	}
	if got := e.prov.PageCalls; len(got) != 2 || got[0] != "" || got[1] != "p2" {
		t.Fatalf("page calls = %v", got)
	}

	rows, _ := e.statuses.ListByOwner(ctx, model.Owner{BroadcastID: bid})
	if rows[0].Status != model.StatusDelivered || rows[0].DeliveredAt == nil {
		t.Fatalf("row 1 = %+v; finalized status must not be overwritten", rows[0])
	}
	if rows[1].Status != model.StatusFailed || rows[1].ProviderID != "x-9" || rows[1].ConversationID != "conv-2" {
		t.Fatalf("row 2 = %+v", rows[1])
	}

	names, _ := e.sched.ActiveJobNames(ctx)
	if len(names) != 1 || names[0] != scheduler.NameHandleFailed {
		t.Fatalf("jobs = %v", names)
	}
	b, _ = e.broadcasts.GetByID(ctx, bid)
	if b.ReconcileToken != "" {
		t.Fatalf("token not cleared: %q", b.ReconcileToken)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	bid := e.lockedBroadcast(t, time.Now())
	e.status(t, model.MessageStatus{Phone: "+15550000001", Message: "one", BroadcastID: &bid, ProviderID: "m-1"})
	e.prov.Pages[""] = provider.DeliveryPage{Records: []provider.DeliveryRecord{{ID: "m-1", To: "+15550000001", Status: "undelivered"}}}

	r := e.reconciler()
	target := scheduler.Target{Op: scheduler.OpReconcile, BroadcastID: bid}
	first, _ := r.Reconcile(ctx, scheduler.NameReconcile, target)
	second, _ := r.Reconcile(ctx, scheduler.NameReconcile, target)
	if first.Applied != 1 || second.Applied != 0 {
		t.Fatalf("applied %d then %d", first.Applied, second.Applied)
	}
	if ok, _ := scheduler.HasAny(ctx, e.sched, scheduler.NameHandleFailed); ok {
		t.Fatal("non-final pass scheduled escalation")
	}
}

func TestDelayedPassWaitsForFirstPass(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	bid := e.lockedBroadcast(t, time.Now())
	_ = e.sched.Schedule(ctx, scheduler.NameReconcile, "@every 1m", scheduler.Target{Op: scheduler.OpReconcile, BroadcastID: bid})

	res, err := e.reconciler().Reconcile(ctx, scheduler.NameDelayReconcile, scheduler.Target{Op: scheduler.OpReconcile, BroadcastID: bid, Final: true})
	if err != nil || !res.Waiting {
		t.Fatalf("res = %+v, %v", res, err)
	}
	if len(e.prov.PageCalls) != 0 {
		t.Fatal("delayed pass fetched while first pass registered")
	}
}

func TestReconcileCampaignUsesCampaignToken(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	runAt := time.Now().Add(-time.Hour)
	cid, err := e.campaigns.Insert(ctx, nil, model.Campaign{Title: "c", FirstMessage: "hey", RunAt: &runAt})
	if err != nil {
		t.Fatal(err)
	}
	e.status(t, model.MessageStatus{Phone: "+15550000001", Message: "hey", CampaignID: &cid, ProviderID: "m-1"})
	e.prov.Pages[""] = provider.DeliveryPage{
		Records:       []provider.DeliveryRecord{{ID: "m-1", To: "+15550000001", Status: "delivered"}},
		NextPageToken: "next",
	}

	res, err := e.reconciler().Reconcile(ctx, scheduler.ReconcileCampaignName(cid), scheduler.Target{Op: scheduler.OpReconcile, CampaignID: cid})
	if err != nil || res.Applied != 1 {
		t.Fatalf("res = %+v, %v", res, err)
	}
	c, _ := e.campaigns.GetByID(ctx, cid)
	if c.ReconcileToken != "next" {
		t.Fatalf("campaign token = %q", c.ReconcileToken)
	}
}

func (e *env) escalator() *Escalator {
	return &Escalator{
		DB:             e.db,
		Provider:       e.prov,
		Statuses:       e.statuses,
		Authors:        e.authors,
		Scheduler:      e.sched,
		Cursors:        repository.NewSettingsRepository(e.db),
		Log:            zap.NewNop(),
		ClosingLabelID: "closed-by-bot",
		ClosingNotice:  "bye",
		FlushEvery:     5,
	}
}

func (e *env) failing(t *testing.T, bid int64, phone, conv string, n int) []int64 {
	t.Helper()
	var ids []int64
	for i := 0; i < n; i++ {
		ids = append(ids, e.status(t, model.MessageStatus{
			Phone: phone, Message: "one", BroadcastID: &bid, ConversationID: conv, Status: model.StatusUndelivered,
		}))
	}
	return ids
}

func TestEscalatorClosesChronicFailures(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	bid := e.lockedBroadcast(t, time.Now())
	ids := e.failing(t, bid, "+15550000001", "c1", 3)
	e.failing(t, bid, "+15550000002", "c2", 2)
	e.status(t, model.MessageStatus{Phone: "+15550000002", Message: "one", BroadcastID: &bid, Status: model.StatusDelivered})
	_ = e.sched.Schedule(ctx, scheduler.NameHandleFailed, "@every 1m", scheduler.Target{Op: scheduler.OpHandleFailed})

	res, err := e.escalator().HandleFailedDeliveries(ctx)
	if err != nil {
		t.Fatalf("escalate: %v", err)
	}
	if res.Closed != 1 || res.Failed != 0 {
		t.Fatalf("res = %+v", res)
	}
	if len(e.prov.Posts) != 1 || e.prov.Posts[0] != (testutil.Post{ConversationID: "c1", Text: "bye", LabelID: "closed-by-bot"}) {
		t.Fatalf("posts = %+v", e.prov.Posts)
	}
	a, _ := e.authors.Get(ctx, "+15550000001")
	if a == nil || !a.Excluded {
		t.Fatalf("author = %+v", a)
	}
	rows, _ := e.statuses.ListByOwner(ctx, model.Owner{BroadcastID: bid})
	closed := 0
	for _, r := range rows {
		if r.Closed {
			closed++
			if r.Phone != "+15550000001" {
				t.Fatalf("closed wrong row %+v", r)
			}
		}
	}
	if closed != len(ids) {
		t.Fatalf("closed rows = %d, want %d", closed, len(ids))
	}

	res, err = e.escalator().HandleFailedDeliveries(ctx)
	if err != nil || !res.Done {
		t.Fatalf("second run = %+v, %v", res, err)
	}
	if ok, _ := scheduler.HasAny(ctx, e.sched, scheduler.NameHandleFailed); ok {
		t.Fatal("escalator still scheduled with no candidates")
	}
}

func TestEscalatorContinuesPastPostErrors(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	bid := e.lockedBroadcast(t, time.Now())
	for i := 1; i <= 7; i++ {
		e.failing(t, bid, fmt.Sprintf("+1555000000%d", i), fmt.Sprintf("c%d", i), 3)
	}
	e.prov.PostErrs["c3"] = errors.New("provider 500")

	res, err := e.escalator().HandleFailedDeliveries(ctx)
	if err != nil {
		t.Fatalf("escalate: %v", err)
	}
	if res.Closed != 6 || res.Failed != 1 {
		t.Fatalf("res = %+v", res)
	}
	a, _ := e.authors.Get(ctx, "+15550000003")
	if a != nil && a.Excluded {
		t.Fatal("recipient with failed post was excluded")
	}
	a, _ = e.authors.Get(ctx, "+15550000007")
	if a == nil || !a.Excluded {
		t.Fatal("recipient after the failure was not processed")
	}
}

func TestEscalatorResumesPastFailingRecipients(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	bid := e.lockedBroadcast(t, time.Now())
	for i := 1; i <= 3; i++ {
		e.failing(t, bid, fmt.Sprintf("+1555000000%d", i), fmt.Sprintf("c%d", i), 3)
	}
	e.prov.PostErrs["c1"] = testutil.Status(500)
	e.prov.PostErrs["c2"] = testutil.Status(500)
	_ = e.sched.Schedule(ctx, scheduler.NameHandleFailed, "@every 1m", scheduler.Target{Op: scheduler.OpHandleFailed})

	esc := e.escalator()
	esc.BatchSize = 2

	res, err := esc.HandleFailedDeliveries(ctx)
	if err != nil || res.Failed != 2 || res.Closed != 0 {
		t.Fatalf("first run = %+v, %v", res, err)
	}
	res, err = esc.HandleFailedDeliveries(ctx)
	if err != nil || res.Closed != 1 {
		t.Fatalf("second run = %+v, %v", res, err)
	}
	if a, _ := e.authors.Get(ctx, "+15550000003"); a == nil || !a.Excluded {
		t.Fatal("recipient behind failing ones was never reached")
	}

	// the list wraps around to retry the failures
	res, err = esc.HandleFailedDeliveries(ctx)
	if err != nil || res.Failed != 2 || res.Done {
		t.Fatalf("third run = %+v, %v", res, err)
	}
	if ok, _ := scheduler.HasAny(ctx, e.sched, scheduler.NameHandleFailed); !ok {
		t.Fatal("escalator unscheduled while candidates remain")
	}
}

func TestEscalatorClosesGoneConversations(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	bid := e.lockedBroadcast(t, time.Now())
	ids := e.failing(t, bid, "+15550000001", "c1", 3)
	e.prov.PostErrs["c1"] = testutil.Status(404)
	_ = e.sched.Schedule(ctx, scheduler.NameHandleFailed, "@every 1m", scheduler.Target{Op: scheduler.OpHandleFailed})

	res, err := e.escalator().HandleFailedDeliveries(ctx)
	if err != nil || res.Closed != 1 || res.Failed != 0 {
		t.Fatalf("run = %+v, %v", res, err)
	}
	if a, _ := e.authors.Get(ctx, "+15550000001"); a == nil || !a.Excluded {
		t.Fatal("author with a deleted conversation was not excluded")
	}
	rows, _ := e.statuses.ListByOwner(ctx, model.Owner{BroadcastID: bid})
	for _, r := range rows {
		if !r.Closed {
			t.Fatalf("row %d not closed (ids %v)", r.ID, ids)
		}
	}

	res, err = e.escalator().HandleFailedDeliveries(ctx)
	if err != nil || !res.Done {
		t.Fatalf("second run = %+v, %v", res, err)
	}
}

func TestEscalatorStopsWhenRateLimited(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	bid := e.lockedBroadcast(t, time.Now())
	e.failing(t, bid, "+15550000001", "c1", 3)
	e.failing(t, bid, "+15550000002", "c2", 3)
	e.prov.PostErrs["c1"] = testutil.Status(429)

	res, err := e.escalator().HandleFailedDeliveries(ctx)
	if err != nil || res.Failed != 1 || res.Closed != 0 {
		t.Fatalf("run = %+v, %v", res, err)
	}
	if len(e.prov.Posts) != 0 {
		t.Fatalf("kept posting after 429: %+v", e.prov.Posts)
	}

	delete(e.prov.PostErrs, "c1")
	res, err = e.escalator().HandleFailedDeliveries(ctx)
	if err != nil || res.Closed != 2 {
		t.Fatalf("retry run = %+v, %v", res, err)
	}
}

func TestEscalatorRequiresClosingLabel(t *testing.T) {
	e := newEnv(t)
	bid := e.lockedBroadcast(t, time.Now())
	e.failing(t, bid, "+15550000001", "c1", 3)
	esc := e.escalator()
	esc.ClosingLabelID = ""

	_, err := esc.HandleFailedDeliveries(context.Background())
	if !errors.Is(err, ErrNoClosingLabel) || !errors.Is(err, apperr.ErrConfig) {
		t.Fatalf("err = %v", err)
	}
	if len(e.prov.Posts) != 0 {
		t.Fatal("posted without config")
	}
}

type fakeSource struct {
	msgs      []kafka.Message
	committed []int64
	cancel    context.CancelFunc
}

func (f *fakeSource) Fetch(ctx context.Context) (kafka.Message, error) {
	if len(f.msgs) == 0 {
		f.cancel()
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := f.msgs[0]
	f.msgs = f.msgs[1:]
	return m, nil
}

func (f *fakeSource) Commit(_ context.Context, m kafka.Message) error {
	f.committed = append(f.committed, m.Offset)
	return nil
}

func TestEventsCancelPendingSecondStage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e := newEnv(t)
	bid := e.lockedBroadcast(t, time.Now())
	q := jobqueue.NewMemory(nil)
	_ = q.Send(ctx, jobqueue.Second, "J1-2", []byte(`{}`), time.Hour)
	_ = q.Send(ctx, jobqueue.Second, "J2-2", []byte(`{}`), time.Hour)
	e.status(t, model.MessageStatus{Phone: "+15550000001", Message: "one", BroadcastID: &bid, SecondJobID: "J1-2"})
	e.status(t, model.MessageStatus{Phone: "+15550000002", Message: "one", BroadcastID: &bid, SecondJobID: "J2-2"})

	src := &fakeSource{cancel: cancel, msgs: []kafka.Message{
		{Offset: 1, Value: []byte(`{"type":"unsubscribed","phone_number":"+1 555 000 0001"}`)},
		{Offset: 2, Value: []byte(`not json`)},
		{Offset: 3, Value: []byte(`{"type":"replied","phone_number":"+15550000002","at":"2026-05-04T10:00:00Z"}`)},
	}}
	w := &Events{Source: src, Authors: e.authors, Statuses: e.statuses, Queue: q, Log: zap.NewNop(), DefaultCC: "1"}

	if err := w.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(src.committed) != 3 {
		t.Fatalf("committed = %v", src.committed)
	}
	if n, _ := q.Len(context.Background(), jobqueue.Second); n != 0 {
		t.Fatalf("second queue still holds %d jobs", n)
	}
	rows, _ := e.statuses.ListByOwner(context.Background(), model.Owner{BroadcastID: bid})
	for _, r := range rows {
		if r.SecondJobID != "" {
			t.Fatalf("second job id not cleared: %+v", r)
		}
	}
	a, _ := e.authors.Get(context.Background(), "+15550000001")
	if a == nil || !a.Unsubscribed {
		t.Fatalf("author 1 = %+v", a)
	}
	a, _ = e.authors.Get(context.Background(), "+15550000002")
	if a == nil || a.LastRepliedAt == nil || a.Unsubscribed {
		t.Fatalf("author 2 = %+v", a)
	}

	if err := w.Handle(context.Background(), model.RecipientEvent{Type: model.EventResubscribed, Phone: "+15550000001"}); err != nil {
		t.Fatal(err)
	}
	a, _ = e.authors.Get(context.Background(), "+15550000001")
	if a.Unsubscribed {
		t.Fatal("resubscribe not applied")
	}
}
