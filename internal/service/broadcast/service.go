// Package broadcast owns the broadcast lifecycle: the editable draft, the atomic
// lock-and-enqueue of a cycle, and the draft for the cycle after it.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmehdipour/sms-broadcast/internal/apperr"
	"github.com/jmehdipour/sms-broadcast/internal/jobqueue"
	"github.com/jmehdipour/sms-broadcast/internal/lock"
	"github.com/jmehdipour/sms-broadcast/internal/model"
	"github.com/jmehdipour/sms-broadcast/internal/repository"
	"github.com/jmehdipour/sms-broadcast/internal/scheduler"
	"github.com/jmehdipour/sms-broadcast/internal/segment"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

var (
	ErrBroadcastRunning = apperr.NewConflict("broadcast_running")
	ErrBroadcastLocked  = apperr.NewConflict("broadcast_locked")
	ErrSendNowTooClose  = apperr.NewConflict("send_now_too_close")
	ErrNotEditable      = apperr.NewConflict("not_editable")
	ErrNoEditable       = fmt.Errorf("%w: no editable broadcast", apperr.ErrNotFound)
)

const lifecycleLock = "broadcast:lifecycle"

// Resolver resolves a broadcast's weighted segments into recipients.
type Resolver interface {
	ForBroadcast(ctx context.Context, b model.Broadcast, segs []model.BroadcastSegment) ([]segment.Recipient, error)
}

// Enqueuer writes jobs through the outbox and relays them.
type Enqueuer interface {
	Enqueue(ctx context.Context, tx *sqlx.Tx, queue string, jobs []model.Job) ([]string, error)
	Relay(ctx context.Context) (int, error)
	EnsureDispatch(ctx context.Context, isSecond bool) error
}

type Config struct {
	Location       *time.Location
	SendNowMinLead time.Duration // default 90m
	LockTTL        time.Duration
	InvokeRetry    time.Duration
	SendInterval   time.Duration // provider spacing, sizes the reconcile start
	ReconcileSpec  string
}

type Service struct {
	db         *sqlx.DB
	broadcasts repository.BroadcastsRepository
	settings   repository.SettingsRepository
	resolver   Resolver
	queue      Enqueuer
	sched      scheduler.Scheduler
	locker     lock.Locker
	log        *zap.Logger
	cfg        Config
	now        func() time.Time
}

func New(
	db *sqlx.DB,
	broadcasts repository.BroadcastsRepository,
	settings repository.SettingsRepository,
	resolver Resolver,
	q Enqueuer,
	sched scheduler.Scheduler,
	locker lock.Locker,
	log *zap.Logger,
	cfg Config,
) *Service {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.SendNowMinLead <= 0 {
		cfg.SendNowMinLead = 90 * time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}
	if cfg.InvokeRetry <= 0 {
		cfg.InvokeRetry = 5 * time.Minute
	}
	if cfg.SendInterval <= 0 {
		cfg.SendInterval = time.Second
	}
	if cfg.ReconcileSpec == "" {
		cfg.ReconcileSpec = "@every 1m"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		db:         db,
		broadcasts: broadcasts,
		settings:   settings,
		resolver:   resolver,
		queue:      q,
		sched:      sched,
		locker:     locker,
		log:        log,
		cfg:        cfg,
		now:        time.Now,
	}
}

// Result describes one locked cycle.
type Result struct {
	BroadcastID int64      `json:"broadcast_id"`
	Enqueued    int        `json:"enqueued"`
	NextID      int64      `json:"next_broadcast_id"`
	NextRunAt   *time.Time `json:"next_run_at"`
}

// Make locks the editable broadcast, enqueues its first-stage jobs and creates the next
// cycle's draft scheduled at the next active weekly slot.
func (s *Service) Make(ctx context.Context) (Result, error) {
	return s.run(ctx, false)
}

// SendNow is Make for a draft whose scheduled run is far enough away. The next draft is a
// copy of the current one, keeping its schedule.
func (s *Service) SendNow(ctx context.Context) (Result, error) {
	return s.run(ctx, true)
}

func (s *Service) run(ctx context.Context, sendNow bool) (Result, error) {
	var res Result

	release, err := s.locker.Acquire(ctx, lifecycleLock, s.cfg.LockTTL)
	if errors.Is(err, lock.ErrLocked) {
		return res, ErrBroadcastRunning
	}
	if err != nil {
		return res, fmt.Errorf("acquire lifecycle lock: %w", err)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.log.Warn("release lifecycle lock", zap.Error(err))
		}
	}()

	busy, err := scheduler.HasAny(ctx, s.sched, scheduler.RunningIndicators...)
	if err != nil {
		return res, fmt.Errorf("check running jobs: %w", err)
	}
	if busy {
		return res, ErrBroadcastRunning
	}

	b, err := s.broadcasts.GetEditable(ctx)
	if err != nil {
		return res, err
	}
	if b == nil {
		return res, ErrNoEditable
	}
	now := s.now()
	if sendNow && b.RunAt != nil && b.RunAt.Sub(now) <= s.cfg.SendNowMinLead {
		return res, ErrSendNowTooClose
	}

	segs, err := s.broadcasts.Segments(ctx, b.ID)
	if err != nil {
		return res, fmt.Errorf("load segments: %w", err)
	}
	recipients, err := s.resolver.ForBroadcast(ctx, *b, segs)
	if err != nil {
		return res, err
	}
	jobs := make([]model.Job, 0, len(recipients))
	for _, r := range recipients {
		jobs = append(jobs, model.Job{
			Phone:         r.Phone,
			FirstMessage:  b.FirstMessage,
			SecondMessage: b.SecondMessage,
			BroadcastID:   b.ID,
			SegmentID:     r.SegmentID,
			DelaySeconds:  b.DelaySeconds,
			CreatedAt:     now.UTC(),
		})
	}

	var nextRunAt *time.Time
	if sendNow {
		nextRunAt = b.RunAt
	} else {
		slots, err := s.settings.ActiveSlots(ctx)
		if err != nil {
			return res, fmt.Errorf("load time slots: %w", err)
		}
		if nextRunAt, err = NextSlot(now, slots, s.cfg.Location); err != nil {
			return res, apperr.Configf("time slots: %v", err)
		}
	}
	next := b.NextCycle(nextRunAt)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer func() { _ = tx.Rollback() }()

	ok, err := s.broadcasts.Lock(ctx, tx, b.ID, now)
	if err != nil {
		return res, fmt.Errorf("lock broadcast: %w", err)
	}
	if !ok {
		return res, ErrBroadcastLocked
	}
	if _, err := s.queue.Enqueue(ctx, tx, jobqueue.First, jobs); err != nil {
		return res, err
	}
	nextID, err := s.broadcasts.Insert(ctx, tx, next, segs)
	if err != nil {
		return res, fmt.Errorf("insert next cycle: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}

	res = Result{BroadcastID: b.ID, Enqueued: len(jobs), NextID: nextID, NextRunAt: nextRunAt}
	s.log.Info("broadcast locked",
		zap.Int64("broadcast_id", b.ID),
		zap.Bool("send_now", sendNow),
		zap.Int("enqueued", len(jobs)),
		zap.Int64("next_broadcast_id", nextID),
	)

	// Committed state is authoritative from here; follow-up failures are retried by the
	// periodic relay and the scheduler.
	s.afterCommit(ctx, *b, now, len(jobs), nextID, nextRunAt)
	return res, nil
}

func (s *Service) afterCommit(ctx context.Context, b model.Broadcast, now time.Time, n int, nextID int64, nextRunAt *time.Time) {
	log := s.log.With(zap.Int64("broadcast_id", b.ID))

	if n > 0 {
		if _, err := s.queue.Relay(ctx); err != nil {
			log.Warn("outbox relay after lock failed", zap.Error(err))
		}
		if err := s.queue.EnsureDispatch(ctx, false); err != nil {
			log.Warn("schedule dispatch", zap.Error(err))
		}
		for _, j := range s.reconcileJobs(b, now, n) {
			if err := s.sched.Schedule(ctx, j.Name, j.Spec, j.Target); err != nil {
				log.Warn("schedule reconcile", zap.String("job", j.Name), zap.Error(err))
			}
		}
	}

	if err := s.programInvoke(ctx, nextID, nextRunAt); err != nil {
		log.Warn("program next invoke", zap.Error(err))
	}
}

// reconcileJobs sizes the reconcile start to the time the stage needs at the provider rate.
// With a second message a delayed final pass covers the second stage.
func (s *Service) reconcileJobs(b model.Broadcast, now time.Time, n int) []scheduler.Definition {
	stage := time.Duration(n) * s.cfg.SendInterval
	first := scheduler.Target{Op: scheduler.OpReconcile, BroadcastID: b.ID, NotBefore: scheduler.Ptr(now.Add(stage))}
	if strings.TrimSpace(b.SecondMessage) == "" {
		first.Final = true
		return []scheduler.Definition{{Name: scheduler.NameReconcile, Spec: s.cfg.ReconcileSpec, Target: first}}
	}
	delay := time.Duration(b.DelaySeconds) * time.Second
	final := scheduler.Target{
		Op:          scheduler.OpReconcile,
		BroadcastID: b.ID,
		Final:       true,
		NotBefore:   scheduler.Ptr(now.Add(stage + delay + stage)),
	}
	return []scheduler.Definition{
		{Name: scheduler.NameReconcile, Spec: s.cfg.ReconcileSpec, Target: first},
		{Name: scheduler.NameDelayReconcile, Spec: s.cfg.ReconcileSpec, Target: final},
	}
}

// programInvoke points invoke-broadcast at the draft's run time, or removes it.
func (s *Service) programInvoke(ctx context.Context, id int64, runAt *time.Time) error {
	if runAt == nil {
		return s.sched.Unschedule(ctx, scheduler.NameInvokeBroadcast)
	}
	return s.sched.Schedule(ctx, scheduler.NameInvokeBroadcast, scheduler.At(*runAt, s.cfg.Location), scheduler.Target{
		Op:          scheduler.OpInvokeBroadcast,
		BroadcastID: id,
		RunAt:       runAt,
	})
}

// Patch edits a broadcast while it is editable and reprograms its invocation when the
// run time changes.
func (s *Service) Patch(ctx context.Context, id int64, p model.BroadcastPatch) (*model.Broadcast, error) {
	now := s.now()
	if err := validatePatch(p, now); err != nil {
		return nil, err
	}
	cur, err := s.broadcasts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, fmt.Errorf("%w: broadcast %d", apperr.ErrNotFound, id)
	}
	if !cur.Editable {
		return nil, ErrNotEditable
	}
	if p.Empty() {
		return cur, nil
	}

	ok, err := s.broadcasts.Update(ctx, nil, id, p, now)
	if err != nil {
		return nil, fmt.Errorf("update broadcast: %w", err)
	}
	if !ok {
		return nil, ErrNotEditable
	}
	updated, err := s.broadcasts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if p.RunAt != nil || p.ClearRunAt {
		if err := s.programInvoke(ctx, id, updated.RunAt); err != nil {
			return updated, fmt.Errorf("program invoke: %w", err)
		}
	}
	return updated, nil
}

func validatePatch(p model.BroadcastPatch, now time.Time) error {
	var problems []string
	if p.FirstMessage != nil && strings.TrimSpace(*p.FirstMessage) == "" {
		problems = append(problems, "first_message must not be empty")
	}
	if p.RunAt != nil && p.ClearRunAt {
		problems = append(problems, "run_at and clear_run_at are exclusive")
	}
	if p.RunAt != nil && !p.RunAt.After(now) {
		problems = append(problems, "run_at must be in the future")
	}
	if p.DelaySeconds != nil && *p.DelaySeconds < 0 {
		problems = append(problems, "delay_seconds must be >= 0")
	}
	if p.NoUsers != nil && *p.NoUsers < 0 {
		problems = append(problems, "no_users must be >= 0")
	}
	for _, sg := range p.Segments {
		if sg.Ratio < 0 || sg.Ratio > 100 {
			problems = append(problems, fmt.Sprintf("segment %d ratio must be within 0..100", sg.SegmentID))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", apperr.ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// Invoke handles the invoke-broadcast job. A busy pipeline pushes the invocation back by
// InvokeRetry instead of failing.
func (s *Service) Invoke(ctx context.Context, t scheduler.Target) error {
	cur, err := s.broadcasts.GetEditable(ctx)
	if err != nil {
		return err
	}
	if cur == nil || cur.ID != t.BroadcastID {
		s.log.Info("stale invoke-broadcast target, skipping", zap.Int64("broadcast_id", t.BroadcastID))
		return nil
	}

	_, err = s.Make(ctx)
	if errors.Is(err, ErrBroadcastRunning) {
		retryAt := s.now().Add(s.cfg.InvokeRetry)
		s.log.Info("pipeline busy, retrying invoke later", zap.Int64("broadcast_id", cur.ID), zap.Time("retry_at", retryAt))
		return s.sched.Schedule(ctx, scheduler.NameInvokeBroadcast, scheduler.At(retryAt, s.cfg.Location), scheduler.Target{
			Op:          scheduler.OpInvokeBroadcast,
			BroadcastID: cur.ID,
			RunAt:       cur.RunAt,
		})
	}
	return err
}

// Editable returns the current draft.
func (s *Service) Editable(ctx context.Context) (*model.Broadcast, error) {
	b, err := s.broadcasts.GetEditable(ctx)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, ErrNoEditable
	}
	return b, nil
}
