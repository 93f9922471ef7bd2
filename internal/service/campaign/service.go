// Package campaign runs ad-hoc two-stage campaigns against a segment expression or an
// uploaded recipient file.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmehdipour/sms-broadcast/internal/apperr"
	"github.com/jmehdipour/sms-broadcast/internal/jobqueue"
	"github.com/jmehdipour/sms-broadcast/internal/model"
	"github.com/jmehdipour/sms-broadcast/internal/repository"
	"github.com/jmehdipour/sms-broadcast/internal/scheduler"
	"github.com/jmehdipour/sms-broadcast/internal/segment"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

var ErrProcessed = apperr.NewConflict("campaign_processed")

type Resolver interface {
	ForCampaign(ctx context.Context, c model.Campaign) ([]segment.Recipient, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, tx *sqlx.Tx, queue string, jobs []model.Job) ([]string, error)
	Relay(ctx context.Context) (int, error)
	EnsureDispatch(ctx context.Context, isSecond bool) error
}

type Config struct {
	Location      *time.Location
	SendInterval  time.Duration
	ReconcileSpec string
}

type Service struct {
	db        *sqlx.DB
	campaigns repository.CampaignsRepository
	resolver  Resolver
	queue     Enqueuer
	sched     scheduler.Scheduler
	log       *zap.Logger
	cfg       Config
	now       func() time.Time
}

func New(
	db *sqlx.DB,
	campaigns repository.CampaignsRepository,
	resolver Resolver,
	q Enqueuer,
	sched scheduler.Scheduler,
	log *zap.Logger,
	cfg Config,
) *Service {
	if cfg.Location == nil {
		cfg.Location = time.UTC
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
		db:        db,
		campaigns: campaigns,
		resolver:  resolver,
		queue:     q,
		sched:     sched,
		log:       log,
		cfg:       cfg,
		now:       time.Now,
	}
}

type Result struct {
	CampaignID int64 `json:"campaign_id"`
	Enqueued   int   `json:"enqueued"`
}

func (s *Service) get(ctx context.Context, id int64) (*model.Campaign, error) {
	c, err := s.campaigns.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("%w: campaign %d", apperr.ErrNotFound, id)
	}
	return c, nil
}

// Run resolves the campaign's recipients, claims the campaign and enqueues its first-stage
// jobs in one transaction. A campaign runs at most once.
func (s *Service) Run(ctx context.Context, id int64) (Result, error) {
	var res Result
	c, err := s.get(ctx, id)
	if err != nil {
		return res, err
	}
	if c.Processed {
		return res, ErrProcessed
	}

	recipients, err := s.resolver.ForCampaign(ctx, *c)
	if err != nil {
		return res, err
	}
	now := s.now()
	jobs := make([]model.Job, 0, len(recipients))
	for _, r := range recipients {
		jobs = append(jobs, model.Job{
			Phone:         r.Phone,
			FirstMessage:  c.FirstMessage,
			SecondMessage: c.SecondMessage,
			CampaignID:    c.ID,
			SegmentID:     r.SegmentID,
			DelaySeconds:  c.DelaySeconds,
			CreatedAt:     now.UTC(),
		})
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer func() { _ = tx.Rollback() }()

	ok, err := s.campaigns.MarkProcessed(ctx, tx, c.ID)
	if err != nil {
		return res, fmt.Errorf("mark campaign processed: %w", err)
	}
	if !ok {
		return res, ErrProcessed
	}
	if _, err := s.queue.Enqueue(ctx, tx, jobqueue.First, jobs); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}

	res = Result{CampaignID: c.ID, Enqueued: len(jobs)}
	log := s.log.With(zap.Int64("campaign_id", c.ID))
	log.Info("campaign enqueued", zap.Int("enqueued", len(jobs)))

	if err := s.sched.Unschedule(ctx, scheduler.InvokeCampaignName(c.ID)); err != nil {
		log.Warn("unschedule campaign invoke", zap.Error(err))
	}
	if len(jobs) == 0 {
		return res, nil
	}
	if _, err := s.queue.Relay(ctx); err != nil {
		log.Warn("outbox relay after campaign run failed", zap.Error(err))
	}
	if err := s.queue.EnsureDispatch(ctx, false); err != nil {
		log.Warn("schedule dispatch", zap.Error(err))
	}
	def := s.reconcileJob(*c, now, len(jobs))
	if err := s.sched.Schedule(ctx, def.Name, def.Spec, def.Target); err != nil {
		log.Warn("schedule campaign reconcile", zap.Error(err))
	}
	return res, nil
}

// reconcileJob is a single final pass that starts once both stages should have been sent.
func (s *Service) reconcileJob(c model.Campaign, now time.Time, n int) scheduler.Definition {
	wait := time.Duration(n) * s.cfg.SendInterval
	if strings.TrimSpace(c.SecondMessage) != "" {
		wait = 2*wait + time.Duration(c.DelaySeconds)*time.Second
	}
	runAt := now
	if c.RunAt != nil && c.RunAt.Before(now) {
		runAt = *c.RunAt
	}
	return scheduler.Definition{
		Name: scheduler.ReconcileCampaignName(c.ID),
		Spec: s.cfg.ReconcileSpec,
		Target: scheduler.Target{
			Op:         scheduler.OpReconcile,
			CampaignID: c.ID,
			RunAt:      scheduler.Ptr(runAt),
			Final:      true,
			NotBefore:  scheduler.Ptr(now.Add(wait)),
		},
	}
}

// Schedule registers invoke-campaign-<id> at the campaign's run time.
func (s *Service) Schedule(ctx context.Context, id int64) error {
	c, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if c.Processed {
		return ErrProcessed
	}
	if c.RunAt == nil || !c.Mutable(s.now()) {
		return fmt.Errorf("%w: campaign %d has no future run_at", apperr.ErrInvalid, id)
	}
	return s.sched.Schedule(ctx, scheduler.InvokeCampaignName(c.ID), scheduler.At(*c.RunAt, s.cfg.Location), scheduler.Target{
		Op:         scheduler.OpInvokeCampaign,
		CampaignID: c.ID,
		RunAt:      c.RunAt,
	})
}

// Invoke handles a scheduled invoke-campaign job.
func (s *Service) Invoke(ctx context.Context, name string, t scheduler.Target) error {
	_, err := s.Run(ctx, t.CampaignID)
	if errors.Is(err, ErrProcessed) || errors.Is(err, apperr.ErrNotFound) {
		s.log.Info("campaign already handled, dropping invoke", zap.String("job", name), zap.Int64("campaign_id", t.CampaignID))
		return s.sched.Unschedule(ctx, name)
	}
	return err
}
