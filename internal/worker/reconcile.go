package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/jmehdipour/sms-broadcast/internal/apperr"
	"github.com/jmehdipour/sms-broadcast/internal/metrics"
	"github.com/jmehdipour/sms-broadcast/internal/model"
	"github.com/jmehdipour/sms-broadcast/internal/provider"
	"github.com/jmehdipour/sms-broadcast/internal/ratelimit"
	"github.com/jmehdipour/sms-broadcast/internal/repository"
	"github.com/jmehdipour/sms-broadcast/internal/scheduler"
	"github.com/jmehdipour/sms-broadcast/internal/util"
	"go.uber.org/zap"
)

// Reconciler applies one page of provider delivery records per invocation, resuming from
// the page token stored on the owning broadcast or campaign.
type Reconciler struct {
	Provider     provider.Client
	Statuses     repository.MessageStatusesRepository
	Broadcasts   repository.BroadcastsRepository
	Campaigns    repository.CampaignsRepository
	Scheduler    scheduler.Scheduler
	Limiter      *ratelimit.Limiter
	Events       repository.DeliveryEventsRepository // optional analytics sink
	Log          *zap.Logger
	EscalateSpec string
	DefaultCC    string
	Now          func() time.Time
}

type ReconcileResult struct {
	Applied int
	Skipped int
	Done    bool // no next page; the job unscheduled itself
	Waiting bool // delayed pass deferred to the first pass
}

type reconcileOwner struct {
	model.Owner
	runAt *time.Time
	token string
}

// Reconcile handles one fire of the job name for t's broadcast or campaign.
func (r *Reconciler) Reconcile(ctx context.Context, name string, t scheduler.Target) (ReconcileResult, error) {
	var res ReconcileResult
	log := r.Log.With(zap.String("job", name), zap.Int64("broadcast_id", t.BroadcastID), zap.Int64("campaign_id", t.CampaignID))

	if name == scheduler.NameDelayReconcile {
		busy, err := scheduler.HasAny(ctx, r.Scheduler, scheduler.NameReconcile)
		if err != nil {
			return res, err
		}
		if busy {
			res.Waiting = true
			return res, nil
		}
	}

	o, err := r.owner(ctx, t)
	if err != nil {
		return res, err
	}
	if o == nil {
		log.Warn("reconcile target no longer exists, unscheduling")
		return ReconcileResult{Done: true}, r.Scheduler.Unschedule(ctx, name)
	}
	// an explicit target time wins over the owner's scheduled run time
	sentAfter := o.runAt
	if t.RunAt != nil {
		sentAfter = t.RunAt
	}
	if sentAfter == nil {
		return res, apperr.Configf("reconcile %s: owner has no run time", name)
	}

	if r.Limiter != nil {
		if err := r.Limiter.Wait(ctx); err != nil {
			return res, err
		}
	}
	page, err := r.Provider.DeliveryPage(ctx, *sentAfter, o.token)
	if err != nil {
		return res, fmt.Errorf("delivery page: %w", err)
	}

	events := make([]repository.DeliveryEvent, 0, len(page.Records))
	for _, rec := range page.Records {
		row, err := r.match(ctx, o.Owner, rec)
		if err != nil {
			return res, err
		}
		if row == nil || row.Status.Finalized() {
			res.Skipped++
			continue
		}
		status := model.ParseDeliveryStatus(rec.Status)
		ok, err := r.Statuses.UpdateDelivery(ctx, row.ID, model.DeliveryUpdate{
			Status:         status,
			DeliveredAt:    rec.DeliveredAt,
			ProviderID:     rec.ID,
			ConversationID: rec.ConversationID,
		})
		if err != nil {
			return res, fmt.Errorf("update status %d: %w", row.ID, err)
		}
		if !ok {
			res.Skipped++
			continue
		}
		res.Applied++
		metrics.ReconciledTotal.WithLabelValues(status.String()).Inc()
		events = append(events, repository.DeliveryEvent{
			ProviderID:   rec.ID,
			Phone:        row.Phone,
			BroadcastID:  o.BroadcastID,
			CampaignID:   o.CampaignID,
			Status:       status.String(),
			DeliveredAt:  rec.DeliveredAt,
			ReconciledAt: r.now().UTC(),
		})
	}
	if r.Events != nil && len(events) > 0 {
		if err := r.Events.Append(ctx, events); err != nil {
			log.Warn("delivery events append failed", zap.Error(err))
		}
	}

	if page.NextPageToken != "" {
		if err := r.setToken(ctx, o.Owner, page.NextPageToken); err != nil {
			return res, err
		}
		log.Debug("reconcile page applied", zap.Int("applied", res.Applied), zap.Int("skipped", res.Skipped))
		return res, nil
	}

	if err := r.setToken(ctx, o.Owner, ""); err != nil {
		return res, err
	}
	if err := r.Scheduler.Unschedule(ctx, name); err != nil {
		return res, err
	}
	if t.Final {
		spec := r.EscalateSpec
		if spec == "" {
			spec = "@every 1m"
		}
		if err := r.Scheduler.Schedule(ctx, scheduler.NameHandleFailed, spec, scheduler.Target{Op: scheduler.OpHandleFailed}); err != nil {
			return res, err
		}
	}
	res.Done = true
	log.Info("reconciliation finished", zap.Int("applied", res.Applied), zap.Bool("final", t.Final))
	return res, nil
}

// match prefers the row carrying the provider id, then the newest open row for the phone.
func (r *Reconciler) match(ctx context.Context, owner model.Owner, rec provider.DeliveryRecord) (*model.MessageStatus, error) {
	row, err := r.Statuses.FindByProviderID(ctx, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("find by provider id: %w", err)
	}
	if row != nil && row.Owner() == owner {
		return row, nil
	}
	phone := util.NormalizePhone(rec.To, r.DefaultCC)
	if phone == "" {
		return nil, nil
	}
	row, err = r.Statuses.LatestOpen(ctx, owner, phone)
	if err != nil {
		return nil, fmt.Errorf("latest open status: %w", err)
	}
	return row, nil
}

func (r *Reconciler) owner(ctx context.Context, t scheduler.Target) (*reconcileOwner, error) {
	o := model.Owner{BroadcastID: t.BroadcastID, CampaignID: t.CampaignID}
	if !o.Valid() {
		return nil, apperr.Configf("reconcile target needs exactly one of broadcast or campaign")
	}
	if o.IsCampaign() {
		c, err := r.Campaigns.GetByID(ctx, o.CampaignID)
		if err != nil || c == nil {
			return nil, err
		}
		return &reconcileOwner{Owner: o, runAt: c.RunAt, token: c.ReconcileToken}, nil
	}
	b, err := r.Broadcasts.GetByID(ctx, o.BroadcastID)
	if err != nil || b == nil {
		return nil, err
	}
	return &reconcileOwner{Owner: o, runAt: b.RunAt, token: b.ReconcileToken}, nil
}

func (r *Reconciler) setToken(ctx context.Context, o model.Owner, token string) error {
	if o.IsCampaign() {
		return r.Campaigns.SetReconcileToken(ctx, o.CampaignID, token)
	}
	return r.Broadcasts.SetReconcileToken(ctx, o.BroadcastID, token)
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}
