package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jmehdipour/sms-broadcast/internal/alert"
	"github.com/jmehdipour/sms-broadcast/internal/jobqueue"
	"github.com/jmehdipour/sms-broadcast/internal/metrics"
	"github.com/jmehdipour/sms-broadcast/internal/model"
	"github.com/jmehdipour/sms-broadcast/internal/provider"
	"github.com/jmehdipour/sms-broadcast/internal/ratelimit"
	"github.com/jmehdipour/sms-broadcast/internal/repository"
	"github.com/jmehdipour/sms-broadcast/internal/scheduler"
	"go.uber.org/zap"
)

// Outcome is the result of one dispatchOnce.
type Outcome int

const (
	Empty      Outcome = iota // no visible job
	Sent                      // provider accepted, status row written
	Retry                     // left in the queue for re-visibility
	Dropped                   // retry budget exhausted or poison payload
	Suppressed                // campaign recipient carries an excluded label
)

func (o Outcome) String() string {
	switch o {
	case Empty:
		return "empty"
	case Sent:
		return "sent"
	case Retry:
		return "retry"
	case Dropped:
		return "dropped"
	case Suppressed:
		return "suppressed"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

var errNoPhone = errors.New("job has no phone number")

// Drop reasons reported in alerts.
const (
	reasonRetriesExhausted = "retries_exhausted"
	reasonPoisonPayload    = "poison_payload"
)

// ErrBudgetExhausted means the limiter cannot admit another call before the run deadline.
var ErrBudgetExhausted = errors.New("dispatch budget exhausted")

// SecondJobID is the queue id of the second-stage job spawned by first-stage job id.
func SecondJobID(firstID string) string { return firstID + "-2" }

type Config struct {
	Budget            time.Duration // wall clock per Run, e.g. 60s
	VisibilityTimeout time.Duration
	MaxReads          int // non-429 failures tolerated before a job is dropped
	DispatchSpec      string
	BroadcastLabelIDs []string
	CampaignLabelIDs  []string
	ExcludedLabelIDs  []string
}

// Dispatcher drains one delivery queue per Run within a time budget.
type Dispatcher struct {
	Queue     jobqueue.Queue
	Provider  provider.Client
	Statuses  repository.MessageStatusesRepository
	Outbox    repository.OutboxRepository
	Scheduler scheduler.Scheduler
	Limiter   *ratelimit.Limiter
	Alerts    alert.Notifier
	Log       *zap.Logger

	cfg Config
}

func New(
	q jobqueue.Queue,
	p provider.Client,
	statuses repository.MessageStatusesRepository,
	outbox repository.OutboxRepository,
	sched scheduler.Scheduler,
	limiter *ratelimit.Limiter,
	alerts alert.Notifier,
	log *zap.Logger,
	cfg Config,
) *Dispatcher {
	if cfg.Budget <= 0 {
		cfg.Budget = 60 * time.Second
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 30 * time.Second
	}
	if cfg.MaxReads < 1 {
		cfg.MaxReads = 3
	}
	if cfg.DispatchSpec == "" {
		cfg.DispatchSpec = "@every 1m"
	}
	if limiter == nil {
		limiter = ratelimit.PerSecond(1)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		Queue:     q,
		Provider:  p,
		Statuses:  statuses,
		Outbox:    outbox,
		Scheduler: sched,
		Limiter:   limiter,
		Alerts:    alerts,
		Log:       log,
		cfg:       cfg,
	}
}

// Summary counts what one Run did.
type Summary struct {
	Sent       int
	Retried    int
	Dropped    int
	Suppressed int
	Drained    bool
}

// Run dispatches jobs until the queue has no visible job, the budget elapses, or the
// provider breaker opens. A drained queue unschedules its own dispatch job.
func (d *Dispatcher) Run(ctx context.Context, isSecond bool) (Summary, error) {
	var sum Summary
	queue := jobqueue.Name(isSecond)
	log := d.Log.With(zap.String("queue", queue))

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Budget)
	defer cancel()

	for ctx.Err() == nil {
		if !d.Provider.Ready() {
			log.Warn("provider breaker open, deferring to next run", zap.Time("reopens_at", d.Provider.ReopensAt()))
			break
		}
		out, err := d.DispatchOnce(ctx, isSecond)
		if err != nil {
			if errors.Is(err, ErrBudgetExhausted) || ctx.Err() != nil {
				break
			}
			return sum, err
		}
		switch out {
		case Sent:
			sum.Sent++
		case Retry:
			sum.Retried++
		case Dropped:
			sum.Dropped++
		case Suppressed:
			sum.Suppressed++
		}
		if out == Empty {
			drained, err := d.drainIfDone(context.WithoutCancel(ctx), isSecond)
			if err != nil {
				return sum, err
			}
			sum.Drained = drained
			break
		}
	}

	log.Info("dispatch run finished",
		zap.Int("sent", sum.Sent),
		zap.Int("retried", sum.Retried),
		zap.Int("dropped", sum.Dropped),
		zap.Int("suppressed", sum.Suppressed),
		zap.Bool("drained", sum.Drained),
	)
	return sum, nil
}

// drainIfDone unschedules the stage's dispatch job once nothing is stored in the queue
// and nothing is waiting in the outbox for it.
func (d *Dispatcher) drainIfDone(ctx context.Context, isSecond bool) (bool, error) {
	queue := jobqueue.Name(isSecond)
	n, err := d.Queue.Len(ctx, queue)
	if err != nil {
		return false, fmt.Errorf("queue len: %w", err)
	}
	metrics.QueueDepth.WithLabelValues(queue).Set(float64(n))
	if n > 0 {
		return false, nil
	}
	pending, err := d.Outbox.CountPending(ctx, queue)
	if err != nil {
		return false, fmt.Errorf("outbox pending: %w", err)
	}
	if pending > 0 {
		return false, nil
	}
	if err := d.Scheduler.Unschedule(ctx, scheduler.DispatchName(isSecond)); err != nil {
		return false, err
	}
	return true, nil
}

// DispatchOnce reads and processes at most one job.
func (d *Dispatcher) DispatchOnce(ctx context.Context, isSecond bool) (Outcome, error) {
	queue := jobqueue.Name(isSecond)

	if err := d.Limiter.Wait(ctx); err != nil {
		return Empty, fmt.Errorf("%w: %v", ErrBudgetExhausted, err)
	}
	qj, err := d.Queue.Read(ctx, queue, d.cfg.VisibilityTimeout)
	if err != nil {
		return Empty, fmt.Errorf("read %s: %w", queue, err)
	}
	if qj == nil {
		return Empty, nil
	}
	log := d.Log.With(zap.String("queue", queue), zap.String("job_id", qj.ID), zap.Int("read_count", qj.ReadCount))

	var job model.Job
	if err := json.Unmarshal(qj.Payload, &job); err != nil {
		log.Error("dropping undecodable job", zap.Error(err))
		return d.drop(ctx, queue, qj, job, reasonPoisonPayload, fmt.Errorf("decode payload: %w", err))
	}
	if job.Phone == "" {
		log.Error("dropping job without recipient")
		return d.drop(ctx, queue, qj, job, reasonPoisonPayload, errNoPhone)
	}

	if job.IsCampaign() && len(d.cfg.ExcludedLabelIDs) > 0 {
		suppress, err := d.excluded(ctx, job.Phone)
		if err != nil {
			return d.fail(ctx, queue, qj, job, err)
		}
		if suppress {
			if err := d.Queue.Delete(ctx, queue, qj.ID); err != nil {
				return Empty, fmt.Errorf("delete suppressed job: %w", err)
			}
			metrics.MessagesTotal.WithLabelValues(metrics.Stage(isSecond), Suppressed.String()).Inc()
			log.Info("campaign recipient suppressed by label", zap.String("phone", job.Phone))
			return Suppressed, nil
		}
	}

	labels := d.cfg.BroadcastLabelIDs
	if job.IsCampaign() {
		labels = d.cfg.CampaignLabelIDs
	}
	res, err := d.Provider.SendMessage(ctx, provider.SendRequest{
		Body:     job.Message(isSecond),
		To:       job.Phone,
		IsSecond: isSecond,
		LabelIDs: labels,
	})
	if err != nil {
		return d.fail(ctx, queue, qj, job, err)
	}

	if err := d.succeed(ctx, queue, qj, job, isSecond, res); err != nil {
		return Empty, err
	}
	metrics.MessagesTotal.WithLabelValues(metrics.Stage(isSecond), Sent.String()).Inc()
	return Sent, nil
}

// excluded reports whether the recipient's latest conversation carries an excluded label.
func (d *Dispatcher) excluded(ctx context.Context, phone string) (bool, error) {
	conv, err := d.Statuses.LatestConversation(ctx, phone)
	if err != nil {
		return false, fmt.Errorf("latest conversation: %w", err)
	}
	if conv == "" {
		return false, nil
	}
	if err := d.Limiter.Wait(ctx); err != nil {
		return false, err
	}
	labels, err := d.Provider.ConversationLabels(ctx, conv)
	if err != nil {
		return false, err
	}
	for _, l := range labels {
		if slices.Contains(d.cfg.ExcludedLabelIDs, l) {
			return true, nil
		}
	}
	return false, nil
}

func (d *Dispatcher) succeed(ctx context.Context, queue string, qj *jobqueue.Job, job model.Job, isSecond bool, res provider.SendResult) error {
	secondID := ""
	if !isSecond && job.SecondMessage != "" {
		secondID = SecondJobID(qj.ID)
		delay := time.Duration(job.DelaySeconds) * time.Second
		if err := d.Queue.Send(ctx, jobqueue.Second, secondID, qj.Payload, delay); err != nil {
			return fmt.Errorf("enqueue second stage: %w", err)
		}
		if err := d.Scheduler.Schedule(ctx, scheduler.NameSendSecond, d.cfg.DispatchSpec,
			scheduler.Target{Op: scheduler.OpDispatch, IsSecond: true}); err != nil {
			return fmt.Errorf("schedule second stage: %w", err)
		}
	}

	row := model.MessageStatus{
		Phone:          job.Phone,
		Message:        job.Message(isSecond),
		IsSecond:       isSecond,
		BroadcastID:    optionalID(job.BroadcastID),
		CampaignID:     optionalID(job.CampaignID),
		SegmentID:      optionalID(job.SegmentID),
		ProviderID:     res.ID,
		ConversationID: res.ConversationID,
		Status:         model.StatusSent,
		SecondJobID:    secondID,
	}
	if _, err := d.Statuses.Insert(ctx, nil, row); err != nil {
		return fmt.Errorf("insert status: %w", err)
	}
	if isSecond {
		if err := d.Statuses.ClearSecondJob(ctx, nil, []string{qj.ID}); err != nil {
			return fmt.Errorf("clear second job: %w", err)
		}
	}
	if err := d.Queue.Delete(ctx, queue, qj.ID); err != nil {
		return fmt.Errorf("delete sent job: %w", err)
	}
	return nil
}

// fail leaves the job for re-visibility unless its read budget is spent. Rate limiting
// and an open breaker never count as permanent.
func (d *Dispatcher) fail(ctx context.Context, queue string, qj *jobqueue.Job, job model.Job, err error) (Outcome, error) {
	log := d.Log.With(zap.String("queue", queue), zap.String("job_id", qj.ID), zap.Int("read_count", qj.ReadCount))
	transient := provider.IsRateLimited(err) || errors.Is(err, provider.ErrBreakerOpen) || ctx.Err() != nil
	if transient || qj.ReadCount < d.cfg.MaxReads {
		log.Warn("send failed, will retry", zap.Error(err), zap.Int("status", provider.StatusCode(err)))
		metrics.MessagesTotal.WithLabelValues(metrics.Stage(queue == jobqueue.Second), Retry.String()).Inc()
		return Retry, nil
	}
	return d.drop(ctx, queue, qj, job, reasonRetriesExhausted, err)
}

func (d *Dispatcher) drop(ctx context.Context, queue string, qj *jobqueue.Job, job model.Job, reason string, cause error) (Outcome, error) {
	if err := d.Queue.Delete(ctx, queue, qj.ID); err != nil {
		return Empty, fmt.Errorf("delete dropped job: %w", err)
	}
	metrics.MessagesTotal.WithLabelValues(metrics.Stage(queue == jobqueue.Second), Dropped.String()).Inc()
	msg := "delivery job dropped after retries"
	if reason == reasonPoisonPayload {
		msg = "delivery job dropped: unusable payload"
	}
	alert.Send(ctx, d.Alerts, d.Log, alert.KindJobDropped, msg, map[string]string{
		"reason":     reason,
		"queue":      queue,
		"job_id":     qj.ID,
		"phone":      job.Phone,
		"read_count": fmt.Sprint(qj.ReadCount),
		"error":      fmt.Sprint(cause),
	})
	return Dropped, nil
}

func optionalID(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}
