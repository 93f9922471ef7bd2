package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/sms-broadcast/internal/apperr"
	"github.com/jmehdipour/sms-broadcast/internal/metrics"
	"github.com/jmehdipour/sms-broadcast/internal/model"
	"github.com/jmehdipour/sms-broadcast/internal/provider"
	"github.com/jmehdipour/sms-broadcast/internal/ratelimit"
	"github.com/jmehdipour/sms-broadcast/internal/repository"
	"github.com/jmehdipour/sms-broadcast/internal/scheduler"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

var ErrNoClosingLabel = fmt.Errorf("%w: provider.closing_label_id is empty", apperr.ErrConfig)

// escalatorCursor names the saved position of the escalator in the candidate list.
const escalatorCursor = "handle-failed-deliveries"

// CursorStore persists how far a paging worker got between invocations.
type CursorStore interface {
	Cursor(ctx context.Context, name string) (string, error)
	SetCursor(ctx context.Context, name, value string) error
}

// Escalator closes out recipients whose latest deliveries all failed: it posts a closing
// notice to their conversation, then marks their status rows closed and the author excluded.
type Escalator struct {
	DB        *sqlx.DB
	Provider  provider.Client
	Statuses  repository.MessageStatusesRepository
	Authors   repository.AuthorsRepository
	Scheduler scheduler.Scheduler
	Cursors   CursorStore // nil starts every run from the first candidate
	Limiter   *ratelimit.Limiter
	Log       *zap.Logger

	ClosingLabelID string
	ClosingNotice  string
	Budget         time.Duration // default 60s
	BatchSize      int           // candidates per invocation, default 330
	FlushEvery     int           // recipients per closing transaction, default 5
}

type EscalationResult struct {
	Closed int
	Failed int
	Done   bool // no candidates; the job unscheduled itself
}

func (e *Escalator) HandleFailedDeliveries(ctx context.Context) (EscalationResult, error) {
	var res EscalationResult
	if e.ClosingLabelID == "" {
		return res, ErrNoClosingLabel
	}
	budget := e.Budget
	if budget <= 0 {
		budget = 60 * time.Second
	}
	batch := e.BatchSize
	if batch <= 0 {
		batch = 330
	}
	every := e.FlushEvery
	if every <= 0 {
		every = 5
	}

	after, err := e.cursor(ctx)
	if err != nil {
		return res, err
	}
	cands, err := e.Statuses.EscalationCandidates(ctx, after, batch)
	if err != nil {
		return res, fmt.Errorf("escalation candidates: %w", err)
	}
	if len(cands) == 0 && after != "" {
		// past the end of the list; go around again for recipients that failed earlier
		cands, err = e.Statuses.EscalationCandidates(ctx, "", batch)
		if err != nil {
			return res, fmt.Errorf("escalation candidates: %w", err)
		}
	}
	if len(cands) == 0 {
		res.Done = true
		if err := e.saveCursor(ctx, ""); err != nil {
			return res, err
		}
		return res, e.Scheduler.Unschedule(ctx, scheduler.NameHandleFailed)
	}

	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	var pending []model.EscalationCandidate
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if err := e.close(context.WithoutCancel(ctx), pending); err != nil {
			return err
		}
		res.Closed += len(pending)
		metrics.EscalationsTotal.WithLabelValues("closed").Add(float64(len(pending)))
		pending = pending[:0]
		return nil
	}

	reached := ""
candidates:
	for _, c := range cands {
		if ctx.Err() != nil {
			break
		}
		log := e.Log.With(zap.String("phone", c.Phone), zap.String("conversation_id", c.ConversationID))

		if c.ConversationID != "" {
			if e.Limiter != nil {
				if err := e.Limiter.Wait(ctx); err != nil {
					break
				}
			}
			err := e.Provider.CreatePost(ctx, c.ConversationID, e.ClosingNotice, e.ClosingLabelID)
			switch {
			case err == nil:
			case provider.IsGone(err):
				log.Info("conversation gone, closing without notice", zap.Error(err))
			case provider.IsRateLimited(err) || errors.Is(err, provider.ErrBreakerOpen):
				// provider unavailable: stop here and retry this recipient on the next run
				res.Failed++
				metrics.EscalationsTotal.WithLabelValues("failed").Inc()
				log.Warn("closing notice deferred", zap.Error(err))
				break candidates
			default:
				res.Failed++
				metrics.EscalationsTotal.WithLabelValues("failed").Inc()
				log.Warn("closing notice failed", zap.Error(err))
				reached = c.Phone
				continue
			}
		} else {
			log.Info("no conversation to notify, closing without notice")
		}

		reached = c.Phone
		pending = append(pending, c)
		if len(pending) >= every {
			if err := flush(); err != nil {
				return res, err
			}
		}
	}
	if err := flush(); err != nil {
		return res, err
	}
	if reached != "" {
		if err := e.saveCursor(ctx, reached); err != nil {
			return res, err
		}
	}

	e.Log.Info("failed deliveries handled", zap.Int("closed", res.Closed), zap.Int("failed", res.Failed))
	return res, nil
}

func (e *Escalator) close(ctx context.Context, cands []model.EscalationCandidate) error {
	var (
		ids    []int64
		phones []string
	)
	for _, c := range cands {
		ids = append(ids, c.StatusIDs...)
		phones = append(phones, c.Phone)
	}

	tx, err := e.DB.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := e.Statuses.MarkClosed(ctx, tx, ids); err != nil {
		return fmt.Errorf("mark closed: %w", err)
	}
	if err := e.Authors.MarkExcluded(ctx, tx, phones); err != nil {
		return fmt.Errorf("mark excluded: %w", err)
	}
	return tx.Commit()
}

func (e *Escalator) cursor(ctx context.Context) (string, error) {
	if e.Cursors == nil {
		return "", nil
	}
	v, err := e.Cursors.Cursor(ctx, escalatorCursor)
	if err != nil {
		return "", fmt.Errorf("load cursor: %w", err)
	}
	return v, nil
}

func (e *Escalator) saveCursor(ctx context.Context, v string) error {
	if e.Cursors == nil {
		return nil
	}
	if err := e.Cursors.SetCursor(context.WithoutCancel(ctx), escalatorCursor, v); err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}
