// Package scheduler registers named, idempotent periodic jobs.
//
// A job is a name, a cron spec and a Target describing what to invoke.
// Re-scheduling a name replaces its previous registration.
package scheduler

import (
	"context"
	"fmt"
	"slices"
	"time"
)

// Job names.
const (
	NameInvokeBroadcast = "invoke-broadcast"
	NameSendFirst       = "send-first-messages"
	NameSendSecond      = "send-second-messages"
	NameReconcile       = "reconcile-delivery"
	NameDelayReconcile  = "delay-reconcile-delivery"
	NameHandleFailed    = "handle-failed-deliveries"
	NameOutboxRelay     = "outbox-relay"
)

// RunningIndicators are the names whose presence means a cycle is in flight.
var RunningIndicators = []string{NameSendFirst, NameSendSecond, NameReconcile, NameDelayReconcile}

func DispatchName(isSecond bool) string {
	if isSecond {
		return NameSendSecond
	}
	return NameSendFirst
}

func InvokeCampaignName(id int64) string { return fmt.Sprintf("invoke-campaign-%d", id) }

func ReconcileCampaignName(id int64) string { return fmt.Sprintf("reconcile-campaign-%d", id) }

// Operations a Target can invoke.
const (
	OpDispatch        = "dispatch"
	OpReconcile       = "reconcile"
	OpHandleFailed    = "handle-failed-deliveries"
	OpInvokeBroadcast = "invoke-broadcast"
	OpInvokeCampaign  = "invoke-campaign"
	OpRelayOutbox     = "relay-outbox"
)

// Target is the invocation a job performs when it fires.
type Target struct {
	Op          string     `json:"op"`
	BroadcastID int64      `json:"broadcast_id,omitempty"`
	CampaignID  int64      `json:"campaign_id,omitempty"`
	RunAt       *time.Time `json:"run_at,omitempty"`
	IsSecond    bool       `json:"is_second,omitempty"`
	Final       bool       `json:"final,omitempty"`
	NotBefore   *time.Time `json:"not_before,omitempty"` // fires earlier than this are skipped
}

// Definition is a persisted job registration.
type Definition struct {
	Name   string `json:"name"`
	Spec   string `json:"spec"`
	Target Target `json:"target"`
}

type Scheduler interface {
	Schedule(ctx context.Context, name, spec string, target Target) error
	Unschedule(ctx context.Context, name string) error
	ActiveJobNames(ctx context.Context) ([]string, error)
}

// Handler executes a fired job.
type Handler func(ctx context.Context, name string, t Target) error

// HasAny reports whether any of names is registered.
func HasAny(ctx context.Context, s Scheduler, names ...string) (bool, error) {
	active, err := s.ActiveJobNames(ctx)
	if err != nil {
		return false, err
	}
	for _, n := range names {
		if slices.Contains(active, n) {
			return true, nil
		}
	}
	return false, nil
}

// At returns a spec that fires at t's minute (in loc) on t's calendar date.
func At(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	tt := t.In(loc)
	return fmt.Sprintf("%d %d %d %d *", tt.Minute(), tt.Hour(), tt.Day(), int(tt.Month()))
}

// Ptr is a helper for optional Target times.
func Ptr(t time.Time) *time.Time { return &t }
