package model

import "time"

// Broadcast is one scheduled two-stage send cycle. At most one row has Editable=true.
type Broadcast struct {
	ID             int64      `db:"id"              json:"id"`
	FirstMessage   string     `db:"first_message"   json:"first_message"`
	SecondMessage  string     `db:"second_message"  json:"second_message"`
	RunAt          *time.Time `db:"run_at"          json:"run_at"` // nil = awaiting schedule
	DelaySeconds   int        `db:"delay_seconds"   json:"delay_seconds"`
	NoUsers        int        `db:"no_users"        json:"no_users"`
	Editable       bool       `db:"editable"        json:"editable"`
	ReconcileToken string     `db:"reconcile_token" json:"-"`
	CreatedAt      time.Time  `db:"created_at"      json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"      json:"updated_at"`
}

// NextCycle returns the editable draft that follows b, carrying its text and sizing.
func (b Broadcast) NextCycle(runAt *time.Time) Broadcast {
	return Broadcast{
		FirstMessage:  b.FirstMessage,
		SecondMessage: b.SecondMessage,
		RunAt:         runAt,
		DelaySeconds:  b.DelaySeconds,
		NoUsers:       b.NoUsers,
		Editable:      true,
	}
}

type BroadcastSegment struct {
	BroadcastID int64 `db:"broadcast_id" json:"-"`
	SegmentID   int64 `db:"segment_id"   json:"segment_id"`
	Ratio       int   `db:"ratio"        json:"ratio"` // 0..100
}

// BroadcastPatch carries the mutable fields of an editable broadcast. Nil means unchanged.
type BroadcastPatch struct {
	FirstMessage  *string            `json:"first_message,omitempty"`
	SecondMessage *string            `json:"second_message,omitempty"`
	RunAt         *time.Time         `json:"run_at,omitempty"`
	ClearRunAt    bool               `json:"clear_run_at,omitempty"`
	DelaySeconds  *int               `json:"delay_seconds,omitempty"`
	NoUsers       *int               `json:"no_users,omitempty"`
	Segments      []BroadcastSegment `json:"segments,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p BroadcastPatch) Empty() bool {
	return p.FirstMessage == nil && p.SecondMessage == nil && p.RunAt == nil && !p.ClearRunAt &&
		p.DelaySeconds == nil && p.NoUsers == nil && p.Segments == nil
}

// TimeSlot is one weekly send window (broadcast_settings row).
type TimeSlot struct {
	ID        int64  `db:"id"`
	Weekday   int    `db:"weekday"`     // 0=Sunday
	TimeOfDay string `db:"time_of_day"` // HH:MM
	Active    bool   `db:"active"`
}
