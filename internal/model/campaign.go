package model

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Campaign struct {
	ID               int64       `db:"id"                json:"id"`
	Title            string      `db:"title"             json:"title"`
	FirstMessage     string      `db:"first_message"     json:"first_message"`
	SecondMessage    string      `db:"second_message"    json:"second_message"`
	RunAt            *time.Time  `db:"run_at"            json:"run_at"`
	DelaySeconds     int         `db:"delay_seconds"     json:"delay_seconds"`
	IncludedSegments SegmentExpr `db:"included_segments" json:"included_segments"`
	ExcludedSegments SegmentExpr `db:"excluded_segments" json:"excluded_segments"`
	RecipientFile    string      `db:"recipient_file"    json:"recipient_file,omitempty"`
	Processed        bool        `db:"processed"         json:"processed"`
	ReconcileToken   string      `db:"reconcile_token"   json:"-"`
	CreatedAt        time.Time   `db:"created_at"        json:"created_at"`
	UpdatedAt        time.Time   `db:"updated_at"        json:"updated_at"`
}

// Mutable reports whether the campaign may still be edited.
func (c Campaign) Mutable(now time.Time) bool {
	if c.Processed {
		return false
	}
	return c.RunAt == nil || c.RunAt.After(now)
}

// SegmentTerm is one disjunct: a single segment, or an AND-group when it has more than one id.
type SegmentTerm []int64

// SegmentExpr is an OR of terms. JSON form [1,[2,3],4] means 1 OR (2 AND 3) OR 4.
type SegmentExpr []SegmentTerm

func (e SegmentExpr) MarshalJSON() ([]byte, error) {
	out := make([]any, 0, len(e))
	for _, t := range e {
		if len(t) == 1 {
			out = append(out, t[0])
			continue
		}
		out = append(out, []int64(t))
	}
	return json.Marshal(out)
}

func (e *SegmentExpr) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*e = nil
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	expr := make(SegmentExpr, 0, len(raw))
	for _, r := range raw {
		var id int64
		if err := json.Unmarshal(r, &id); err == nil {
			expr = append(expr, SegmentTerm{id})
			continue
		}
		var group []int64
		if err := json.Unmarshal(r, &group); err != nil {
			return fmt.Errorf("segment expression term %s: %w", r, err)
		}
		if len(group) == 0 {
			return errors.New("segment expression: empty AND-group")
		}
		expr = append(expr, SegmentTerm(group))
	}
	*e = expr
	return nil
}

func (e SegmentExpr) Value() (driver.Value, error) {
	if e == nil {
		return "[]", nil
	}
	b, err := e.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (e *SegmentExpr) Scan(src any) error {
	b, err := jsonBytes(src)
	if err != nil {
		return fmt.Errorf("segment expression: %w", err)
	}
	if len(b) == 0 {
		*e = nil
		return nil
	}
	return e.UnmarshalJSON(b)
}
