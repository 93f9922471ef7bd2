package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// FallbackSegmentName is the reserved segment used to top up broadcast shortfalls.
const FallbackSegmentName = "Inactive"

type AudienceSegment struct {
	ID         int64             `db:"id"         json:"id"`
	Name       string            `db:"name"       json:"name"`
	Definition SegmentDefinition `db:"definition" json:"definition"`
}

// SegmentDefinition selects authors. All set criteria must hold.
type SegmentDefinition struct {
	LabelsAny         []string `json:"labels_any,omitempty"`
	LabelsNone        []string `json:"labels_none,omitempty"`
	RepliedWithinDays int      `json:"replied_within_days,omitempty"`
	InactiveForDays   int      `json:"inactive_for_days,omitempty"`
	PhonePrefix       string   `json:"phone_prefix,omitempty"`
}

func (d SegmentDefinition) Value() (driver.Value, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (d *SegmentDefinition) Scan(src any) error {
	b, err := jsonBytes(src)
	if err != nil {
		return fmt.Errorf("segment definition: %w", err)
	}
	*d = SegmentDefinition{}
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, d)
}

func jsonBytes(src any) ([]byte, error) {
	switch v := src.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("unsupported type %T", src)
	}
}
