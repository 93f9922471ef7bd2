package model

import (
	"strings"
	"time"
)

type DeliveryStatus string

const (
	StatusSent        DeliveryStatus = "sent"
	StatusDelivered   DeliveryStatus = "delivered"
	StatusUndelivered DeliveryStatus = "undelivered"
	StatusFailed      DeliveryStatus = "failed"
	StatusUnknown     DeliveryStatus = "unknown"
)

func (s DeliveryStatus) String() string {
	return string(s)
}

func (s DeliveryStatus) Valid() bool {
	switch s {
	case StatusSent, StatusDelivered, StatusUndelivered, StatusFailed, StatusUnknown:
		return true
	}
	return false
}

// Finalized statuses are never overwritten by reconciliation.
func (s DeliveryStatus) Finalized() bool {
	return s == StatusDelivered || s == StatusUndelivered || s == StatusFailed
}

// NonDeliveredStatuses count toward failure escalation.
var NonDeliveredStatuses = []DeliveryStatus{StatusUndelivered, StatusFailed, StatusUnknown}

// ParseDeliveryStatus maps a provider status string onto DeliveryStatus.
func ParseDeliveryStatus(raw string) DeliveryStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "delivered":
		return StatusDelivered
	case "undelivered", "rejected", "expired":
		return StatusUndelivered
	case "failed", "error":
		return StatusFailed
	case "sent", "queued", "sending", "accepted", "scheduled":
		return StatusSent
	default:
		return StatusUnknown
	}
}

// MessageStatus is the persisted outcome of one sent message.
type MessageStatus struct {
	ID             int64          `db:"id"              json:"id"`
	Phone          string         `db:"phone_number"    json:"phone_number"`
	Message        string         `db:"message"         json:"message"`
	IsSecond       bool           `db:"is_second"       json:"is_second"`
	BroadcastID    *int64         `db:"broadcast_id"    json:"broadcast_id,omitempty"`
	CampaignID     *int64         `db:"campaign_id"     json:"campaign_id,omitempty"`
	SegmentID      *int64         `db:"segment_id"      json:"segment_id,omitempty"`
	ProviderID     string         `db:"provider_id"     json:"provider_id"`
	ConversationID string         `db:"conversation_id" json:"conversation_id"`
	Status         DeliveryStatus `db:"status"          json:"status"`
	DeliveredAt    *time.Time     `db:"delivered_at"    json:"delivered_at,omitempty"`
	Closed         bool           `db:"closed"          json:"closed"`
	SecondJobID    string         `db:"second_job_id"   json:"second_job_id,omitempty"`
	CreatedAt      time.Time      `db:"created_at"      json:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"      json:"updated_at"`
}

// Owner returns the broadcast/campaign the row belongs to.
func (m MessageStatus) Owner() Owner {
	var o Owner
	if m.BroadcastID != nil {
		o.BroadcastID = *m.BroadcastID
	}
	if m.CampaignID != nil {
		o.CampaignID = *m.CampaignID
	}
	return o
}

// DeliveryUpdate is what reconciliation writes onto a status row.
type DeliveryUpdate struct {
	Status         DeliveryStatus
	DeliveredAt    *time.Time
	ProviderID     string
	ConversationID string
}

// EscalationCandidate is a recipient whose latest statuses are all non-delivered.
type EscalationCandidate struct {
	Phone          string
	ConversationID string
	StatusIDs      []int64
}
