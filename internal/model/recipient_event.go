package model

import "time"

type RecipientEventType string

const (
	EventUnsubscribed RecipientEventType = "unsubscribed"
	EventResubscribed RecipientEventType = "resubscribed"
	EventReplied      RecipientEventType = "replied"
)

// RecipientEvent is consumed from the recipient events topic.
type RecipientEvent struct {
	Type  RecipientEventType `json:"type"`
	Phone string             `json:"phone_number"`
	At    time.Time          `json:"at"`
}
