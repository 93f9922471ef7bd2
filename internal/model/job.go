package model

import "time"

// Job is the per-recipient queue payload. The same payload drives both stages.
type Job struct {
	Phone         string    `json:"phone_number"`
	FirstMessage  string    `json:"first_message"`
	SecondMessage string    `json:"second_message,omitempty"`
	BroadcastID   int64     `json:"broadcast_id,omitempty"`
	CampaignID    int64     `json:"campaign_id,omitempty"`
	SegmentID     int64     `json:"segment_id,omitempty"`
	DelaySeconds  int       `json:"delay_seconds"`
	CreatedAt     time.Time `json:"created_at"`
}

func (j Job) IsCampaign() bool { return j.CampaignID != 0 }

func (j Job) Owner() Owner { return Owner{BroadcastID: j.BroadcastID, CampaignID: j.CampaignID} }

// Message returns the text for the given stage.
func (j Job) Message(isSecond bool) string {
	if isSecond {
		return j.SecondMessage
	}
	return j.FirstMessage
}

// Owner identifies the broadcast or campaign a message belongs to.
type Owner struct {
	BroadcastID int64 `json:"broadcast_id,omitempty"`
	CampaignID  int64 `json:"campaign_id,omitempty"`
}

func (o Owner) IsCampaign() bool { return o.CampaignID != 0 }

func (o Owner) Valid() bool { return (o.BroadcastID != 0) != (o.CampaignID != 0) }
