package model

import "time"

type Author struct {
	Phone         string     `db:"phone_number"`
	Unsubscribed  bool       `db:"unsubscribed"`
	Excluded      bool       `db:"excluded"`
	LastRepliedAt *time.Time `db:"last_replied_at"`
	CreatedAt     time.Time  `db:"created_at"`
}

// Reachable reports whether the author may receive broadcast/campaign messages.
func (a Author) Reachable() bool { return !a.Unsubscribed && !a.Excluded }
