// Package watermark publishes the sync checkpoint of the owner process to a
// durable slot that other windows and processes observe read-only.
package watermark

import (
	"fmt"
	"time"
)

// MaxStaleness bounds how long an observer may lag behind a publication.
const MaxStaleness = 10 * time.Second

const DefaultPollInterval = 2 * time.Second

type State string

const (
	StateIdle        State = "idle"
	StateRunning     State = "running"
	StateStopped     State = "stopped"
	StateNeedsReauth State = "needs_reauth"
)

type Stats struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Failed  int `json:"failed"`
}

type Watermark struct {
	LastSyncAt time.Time `json:"lastSyncAt"`
	EventCount int       `json:"eventCount"`
	Stats      Stats     `json:"stats"`
	Pending    int       `json:"pending"`
	State      State     `json:"state"`
	OwnerID    string    `json:"ownerId"`
	Sequence   uint64    `json:"sequence"`
}

// FormatStatusLine renders the aggregate status shown in window chrome.
func FormatStatusLine(w Watermark) string {
	last := "never"
	if !w.LastSyncAt.IsZero() {
		last = w.LastSyncAt.Local().Format("2006-01-02 15:04:05")
	}
	line := fmt.Sprintf("last sync: %s, created %d, updated %d, failed %d",
		last, w.Stats.Created, w.Stats.Updated, w.Stats.Failed)
	if w.Pending > 0 {
		line += fmt.Sprintf(", %d pending", w.Pending)
	}
	if w.State == StateNeedsReauth {
		line += " (sign in required)"
	}
	return line
}
