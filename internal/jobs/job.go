// Package jobs runs asynchronous mailing deliveries.
package jobs

import (
	"time"
)

// Status represents the state of a delivery job
type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusDeferred Status = "deferred"
	StatusDead     Status = "dead"
)

// Job is one asynchronous delivery of a mailing. Jobs are keyed by mailing
// ID, so a mailing has at most one job.
type Job struct {
	MailingID string    `json:"mailing_id"`
	Status    Status    `json:"status"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	RunAt     time.Time `json:"run_at"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Stats represents job queue statistics
type Stats struct {
	Pending  int64     `json:"pending"`
	Running  int64     `json:"running"`
	Deferred int64     `json:"deferred"`
	Dead     int64     `json:"dead"`
	Total    int64     `json:"total"`
	OldestAt time.Time `json:"oldest_at,omitempty"`
}
