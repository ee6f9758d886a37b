package model

import "time"

// ProgressEvent is a single stage-transition notification fanned out by the
// broadcaster (C8) to a job's subscribers.
type ProgressEvent struct {
	JobID           string    `json:"job_id"`
	Stage           *Stage    `json:"stage,omitempty"`
	ProgressPercent int       `json:"progress_percent"`
	Status          JobStatus `json:"status"`
	Timestamp       time.Time `json:"timestamp"`
	Error           *string   `json:"error,omitempty"`
}
