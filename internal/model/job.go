// Package model holds the data types shared across the audit control plane:
// jobs, queue entries, cache entries, and reports. Types here carry both
// json tags (wire format) and db tags (sqlx struct scanning) so the same
// struct serves the HTTP layer and the SQL stores without duplication.
package model

import "time"

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

type Stage string

const (
	StageLighthouseMobile  Stage = "lighthouse_mobile"
	StageLighthouseDesktop Stage = "lighthouse_desktop"
	StageCrUX              Stage = "crux"
	StageAIAnalysis        Stage = "ai_analysis"
)

// AllStages is the fixed stage set used to compute progress percentage.
var AllStages = []Stage{StageLighthouseMobile, StageLighthouseDesktop, StageCrUX, StageAIAnalysis}

// Job is the unit of work visible to clients, owned exclusively by the registry.
type Job struct {
	ID              string    `json:"job_id"`
	URL             string    `json:"url"`
	Status          JobStatus `json:"status"`
	CurrentStage    *Stage    `json:"current_stage,omitempty"`
	CompletedStages []Stage   `json:"completed_stages"`
	QueuePosition   *int      `json:"queue_position,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	ClientIP        string    `json:"-"`
	Report          *Report   `json:"result,omitempty"`
	Error           *string   `json:"error,omitempty"`
	NoCache         bool      `json:"-"`
	Timeout         time.Duration `json:"-"`
}

// Progress is the percentage of the fixed four-stage pipeline completed, rounded down.
func (j *Job) Progress() int {
	return len(j.CompletedStages) * 100 / len(AllStages)
}

// PendingStages returns the stages not yet in CompletedStages, preserving AllStages order.
func (j *Job) PendingStages() []Stage {
	done := make(map[Stage]bool, len(j.CompletedStages))
	for _, s := range j.CompletedStages {
		done[s] = true
	}
	var pending []Stage
	for _, s := range AllStages {
		if !done[s] {
			pending = append(pending, s)
		}
	}
	return pending
}

// Clone returns a deep-enough copy safe to hand to a caller outside the registry lock.
func (j *Job) Clone() *Job {
	c := *j
	c.CompletedStages = append([]Stage(nil), j.CompletedStages...)
	if j.CurrentStage != nil {
		s := *j.CurrentStage
		c.CurrentStage = &s
	}
	if j.QueuePosition != nil {
		p := *j.QueuePosition
		c.QueuePosition = &p
	}
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	return &c
}
