package model

import (
	"fmt"
	"time"
)

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// ReasonInterrupted is the failure reason stored on runs repaired by the
// stuck-run cleanup.
const ReasonInterrupted = "interrupted"

// ReasonTerminated is stored when a termination signal stops a run.
const ReasonTerminated = "terminated"

// Terminal reports whether no further transition is allowed from s.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

func (s RunStatus) Valid() bool {
	switch s {
	case RunPending, RunRunning, RunCompleted, RunFailed:
		return true
	}
	return false
}

// RunCounts are the aggregate counters stored on a finished run.
type RunCounts struct {
	TargetsProcessed int `json:"targets_processed"`
	TargetsFailed    int `json:"targets_failed"`
	ServicesCreated  int `json:"services_created"`
	ServicesUpdated  int `json:"services_updated"`
	RecordsSkipped   int `json:"records_skipped"`
}

// ScanRun is one persisted collection batch.
type ScanRun struct {
	ID            string     `json:"id"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	Status        RunStatus  `json:"status"`
	FailureReason *string    `json:"failure_reason,omitempty"`
	Metadata      string     `json:"metadata,omitempty"`
	Counts        RunCounts  `json:"counts"`
}

func (r ScanRun) String() string {
	reason := "nil"
	if r.FailureReason != nil {
		reason = fmt.Sprintf("%q", *r.FailureReason)
	}
	return fmt.Sprintf("id: %q, status: %s, started_at: %s, failure_reason: %s",
		r.ID, r.Status, r.StartedAt.Format(time.RFC3339), reason)
}
