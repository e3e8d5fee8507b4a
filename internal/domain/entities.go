// Package domain defines the core entities, status machine, error taxonomy
// and ports of the GPU grading job dispatcher. Adapters (store, transport,
// HTTP) depend on this package; it depends on nothing but the stdlib.
package domain

import (
	"context"
	"time"
)

// JobStatus enumerates the lifecycle states of a job.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobLaunching  JobStatus = "launching"
	JobRunning    JobStatus = "running"
	JobRetrieving JobStatus = "retrieving"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
	JobLost       JobStatus = "lost"
)

// ActiveStatuses are the states in which a job occupies a principal's
// concurrency slot and contributes to its node's projected queue time.
var ActiveStatuses = []JobStatus{JobQueued, JobLaunching, JobRunning, JobRetrieving}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobQueued, JobLaunching, JobRunning, JobRetrieving,
		JobCompleted, JobFailed, JobCancelled, JobLost:
		return true
	}
	return false
}

// Active reports whether a job in this status counts against the
// one-active-job-per-principal cap.
func (s JobStatus) Active() bool {
	switch s {
	case JobQueued, JobLaunching, JobRunning, JobRetrieving:
		return true
	}
	return false
}

// Terminal reports whether the status permits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled, JobLost:
		return true
	}
	return false
}

// Exit status sentinels. Non-negative values are the remote process's normal
// exit code. Signalled termination is encoded as the negated signal number.
// ExitUnknown means the pid vanished and no exit record could be retrieved.
const (
	ExitUnknown = -999
)

// DecodeShellExit maps the shell's $? convention onto the wire encoding:
// 0..127 pass through, 128+n (killed by signal n) becomes -n.
func DecodeShellExit(code int) int {
	if code > 128 && code <= 192 {
		return -(code - 128)
	}
	return code
}

// Job is the central entity. Node placement is assigned once at admission
// and never changes. RemotePID is set once a launch has been attempted.
type Job struct {
	ID              string
	Principal       string
	CompetitionID   string
	ProjectID       string
	ExpectedSeconds int
	Status          JobStatus
	Node            int
	CodePath        string
	RemotePID       *int
	Stdout          string
	Stderr          string
	ResultData      string
	ExitStatus      *int
	FailureCause    string
	CancelRequested bool
	CreatedAt       time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
}

// JobSummary is the reduced shape returned by list endpoints.
type JobSummary struct {
	ID            string     `json:"job_id"`
	Principal     string     `json:"principal"`
	CompetitionID string     `json:"competition_id"`
	Status        JobStatus  `json:"status"`
	Node          int        `json:"node"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// Summary projects a Job onto its list shape.
func (j Job) Summary() JobSummary {
	return JobSummary{
		ID:            j.ID,
		Principal:     j.Principal,
		CompetitionID: j.CompetitionID,
		Status:        j.Status,
		Node:          j.Node,
		CreatedAt:     j.CreatedAt,
		StartedAt:     j.StartedAt,
		FinishedAt:    j.FinishedAt,
	}
}

// NodeState is the durable per-node record the placer reads and the workers
// maintain. ProjectedSeconds is the sum of declared budgets of the node's
// active jobs.
type NodeState struct {
	Node             int
	Address          string
	ProjectedSeconds int
	Busy             bool
	CurrentJobID     string
	Reachable        bool
}

// Credential is a bearer secret hashed at rest. At most one credential per
// principal is active at any time.
type Credential struct {
	Hash      string
	Principal string
	Admin     bool
	Active    bool
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the credential is past its expiry at now.
func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && c.ExpiresAt.Before(now)
}

// Identity is the result of validating a bearer credential.
type Identity struct {
	Principal string
	Admin     bool
}

// JobFilter narrows list queries. Principal and Status are exact matches
// when non-empty; Limit caps the result set.
type JobFilter struct {
	Principal string
	Status    JobStatus
	Limit     int
}

// Context aliases context.Context so ports read uniformly.
type Context = context.Context
