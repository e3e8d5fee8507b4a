package domain

import "time"

// JobRepository persists jobs and owns the atomic admission and claim steps.
type JobRepository interface {
	// Admit atomically verifies the principal's active-job cap, places the
	// job on the least-loaded node (ties broken by lowest index), inserts
	// the row as queued and bumps the node's projected queue time. Returns
	// ErrActiveJobExists when the cap is hit.
	Admit(ctx Context, j Job, maxActive int) (Job, error)
	// Claim atomically transitions this node's oldest queued job to
	// launching, setting started_at and clearing the cancel flag. Returns
	// ErrNotFound when the node's queue is empty.
	Claim(ctx Context, node int) (Job, error)
	Get(ctx Context, id string) (Job, error)
	List(ctx Context, f JobFilter) ([]Job, error)
	ListActive(ctx Context) ([]Job, error)
	// ListForReconcile returns this node's jobs left in launching, running
	// or retrieving, oldest first.
	ListForReconcile(ctx Context, node int) ([]Job, error)
	SetStatus(ctx Context, id string, status JobStatus) error
	// MarkRunning persists the captured remote pid and the running status in
	// one write.
	MarkRunning(ctx Context, id string, pid int) error
	RequestCancel(ctx Context, id string) error
	// CancelQueued removes a queued job from the ready view and releases its
	// projected queue time in one transaction. Returns ErrNotFound when the
	// job is no longer queued.
	CancelQueued(ctx Context, id string) error
	// Finalize records outputs and the terminal status and releases the
	// job's declared budget from the node's projected queue time.
	Finalize(ctx Context, id string, status JobStatus, outcome Outcome) error
	// QueuePosition returns the 0-indexed position among the node's queued
	// jobs, or -1 when the job is not queued.
	QueuePosition(ctx Context, id string) (int, error)
	CountByStatus(ctx Context, principal string) (map[JobStatus]int, error)
	RecentTerminal(ctx Context, principal string, limit int) ([]Job, error)
	SubmittedSince(ctx Context, principal string, since time.Time) (int, error)
	// DeleteTerminalBefore removes terminal jobs finished before cutoff and
	// returns their local code artifact paths for cleanup.
	DeleteTerminalBefore(ctx Context, cutoff time.Time) ([]string, error)
}

// Outcome is the retrieval result a worker persists when a job reaches a
// terminal state.
type Outcome struct {
	Stdout     string
	Stderr     string
	ResultData string
	ExitStatus *int
	Cause      string
}

// NodeRepository maintains the durable per-node records.
type NodeRepository interface {
	EnsureNodes(ctx Context, addresses []string) error
	Get(ctx Context, node int) (NodeState, error)
	ListAll(ctx Context) ([]NodeState, error)
	SetBusy(ctx Context, node int, jobID string) error
	SetIdle(ctx Context, node int) error
	SetReachable(ctx Context, node int, reachable bool) error
}

// CredentialRepository persists hashed bearer credentials.
type CredentialRepository interface {
	// Insert stores a credential, deactivating all prior credentials for
	// the same principal in the same transaction.
	Insert(ctx Context, c Credential) error
	LookupByHash(ctx Context, hash string) (Credential, error)
	Deactivate(ctx Context, hash string) error
	ListAll(ctx Context) ([]Credential, error)
}

// Transport is the resilient command channel to one compute node reached via
// the bastion. Implementations own reconnection; callers own retry policy
// for non-idempotent commands. A Transport instance belongs to exactly one
// worker.
type Transport interface {
	Connect(ctx Context) error
	Close() error
	// Exec runs a shell command on the node and returns stdout, stderr and
	// the exit status. A dead channel is transparently re-established once
	// before the failure is reported.
	Exec(ctx Context, cmd string, timeout time.Duration) (string, string, int, error)
	PutFile(ctx Context, data []byte, remotePath string) error
	ReadFile(ctx Context, remotePath string) (string, error)
	IsAlivePID(ctx Context, pid int) (bool, error)
	// KillPID terminates the process, escalating TERM to KILL; success means
	// the pid is no longer observable.
	KillPID(ctx Context, pid int) error
	Alive(ctx Context) bool
	// ExecOnBastion runs a command on the jump host itself (workspace
	// restarts); best-effort.
	ExecOnBastion(ctx Context, cmd string, timeout time.Duration) (string, string, int, error)
}

// Scanner is the pre-admission screening hook.
type Scanner interface {
	// Scan returns nil to admit, or an error wrapping ErrScannerReject with
	// the rejection detail.
	Scan(ctx Context, code []byte, competitionID string) error
}
