package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/gradelab/gpuqueue/internal/domain"
)

// JobRepo persists and loads jobs. The admission and claim paths are single
// serialized transactions so quota, placement and FIFO ordering stay
// race-free under concurrent submitters and workers.
type JobRepo struct {
	store *Store
}

const jobColumns = `id, principal, competition_id, project_id, expected_seconds, status, node,
code_path, remote_pid, stdout, stderr, result_data, exit_status, failure_cause,
cancel_requested, created_at, started_at, finished_at`

func scanJob(row interface{ Scan(...any) error }) (domain.Job, error) {
	var (
		j          domain.Job
		status     string
		pid        sql.NullInt64
		exitStatus sql.NullInt64
		createdAt  time.Time
		startedAt  sql.NullTime
		finishedAt sql.NullTime
	)
	err := row.Scan(&j.ID, &j.Principal, &j.CompetitionID, &j.ProjectID, &j.ExpectedSeconds,
		&status, &j.Node, &j.CodePath, &pid, &j.Stdout, &j.Stderr, &j.ResultData,
		&exitStatus, &j.FailureCause, &j.CancelRequested, &createdAt, &startedAt, &finishedAt)
	if err != nil {
		return domain.Job{}, err
	}
	j.Status = domain.JobStatus(status)
	j.RemotePID = nullIntPtr(pid)
	j.ExitStatus = nullIntPtr(exitStatus)
	j.CreatedAt = createdAt.UTC()
	j.StartedAt = nullTimePtr(startedAt)
	j.FinishedAt = nullTimePtr(finishedAt)
	return j, nil
}

// Admit performs the atomic admission step: concurrency check, placement on
// the least-loaded node (ties broken by lowest index), queued insert, and
// the projected-queue-time bump, all in one transaction so the next
// placement observes the new load.
func (r *JobRepo) Admit(ctx domain.Context, j domain.Job, maxActive int) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Admit")
	defer span.End()

	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	j.Status = domain.JobQueued

	err := r.store.WithTx(ctx, func(tx *sql.Tx) error {
		var active int
		const cnt = `SELECT COUNT(*) FROM jobs WHERE principal=? AND status IN ('queued','launching','running','retrieving')`
		if err := tx.QueryRowContext(ctx, cnt, j.Principal).Scan(&active); err != nil {
			return fmt.Errorf("count active: %w", err)
		}
		if active >= maxActive {
			return domain.ErrActiveJobExists
		}

		const pick = `SELECT node FROM nodes ORDER BY projected_seconds ASC, node ASC LIMIT 1`
		if err := tx.QueryRowContext(ctx, pick).Scan(&j.Node); err != nil {
			return fmt.Errorf("pick node: %w", err)
		}

		const ins = `INSERT INTO jobs (id, principal, competition_id, project_id, expected_seconds, status, node, code_path, created_at)
VALUES (?, ?, ?, ?, ?, 'queued', ?, ?, ?)`
		if _, err := tx.ExecContext(ctx, ins, j.ID, j.Principal, j.CompetitionID, j.ProjectID,
			j.ExpectedSeconds, j.Node, j.CodePath, j.CreatedAt); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}

		const bump = `UPDATE nodes SET projected_seconds = projected_seconds + ? WHERE node=?`
		if _, err := tx.ExecContext(ctx, bump, j.ExpectedSeconds, j.Node); err != nil {
			return fmt.Errorf("bump node load: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.Job{}, storageErr("jobs.admit", err)
	}
	return j, nil
}

// Claim atomically leases the node's oldest queued job, transitioning it to
// launching with started_at set and the cancel flag cleared. Returns
// ErrNotFound when the node's queue is empty.
func (r *JobRepo) Claim(ctx domain.Context, node int) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Claim")
	defer span.End()

	var claimed domain.Job
	now := time.Now().UTC()
	err := r.store.WithTx(ctx, func(tx *sql.Tx) error {
		const sel = `SELECT id FROM jobs WHERE node=? AND status='queued' ORDER BY created_at ASC, id ASC LIMIT 1`
		var id string
		err := tx.QueryRowContext(ctx, sel, node).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("select queued: %w", err)
		}

		const upd = `UPDATE jobs SET status='launching', started_at=?, cancel_requested=0 WHERE id=? AND status='queued'`
		res, err := tx.ExecContext(ctx, upd, now, id)
		if err != nil {
			return fmt.Errorf("claim job: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return domain.ErrNotFound
		}

		q := `SELECT ` + jobColumns + ` FROM jobs WHERE id=?`
		j, err := scanJob(tx.QueryRowContext(ctx, q, id))
		if err != nil {
			return fmt.Errorf("load claimed: %w", err)
		}
		claimed = j
		return nil
	})
	if err != nil {
		return domain.Job{}, storageErr("jobs.claim", err)
	}
	return claimed, nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()

	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id=?`
	j, err := scanJob(r.store.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, fmt.Errorf("op=jobs.get: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.Job{}, storageErr("jobs.get", err)
	}
	return j, nil
}

// List returns jobs matching the filter, newest first.
func (r *JobRepo) List(ctx domain.Context, f domain.JobFilter) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.List")
	defer span.End()

	var (
		conds []string
		args  []any
	)
	if f.Principal != "" {
		conds = append(conds, "principal=?")
		args = append(args, f.Principal)
	}
	if f.Status != "" {
		if !f.Status.Valid() {
			return nil, fmt.Errorf("op=jobs.list: %w: status %q", domain.ErrInvalidArgument, f.Status)
		}
		conds = append(conds, "status=?")
		args = append(args, string(f.Status))
	}
	q := `SELECT ` + jobColumns + ` FROM jobs`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY created_at DESC"
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	q += fmt.Sprintf(" LIMIT %d", limit)

	return r.queryJobs(ctx, "jobs.list", q, args...)
}

// ListActive returns all jobs in an active status, oldest first.
func (r *JobRepo) ListActive(ctx domain.Context) ([]domain.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE status IN ('queued','launching','running','retrieving') ORDER BY created_at ASC`
	return r.queryJobs(ctx, "jobs.list_active", q)
}

// ListForReconcile returns this node's jobs left mid-flight by a previous
// process, oldest first.
func (r *JobRepo) ListForReconcile(ctx domain.Context, node int) ([]domain.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE node=? AND status IN ('launching','running','retrieving') ORDER BY created_at ASC`
	return r.queryJobs(ctx, "jobs.list_reconcile", q, node)
}

func (r *JobRepo) queryJobs(ctx domain.Context, op, q string, args ...any) ([]domain.Job, error) {
	rows, err := r.store.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer rows.Close()

	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, storageErr(op, err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(op, err)
	}
	return out, nil
}

// SetStatus transitions a job to status without touching outputs.
func (r *JobRepo) SetStatus(ctx domain.Context, id string, status domain.JobStatus) error {
	if !status.Valid() {
		return fmt.Errorf("op=jobs.set_status: %w: %q", domain.ErrInvalidArgument, status)
	}
	const upd = `UPDATE jobs SET status=? WHERE id=?`
	res, err := r.store.db.ExecContext(ctx, upd, string(status), id)
	if err != nil {
		return storageErr("jobs.set_status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("op=jobs.set_status: %w", domain.ErrNotFound)
	}
	return nil
}

// MarkRunning persists the captured remote pid and the running status.
func (r *JobRepo) MarkRunning(ctx domain.Context, id string, pid int) error {
	const upd = `UPDATE jobs SET remote_pid=?, status='running' WHERE id=?`
	res, err := r.store.db.ExecContext(ctx, upd, pid, id)
	if err != nil {
		return storageErr("jobs.mark_running", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("op=jobs.mark_running: %w", domain.ErrNotFound)
	}
	return nil
}

// RequestCancel flags a launching or running job for cancellation; the
// owning worker observes the flag at its next supervision boundary.
func (r *JobRepo) RequestCancel(ctx domain.Context, id string) error {
	const upd = `UPDATE jobs SET cancel_requested=1 WHERE id=? AND status IN ('launching','running')`
	res, err := r.store.db.ExecContext(ctx, upd, id)
	if err != nil {
		return storageErr("jobs.request_cancel", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("op=jobs.request_cancel: %w", domain.ErrNotFound)
	}
	return nil
}

// CancelQueued removes a queued job from the ready view and releases its
// declared budget from the node's projected queue time, atomically.
func (r *JobRepo) CancelQueued(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CancelQueued")
	defer span.End()

	now := time.Now().UTC()
	err := r.store.WithTx(ctx, func(tx *sql.Tx) error {
		var node, expected int
		const sel = `SELECT node, expected_seconds FROM jobs WHERE id=? AND status='queued'`
		err := tx.QueryRowContext(ctx, sel, id).Scan(&node, &expected)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("select queued: %w", err)
		}

		const upd = `UPDATE jobs SET status='cancelled', finished_at=? WHERE id=? AND status='queued'`
		res, err := tx.ExecContext(ctx, upd, now, id)
		if err != nil {
			return fmt.Errorf("cancel queued: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return domain.ErrNotFound
		}

		const rel = `UPDATE nodes SET projected_seconds = MAX(0, projected_seconds - ?) WHERE node=?`
		if _, err := tx.ExecContext(ctx, rel, expected, node); err != nil {
			return fmt.Errorf("release node load: %w", err)
		}
		return nil
	})
	return storageErr("jobs.cancel_queued", err)
}

// Finalize records outputs and the terminal status, stamps finished_at and
// releases the job's declared budget from the node, in one transaction.
// The job must still be in an active status; otherwise ErrTerminalState.
func (r *JobRepo) Finalize(ctx domain.Context, id string, status domain.JobStatus, outcome domain.Outcome) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Finalize")
	defer span.End()

	if !status.Terminal() {
		return fmt.Errorf("op=jobs.finalize: %w: %q is not terminal", domain.ErrInvalidArgument, status)
	}
	now := time.Now().UTC()
	err := r.store.WithTx(ctx, func(tx *sql.Tx) error {
		var node, expected int
		const sel = `SELECT node, expected_seconds FROM jobs WHERE id=? AND status IN ('queued','launching','running','retrieving')`
		err := tx.QueryRowContext(ctx, sel, id).Scan(&node, &expected)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrTerminalState
		}
		if err != nil {
			return fmt.Errorf("select active: %w", err)
		}

		var exit any
		if outcome.ExitStatus != nil {
			exit = *outcome.ExitStatus
		}
		const upd = `UPDATE jobs SET status=?, stdout=?, stderr=?, result_data=?, exit_status=?, failure_cause=?, finished_at=? WHERE id=?`
		if _, err := tx.ExecContext(ctx, upd, string(status), outcome.Stdout, outcome.Stderr,
			outcome.ResultData, exit, outcome.Cause, now, id); err != nil {
			return fmt.Errorf("finalize job: %w", err)
		}

		const rel = `UPDATE nodes SET projected_seconds = MAX(0, projected_seconds - ?), busy=0, current_job_id='' WHERE node=?`
		if _, err := tx.ExecContext(ctx, rel, expected, node); err != nil {
			return fmt.Errorf("release node load: %w", err)
		}
		return nil
	})
	return storageErr("jobs.finalize", err)
}

// QueuePosition returns the 0-indexed position of a queued job within its
// node's FIFO, or -1 when the job is not queued.
func (r *JobRepo) QueuePosition(ctx domain.Context, id string) (int, error) {
	const q = `SELECT COUNT(*) FROM jobs q
JOIN jobs j ON j.id=?
WHERE q.node=j.node AND q.status='queued' AND j.status='queued'
  AND (q.created_at < j.created_at OR (q.created_at = j.created_at AND q.id < j.id))`
	var ahead int
	if err := r.store.db.QueryRowContext(ctx, q, id).Scan(&ahead); err != nil {
		return -1, storageErr("jobs.queue_position", err)
	}
	var status string
	if err := r.store.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id=?`, id).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return -1, fmt.Errorf("op=jobs.queue_position: %w", domain.ErrNotFound)
		}
		return -1, storageErr("jobs.queue_position", err)
	}
	if domain.JobStatus(status) != domain.JobQueued {
		return -1, nil
	}
	return ahead, nil
}

// CountByStatus returns job counts grouped by status, optionally filtered by
// principal.
func (r *JobRepo) CountByStatus(ctx domain.Context, principal string) (map[domain.JobStatus]int, error) {
	q := `SELECT status, COUNT(*) FROM jobs`
	var args []any
	if principal != "" {
		q += ` WHERE principal=?`
		args = append(args, principal)
	}
	q += ` GROUP BY status`
	rows, err := r.store.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storageErr("jobs.count_by_status", err)
	}
	defer rows.Close()

	out := make(map[domain.JobStatus]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, storageErr("jobs.count_by_status", err)
		}
		out[domain.JobStatus(st)] = n
	}
	return out, rows.Err()
}

// RecentTerminal returns the last terminal jobs, newest first, optionally
// filtered by principal.
func (r *JobRepo) RecentTerminal(ctx domain.Context, principal string, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 10
	}
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE status IN ('completed','failed','cancelled','lost')`
	var args []any
	if principal != "" {
		q += ` AND principal=?`
		args = append(args, principal)
	}
	q += fmt.Sprintf(` ORDER BY finished_at DESC LIMIT %d`, limit)
	return r.queryJobs(ctx, "jobs.recent_terminal", q, args...)
}

// SubmittedSince counts submissions created at or after since, optionally
// filtered by principal.
func (r *JobRepo) SubmittedSince(ctx domain.Context, principal string, since time.Time) (int, error) {
	q := `SELECT COUNT(*) FROM jobs WHERE created_at >= ?`
	args := []any{since.UTC()}
	if principal != "" {
		q += ` AND principal=?`
		args = append(args, principal)
	}
	var n int
	if err := r.store.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, storageErr("jobs.submitted_since", err)
	}
	return n, nil
}

// DeleteTerminalBefore removes terminal jobs finished before cutoff and
// returns their local code artifact paths so the caller can clean them up.
func (r *JobRepo) DeleteTerminalBefore(ctx domain.Context, cutoff time.Time) ([]string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.DeleteTerminalBefore")
	defer span.End()

	var paths []string
	err := r.store.WithTx(ctx, func(tx *sql.Tx) error {
		const sel = `SELECT code_path FROM jobs WHERE status IN ('completed','failed','cancelled','lost') AND finished_at IS NOT NULL AND finished_at < ?`
		rows, err := tx.QueryContext(ctx, sel, cutoff.UTC())
		if err != nil {
			return fmt.Errorf("select expired: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var p string
			if err := rows.Scan(&p); err != nil {
				return fmt.Errorf("scan expired: %w", err)
			}
			if p != "" {
				paths = append(paths, p)
			}
		}
		if err := rows.Err(); err != nil {
			return err
		}

		const del = `DELETE FROM jobs WHERE status IN ('completed','failed','cancelled','lost') AND finished_at IS NOT NULL AND finished_at < ?`
		if _, err := tx.ExecContext(ctx, del, cutoff.UTC()); err != nil {
			return fmt.Errorf("delete expired: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, storageErr("jobs.delete_terminal_before", err)
	}
	return paths, nil
}
