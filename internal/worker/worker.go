// Package worker runs one supervisor goroutine per compute node. A worker
// claims its node's oldest queued job, launches it detached on the node,
// supervises the remote pid, retrieves outputs and finalizes the record.
// Jobs survive dispatcher restarts and transport drops: the remote process
// keeps running and the worker re-attaches from the persisted pid.
package worker

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gradelab/gpuqueue/internal/domain"
)

// Options carries per-worker policy.
type Options struct {
	Node          int
	RemoteWorkDir string
	GraderCommand string

	PollInterval        time.Duration
	IdleSleep           time.Duration
	WallClockMultiplier int
	RetrieveMaxAttempts int

	RestartWorkspace     bool
	ContainerPrefix      string
	WorkspaceRestart     time.Duration
	JobsDir              string
	ReconnectMaxAttempts int
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.IdleSleep <= 0 {
		o.IdleSleep = time.Second
	}
	if o.WallClockMultiplier <= 0 {
		o.WallClockMultiplier = 2
	}
	if o.RetrieveMaxAttempts <= 0 {
		o.RetrieveMaxAttempts = 5
	}
	if o.ReconnectMaxAttempts <= 0 {
		o.ReconnectMaxAttempts = 5
	}
	return o
}

// Worker supervises one node.
type Worker struct {
	opts      Options
	jobs      domain.JobRepository
	nodes     domain.NodeRepository
	transport domain.Transport
	log       *slog.Logger
	metrics   Metrics
}

// Metrics is the hook the observability layer implements; a zero value is
// safe to use.
type Metrics interface {
	JobFinalized(node int, status domain.JobStatus, wallClock time.Duration)
	NodeReachable(node int, reachable bool)
}

type nopMetrics struct{}

func (nopMetrics) JobFinalized(int, domain.JobStatus, time.Duration) {}
func (nopMetrics) NodeReachable(int, bool)                           {}

// New constructs a Worker.
func New(opts Options, jobs domain.JobRepository, nodes domain.NodeRepository, t domain.Transport, m Metrics, log *slog.Logger) *Worker {
	if m == nil {
		m = nopMetrics{}
	}
	return &Worker{
		opts:      opts.withDefaults(),
		jobs:      jobs,
		nodes:     nodes,
		transport: t,
		log:       log.With(slog.Int("node", opts.Node)),
		metrics:   m,
	}
}

// Run is the worker loop. It reconciles jobs left mid-flight by a previous
// process, then claims and processes jobs until ctx is done.
func (w *Worker) Run(ctx domain.Context) {
	w.ensureConnected(ctx)
	w.reconcile(ctx)

	for {
		select {
		case <-ctx.Done():
			_ = w.transport.Close()
			return
		default:
		}

		job, err := w.jobs.Claim(ctx, w.opts.Node)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				w.log.Error("claim failed", slog.String("error", err.Error()))
			}
			w.sleep(ctx, w.opts.IdleSleep)
			continue
		}
		w.process(ctx, job)
	}
}

// ensureConnected blocks until the transport answers, marking the node
// unreachable while it does not.
func (w *Worker) ensureConnected(ctx domain.Context) bool {
	if w.transport.Alive(ctx) {
		return true
	}
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return false
		}
		if err := w.transport.Connect(ctx); err == nil {
			_ = w.nodes.SetReachable(ctx, w.opts.Node, true)
			w.metrics.NodeReachable(w.opts.Node, true)
			return true
		} else {
			w.log.Warn("node unreachable", slog.Int("attempt", attempt), slog.String("error", err.Error()))
		}
		_ = w.nodes.SetReachable(ctx, w.opts.Node, false)
		w.metrics.NodeReachable(w.opts.Node, false)
		if attempt >= w.opts.ReconnectMaxAttempts {
			return false
		}
		w.sleep(ctx, time.Duration(attempt)*2*time.Second)
	}
}

// reconcile re-attaches to jobs this node left in flight: with a recorded
// pid supervision resumes; without one the launch outcome is unknowable and
// the job is lost.
func (w *Worker) reconcile(ctx domain.Context) {
	left, err := w.jobs.ListForReconcile(ctx, w.opts.Node)
	if err != nil {
		w.log.Error("reconcile listing failed", slog.String("error", err.Error()))
		return
	}
	for _, job := range left {
		if job.RemotePID == nil {
			w.log.Warn("reconcile: no pid recorded, marking lost", slog.String("job_id", job.ID))
			w.finalize(ctx, job, domain.JobLost, domain.Outcome{
				Cause: "dispatcher restarted before launch completed",
			})
			continue
		}
		w.log.Info("reconcile: resuming supervision",
			slog.String("job_id", job.ID), slog.Int("pid", *job.RemotePID))
		w.superviseAndFinish(ctx, job, *job.RemotePID)
	}
}

func (w *Worker) process(ctx domain.Context, job domain.Job) {
	log := w.log.With(slog.String("job_id", job.ID))
	_ = w.nodes.SetBusy(ctx, w.opts.Node, job.ID)

	if !w.ensureConnected(ctx) {
		w.finalize(ctx, job, domain.JobLost, domain.Outcome{Cause: "node unreachable at launch"})
		return
	}

	if w.opts.RestartWorkspace {
		w.restartWorkspace(ctx)
	}

	// A cancel may have landed between claim and launch.
	if cur, err := w.jobs.Get(ctx, job.ID); err == nil && cur.CancelRequested {
		log.Info("cancelled before launch")
		w.finalize(ctx, job, domain.JobCancelled, domain.Outcome{Cause: "cancelled before launch"})
		return
	}

	pid, err := w.launch(ctx, job)
	if err != nil {
		log.Error("launch failed", slog.String("error", err.Error()))
		w.finalize(ctx, job, domain.JobFailed, domain.Outcome{Cause: "launch failed: " + err.Error()})
		return
	}
	if err := w.jobs.MarkRunning(ctx, job.ID, pid); err != nil {
		log.Error("persisting pid failed", slog.String("error", err.Error()))
	}
	log.Info("job launched", slog.Int("pid", pid))

	w.superviseAndFinish(ctx, job, pid)
}

// launch uploads the code artifact and starts the grader detached,
// returning the remote pid.
func (w *Worker) launch(ctx domain.Context, job domain.Job) (int, error) {
	code, err := os.ReadFile(job.CodePath)
	if err != nil {
		return 0, fmt.Errorf("read code artifact: %w", err)
	}

	p := pathsFor(w.opts.RemoteWorkDir, job.ID)
	if _, _, _, err := w.transport.Exec(ctx, "mkdir -p "+w.opts.RemoteWorkDir, 30*time.Second); err != nil {
		return 0, fmt.Errorf("prepare work dir: %w", err)
	}
	if err := w.transport.PutFile(ctx, code, p.Solution); err != nil {
		return 0, fmt.Errorf("upload solution: %w", err)
	}

	cmd := launchCommand(w.opts.GraderCommand, p, job.CompetitionID)
	stdout, stderr, exit, err := w.transport.Exec(ctx, cmd, 60*time.Second)
	if err != nil {
		return 0, fmt.Errorf("launch command: %w", err)
	}
	if exit != 0 {
		return 0, fmt.Errorf("launch command exited %d: %s", exit, strings.TrimSpace(stderr))
	}
	return parsePID(stdout)
}

// superviseAndFinish watches the pid until it exits, is killed or exceeds
// its wall-clock budget, then retrieves outputs and finalizes.
func (w *Worker) superviseAndFinish(ctx domain.Context, job domain.Job, pid int) {
	started := time.Now()
	if job.StartedAt != nil {
		started = *job.StartedAt
	}
	budget := time.Duration(job.ExpectedSeconds*w.opts.WallClockMultiplier) * time.Second

	verdict := w.supervise(ctx, job, pid, started, budget)
	if verdict.shutdown {
		// The remote process is still healthy; leave the row in flight so
		// reconcile resumes supervision from the persisted pid.
		w.log.Info("shutdown during supervision, leaving job in flight",
			slog.String("job_id", job.ID), slog.Int("pid", pid))
		return
	}
	w.retrieveAndFinalize(ctx, job, verdict)
}

// superviseVerdict says how supervision ended.
type superviseVerdict struct {
	cancelled bool
	timedOut  bool
	lost      bool
	shutdown  bool
	cause     string
}

func (w *Worker) supervise(ctx domain.Context, job domain.Job, pid int, started time.Time, budget time.Duration) superviseVerdict {
	log := w.log.With(slog.String("job_id", job.ID), slog.Int("pid", pid))
	checkFailures := 0

	for {
		select {
		case <-ctx.Done():
			return superviseVerdict{shutdown: true, cause: "dispatcher shutting down"}
		case <-time.After(w.opts.PollInterval):
		}

		if cur, err := w.jobs.Get(ctx, job.ID); err == nil && cur.CancelRequested {
			log.Info("cancel observed, killing remote process")
			if err := w.transport.KillPID(ctx, pid); err != nil {
				log.Warn("kill failed", slog.String("error", err.Error()))
			}
			return superviseVerdict{cancelled: true, cause: "cancelled by request"}
		}

		if time.Since(started) > budget {
			log.Warn("wall-clock budget exceeded, killing remote process",
				slog.Duration("budget", budget))
			if err := w.transport.KillPID(ctx, pid); err != nil {
				log.Warn("kill failed", slog.String("error", err.Error()))
			}
			return superviseVerdict{timedOut: true,
				cause: fmt.Sprintf("exceeded wall-clock budget of %s", budget)}
		}

		alive, err := w.transport.IsAlivePID(ctx, pid)
		if err != nil {
			checkFailures++
			log.Warn("liveness check failed",
				slog.Int("failures", checkFailures), slog.String("error", err.Error()))
			if checkFailures >= w.opts.ReconnectMaxAttempts {
				return superviseVerdict{lost: true, cause: "node unreachable during supervision"}
			}
			if !w.ensureConnected(ctx) {
				return superviseVerdict{lost: true, cause: "node unreachable during supervision"}
			}
			continue
		}
		checkFailures = 0
		if !alive {
			return superviseVerdict{}
		}
	}
}

// retrieveAndFinalize pulls the exit record and outputs with bounded
// retries, then writes the terminal state.
func (w *Worker) retrieveAndFinalize(ctx domain.Context, job domain.Job, verdict superviseVerdict) {
	log := w.log.With(slog.String("job_id", job.ID))
	_ = w.jobs.SetStatus(ctx, job.ID, domain.JobRetrieving)

	p := pathsFor(w.opts.RemoteWorkDir, job.ID)
	var (
		outcome   domain.Outcome
		retrieved bool
	)
	for attempt := 1; attempt <= w.opts.RetrieveMaxAttempts; attempt++ {
		if ctx.Err() != nil {
			break
		}
		if !w.transport.Alive(ctx) && !w.ensureConnected(ctx) {
			w.sleep(ctx, time.Duration(attempt)*5*time.Second)
			continue
		}
		results, rErr := w.transport.ReadFile(ctx, p.Results)
		stdout, oErr := w.transport.ReadFile(ctx, p.Stdout)
		stderr, eErr := w.transport.ReadFile(ctx, p.Stderr)
		exitRaw, xErr := w.transport.ReadFile(ctx, p.Exit)
		if rErr != nil || oErr != nil || eErr != nil || xErr != nil {
			log.Warn("output retrieval failed", slog.Int("attempt", attempt))
			w.sleep(ctx, time.Duration(attempt)*5*time.Second)
			continue
		}
		exit := parseExitFile(exitRaw)
		outcome = domain.Outcome{
			Stdout:     stdout,
			Stderr:     stderr,
			ResultData: results,
			ExitStatus: &exit,
		}
		retrieved = true
		break
	}

	status := domain.JobCompleted
	switch {
	case verdict.cancelled:
		status = domain.JobCancelled
		outcome.Cause = verdict.cause
	case verdict.timedOut:
		status = domain.JobFailed
		outcome.Cause = verdict.cause
	case verdict.lost || !retrieved:
		status = domain.JobLost
		if outcome.Cause = verdict.cause; outcome.Cause == "" {
			outcome.Cause = "output retrieval failed"
		}
		if outcome.ExitStatus == nil {
			unknown := domain.ExitUnknown
			outcome.ExitStatus = &unknown
		}
	case outcome.ExitStatus != nil && *outcome.ExitStatus == domain.ExitUnknown:
		status = domain.JobLost
		outcome.Cause = "process vanished without recording exit status"
	case outcome.ExitStatus != nil && *outcome.ExitStatus != 0:
		status = domain.JobFailed
		outcome.Cause = fmt.Sprintf("grader exited with status %d", *outcome.ExitStatus)
	}

	if retrieved {
		w.archiveResults(job, outcome.ResultData)
		if _, _, _, err := w.transport.Exec(ctx, cleanupCommand(p), 30*time.Second); err != nil {
			log.Warn("remote cleanup failed", slog.String("error", err.Error()))
		}
	}

	w.finalize(ctx, job, status, outcome)
}

func (w *Worker) finalize(ctx domain.Context, job domain.Job, status domain.JobStatus, outcome domain.Outcome) {
	if err := w.jobs.Finalize(ctx, job.ID, status, outcome); err != nil {
		w.log.Error("finalize failed",
			slog.String("job_id", job.ID), slog.String("error", err.Error()))
		return
	}
	wall := time.Duration(0)
	if job.StartedAt != nil {
		wall = time.Since(*job.StartedAt)
	}
	w.metrics.JobFinalized(w.opts.Node, status, wall)
	w.log.Info("job finalized",
		slog.String("job_id", job.ID),
		slog.String("status", string(status)),
		slog.Duration("wall_clock", wall))
}

// archiveResults keeps a local copy of the retrieved result artifact.
func (w *Worker) archiveResults(job domain.Job, results string) {
	if results == "" || w.opts.JobsDir == "" {
		return
	}
	name := fmt.Sprintf("%s_%s_%d.jsonl", job.Principal, job.CompetitionID, time.Now().Unix())
	path := filepath.Join(w.opts.JobsDir, name)
	if err := os.WriteFile(path, []byte(results), 0o640); err != nil {
		w.log.Warn("result archival failed", slog.String("error", err.Error()))
	}
}

// restartWorkspace asks the bastion to restart the node's container for a
// clean environment; failures are logged and ignored.
func (w *Worker) restartWorkspace(ctx domain.Context) {
	name := fmt.Sprintf("%s-%d", w.opts.ContainerPrefix, w.opts.Node)
	_, stderr, exit, err := w.transport.ExecOnBastion(ctx, "lxc restart "+name, 60*time.Second)
	if err != nil || exit != 0 {
		w.log.Warn("workspace restart failed",
			slog.String("container", name), slog.Int("exit", exit), slog.String("stderr", strings.TrimSpace(stderr)))
		return
	}
	w.sleep(ctx, w.opts.WorkspaceRestart)
	_ = w.transport.Close()
	w.ensureConnected(ctx)
}

func (w *Worker) sleep(ctx domain.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
