package usecase

import (
	"errors"
	"fmt"

	"github.com/gradelab/gpuqueue/internal/domain"
)

// JobService answers status, results, cancel and list requests with the
// ownership rules applied: non-admins see only their own jobs, and reads of
// foreign jobs do not reveal existence.
type JobService struct {
	Jobs  domain.JobRepository
	Nodes domain.NodeRepository
}

// NewJobService constructs a JobService.
func NewJobService(jobs domain.JobRepository, nodes domain.NodeRepository) JobService {
	return JobService{Jobs: jobs, Nodes: nodes}
}

// JobView is a job plus its queue position (-1 when not queued).
type JobView struct {
	Job           domain.Job
	QueuePosition int
}

func (s JobService) visible(ctx domain.Context, ident domain.Identity, id string) (domain.Job, error) {
	job, err := s.Jobs.Get(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if job.Principal != ident.Principal && !ident.Admin {
		// Existence of foreign jobs is hidden.
		return domain.Job{}, fmt.Errorf("%w: job %s", domain.ErrNotFound, id)
	}
	return job, nil
}

// Status returns the job and, while queued, its position in the node's FIFO.
func (s JobService) Status(ctx domain.Context, ident domain.Identity, id string) (JobView, error) {
	job, err := s.visible(ctx, ident, id)
	if err != nil {
		return JobView{}, err
	}
	pos := -1
	if job.Status == domain.JobQueued {
		if pos, err = s.Jobs.QueuePosition(ctx, id); err != nil {
			pos = -1
		}
	}
	return JobView{Job: job, QueuePosition: pos}, nil
}

// Results returns the job with its retrieved outputs. Callers receive the
// current state whether or not the job is terminal; outputs are populated
// only once retrieval finished.
func (s JobService) Results(ctx domain.Context, ident domain.Identity, id string) (domain.Job, error) {
	return s.visible(ctx, ident, id)
}

// Cancel applies the cancellation taxonomy: queued jobs leave the ready view
// synchronously; launching and running jobs are flagged for their worker;
// anything later is too late. Foreign jobs yield ErrForbidden, not 404: the
// operation names the resource explicitly.
func (s JobService) Cancel(ctx domain.Context, ident domain.Identity, id string) (domain.Job, error) {
	job, err := s.Jobs.Get(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if job.Principal != ident.Principal && !ident.Admin {
		return domain.Job{}, fmt.Errorf("%w: job %s belongs to another principal", domain.ErrForbidden, id)
	}

	switch {
	case job.Status == domain.JobQueued:
		err := s.Jobs.CancelQueued(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			// A worker claimed the job between the read and the cancel.
			// Re-read and treat it as in flight rather than missing.
			if job, err = s.Jobs.Get(ctx, id); err != nil {
				return domain.Job{}, err
			}
			if job.Status != domain.JobLaunching && job.Status != domain.JobRunning {
				return domain.Job{}, fmt.Errorf("%w: job is %s", domain.ErrTerminalState, job.Status)
			}
			err = s.Jobs.RequestCancel(ctx, id)
		}
		if err != nil {
			return domain.Job{}, err
		}
	case job.Status == domain.JobLaunching || job.Status == domain.JobRunning:
		if err := s.Jobs.RequestCancel(ctx, id); err != nil {
			return domain.Job{}, err
		}
	default:
		return domain.Job{}, fmt.Errorf("%w: job is %s", domain.ErrTerminalState, job.Status)
	}
	return s.Jobs.Get(ctx, id)
}

// List returns job summaries. Non-admins are pinned to their own principal;
// admins may filter by any principal or none.
func (s JobService) List(ctx domain.Context, ident domain.Identity, f domain.JobFilter) ([]domain.JobSummary, error) {
	if !ident.Admin {
		f.Principal = ident.Principal
	}
	jobs, err := s.Jobs.List(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]domain.JobSummary, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Summary())
	}
	return out, nil
}

// NodesOverview returns every node with its live queue depth.
func (s JobService) NodesOverview(ctx domain.Context) ([]NodeOverview, error) {
	nodes, err := s.Nodes.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	queued, err := s.Jobs.List(ctx, domain.JobFilter{Status: domain.JobQueued, Limit: 500})
	if err != nil {
		return nil, err
	}
	depth := make(map[int]int)
	for _, j := range queued {
		depth[j.Node]++
	}
	out := make([]NodeOverview, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, NodeOverview{NodeState: n, QueueDepth: depth[n.Node]})
	}
	return out, nil
}

// NodeOverview is a node's durable state plus its live queue depth.
type NodeOverview struct {
	domain.NodeState
	QueueDepth int
}
