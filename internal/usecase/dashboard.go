package usecase

import (
	"time"

	"github.com/gradelab/gpuqueue/internal/domain"
)

// DashboardService assembles the single-snapshot operator view.
type DashboardService struct {
	Jobs    domain.JobRepository
	Nodes   domain.NodeRepository
	RecentK int
}

// NewDashboardService constructs a DashboardService. recentK bounds the
// recent-terminal listing and the success-ratio window.
func NewDashboardService(jobs domain.JobRepository, nodes domain.NodeRepository, recentK int) DashboardService {
	if recentK <= 0 {
		recentK = 20
	}
	return DashboardService{Jobs: jobs, Nodes: nodes, RecentK: recentK}
}

// Dashboard is one consistent snapshot of the system.
type Dashboard struct {
	Counts         map[domain.JobStatus]int `json:"counts"`
	Nodes          []DashboardNode          `json:"nodes"`
	ActiveJobs     []DashboardActiveJob     `json:"active_jobs"`
	RecentTerminal []domain.JobSummary      `json:"recent_terminal"`
	Health         DashboardHealth          `json:"health"`
}

// DashboardNode is the per-node queue descriptor.
type DashboardNode struct {
	Node             int                `json:"node"`
	QueueSize        int                `json:"queue_size"`
	ProjectedSeconds int                `json:"projected_seconds"`
	Busy             bool               `json:"busy"`
	Reachable        bool               `json:"reachable"`
	CurrentJob       *domain.JobSummary `json:"current_job,omitempty"`
}

// DashboardActiveJob is an active job with its queue position.
type DashboardActiveJob struct {
	domain.JobSummary
	QueuePosition int `json:"queue_position"`
}

// DashboardHealth carries the aggregate indicators.
type DashboardHealth struct {
	NodeUtilizationPct   float64 `json:"node_utilization_pct"`
	AvgProjectedSeconds  float64 `json:"avg_projected_seconds"`
	SuccessRatio         float64 `json:"success_ratio"`
	SubmissionsLast24h   int     `json:"submissions_last_24h"`
	ReachableNodes       int     `json:"reachable_nodes"`
	TotalNodes           int     `json:"total_nodes"`
	TerminalSampleWindow int     `json:"terminal_sample_window"`
}

// Snapshot builds the dashboard. Non-admins see counts, active jobs and
// recent terminals filtered to their own principal; node and health
// aggregates are global.
func (s DashboardService) Snapshot(ctx domain.Context, ident domain.Identity) (Dashboard, error) {
	scope := ident.Principal
	if ident.Admin {
		scope = ""
	}

	counts, err := s.Jobs.CountByStatus(ctx, scope)
	if err != nil {
		return Dashboard{}, err
	}

	nodes, err := s.Nodes.ListAll(ctx)
	if err != nil {
		return Dashboard{}, err
	}

	active, err := s.Jobs.ListActive(ctx)
	if err != nil {
		return Dashboard{}, err
	}

	queueDepth := make(map[int]int)
	current := make(map[string]domain.JobSummary)
	var activeView []DashboardActiveJob
	for _, j := range active {
		if j.Status == domain.JobQueued {
			queueDepth[j.Node]++
		}
		current[j.ID] = j.Summary()
		if scope != "" && j.Principal != scope {
			continue
		}
		pos := -1
		if j.Status == domain.JobQueued {
			if p, err := s.Jobs.QueuePosition(ctx, j.ID); err == nil {
				pos = p
			}
		}
		activeView = append(activeView, DashboardActiveJob{JobSummary: j.Summary(), QueuePosition: pos})
	}

	var (
		nodeView   []DashboardNode
		busyCount  int
		reachable  int
		totalProj  int
		totalNodes = len(nodes)
	)
	for _, n := range nodes {
		dn := DashboardNode{
			Node:             n.Node,
			QueueSize:        queueDepth[n.Node],
			ProjectedSeconds: n.ProjectedSeconds,
			Busy:             n.Busy,
			Reachable:        n.Reachable,
		}
		if n.CurrentJobID != "" {
			if sum, ok := current[n.CurrentJobID]; ok {
				dn.CurrentJob = &sum
			}
		}
		if n.Busy {
			busyCount++
		}
		if n.Reachable {
			reachable++
		}
		totalProj += n.ProjectedSeconds
		nodeView = append(nodeView, dn)
	}

	recentK := s.RecentK
	if recentK <= 0 {
		recentK = 20
	}
	recent, err := s.Jobs.RecentTerminal(ctx, scope, recentK)
	if err != nil {
		return Dashboard{}, err
	}
	var recentView []domain.JobSummary
	completed := 0
	for _, j := range recent {
		recentView = append(recentView, j.Summary())
		if j.Status == domain.JobCompleted {
			completed++
		}
	}

	subs, err := s.Jobs.SubmittedSince(ctx, scope, time.Now().Add(-24*time.Hour))
	if err != nil {
		return Dashboard{}, err
	}

	health := DashboardHealth{
		SubmissionsLast24h:   subs,
		ReachableNodes:       reachable,
		TotalNodes:           totalNodes,
		TerminalSampleWindow: recentK,
	}
	if totalNodes > 0 {
		health.NodeUtilizationPct = 100 * float64(busyCount) / float64(totalNodes)
		health.AvgProjectedSeconds = float64(totalProj) / float64(totalNodes)
	}
	if len(recent) > 0 {
		health.SuccessRatio = float64(completed) / float64(len(recent))
	}

	return Dashboard{
		Counts:         counts,
		Nodes:          nodeView,
		ActiveJobs:     activeView,
		RecentTerminal: recentView,
		Health:         health,
	}, nil
}
