package usecase

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gradelab/gpuqueue/internal/domain"
)

// fakeStore is an in-memory stand-in for the SQLite repositories, good
// enough for service-level behavior tests.
type fakeStore struct {
	mu    sync.Mutex
	jobs  map[string]*domain.Job
	nodes map[int]*domain.NodeState
	creds map[string]*domain.Credential
}

func newFakeStore(numNodes int) *fakeStore {
	s := &fakeStore{
		jobs:  make(map[string]*domain.Job),
		nodes: make(map[int]*domain.NodeState),
		creds: make(map[string]*domain.Credential),
	}
	for i := 0; i < numNodes; i++ {
		s.nodes[i] = &domain.NodeState{Node: i, Address: "10.0.0.1:22", Reachable: true}
	}
	return s
}

func (s *fakeStore) Admit(_ domain.Context, j domain.Job, maxActive int) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	active := 0
	for _, e := range s.jobs {
		if e.Principal == j.Principal && e.Status.Active() {
			active++
		}
	}
	if active >= maxActive {
		return domain.Job{}, domain.ErrActiveJobExists
	}
	best := -1
	for i := 0; i < len(s.nodes); i++ {
		if best == -1 || s.nodes[i].ProjectedSeconds < s.nodes[best].ProjectedSeconds {
			best = i
		}
	}
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	j.Node = best
	j.Status = domain.JobQueued
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	s.nodes[best].ProjectedSeconds += j.ExpectedSeconds
	cp := j
	s.jobs[j.ID] = &cp
	return j, nil
}

func (s *fakeStore) Claim(_ domain.Context, node int) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var oldest *domain.Job
	for _, j := range s.jobs {
		if j.Node == node && j.Status == domain.JobQueued {
			if oldest == nil || j.CreatedAt.Before(oldest.CreatedAt) {
				oldest = j
			}
		}
	}
	if oldest == nil {
		return domain.Job{}, domain.ErrNotFound
	}
	now := time.Now().UTC()
	oldest.Status = domain.JobLaunching
	oldest.StartedAt = &now
	oldest.CancelRequested = false
	return *oldest, nil
}

func (s *fakeStore) Get(_ domain.Context, id string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("%w: job %s", domain.ErrNotFound, id)
	}
	return *j, nil
}

func (s *fakeStore) List(_ domain.Context, f domain.JobFilter) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Job
	for _, j := range s.jobs {
		if f.Principal != "" && j.Principal != f.Principal {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *fakeStore) ListActive(ctx domain.Context) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Job
	for _, j := range s.jobs {
		if j.Status.Active() {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (s *fakeStore) ListForReconcile(_ domain.Context, node int) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Job
	for _, j := range s.jobs {
		if j.Node == node && j.Status != domain.JobQueued && j.Status.Active() {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (s *fakeStore) SetStatus(_ domain.Context, id string, status domain.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	j.Status = status
	return nil
}

func (s *fakeStore) MarkRunning(_ domain.Context, id string, pid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	j.RemotePID = &pid
	j.Status = domain.JobRunning
	return nil
}

func (s *fakeStore) RequestCancel(_ domain.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || (j.Status != domain.JobLaunching && j.Status != domain.JobRunning) {
		return domain.ErrNotFound
	}
	j.CancelRequested = true
	return nil
}

func (s *fakeStore) CancelQueued(_ domain.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != domain.JobQueued {
		return domain.ErrNotFound
	}
	now := time.Now().UTC()
	j.Status = domain.JobCancelled
	j.FinishedAt = &now
	s.nodes[j.Node].ProjectedSeconds -= j.ExpectedSeconds
	return nil
}

func (s *fakeStore) Finalize(_ domain.Context, id string, status domain.JobStatus, o domain.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if j.Status.Terminal() {
		return domain.ErrTerminalState
	}
	now := time.Now().UTC()
	j.Status = status
	j.Stdout, j.Stderr, j.ResultData = o.Stdout, o.Stderr, o.ResultData
	j.ExitStatus = o.ExitStatus
	j.FailureCause = o.Cause
	j.FinishedAt = &now
	n := s.nodes[j.Node]
	n.ProjectedSeconds -= j.ExpectedSeconds
	n.Busy = false
	n.CurrentJobID = ""
	return nil
}

func (s *fakeStore) QueuePosition(_ domain.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return -1, domain.ErrNotFound
	}
	if j.Status != domain.JobQueued {
		return -1, nil
	}
	pos := 0
	for _, o := range s.jobs {
		if o.Node == j.Node && o.Status == domain.JobQueued && o.CreatedAt.Before(j.CreatedAt) {
			pos++
		}
	}
	return pos, nil
}

func (s *fakeStore) CountByStatus(_ domain.Context, principal string) (map[domain.JobStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[domain.JobStatus]int)
	for _, j := range s.jobs {
		if principal != "" && j.Principal != principal {
			continue
		}
		out[j.Status]++
	}
	return out, nil
}

func (s *fakeStore) RecentTerminal(_ domain.Context, principal string, limit int) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Job
	for _, j := range s.jobs {
		if !j.Status.Terminal() {
			continue
		}
		if principal != "" && j.Principal != principal {
			continue
		}
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) SubmittedSince(_ domain.Context, principal string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if principal != "" && j.Principal != principal {
			continue
		}
		if !j.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) DeleteTerminalBefore(_ domain.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var paths []string
	for id, j := range s.jobs {
		if j.Status.Terminal() && j.FinishedAt != nil && j.FinishedAt.Before(cutoff) {
			if j.CodePath != "" {
				paths = append(paths, j.CodePath)
			}
			delete(s.jobs, id)
		}
	}
	return paths, nil
}

// NodeRepository.

func (s *fakeStore) EnsureNodes(_ domain.Context, addresses []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, a := range addresses {
		if n, ok := s.nodes[i]; ok {
			n.Address = a
		} else {
			s.nodes[i] = &domain.NodeState{Node: i, Address: a, Reachable: true}
		}
	}
	return nil
}

func (s *fakeStore) GetNode(_ domain.Context, node int) (domain.NodeState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[node]
	if !ok {
		return domain.NodeState{}, domain.ErrNotFound
	}
	return *n, nil
}

func (s *fakeStore) ListAll(_ domain.Context) ([]domain.NodeState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.NodeState, 0, len(s.nodes))
	for i := 0; i < len(s.nodes); i++ {
		out = append(out, *s.nodes[i])
	}
	return out, nil
}

func (s *fakeStore) SetBusy(_ domain.Context, node int, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[node].Busy = true
	s.nodes[node].CurrentJobID = jobID
	return nil
}

func (s *fakeStore) SetIdle(_ domain.Context, node int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[node].Busy = false
	s.nodes[node].CurrentJobID = ""
	return nil
}

func (s *fakeStore) SetReachable(_ domain.Context, node int, reachable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[node].Reachable = reachable
	return nil
}

// nodeRepoView adapts fakeStore to domain.NodeRepository (Get name clash).
type nodeRepoView struct{ s *fakeStore }

func (v nodeRepoView) EnsureNodes(ctx domain.Context, addresses []string) error {
	return v.s.EnsureNodes(ctx, addresses)
}
func (v nodeRepoView) Get(ctx domain.Context, node int) (domain.NodeState, error) {
	return v.s.GetNode(ctx, node)
}
func (v nodeRepoView) ListAll(ctx domain.Context) ([]domain.NodeState, error) {
	return v.s.ListAll(ctx)
}
func (v nodeRepoView) SetBusy(ctx domain.Context, node int, jobID string) error {
	return v.s.SetBusy(ctx, node, jobID)
}
func (v nodeRepoView) SetIdle(ctx domain.Context, node int) error { return v.s.SetIdle(ctx, node) }
func (v nodeRepoView) SetReachable(ctx domain.Context, node int, reachable bool) error {
	return v.s.SetReachable(ctx, node, reachable)
}

// CredentialRepository.

func (s *fakeStore) Insert(_ domain.Context, c domain.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.creds {
		if e.Principal == c.Principal {
			e.Active = false
		}
	}
	cp := c
	s.creds[c.Hash] = &cp
	return nil
}

func (s *fakeStore) LookupByHash(_ domain.Context, hash string) (domain.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[hash]
	if !ok {
		return domain.Credential{}, domain.ErrNotFound
	}
	return *c, nil
}

func (s *fakeStore) Deactivate(_ domain.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[hash]
	if !ok {
		return domain.ErrNotFound
	}
	c.Active = false
	return nil
}

func (s *fakeStore) ListAllCreds(_ domain.Context) ([]domain.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Credential, 0, len(s.creds))
	for _, c := range s.creds {
		out = append(out, *c)
	}
	return out, nil
}

// credRepoView adapts fakeStore to domain.CredentialRepository.
type credRepoView struct{ s *fakeStore }

func (v credRepoView) Insert(ctx domain.Context, c domain.Credential) error {
	return v.s.Insert(ctx, c)
}
func (v credRepoView) LookupByHash(ctx domain.Context, hash string) (domain.Credential, error) {
	return v.s.LookupByHash(ctx, hash)
}
func (v credRepoView) Deactivate(ctx domain.Context, hash string) error {
	return v.s.Deactivate(ctx, hash)
}
func (v credRepoView) ListAll(ctx domain.Context) ([]domain.Credential, error) {
	return v.s.ListAllCreds(ctx)
}

// allowAll is a scanner fake admitting everything.
type allowAll struct{}

func (allowAll) Scan(domain.Context, []byte, string) error { return nil }

// rejectAll is a scanner fake rejecting everything.
type rejectAll struct{}

func (rejectAll) Scan(domain.Context, []byte, string) error {
	return fmt.Errorf("%w: dangerous construct", domain.ErrScannerReject)
}
