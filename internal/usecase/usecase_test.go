package usecase

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gradelab/gpuqueue/internal/domain"
)

func newSubmitService(t *testing.T, s *fakeStore, sc domain.Scanner, ratePerMin int) SubmitService {
	t.Helper()
	return NewSubmitService(s, sc, NewRateWindow(ratePerMin, time.Minute),
		t.TempDir(), 1, time.Second, slog.Default())
}

func validRequest(principal string) SubmitRequest {
	return SubmitRequest{
		Principal:       principal,
		CompetitionID:   "comp-a",
		ProjectID:       "proj-1",
		ExpectedSeconds: 120,
		Code:            []byte("model.fit(x, y)\n"),
	}
}

func TestAuthenticateLifecycle(t *testing.T) {
	s := newFakeStore(1)
	auth := NewAuthService(credRepoView{s}, 30*24*time.Hour)
	ctx := context.Background()

	_, err := auth.Authenticate(ctx, "")
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)

	_, err = auth.Authenticate(ctx, "never-issued")
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)

	_, err = auth.CreateCredential(ctx, "alice", "secret-1", 24*time.Hour, false)
	require.NoError(t, err)

	ident, err := auth.Authenticate(ctx, "secret-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", ident.Principal)
	assert.False(t, ident.Admin)

	// Issuing a second credential revokes the first.
	_, err = auth.CreateCredential(ctx, "alice", "secret-2", 24*time.Hour, true)
	require.NoError(t, err)
	_, err = auth.Authenticate(ctx, "secret-1")
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)

	ident, err = auth.Authenticate(ctx, "secret-2")
	require.NoError(t, err)
	assert.True(t, ident.Admin)

	require.NoError(t, auth.Revoke(ctx, "secret-2"))
	_, err = auth.Authenticate(ctx, "secret-2")
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
}

func TestCreateCredentialClampsValidity(t *testing.T) {
	s := newFakeStore(1)
	auth := NewAuthService(credRepoView{s}, 30*24*time.Hour)

	c, err := auth.CreateCredential(context.Background(), "alice", "secret", 365*24*time.Hour, false)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(30*24*time.Hour), c.ExpiresAt, time.Minute)

	// Zero validity gets the default maximum too.
	c, err = auth.CreateCredential(context.Background(), "bob", "secret-b", 0, false)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(30*24*time.Hour), c.ExpiresAt, time.Minute)
}

func TestAuthenticateRejectsExpired(t *testing.T) {
	s := newFakeStore(1)
	auth := NewAuthService(credRepoView{s}, 30*24*time.Hour)
	ctx := context.Background()

	hash := HashSecret("stale")
	require.NoError(t, credRepoView{s}.Insert(ctx, domain.Credential{
		Hash: hash, Principal: "alice", Active: true,
		CreatedAt: time.Now().Add(-48 * time.Hour),
		ExpiresAt: time.Now().Add(-time.Hour),
	}))

	_, err := auth.Authenticate(ctx, "stale")
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
}

func TestRateWindowSlidingBehavior(t *testing.T) {
	w := NewRateWindow(3, time.Minute)
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	now := base
	w.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		ok, _ := w.Allow("alice")
		require.True(t, ok)
	}
	ok, retry := w.Allow("alice")
	assert.False(t, ok)
	assert.Greater(t, retry, time.Duration(0))
	assert.LessOrEqual(t, retry, time.Minute+time.Second)

	// Other keys are independent.
	ok, _ = w.Allow("bob")
	assert.True(t, ok)

	// The window slides: after the oldest entry ages out, room returns.
	now = base.Add(61 * time.Second)
	ok, _ = w.Allow("alice")
	assert.True(t, ok)
	assert.Equal(t, 3, w.Count("alice"))
}

func TestSubmitHappyPath(t *testing.T) {
	s := newFakeStore(2)
	svc := newSubmitService(t, s, allowAll{}, 5)

	job, err := svc.Submit(context.Background(), domain.Identity{Principal: "alice"}, validRequest("alice"))
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, job.Status)
	assert.NotEmpty(t, job.ID)

	// Code artifact is on disk at the recorded path.
	data, err := os.ReadFile(job.CodePath)
	require.NoError(t, err)
	assert.Equal(t, "model.fit(x, y)\n", string(data))
	assert.Equal(t, filepath.Join(filepath.Dir(job.CodePath), job.ID+".py"), job.CodePath)
}

func TestSubmitPrincipalMismatch(t *testing.T) {
	s := newFakeStore(1)
	svc := newSubmitService(t, s, allowAll{}, 5)

	_, err := svc.Submit(context.Background(), domain.Identity{Principal: "mallory"}, validRequest("alice"))
	assert.ErrorIs(t, err, domain.ErrPrincipalMismatch)

	// Admins may submit on behalf of others.
	_, err = svc.Submit(context.Background(), domain.Identity{Principal: "ops", Admin: true}, validRequest("alice"))
	assert.NoError(t, err)
}

func TestSubmitScannerRejectConsumesNoRateSlot(t *testing.T) {
	s := newFakeStore(1)
	svc := newSubmitService(t, s, rejectAll{}, 1)

	_, err := svc.Submit(context.Background(), domain.Identity{Principal: "alice"}, validRequest("alice"))
	require.ErrorIs(t, err, domain.ErrScannerReject)
	assert.Zero(t, svc.Rate.Count("alice"), "rejected submissions must not consume the rate window")
}

func TestSubmitRateLimited(t *testing.T) {
	s := newFakeStore(8)
	svc := newSubmitService(t, s, allowAll{}, 1)
	ctx := context.Background()
	admin := domain.Identity{Principal: "ops", Admin: true}

	_, err := svc.Submit(ctx, admin, validRequest("ops"))
	require.NoError(t, err)

	// The window is consulted before admission, so the second attempt is
	// rate-limited rather than rejected on the concurrency cap.
	_, err = svc.Submit(ctx, admin, validRequest("ops"))
	require.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Greater(t, domain.RetryAfterOf(err), time.Duration(0))
}

func TestSubmitConcurrencyCap(t *testing.T) {
	s := newFakeStore(4)
	svc := newSubmitService(t, s, allowAll{}, 10)
	ctx := context.Background()
	ident := domain.Identity{Principal: "alice"}

	_, err := svc.Submit(ctx, ident, validRequest("alice"))
	require.NoError(t, err)

	_, err = svc.Submit(ctx, ident, validRequest("alice"))
	assert.ErrorIs(t, err, domain.ErrActiveJobExists)
}

func TestSubmitConcurrencyRejectRefundsRateSlot(t *testing.T) {
	s := newFakeStore(4)
	svc := newSubmitService(t, s, allowAll{}, 2)
	ctx := context.Background()
	ident := domain.Identity{Principal: "alice"}

	_, err := svc.Submit(ctx, ident, validRequest("alice"))
	require.NoError(t, err)

	// The cap rejection happens after the rate window was consulted; the
	// slot is handed back so the retry budget only counts admitted jobs.
	_, err = svc.Submit(ctx, ident, validRequest("alice"))
	require.ErrorIs(t, err, domain.ErrActiveJobExists)
	assert.Equal(t, 1, svc.Rate.Count("alice"))
}

func TestSubmitValidation(t *testing.T) {
	s := newFakeStore(1)
	svc := newSubmitService(t, s, allowAll{}, 5)

	req := validRequest("alice")
	req.ExpectedSeconds = 0
	_, err := svc.Submit(context.Background(), domain.Identity{Principal: "alice"}, req)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	req = validRequest("alice")
	req.Code = nil
	_, err = svc.Submit(context.Background(), domain.Identity{Principal: "alice"}, req)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestWaitReturnsOnTerminal(t *testing.T) {
	s := newFakeStore(1)
	svc := newSubmitService(t, s, allowAll{}, 5)
	ctx := context.Background()

	job, err := svc.Submit(ctx, domain.Identity{Principal: "alice"}, validRequest("alice"))
	require.NoError(t, err)

	go func() {
		time.Sleep(100 * time.Millisecond)
		_, _ = s.Claim(ctx, job.Node)
		_ = s.Finalize(ctx, job.ID, domain.JobCompleted, domain.Outcome{ResultData: "{}"})
	}()

	got, err := svc.Wait(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, got.Status)
}

func TestStatusHidesForeignJobs(t *testing.T) {
	s := newFakeStore(1)
	svc := NewJobService(s, nodeRepoView{s})
	sub := newSubmitService(t, s, allowAll{}, 5)
	ctx := context.Background()

	job, err := sub.Submit(ctx, domain.Identity{Principal: "alice"}, validRequest("alice"))
	require.NoError(t, err)

	_, err = svc.Status(ctx, domain.Identity{Principal: "bob"}, job.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	view, err := svc.Status(ctx, domain.Identity{Principal: "alice"}, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, view.QueuePosition)

	// Admins see everything.
	_, err = svc.Status(ctx, domain.Identity{Principal: "ops", Admin: true}, job.ID)
	assert.NoError(t, err)
}

func TestCancelTaxonomy(t *testing.T) {
	s := newFakeStore(1)
	svc := NewJobService(s, nodeRepoView{s})
	sub := newSubmitService(t, s, allowAll{}, 5)
	ctx := context.Background()
	alice := domain.Identity{Principal: "alice"}

	job, err := sub.Submit(ctx, alice, validRequest("alice"))
	require.NoError(t, err)

	// Foreign cancel names the resource: 403, not 404.
	_, err = svc.Cancel(ctx, domain.Identity{Principal: "bob"}, job.ID)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	// Queued: synchronous cancel.
	got, err := svc.Cancel(ctx, alice, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCancelled, got.Status)

	// Terminal: too late.
	_, err = svc.Cancel(ctx, alice, job.ID)
	assert.ErrorIs(t, err, domain.ErrTerminalState)

	// Running: flag for the worker.
	job2, err := sub.Submit(ctx, alice, validRequest("alice"))
	require.NoError(t, err)
	_, err = s.Claim(ctx, job2.Node)
	require.NoError(t, err)
	require.NoError(t, s.MarkRunning(ctx, job2.ID, 1234))

	got, err = svc.Cancel(ctx, alice, job2.ID)
	require.NoError(t, err)
	assert.True(t, got.CancelRequested)
	assert.Equal(t, domain.JobRunning, got.Status)
}

// claimBeforeCancelStore claims the job right before a queued-path cancel
// lands, reproducing a worker winning that race.
type claimBeforeCancelStore struct{ *fakeStore }

func (s claimBeforeCancelStore) CancelQueued(ctx domain.Context, id string) error {
	if j, err := s.fakeStore.Get(ctx, id); err == nil {
		_, _ = s.fakeStore.Claim(ctx, j.Node)
	}
	return s.fakeStore.CancelQueued(ctx, id)
}

func TestCancelFallsThroughWhenWorkerClaimsFirst(t *testing.T) {
	s := newFakeStore(1)
	svc := NewJobService(claimBeforeCancelStore{s}, nodeRepoView{s})
	sub := newSubmitService(t, s, allowAll{}, 5)
	ctx := context.Background()
	alice := domain.Identity{Principal: "alice"}

	job, err := sub.Submit(ctx, alice, validRequest("alice"))
	require.NoError(t, err)

	// The job was queued when read but claimed before CancelQueued ran; the
	// cancel must flag the now in-flight job, not report it missing.
	got, err := svc.Cancel(ctx, alice, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobLaunching, got.Status)
	assert.True(t, got.CancelRequested)
}

func TestListPinsNonAdminsToOwnPrincipal(t *testing.T) {
	s := newFakeStore(4)
	svc := NewJobService(s, nodeRepoView{s})
	sub := newSubmitService(t, s, allowAll{}, 10)
	ctx := context.Background()

	_, err := sub.Submit(ctx, domain.Identity{Principal: "alice"}, validRequest("alice"))
	require.NoError(t, err)
	_, err = sub.Submit(ctx, domain.Identity{Principal: "bob"}, validRequest("bob"))
	require.NoError(t, err)

	// Non-admin asking for another principal still sees only their own.
	got, err := svc.List(ctx, domain.Identity{Principal: "alice"}, domain.JobFilter{Principal: "bob"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "alice", got[0].Principal)

	all, err := svc.List(ctx, domain.Identity{Principal: "ops", Admin: true}, domain.JobFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestDashboardSnapshot(t *testing.T) {
	s := newFakeStore(2)
	sub := newSubmitService(t, s, allowAll{}, 10)
	dash := NewDashboardService(s, nodeRepoView{s}, 10)
	ctx := context.Background()

	j1, err := sub.Submit(ctx, domain.Identity{Principal: "alice"}, validRequest("alice"))
	require.NoError(t, err)
	j2, err := sub.Submit(ctx, domain.Identity{Principal: "bob"}, validRequest("bob"))
	require.NoError(t, err)

	_, err = s.Claim(ctx, j2.Node)
	require.NoError(t, err)
	require.NoError(t, s.SetBusy(ctx, j2.Node, j2.ID))
	require.NoError(t, s.Finalize(ctx, j2.ID, domain.JobCompleted, domain.Outcome{}))

	admin, err := dash.Snapshot(ctx, domain.Identity{Principal: "ops", Admin: true})
	require.NoError(t, err)
	assert.Equal(t, 1, admin.Counts[domain.JobQueued])
	assert.Equal(t, 1, admin.Counts[domain.JobCompleted])
	assert.Len(t, admin.Nodes, 2)
	assert.Len(t, admin.ActiveJobs, 1)
	assert.Len(t, admin.RecentTerminal, 1)
	assert.Equal(t, 2, admin.Health.SubmissionsLast24h)
	assert.InDelta(t, 1.0, admin.Health.SuccessRatio, 0.001)

	// Non-admins get a self-filtered view.
	mine, err := dash.Snapshot(ctx, domain.Identity{Principal: "alice"})
	require.NoError(t, err)
	assert.Equal(t, 1, mine.Counts[domain.JobQueued])
	assert.Zero(t, mine.Counts[domain.JobCompleted])
	require.Len(t, mine.ActiveJobs, 1)
	assert.Equal(t, j1.ID, mine.ActiveJobs[0].ID)
	assert.Empty(t, mine.RecentTerminal)
	assert.Equal(t, 1, mine.Health.SubmissionsLast24h)
}
