package usecase

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/gradelab/gpuqueue/internal/domain"
)

var validate = validator.New()

// SubmitRequest is the validated submission payload.
type SubmitRequest struct {
	Principal       string `validate:"required,max=128"`
	CompetitionID   string `validate:"required,max=128"`
	ProjectID       string `validate:"required,max=128"`
	ExpectedSeconds int    `validate:"required,gt=0,lte=86400"`
	Code            []byte `validate:"required"`
}

// SubmitService owns the admission pipeline: identity check, screening, rate
// window, artifact persistence and the atomic placement+insert.
type SubmitService struct {
	Jobs      domain.JobRepository
	Scanner   domain.Scanner
	Rate      *RateWindow
	JobsDir   string
	MaxActive int
	WaitMax   time.Duration
	Log       *slog.Logger
}

// NewSubmitService constructs a SubmitService.
func NewSubmitService(jobs domain.JobRepository, sc domain.Scanner, rate *RateWindow, jobsDir string, maxActive int, waitMax time.Duration, log *slog.Logger) SubmitService {
	return SubmitService{Jobs: jobs, Scanner: sc, Rate: rate, JobsDir: jobsDir, MaxActive: maxActive, WaitMax: waitMax, Log: log}
}

// Submit runs the admission pipeline and returns the queued job. Screening
// runs before the rate window, and the rate slot and code artifact are given
// back when admission fails, so a rejected submission costs nothing.
func (s SubmitService) Submit(ctx domain.Context, ident domain.Identity, req SubmitRequest) (domain.Job, error) {
	if err := validate.Struct(req); err != nil {
		return domain.Job{}, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	if req.Principal != ident.Principal && !ident.Admin {
		return domain.Job{}, fmt.Errorf("%w: submission names %q, credential belongs to %q",
			domain.ErrPrincipalMismatch, req.Principal, ident.Principal)
	}
	if err := s.Scanner.Scan(ctx, req.Code, req.CompetitionID); err != nil {
		return domain.Job{}, err
	}
	if ok, retry := s.Rate.Allow(req.Principal); !ok {
		return domain.Job{}, &domain.RateLimitError{RetryAfter: retry}
	}

	id := uuid.New().String()
	codePath := filepath.Join(s.JobsDir, id+".py")
	if err := os.MkdirAll(s.JobsDir, 0o750); err != nil {
		s.Rate.Refund(req.Principal)
		return domain.Job{}, fmt.Errorf("%w: create jobs dir: %v", domain.ErrStorage, err)
	}
	if err := os.WriteFile(codePath, req.Code, 0o640); err != nil {
		s.Rate.Refund(req.Principal)
		return domain.Job{}, fmt.Errorf("%w: persist code artifact: %v", domain.ErrStorage, err)
	}

	job, err := s.Jobs.Admit(ctx, domain.Job{
		ID:              id,
		Principal:       req.Principal,
		CompetitionID:   req.CompetitionID,
		ProjectID:       req.ProjectID,
		ExpectedSeconds: req.ExpectedSeconds,
		CodePath:        codePath,
	}, s.MaxActive)
	if err != nil {
		_ = os.Remove(codePath)
		s.Rate.Refund(req.Principal)
		return domain.Job{}, err
	}

	s.Log.Info("job admitted",
		slog.String("job_id", job.ID),
		slog.String("principal", job.Principal),
		slog.String("competition_id", job.CompetitionID),
		slog.Int("node", job.Node),
		slog.Int("expected_seconds", job.ExpectedSeconds))
	return job, nil
}

// Wait polls the job until it reaches a terminal status or the cap elapses,
// whichever is first, and returns the latest observed state.
func (s SubmitService) Wait(ctx domain.Context, id string) (domain.Job, error) {
	deadline := time.Now().Add(s.WaitMax)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		job, err := s.Jobs.Get(ctx, id)
		if err != nil {
			return domain.Job{}, err
		}
		if job.Status.Terminal() || time.Now().After(deadline) {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, nil
		case <-ticker.C:
		}
	}
}
