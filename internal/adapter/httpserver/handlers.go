package httpserver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"gopkg.in/yaml.v3"

	"github.com/gradelab/gpuqueue/internal/adapter/observability"
	"github.com/gradelab/gpuqueue/internal/config"
	"github.com/gradelab/gpuqueue/internal/domain"
	"github.com/gradelab/gpuqueue/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg       config.Config
	Auth      usecase.AuthService
	Submit    usecase.SubmitService
	Jobs      usecase.JobService
	Dashboard usecase.DashboardService
	DBCheck   func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers wired.
func NewServer(cfg config.Config, auth usecase.AuthService, submit usecase.SubmitService, jobs usecase.JobService, dash usecase.DashboardService, dbCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Auth: auth, Submit: submit, Jobs: jobs, Dashboard: dash, DBCheck: dbCheck}
}

// submitConfig is the job configuration file shape. Unknown keys are
// rejected so typos surface instead of silently defaulting.
type submitConfig struct {
	Token           string `yaml:"token"`
	UserID          string `yaml:"user_id"`
	CompetitionID   string `yaml:"competition_id"`
	ProjectID       string `yaml:"project_id"`
	ExpectedSeconds int    `yaml:"expected_time"`
}

func decodeSubmitConfig(data []byte) (submitConfig, error) {
	var sc submitConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil {
		return submitConfig{}, fmt.Errorf("%w: config: %v", domain.ErrInvalidArgument, err)
	}
	return sc, nil
}

type jobResponse struct {
	JobID         string     `json:"job_id"`
	Status        string     `json:"status"`
	Node          int        `json:"node"`
	QueuePosition *int       `json:"queue_position,omitempty"`
	Stdout        string     `json:"stdout,omitempty"`
	Stderr        string     `json:"stderr,omitempty"`
	Results       string     `json:"results,omitempty"`
	ExitStatus    *int       `json:"exit_status,omitempty"`
	FailureCause  string     `json:"failure_cause,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

func statusView(j domain.Job, queuePos int) jobResponse {
	resp := jobResponse{
		JobID:      j.ID,
		Status:     string(j.Status),
		Node:       j.Node,
		CreatedAt:  j.CreatedAt,
		StartedAt:  j.StartedAt,
		FinishedAt: j.FinishedAt,
		ExitStatus: j.ExitStatus,
	}
	if j.Status == domain.JobQueued && queuePos >= 0 {
		resp.QueuePosition = &queuePos
	}
	return resp
}

func resultsView(j domain.Job) jobResponse {
	resp := statusView(j, -1)
	resp.Stdout = j.Stdout
	resp.Stderr = j.Stderr
	resp.Results = j.ResultData
	resp.FailureCause = j.FailureCause
	return resp
}

// SubmitHandler accepts the multipart submission: a code artifact and a YAML
// configuration carrying the credential. With ?wait=true it suspends until
// the job finishes or the wait cap elapses.
func (s *Server) SubmitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Content-Type"), "multipart/form-data") {
			writeError(w, r, fmt.Errorf("%w: content-type must be multipart/form-data", domain.ErrInvalidArgument), nil)
			return
		}
		maxBytes := s.Cfg.MaxUploadMB * 1024 * 1024
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		if err := r.ParseMultipartForm(maxBytes); err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "too large") {
				writeJSON(w, http.StatusRequestEntityTooLarge, errorEnvelope{Error: apiError{
					Code: "VALIDATION", Message: "payload too large",
					Details: map[string]any{"max_mb": s.Cfg.MaxUploadMB},
				}})
				return
			}
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}

		codeBytes, err := formFileBytes(r, "code")
		if err != nil {
			writeError(w, r, err, map[string]string{"field": "code"})
			return
		}
		confBytes, err := formFileBytes(r, "config")
		if err != nil {
			writeError(w, r, err, map[string]string{"field": "config"})
			return
		}

		// The code artifact must be text; anything binary is refused.
		if m := mimetype.Detect(codeBytes); !strings.HasPrefix(m.String(), "text/") {
			writeJSON(w, http.StatusUnsupportedMediaType, errorEnvelope{Error: apiError{
				Code: "VALIDATION", Message: "code artifact must be text",
				Details: map[string]any{"mime": m.String()},
			}})
			return
		}

		sc, err := decodeSubmitConfig(confBytes)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}

		// The credential rides inside the config payload on this endpoint.
		ident, err := s.Auth.Authenticate(r.Context(), sc.Token)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}

		job, err := s.Submit.Submit(r.Context(), ident, usecase.SubmitRequest{
			Principal:       sc.UserID,
			CompetitionID:   sc.CompetitionID,
			ProjectID:       sc.ProjectID,
			ExpectedSeconds: sc.ExpectedSeconds,
			Code:            codeBytes,
		})
		if err != nil {
			observability.RejectSubmission(rejectionReason(err))
			writeError(w, r, err, nil)
			return
		}
		observability.AdmitJob(job.Node)

		if r.URL.Query().Get("wait") == "true" {
			final, err := s.Submit.Wait(r.Context(), job.ID)
			if err != nil {
				writeError(w, r, err, nil)
				return
			}
			if final.Status.Terminal() {
				writeJSON(w, http.StatusOK, resultsView(final))
				return
			}
			// Wait cap elapsed; hand back the id with the live status.
			writeJSON(w, http.StatusAccepted, statusView(final, -1))
			return
		}
		writeJSON(w, http.StatusAccepted, statusView(job, 0))
	}
}

func formFileBytes(r *http.Request, field string) ([]byte, error) {
	f, _, err := r.FormFile(field)
	if err != nil {
		return nil, fmt.Errorf("%w: %s file required", domain.ErrInvalidArgument, field)
	}
	defer func() { _ = f.Close() }()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s read: %v", domain.ErrInvalidArgument, field, err)
	}
	return data, nil
}

func rejectionReason(err error) string {
	switch {
	case strings.Contains(err.Error(), "scanner"):
		return "scanner"
	default:
		return "policy"
	}
}

// StatusHandler returns the job's live status and queue position.
func (s *Server) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ident, ok := IdentityFrom(r)
		if !ok {
			writeError(w, r, domain.ErrUnauthenticated, nil)
			return
		}
		view, err := s.Jobs.Status(r.Context(), ident, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, statusView(view.Job, view.QueuePosition))
	}
}

// ResultsHandler returns the job with its retrieved outputs.
func (s *Server) ResultsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ident, ok := IdentityFrom(r)
		if !ok {
			writeError(w, r, domain.ErrUnauthenticated, nil)
			return
		}
		job, err := s.Jobs.Results(r.Context(), ident, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, resultsView(job))
	}
}

// CancelHandler applies the cancellation taxonomy.
func (s *Server) CancelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ident, ok := IdentityFrom(r)
		if !ok {
			writeError(w, r, domain.ErrUnauthenticated, nil)
			return
		}
		job, err := s.Jobs.Cancel(r.Context(), ident, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, statusView(job, -1))
	}
}

// JobsHandler lists job summaries, scoped by the identity.
func (s *Server) JobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ident, ok := IdentityFrom(r)
		if !ok {
			writeError(w, r, domain.ErrUnauthenticated, nil)
			return
		}
		f := domain.JobFilter{
			Principal: r.URL.Query().Get("principal"),
			Status:    domain.JobStatus(r.URL.Query().Get("status")),
		}
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				writeError(w, r, fmt.Errorf("%w: limit must be a positive integer", domain.ErrInvalidArgument), nil)
				return
			}
			f.Limit = n
		}
		jobs, err := s.Jobs.List(r.Context(), ident, f)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
	}
}

// NodesHandler is the public per-node load view.
func (s *Server) NodesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		nodes, err := s.Jobs.NodesOverview(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		type nodeView struct {
			Node             int    `json:"node"`
			QueueSize        int    `json:"queue_size"`
			ProjectedSeconds int    `json:"projected_seconds"`
			Busy             bool   `json:"busy"`
			Reachable        bool   `json:"reachable"`
			AddressTag       string `json:"address_tag"`
		}
		out := make([]nodeView, 0, len(nodes))
		for _, n := range nodes {
			out = append(out, nodeView{
				Node:             n.Node,
				QueueSize:        n.QueueDepth,
				ProjectedSeconds: n.ProjectedSeconds,
				Busy:             n.Busy,
				Reachable:        n.Reachable,
				AddressTag:       addressTag(n.Address),
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"nodes": out})
	}
}

// addressTag hides the host part of a node address on the public endpoint.
func addressTag(addr string) string {
	if i := strings.LastIndex(addr, "."); i >= 0 {
		return "…" + addr[i:]
	}
	return addr
}

// DashboardHandler returns the operator snapshot.
func (s *Server) DashboardHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ident, ok := IdentityFrom(r)
		if !ok {
			writeError(w, r, domain.ErrUnauthenticated, nil)
			return
		}
		snap, err := s.Dashboard.Snapshot(r.Context(), ident)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

// HealthzHandler reports liveness; ReadyzHandler verifies the store.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler reports readiness, checking the store connection.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.DBCheck != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := s.DBCheck(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "db": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}
