// Package scanner screens submitted code before admission. Quick mode runs
// static pattern checks only; deep mode additionally asks a review model to
// judge safety and competition relevance.
package scanner

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/gradelab/gpuqueue/internal/domain"
)

// Static patterns. Critical patterns reject outright; warnings are logged
// and passed to the review model in deep mode.
var (
	criticalPatterns = []struct {
		re     *regexp.Regexp
		reason string
	}{
		{regexp.MustCompile(`\beval\s*\(`), "dynamic code evaluation"},
		{regexp.MustCompile(`\bexec\s*\(`), "dynamic code execution"},
		{regexp.MustCompile(`\bcompile\s*\(`), "code compilation"},
		{regexp.MustCompile(`__import__\s*\(`), "dynamic imports"},
		{regexp.MustCompile(`\bos\s*\.\s*system\s*\(`), "system command execution"},
		{regexp.MustCompile(`from\s+os\s+import\s+.*\bsystem\b`), "system command execution"},
		{regexp.MustCompile(`from\s+subprocess\s+import\s+.*\b[Pp]open\b`), "subprocess execution"},
		{regexp.MustCompile(`from\s+socket\s+import\s+.*\bsocket\b`), "raw network access"},
	}
	warningPatterns = []struct {
		re     *regexp.Regexp
		reason string
	}{
		{regexp.MustCompile(`^\s*import\s+(os|subprocess|socket|paramiko)\b`), "restricted module import"},
		{regexp.MustCompile(`\bopen\s*\(`), "file operations"},
		{regexp.MustCompile(`\b(urllib|requests|ftplib)\b`), "network library reference"},
	}
)

// staticCheck walks the submission line by line and buckets findings.
func staticCheck(code []byte) (critical, warnings []string) {
	for _, line := range strings.Split(string(code), "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			continue
		}
		for _, p := range criticalPatterns {
			if p.re.MatchString(trimmed) {
				critical = append(critical, p.reason)
			}
		}
		for _, p := range warningPatterns {
			if p.re.MatchString(trimmed) {
				warnings = append(warnings, p.reason)
			}
		}
	}
	return critical, warnings
}

// Static is the quick scanner: static checks only, no API call.
type Static struct{}

// NewStatic returns the quick scanner.
func NewStatic() *Static { return &Static{} }

// Scan rejects submissions with critical static findings.
func (s *Static) Scan(_ domain.Context, code []byte, _ string) error {
	critical, _ := staticCheck(code)
	if len(critical) > 0 {
		return fmt.Errorf("op=scanner.Scan: %w: %s", domain.ErrScannerReject, strings.Join(dedupe(critical), "; "))
	}
	return nil
}

// Deep runs static checks first and consults the review model when they
// pass. Review failures reject: an unscanned submission is never admitted.
type Deep struct {
	baseURL string
	apiKey  string
	model   string
	hc      *http.Client
	log     *slog.Logger
}

// NewDeep returns a scanner backed by an OpenAI-compatible chat endpoint.
func NewDeep(baseURL, apiKey, model string, log *slog.Logger) *Deep {
	return &Deep{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		hc:      &http.Client{Timeout: 30 * time.Second},
		log:     log,
	}
}

type verdict struct {
	Safe        bool     `json:"safe"`
	Relevant    bool     `json:"relevant"`
	Issues      []string `json:"issues"`
	Confidence  float64  `json:"confidence"`
	Explanation string   `json:"explanation"`
}

// Scan implements domain.Scanner.
func (s *Deep) Scan(ctx domain.Context, code []byte, competitionID string) error {
	critical, warnings := staticCheck(code)
	if len(critical) > 0 {
		return fmt.Errorf("op=scanner.Scan: %w: %s", domain.ErrScannerReject, strings.Join(dedupe(critical), "; "))
	}

	v, err := s.review(ctx, code, competitionID)
	if err != nil {
		s.log.Warn("review call failed, rejecting submission", slog.String("error", err.Error()))
		return fmt.Errorf("op=scanner.Scan: %w: review unavailable, manual review required", domain.ErrScannerReject)
	}
	if !v.Safe || !v.Relevant {
		issues := append(dedupe(warnings), v.Issues...)
		detail := strings.Join(issues, "; ")
		if detail == "" {
			detail = v.Explanation
		}
		return fmt.Errorf("op=scanner.Scan: %w: %s", domain.ErrScannerReject, detail)
	}
	if len(warnings) > 0 {
		s.log.Info("submission admitted with warnings",
			slog.String("competition_id", competitionID),
			slog.String("warnings", strings.Join(dedupe(warnings), "; ")))
	}
	return nil
}

func (s *Deep) review(ctx domain.Context, code []byte, competitionID string) (verdict, error) {
	body := map[string]any{
		"model": s.model,
		"messages": []map[string]string{
			{"role": "system", "content": "You are a security expert analyzing code submitted to ML competitions."},
			{"role": "user", "content": reviewPrompt(code, competitionID)},
		},
		"temperature": 0.1,
		"max_tokens":  1000,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return verdict{}, fmt.Errorf("marshal request: %w", err)
	}

	var out verdict
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/chat/completions", bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.hc.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			err := fmt.Errorf("review api status %d: %s", resp.StatusCode, snippet)
			if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return backoff.Permanent(err)
			}
			return err
		}

		var envelope struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
			return backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
		if len(envelope.Choices) == 0 {
			return backoff.Permanent(fmt.Errorf("empty choices"))
		}
		v, err := parseVerdict(envelope.Choices[0].Message.Content)
		if err != nil {
			return backoff.Permanent(err)
		}
		out = v
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return verdict{}, err
	}
	return out, nil
}

func reviewPrompt(code []byte, competitionID string) string {
	return fmt.Sprintf(`Analyze the following code submission for a machine learning competition.

Competition ID: %s

Code to analyze:
`+"```"+`
%s
`+"```"+`

Analyze for security (system or network access, malicious intent), relevance
(legitimate ML/data science code) and resource abuse (infinite loops, fork
bombs). Respond with JSON only:
{"safe": true/false, "relevant": true/false, "issues": ["..."], "confidence": 0.0-1.0, "explanation": "..."}`, competitionID, code)
}

// parseVerdict tolerates markdown code fences around the JSON body.
func parseVerdict(content string) (verdict, error) {
	s := strings.TrimSpace(content)
	if i := strings.Index(s, "```json"); i >= 0 {
		s = s[i+len("```json"):]
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	} else if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	var v verdict
	if err := json.Unmarshal([]byte(strings.TrimSpace(s)), &v); err != nil {
		return verdict{}, fmt.Errorf("parse verdict: %w", err)
	}
	return v, nil
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	var out []string
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// Noop admits everything; used when screening is disabled.
type Noop struct{}

// Scan always admits.
func (Noop) Scan(domain.Context, []byte, string) error { return nil }
