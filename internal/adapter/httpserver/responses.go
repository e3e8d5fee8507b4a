// Package httpserver contains the HTTP handlers and middleware of the
// dispatcher's REST surface: submission, status, results, cancellation,
// listings and the operator dashboard.
package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gradelab/gpuqueue/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, _ *http.Request, err error, details interface{}) {
	code := http.StatusInternalServerError
	codeStr := "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrUnauthenticated):
		code = http.StatusUnauthorized
		codeStr = "UNAUTHENTICATED"
	case errors.Is(err, domain.ErrPrincipalMismatch):
		code = http.StatusForbidden
		codeStr = "PRINCIPAL_MISMATCH"
	case errors.Is(err, domain.ErrForbidden):
		code = http.StatusForbidden
		codeStr = "FORBIDDEN"
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
		codeStr = "NOT_FOUND"
	case errors.Is(err, domain.ErrTerminalState):
		code = http.StatusBadRequest
		codeStr = "TERMINAL_STATE"
	case errors.Is(err, domain.ErrInvalidArgument):
		code = http.StatusBadRequest
		codeStr = "VALIDATION"
	case errors.Is(err, domain.ErrRateLimited):
		code = http.StatusTooManyRequests
		codeStr = "QUOTA_RATE"
		if retry := domain.RetryAfterOf(err); retry > 0 {
			secs := int(retry.Seconds())
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", fmt.Sprintf("%d", secs))
			if details == nil {
				details = map[string]any{"retry_after_seconds": secs}
			}
		}
	case errors.Is(err, domain.ErrActiveJobExists):
		code = http.StatusTooManyRequests
		codeStr = "QUOTA_CONCURRENT"
	case errors.Is(err, domain.ErrScannerReject):
		code = http.StatusBadRequest
		codeStr = "SCANNER_REJECT"
	case errors.Is(err, domain.ErrTransport):
		code = http.StatusBadGateway
		codeStr = "TRANSPORT"
	case errors.Is(err, domain.ErrStorage):
		code = http.StatusInternalServerError
		codeStr = "STORAGE"
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{Code: codeStr, Message: err.Error(), Details: details}})
}
