package httpserver

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/gradelab/gpuqueue/internal/domain"
)

func TestErrorStatusMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{domain.ErrUnauthenticated, http.StatusUnauthorized, "UNAUTHENTICATED"},
		{domain.ErrPrincipalMismatch, http.StatusForbidden, "PRINCIPAL_MISMATCH"},
		{domain.ErrForbidden, http.StatusForbidden, "FORBIDDEN"},
		{domain.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
		{domain.ErrTerminalState, http.StatusBadRequest, "TERMINAL_STATE"},
		{domain.ErrInvalidArgument, http.StatusBadRequest, "VALIDATION"},
		{domain.ErrActiveJobExists, http.StatusTooManyRequests, "QUOTA_CONCURRENT"},
		{domain.ErrScannerReject, http.StatusBadRequest, "SCANNER_REJECT"},
		{domain.ErrTransport, http.StatusBadGateway, "TRANSPORT"},
		{domain.ErrStorage, http.StatusInternalServerError, "STORAGE"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeError(rec, httptest.NewRequest(http.MethodGet, "/", nil),
				fmt.Errorf("op=test: %w", tt.err), nil)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, errorCode(t, rec))
		})
	}
}

func TestRateLimitCarriesRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, httptest.NewRequest(http.MethodGet, "/", nil),
		&domain.RateLimitError{RetryAfter: 7 * time.Second}, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "7", rec.Header().Get("Retry-After"))
	assert.Equal(t, "QUOTA_RATE", errorCode(t, rec))
}
