// Package httpserver contains HTTP handlers and middleware for the
// control plane's external surface: job submission, job/image
// retrieval, model lifecycle control, download management, and the
// real-time event subscription endpoint (§6).
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fairyhunter13/dmctl/internal/domain"
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
	case errors.Is(err, domain.ErrInvalidArgument):
		code = http.StatusBadRequest
		codeStr = "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
		codeStr = "NOT_FOUND"
	case errors.Is(err, domain.ErrConflict):
		code = http.StatusConflict
		codeStr = "CONFLICT"
	case errors.Is(err, domain.ErrRateLimited):
		code = http.StatusTooManyRequests
		codeStr = "RATE_LIMITED"
	case errors.Is(err, domain.ErrUpstreamTimeout):
		code = http.StatusGatewayTimeout
		codeStr = "UPSTREAM_TIMEOUT"
	case errors.Is(err, domain.ErrUpstreamBadResp):
		code = http.StatusBadGateway
		codeStr = "UPSTREAM_BAD_RESPONSE"
	case errors.Is(err, domain.ErrAlreadyRunning):
		code = http.StatusConflict
		codeStr = "ALREADY_RUNNING"
	case errors.Is(err, domain.ErrStartupTimeout):
		code = http.StatusGatewayTimeout
		codeStr = "STARTUP_TIMEOUT"
	case errors.Is(err, domain.ErrPortExhausted):
		code = http.StatusServiceUnavailable
		codeStr = "PORT_EXHAUSTED"
	case errors.Is(err, domain.ErrUnknownModel):
		code = http.StatusNotFound
		codeStr = "UNKNOWN_MODEL"
	case errors.Is(err, domain.ErrCLIFailed):
		code = http.StatusBadGateway
		codeStr = "CLI_FAILED"
	case errors.Is(err, domain.ErrDownloadIntegrity):
		code = http.StatusBadGateway
		codeStr = "DOWNLOAD_INTEGRITY"
	case errors.Is(err, domain.ErrCancelled):
		code = http.StatusConflict
		codeStr = "CANCELLED"
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{Code: codeStr, Message: err.Error(), Details: details}})
}
