// Package api serves kernel operations over HTTP. Errors are RFC 7807 problem details.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/Mindburn-Labs/agora/pkg/kernel"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// All API error responses must use this format.
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Instance is a URI reference identifying the specific occurrence.
	Instance string `json:"instance,omitempty"`
	// TraceID links to the distributed trace for this request.
	TraceID string `json:"trace_id,omitempty"`

	// Code is the kernel error code, when the problem came from the kernel.
	Code kernel.Code `json:"code,omitempty"`
	// Retriable tells the client whether repeating the request can succeed.
	Retriable bool `json:"retriable"`
	// DecisionID identifies the permission decision behind a refusal.
	DecisionID string `json:"decision_id,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func problemType(status int) string {
	return fmt.Sprintf("https://agora.mindburn.dev/errors/%d", status)
}

func writeProblem(w http.ResponseWriter, p *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:   problemType(status),
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Insufficient permissions"
	}
	WriteError(w, http.StatusForbidden, "Forbidden", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	writeProblem(w, &ProblemDetail{
		Type:      problemType(http.StatusTooManyRequests),
		Title:     "Too Many Requests",
		Status:    http.StatusTooManyRequests,
		Detail:    "Rate limit exceeded. Retry after the specified interval.",
		Retriable: true,
	})
}

// WriteInternal writes a 500 error response.
// The err parameter is logged but NEVER exposed to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

// StatusFor maps a kernel error code to its HTTP status.
func StatusFor(code kernel.Code) int {
	switch code {
	case kernel.CodeOK:
		return http.StatusOK
	case kernel.CodePermissionDenied, kernel.CodeDepthExceeded, kernel.CodeDanglingContract,
		kernel.CodeContractExecutionError:
		return http.StatusForbidden
	case kernel.CodeQuotaExceeded:
		return http.StatusTooManyRequests
	case kernel.CodeStorageCollision, kernel.CodeStateConflict:
		return http.StatusConflict
	case kernel.CodeNotFound:
		return http.StatusNotFound
	case kernel.CodeInsufficientFunds:
		return http.StatusPaymentRequired
	case kernel.CodeInvalidRequest:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// WriteResult writes a failed kernel result as a problem. Internal failures
// carry no detail; the kernel has already logged them.
func WriteResult(w http.ResponseWriter, r *http.Request, res kernel.ActionResult) {
	status := StatusFor(res.Code)
	p := &ProblemDetail{
		Type:       problemType(status),
		Title:      http.StatusText(status),
		Status:     status,
		Detail:     res.Reason,
		Instance:   r.URL.Path,
		TraceID:    w.Header().Get("X-Request-ID"),
		Code:       res.Code,
		Retriable:  res.Retriable,
		DecisionID: res.DecisionID,
	}
	if status == http.StatusInternalServerError {
		p.Detail = "An unexpected error occurred. Please try again later."
	}
	if res.Retriable {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(res.RetryAfter)))
	}
	writeProblem(w, p)
}

func retryAfterSeconds(d time.Duration) int {
	return max(1, int(math.Ceil(d.Seconds())))
}
