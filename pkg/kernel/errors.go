package kernel

import (
	"strings"
	"time"

	"github.com/Mindburn-Labs/agora/pkg/permission"
)

// ErrorClassification tells a caller whether repeating the request can help.
type ErrorClassification string

const (
	ErrorClassRetryable    ErrorClassification = "RETRYABLE"
	ErrorClassNonRetryable ErrorClassification = "NON_RETRYABLE"
)

// Code identifies why a kernel operation failed. Codes are namespaced
// AGORA/KERNEL/<NAME>.
type Code string

const (
	CodeOK                     Code = ""
	CodePermissionDenied       Code = "AGORA/KERNEL/PERMISSION_DENIED"
	CodeQuotaExceeded          Code = "AGORA/KERNEL/QUOTA_EXCEEDED"
	CodeDepthExceeded          Code = "AGORA/KERNEL/DEPTH_EXCEEDED"
	CodeContractExecutionError Code = "AGORA/KERNEL/CONTRACT_EXECUTION_ERROR"
	CodeDanglingContract       Code = "AGORA/KERNEL/DANGLING_CONTRACT"
	CodeStorageCollision       Code = "AGORA/KERNEL/STORAGE_COLLISION"
	CodeInsufficientFunds      Code = "AGORA/KERNEL/INSUFFICIENT_FUNDS"
	CodeStateConflict          Code = "AGORA/KERNEL/STATE_CONFLICT"
	CodeNotFound               Code = "AGORA/KERNEL/NOT_FOUND"
	CodeInvalidRequest         Code = "AGORA/KERNEL/INVALID_REQUEST"
	CodeInternal               Code = "AGORA/KERNEL/INTERNAL"
)

// Classification returns the retry class of c. Only quota exhaustion and
// lost state races can succeed on a later attempt of the same request.
func (c Code) Classification() ErrorClassification {
	switch c {
	case CodeQuotaExceeded, CodeStateConflict:
		return ErrorClassRetryable
	}
	return ErrorClassNonRetryable
}

func (c Code) Retriable() bool { return c.Classification() == ErrorClassRetryable }

// Name is the last path segment, e.g. QUOTA_EXCEEDED.
func (c Code) Name() string {
	s := string(c)
	return s[strings.LastIndex(s, "/")+1:]
}

var outcomeCodes = map[permission.Outcome]Code{
	permission.OutcomeAllowed:           CodeOK,
	permission.OutcomeDenied:            CodePermissionDenied,
	permission.OutcomeQuotaExceeded:     CodeQuotaExceeded,
	permission.OutcomeDepthExceeded:     CodeDepthExceeded,
	permission.OutcomeContractError:     CodeContractExecutionError,
	permission.OutcomeDangling:          CodeDanglingContract,
	permission.OutcomeInsufficientFunds: CodeInsufficientFunds,
	permission.OutcomeStateConflict:     CodeStateConflict,
	permission.OutcomeInternal:          CodeInternal,
}

// CodeFor maps a permission outcome to its kernel code.
func CodeFor(o permission.Outcome) Code {
	if c, ok := outcomeCodes[o]; ok {
		return c
	}
	return CodeInternal
}

// ActionResult is what every kernel operation returns.
type ActionResult struct {
	Success    bool          `json:"success"`
	Data       any           `json:"data,omitempty"`
	Code       Code          `json:"code,omitempty"`
	Retriable  bool          `json:"retriable"`
	Reason     string        `json:"reason,omitempty"`
	DecisionID string        `json:"decision_id,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

func ok(data any) ActionResult {
	return ActionResult{Success: true, Data: data}
}

func fail(code Code, reason string) ActionResult {
	return ActionResult{Code: code, Retriable: code.Retriable(), Reason: reason}
}

// denied converts a refused permission decision.
func denied(d *permission.Decision) ActionResult {
	r := fail(CodeFor(d.Outcome), d.Result.Reason)
	r.DecisionID = d.ID
	if d.Denial != nil {
		r.Reason = d.Denial.Error()
		r.RetryAfter = d.Denial.RetryAfter
	}
	return r
}

// Error lets a failed result travel through error-returning interfaces,
// such as the host API seen by contract code.
type Error struct {
	Result ActionResult
}

func (e *Error) Error() string {
	if e.Result.Reason == "" {
		return string(e.Result.Code)
	}
	return string(e.Result.Code) + ": " + e.Result.Reason
}

// Err returns r as an error, or nil if r succeeded.
func (r ActionResult) Err() error {
	if r.Success {
		return nil
	}
	return &Error{Result: r}
}
