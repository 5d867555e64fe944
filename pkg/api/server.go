package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Mindburn-Labs/agora/pkg/artifacts"
	"github.com/Mindburn-Labs/agora/pkg/audit"
	"github.com/Mindburn-Labs/agora/pkg/contracts"
	"github.com/Mindburn-Labs/agora/pkg/kernel"
)

const (
	defaultMaxBody = 8 << 20
	healthTimeout  = 2 * time.Second
	maxEventLimit  = 1000
)

// CallerFunc returns the kernel principal behind an authenticated request.
type CallerFunc func(context.Context) (string, bool)

// Options configures a Server.
type Options struct {
	// Caller resolves the acting principal. Requests without one get 401.
	Caller CallerFunc
	// Operator reports whether the request may read the operator event log.
	Operator func(context.Context) bool
	// Idempotency enables Idempotency-Key replay on transfers.
	Idempotency  *IdempotencyStore
	MaxBodyBytes int64
	Logger       *slog.Logger
}

// Server exposes kernel operations over HTTP. Every mutating route acts as
// the authenticated principal; the kernel decides the rest.
type Server struct {
	kernel   *kernel.Kernel
	caller   CallerFunc
	operator func(context.Context) bool
	idem     *IdempotencyStore
	maxBody  int64
	logger   *slog.Logger
}

func NewServer(k *kernel.Kernel, opts Options) *Server {
	s := &Server{
		kernel:   k,
		caller:   opts.Caller,
		operator: opts.Operator,
		idem:     opts.Idempotency,
		maxBody:  opts.MaxBodyBytes,
		logger:   opts.Logger,
	}
	if s.caller == nil {
		s.caller = func(context.Context) (string, bool) { return "", false }
	}
	if s.operator == nil {
		s.operator = func(context.Context) bool { return false }
	}
	if s.maxBody <= 0 {
		s.maxBody = defaultMaxBody
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "api")
	return s
}

// Routes registers every endpoint on a new mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.HandleHealth)

	mux.HandleFunc("POST /v1/artifacts", s.authed(s.HandleCreate))
	mux.HandleFunc("GET /v1/artifacts/{id}", s.authed(s.HandleRead))
	mux.HandleFunc("PUT /v1/artifacts/{id}", s.authed(s.HandleWrite))
	mux.HandleFunc("PATCH /v1/artifacts/{id}", s.authed(s.HandleEdit))
	mux.HandleFunc("DELETE /v1/artifacts/{id}", s.authed(s.HandleDelete))
	mux.HandleFunc("POST /v1/artifacts/{id}/invoke", s.authed(s.HandleInvoke))
	mux.HandleFunc("GET /v1/artifacts/{id}/metadata", s.authed(s.HandleMetadata))
	mux.HandleFunc("GET /v1/artifacts/{id}/permission", s.authed(s.HandlePermission))

	mux.HandleFunc("GET /v1/ledger/{principal}", s.authed(s.HandleBalance))
	mux.HandleFunc("GET /v1/ledger/{principal}/{resource}", s.authed(s.HandleBalance))
	mux.HandleFunc("POST /v1/ledger/transfer", s.authed(s.Idempotent(s.HandleTransfer)))
	mux.HandleFunc("GET /v1/journal", s.authed(s.HandleJournal))

	mux.HandleFunc("GET /v1/quotas/{principal}/{resource}", s.authed(s.HandleQuota))
	mux.HandleFunc("POST /v1/quotas/transfer", s.authed(s.Idempotent(s.HandleQuotaTransfer)))

	mux.HandleFunc("GET /v1/events", s.authed(s.HandleEvents))
	return mux
}

type callerKey struct{}

// authed resolves the caller once so handlers can rely on it.
func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := s.caller(r.Context())
		if !ok {
			WriteUnauthorized(w, "")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, caller)))
	}
}

func callerOf(r *http.Request) string {
	c, _ := r.Context().Value(callerKey{}).(string)
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decode reads a JSON body, writing a 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, http.StatusRequestEntityTooLarge, "Request Entity Too Large", "Request body too large")
			return false
		}
		WriteBadRequest(w, "Invalid request body")
		return false
	}
	return true
}

// respond writes res as JSON on success and as a problem otherwise.
func respond(w http.ResponseWriter, r *http.Request, status int, res kernel.ActionResult) {
	if !res.Success {
		WriteResult(w, r, res)
		return
	}
	writeJSON(w, status, res.Data)
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()
	if err := s.kernel.Ping(ctx); err != nil {
		s.logger.WarnContext(ctx, "health check failed", "error", err)
		WriteError(w, http.StatusServiceUnavailable, "Service Unavailable", "kernel is not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req kernel.CreateRequest
	if !s.decode(w, r, &req) {
		return
	}
	res := s.kernel.Create(r.Context(), callerOf(r), req)
	if res.Success {
		if md, ok := res.Data.(artifacts.Metadata); ok {
			w.Header().Set("Location", "/v1/artifacts/"+url.PathEscape(md.ID))
		}
	}
	respond(w, r, http.StatusCreated, res)
}

// HandleRead returns the artifact as JSON, or its raw bytes when the client
// accepts application/octet-stream.
func (s *Server) HandleRead(w http.ResponseWriter, r *http.Request) {
	res := s.kernel.Read(r.Context(), callerOf(r), r.PathValue("id"))
	if !res.Success {
		WriteResult(w, r, res)
		return
	}
	a, ok := res.Data.(*artifacts.Artifact)
	if ok && r.Header.Get("Accept") == "application/octet-stream" {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", strconv.Itoa(len(a.Content)))
		_, _ = w.Write(a.Content)
		return
	}
	writeJSON(w, http.StatusOK, res.Data)
}

// HandleWrite replaces the artifact content with the raw request body.
func (s *Server) HandleWrite(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, http.StatusRequestEntityTooLarge, "Request Entity Too Large", "Request body too large")
			return
		}
		WriteBadRequest(w, "Unreadable request body")
		return
	}
	respond(w, r, http.StatusOK, s.kernel.Write(r.Context(), callerOf(r), r.PathValue("id"), body))
}

type editRequest struct {
	OldText string `json:"old_text"`
	NewText string `json:"new_text"`
}

func (s *Server) HandleEdit(w http.ResponseWriter, r *http.Request) {
	var req editRequest
	if !s.decode(w, r, &req) {
		return
	}
	respond(w, r, http.StatusOK, s.kernel.Edit(r.Context(), callerOf(r), r.PathValue("id"), req.OldText, req.NewText))
}

func (s *Server) HandleDelete(w http.ResponseWriter, r *http.Request) {
	res := s.kernel.Delete(r.Context(), callerOf(r), r.PathValue("id"))
	if !res.Success {
		WriteResult(w, r, res)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type invokeRequest struct {
	Method string `json:"method"`
	Args   []any  `json:"args,omitempty"`
}

type invokeResponse struct {
	Result any `json:"result"`
}

func (s *Server) HandleInvoke(w http.ResponseWriter, r *http.Request) {
	var req invokeRequest
	if !s.decode(w, r, &req) {
		return
	}
	res := s.kernel.Invoke(r.Context(), callerOf(r), r.PathValue("id"), req.Method, req.Args)
	if !res.Success {
		WriteResult(w, r, res)
		return
	}
	writeJSON(w, http.StatusOK, invokeResponse{Result: res.Data})
}

func (s *Server) HandleMetadata(w http.ResponseWriter, r *http.Request) {
	respond(w, r, http.StatusOK, s.kernel.Metadata(r.Context(), r.PathValue("id")))
}

// HandlePermission is a dry run: ?action=read|write|edit|invoke|delete and
// an optional method. Denials are reported in the body with status 200.
func (s *Server) HandlePermission(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	action := contracts.Action(q.Get("action"))
	if action == "" {
		action = contracts.ActionRead
	}
	respond(w, r, http.StatusOK, s.kernel.Evaluate(r.Context(), callerOf(r), r.PathValue("id"), action, q.Get("method")))
}

type balanceResponse struct {
	Principal string `json:"principal"`
	Resource  string `json:"resource"`
	Balance   int64  `json:"balance"`
}

// HandleBalance serves one balance, or every balance of the principal when
// no resource is named.
func (s *Server) HandleBalance(w http.ResponseWriter, r *http.Request) {
	principal, resource := r.PathValue("principal"), r.PathValue("resource")
	res := s.kernel.Balance(r.Context(), principal, resource)
	if !res.Success {
		WriteResult(w, r, res)
		return
	}
	if resource == "" {
		writeJSON(w, http.StatusOK, res.Data)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{Principal: principal, Resource: resource, Balance: res.Data.(int64)})
}

type transferRequest struct {
	To       string `json:"to"`
	Resource string `json:"resource"`
	Amount   int64  `json:"amount"`
}

func (s *Server) HandleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !s.decode(w, r, &req) {
		return
	}
	respond(w, r, http.StatusOK, s.kernel.Transfer(r.Context(), callerOf(r), req.To, req.Resource, req.Amount))
}

func (s *Server) HandleJournal(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	respond(w, r, http.StatusOK, s.kernel.Journal(r.Context(), limit))
}

func (s *Server) HandleQuota(w http.ResponseWriter, r *http.Request) {
	respond(w, r, http.StatusOK, s.kernel.Quota(r.Context(), r.PathValue("principal"), r.PathValue("resource")))
}

func (s *Server) HandleQuotaTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !s.decode(w, r, &req) {
		return
	}
	respond(w, r, http.StatusOK, s.kernel.TransferQuota(r.Context(), callerOf(r), req.To, req.Resource, req.Amount))
}

// HandleEvents serves the operator event log to operators only.
func (s *Server) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if !s.operator(r.Context()) {
		WriteForbidden(w, "operator role required")
		return
	}
	q := r.URL.Query()
	f := audit.Filter{
		Type:    audit.EventType(q.Get("type")),
		Subject: q.Get("subject"),
	}
	var err error
	if f.Limit, err = queryInt(r, "limit", 100); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	f.Limit = min(f.Limit, maxEventLimit)
	if v := q.Get("after"); v != "" {
		if f.AfterSeq, err = strconv.ParseUint(v, 10, 64); err != nil {
			WriteBadRequest(w, "after must be a sequence number")
			return
		}
	}
	if v := q.Get("since"); v != "" {
		if f.Since, err = time.Parse(time.RFC3339, v); err != nil {
			WriteBadRequest(w, "since must be an RFC 3339 timestamp")
			return
		}
	}
	respond(w, r, http.StatusOK, s.kernel.Events(f))
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, errors.New(name + " must be a positive integer")
	}
	return n, nil
}
