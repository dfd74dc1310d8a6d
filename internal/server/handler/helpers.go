package handler

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/daotreasury/internal/authz"
	"github.com/alanyoungcy/daotreasury/internal/domain"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// writeJSON marshals v as JSON with the given status. A marshal failure
// falls back to a plain 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error","code":"Internal"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// WriteError sends err with the status and code mapped from its sentinel.
// Internal errors are logged and their text is not exposed.
func WriteError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	code := domain.ErrorCode(err)
	status := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		msg = "internal server error"
	}
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}

// WriteStatus sends a bare error body for failures raised outside a service.
func WriteStatus(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}

// StatusFor maps an error to its HTTP status.
func StatusFor(err error) int {
	switch domain.ErrorCode(err) {
	case "NotFound":
		return http.StatusNotFound
	case "Unauthorized":
		return http.StatusUnauthorized
	case "NotOwner":
		return http.StatusForbidden
	case "AlreadyExists", "AlreadyVoted", "AlreadyTerminal", "AlreadyExecuted", "ProposalNotActive":
		return http.StatusConflict
	case "SystemPaused":
		return http.StatusLocked
	case "AllocationMismatch":
		return http.StatusUnprocessableEntity
	case "RateLimited":
		return http.StatusTooManyRequests
	case "LockHeld":
		return http.StatusServiceUnavailable
	case "Internal":
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// decodeBody reads a JSON request body into T. Unknown fields are rejected.
func decodeBody[T any](r *http.Request) (T, error) {
	var v T
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return v, fmt.Errorf("decode body: %v: %w", err, domain.ErrInvalidParameter)
	}
	return v, nil
}

// caller returns the authenticated principal attached by the identity
// middleware.
func caller(r *http.Request) (domain.Principal, error) {
	p, ok := authz.CallerFromContext(r.Context())
	if !ok {
		return "", fmt.Errorf("missing caller identity: %w", domain.ErrUnauthorized)
	}
	return p, nil
}

// pathID parses a numeric path parameter.
func pathID(r *http.Request, name string) (uint64, error) {
	id, err := strconv.ParseUint(r.PathValue(name), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s %q: %w", name, r.PathValue(name), domain.ErrInvalidParameter)
	}
	return id, nil
}

// pathPrincipal parses an identity path parameter.
func pathPrincipal(r *http.Request, name string) (domain.Principal, error) {
	return principalParam(name, r.PathValue(name))
}

// principalParam parses an identity supplied by the caller as data rather
// than as credentials, so failures are validation errors.
func principalParam(name, raw string) (domain.Principal, error) {
	p, err := authz.ParsePrincipal(raw)
	if err != nil {
		return "", fmt.Errorf("%s %q: %w", name, raw, domain.ErrInvalidParameter)
	}
	return p, nil
}

// parseListOpts extracts pagination and time filters from the query string.
// Defaults: limit=50 (max 500), offset=0. since/until are RFC 3339.
func parseListOpts(r *http.Request) (domain.ListOpts, error) {
	q := r.URL.Query()
	opts := domain.ListOpts{Limit: 50}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return opts, fmt.Errorf("limit %q: %w", v, domain.ErrInvalidParameter)
		}
		opts.Limit = min(n, 500)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return opts, fmt.Errorf("offset %q: %w", v, domain.ErrInvalidParameter)
		}
		opts.Offset = n
	}
	for name, dst := range map[string]**time.Time{"since": &opts.Since, "until": &opts.Until} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return opts, fmt.Errorf("%s %q: %w", name, v, domain.ErrInvalidParameter)
		}
		*dst = &t
	}
	return opts, nil
}

// list wraps a slice with its count so empty results encode as [].
func list[T any](key string, items []T) map[string]any {
	if items == nil {
		items = []T{}
	}
	return map[string]any{key: items, "count": len(items)}
}
