package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/marketcore/internal/domain"
	"github.com/alanyoungcy/marketcore/internal/server/middleware"
	"github.com/alanyoungcy/marketcore/internal/service"
)

const maxBodyBytes = 1 << 20

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// errorBody is the error response. The optional fields carry the
// authoritative state so clients can resynchronise.
type errorBody struct {
	Error        string `json:"error"`
	Kind         string `json:"kind"`
	Field        string `json:"field,omitempty"`
	Reason       string `json:"reason,omitempty"`
	Status       string `json:"status,omitempty"`
	Version      int64  `json:"version,omitempty"`
	CurrentPrice string `json:"current_price,omitempty"`
	MinimumBid   string `json:"minimum_bid,omitempty"`
	Current      any    `json:"current,omitempty"`
}

// writeServiceError maps an engine error to its HTTP status. current, when
// not nil, is the entity as last read and is echoed back to the caller.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op string, err error, current any) {
	body := errorBody{Error: err.Error(), Current: current}

	var (
		rej      *domain.BidRejection
		trans    *domain.TransitionError
		conflict *domain.ConflictError
		invalid  *domain.ValidationError
	)
	switch {
	case errors.As(err, &rej):
		body.Kind, body.Reason = kindOf(err), string(rej.Reason)
		body.Status = string(rej.Status)
		body.CurrentPrice = rej.CurrentPrice.String()
		body.MinimumBid = rej.MinimumBid.String()
	case errors.As(err, &conflict):
		body.Kind, body.Status, body.Version = "version_conflict", conflict.Status, conflict.Version
	case errors.As(err, &trans):
		body.Kind, body.Status = "invalid_transition", trans.From
	case errors.As(err, &invalid):
		body.Kind, body.Field, body.Reason = "validation_failed", invalid.Field, invalid.Reason
	default:
		body.Kind = kindOf(err)
	}
	status := statusOf(err)

	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		logger.ErrorContext(r.Context(), "handler: "+op+" failed", slog.String("error", err.Error()))
		body.Error = "internal server error"
		body.Current = nil
	}
	writeJSON(w, status, body)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrValidationFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrInvalidState),
		errors.Is(err, domain.ErrVersionConflict),
		errors.Is(err, domain.ErrAlreadyExists),
		errors.Is(err, service.ErrNoWinner):
		return http.StatusConflict
	case errors.Is(err, domain.ErrContention):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

func kindOf(err error) string {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrValidationFailed):
		return "validation_failed"
	case errors.Is(err, domain.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, domain.ErrInvalidState), errors.Is(err, service.ErrNoWinner):
		return "invalid_state"
	case errors.Is(err, domain.ErrVersionConflict), errors.Is(err, domain.ErrAlreadyExists):
		return "version_conflict"
	case errors.Is(err, domain.ErrContention):
		return "contention"
	case errors.Is(err, domain.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, domain.ErrRateLimited):
		return "rate_limited"
	}
	return "internal"
}

// decodeBody decodes a JSON request body into v. An empty body leaves v
// untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// parseListOpts extracts standard pagination parameters from the query string.
// Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return domain.ListOpts{
		Limit:  limit,
		Offset: offset,
	}
}

// pathParam extracts a named path parameter from the request using Go 1.22+
// built-in routing (http.Request.PathValue).
func pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}

// actor returns the authenticated caller. Service and admin tokens may act
// on behalf of the user named in onBehalf; user tokens always act as
// themselves.
func actor(r *http.Request, onBehalf string) (string, middleware.Role) {
	c, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		return "", ""
	}
	if onBehalf != "" && (c.Role == middleware.RoleService || c.Role == middleware.RoleAdmin) {
		return onBehalf, c.Role
	}
	return c.Subject, c.Role
}

func privileged(role middleware.Role) bool {
	return role == middleware.RoleService || role == middleware.RoleAdmin
}

// versionOpts turns an optional expected_version into a transition guard.
func versionOpts(v *int64) []service.TransitionOption {
	if v == nil {
		return nil
	}
	return []service.TransitionOption{service.IfVersion(*v)}
}

func requireActor(w http.ResponseWriter, id string) bool {
	if id == "" {
		writeError(w, http.StatusUnauthorized, "missing authentication token")
		return false
	}
	return true
}
