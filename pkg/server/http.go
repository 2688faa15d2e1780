// Package server exposes the node's groups over HTTP.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/relves/groupsync/internal/storage"
	"github.com/relves/groupsync/internal/telemetry"
	"github.com/relves/groupsync/pkg/group"
	"github.com/relves/groupsync/pkg/types"
	"github.com/relves/groupsync/pkg/ucan"
)

const maxBodyBytes = 1 << 20

// HTTPHandler serves the admin and query API.
type HTTPHandler struct {
	d      *group.Dispatcher
	cfg    *Config
	logger *slog.Logger
}

// NewHTTPHandler creates a handler. WithDispatcher is required.
func NewHTTPHandler(opts ...Option) (*HTTPHandler, error) {
	cfg := applyOptions(opts...)
	if cfg.Dispatcher == nil {
		return nil, errors.New("server: dispatcher is required")
	}
	return &HTTPHandler{d: cfg.Dispatcher, cfg: cfg, logger: cfg.Logger}, nil
}

// Routes returns a mux with every endpoint registered and instrumented.
func (h *HTTPHandler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	handle := func(pattern, op string, fn http.HandlerFunc) {
		mux.Handle(pattern, telemetry.Instrument(op, fn))
	}

	handle("GET /healthz", "healthz", h.HandleHealth)
	mux.Handle("GET /metrics", telemetry.MetricsHandler())

	handle("POST /groups", "create_group", h.HandleCreateGroup)
	handle("GET /groups/{groupID}/head", "head", h.HandleGetHead)
	handle("GET /groups/{groupID}/members", "members", h.HandleGetMembers)
	handle("GET /groups/{groupID}/online", "online", h.HandleGetOnline)
	handle("GET /groups/{groupID}/events", "events", h.HandleGetEvents)
	handle("POST /groups/{groupID}/messages", "post_message", h.HandlePostMessage)
	handle("POST /groups/{groupID}/members", "add_member", h.HandleAddMember)
	handle("DELETE /groups/{groupID}/members/{memberID}", "remove_member", h.HandleRemoveMember)
	handle("POST /groups/{groupID}/join", "join", h.HandleJoin)
	handle("POST /groups/{groupID}/state", "set_state", h.HandleSetState)
	handle("PUT /groups/{groupID}/name", "rename", h.HandleRename)
	handle("POST /groups/{groupID}/resync", "resync", h.HandleResync)

	if h.cfg.Issuer != nil {
		handle("POST /groups/{groupID}/invites", "invite", h.HandleInvite)
		handle("POST /groups/{groupID}/revocations", "revoke", h.HandleRevoke)
	}
	if h.cfg.Checkpoints != nil {
		handle("GET /groups/{groupID}/checkpoint", "checkpoint", h.HandleCheckpoint)
	}
	return mux
}

// errorResponse is the body of every non-2xx JSON response.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func statusOf(err error) int {
	var dErr *ucan.DelegationError
	switch {
	case errors.As(err, &dErr):
		if dErr.Code == ucan.ErrCodeRevocationNotAuthorized {
			return http.StatusForbidden
		}
		return http.StatusBadRequest
	case errors.Is(err, types.ErrUnknownGroup), errors.Is(err, group.ErrNotMember):
		return http.StatusNotFound
	case errors.Is(err, types.ErrGroupClosed):
		return http.StatusGone
	case errors.Is(err, storage.ErrAlreadyExists), errors.Is(err, types.ErrConflictingHistory):
		return http.StatusConflict
	case errors.Is(err, types.ErrNotAuthorized), errors.Is(err, types.ErrInvalidProof):
		return http.StatusForbidden
	case errors.Is(err, types.ErrInvalidRange):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	code := types.ErrorCode(err)
	var dErr *ucan.DelegationError
	if errors.As(err, &dErr) {
		code = dErr.Code
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: code})
}

func badRequest(w http.ResponseWriter, format string, args ...any) {
	writeJSON(w, http.StatusBadRequest, errorResponse{
		Error: fmt.Sprintf(format, args...),
		Code:  "BAD_REQUEST",
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		badRequest(w, "invalid request body: %v", err)
		return false
	}
	return true
}

func pathGroupID(w http.ResponseWriter, r *http.Request) (types.GroupChatID, bool) {
	gid, err := types.ParseGroupChatID(r.PathValue("groupID"))
	if err != nil {
		badRequest(w, "invalid group id %q", r.PathValue("groupID"))
		return 0, false
	}
	return gid, true
}
