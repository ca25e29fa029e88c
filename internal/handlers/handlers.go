// Package handlers exposes the daemon's control API over HTTP. Every
// endpoint is a thin JSON shim over the bus.
package handlers

import (
	"encoding/json"
	"net/http"

	"ergoblock/internal/atproto"
	"ergoblock/internal/bus"
	"ergoblock/internal/database/boltstore"
	"ergoblock/internal/metrics"
	"ergoblock/internal/moderation"

	"github.com/rs/zerolog/log"
)

// Handler contains all HTTP handler methods and their dependencies.
type Handler struct {
	bus      *bus.Bus
	sessions atproto.SessionStore
	state    *boltstore.StateStore
	contexts *boltstore.ContextStore
}

// NewHandler creates a fully-initialized handler.
func NewHandler(b *bus.Bus, sessions atproto.SessionStore, state *boltstore.StateStore, contexts *boltstore.ContextStore) *Handler {
	return &Handler{bus: b, sessions: sessions, state: state, contexts: contexts}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("handlers: failed to encode response")
	}
}

// writeResponse maps a bus response onto an HTTP status.
func writeResponse(w http.ResponseWriter, resp bus.Response) {
	status := http.StatusOK
	if !resp.OK {
		status = http.StatusBadGateway
	}
	if resp.Async {
		status = http.StatusAccepted
	}
	writeJSON(w, status, resp)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// HandleBlock applies a block, temporary when durationMinutes is set.
func (h *Handler) HandleBlock(w http.ResponseWriter, r *http.Request) {
	h.handleApply(w, r, moderation.ActionBlock)
}

// HandleMute applies a mute, temporary when durationMinutes is set.
func (h *Handler) HandleMute(w http.ResponseWriter, r *http.Request) {
	h.handleApply(w, r, moderation.ActionMute)
}

func (h *Handler) handleApply(w http.ResponseWriter, r *http.Request, action moderation.ActionType) {
	var req bus.ApplyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.DID == "" {
		http.Error(w, "DID is required", http.StatusBadRequest)
		return
	}
	req.Action = action
	writeResponse(w, h.bus.Apply(r.Context(), req))
}

// HandleUnblock reverses a block manually.
func (h *Handler) HandleUnblock(w http.ResponseWriter, r *http.Request) {
	h.handleCancel(w, r, moderation.ActionBlock)
}

// HandleUnmute reverses a mute manually.
func (h *Handler) HandleUnmute(w http.ResponseWriter, r *http.Request) {
	h.handleCancel(w, r, moderation.ActionMute)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request, action moderation.ActionType) {
	var req bus.CancelRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.DID == "" {
		http.Error(w, "DID is required", http.StatusBadRequest)
		return
	}
	req.Action = action
	writeResponse(w, h.bus.Cancel(r.Context(), req))
}

// HandleSync triggers a full sync.
func (h *Handler) HandleSync(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, h.bus.SyncNow(r.Context()))
}

// HandleAudit triggers a blocklist audit.
func (h *Handler) HandleAudit(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, h.bus.AuditNow(r.Context()))
}

// HandleExpire triggers an immediate expiration pass.
func (h *Handler) HandleExpire(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, h.bus.ExpireNow(r.Context()))
}

// HandlePeek temporarily unblocks an account for viewing and reblocks it
// after the window.
func (h *Handler) HandlePeek(w http.ResponseWriter, r *http.Request) {
	var req bus.PeekRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.DID == "" {
		http.Error(w, "DID is required", http.StatusBadRequest)
		return
	}
	writeResponse(w, h.bus.PeekThenReapply(r.Context(), req))
}

// HandleResolveContext runs the context pipeline for one account.
func (h *Handler) HandleResolveContext(w http.ResponseWriter, r *http.Request) {
	var req bus.ResolveContextRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.DID == "" || req.Handle == "" {
		http.Error(w, "DID and handle are required", http.StatusBadRequest)
		return
	}
	if req.Action == "" {
		req.Action = moderation.ActionBlock
	}

	resp := h.bus.ResolveContext(r.Context(), req)
	status := http.StatusOK
	if !resp.OK {
		status = http.StatusBadGateway
	}
	if resp.Async {
		status = http.StatusAccepted
	}
	writeJSON(w, status, resp)
}

// HandleGetContext returns the stored context for a target DID.
func (h *Handler) HandleGetContext(w http.ResponseWriter, r *http.Request) {
	did := r.PathValue("did")
	if did == "" {
		http.Error(w, "DID is required", http.StatusBadRequest)
		return
	}

	pc, err := h.contexts.Get(r.Context(), did)
	if err != nil {
		http.Error(w, "Failed to load context", http.StatusInternalServerError)
		return
	}
	if pc == nil {
		http.Error(w, "No context for this account", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, pc)
}

// HandleUnsubscribeList removes a moderation list subscription.
func (h *Handler) HandleUnsubscribeList(w http.ResponseWriter, r *http.Request) {
	var req bus.UnsubscribeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ListURI == "" {
		http.Error(w, "List URI is required", http.StatusBadRequest)
		return
	}
	writeResponse(w, h.bus.UnsubscribeList(r.Context(), req))
}

// HandleDismissList marks a conflict group reviewed (or un-reviewed).
func (h *Handler) HandleDismissList(w http.ResponseWriter, r *http.Request) {
	var req bus.DismissRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ListURI == "" {
		http.Error(w, "List URI is required", http.StatusBadRequest)
		return
	}
	writeResponse(w, h.bus.Dismiss(r.Context(), req))
}

// HandleStatus returns the aggregated daemon state.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.bus.GetStatus(r.Context())
	if err != nil {
		http.Error(w, "Failed to build status", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// HandleSetOptions stores updated options.
func (h *Handler) HandleSetOptions(w http.ResponseWriter, r *http.Request) {
	var opts moderation.Options
	if !decodeBody(w, r, &opts) {
		return
	}
	writeResponse(w, h.bus.SetOptions(r.Context(), opts))
}

type loginRequest struct {
	Host       string `json:"host"`
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

// HandleLogin signs in with a handle and app password, persists the
// session and marks the credential valid again.
func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Identifier == "" || req.Password == "" {
		http.Error(w, "Identifier and password are required", http.StatusBadRequest)
		return
	}
	if req.Host == "" {
		req.Host = "https://bsky.social"
	}

	sess, err := atproto.Login(r.Context(), req.Host, req.Identifier, req.Password)
	if err != nil {
		log.Warn().Err(err).Str("identifier", req.Identifier).Msg("handlers: login failed")
		http.Error(w, "Login failed", http.StatusUnauthorized)
		return
	}

	if err := h.sessions.SaveSession(r.Context(), sess); err != nil {
		http.Error(w, "Failed to persist session", http.StatusInternalServerError)
		return
	}
	if err := h.state.SetAuthValid(r.Context(), true); err != nil {
		log.Warn().Err(err).Msg("handlers: failed to record auth status")
	}
	metrics.AuthValid.Set(1)

	log.Info().Str("did", sess.DID).Str("handle", sess.Handle).Msg("handlers: signed in")
	writeJSON(w, http.StatusOK, map[string]string{"did": sess.DID, "handle": sess.Handle})
}

// HandleLogout deletes the stored session.
func (h *Handler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.DeleteSession(r.Context()); err != nil {
		http.Error(w, "Failed to delete session", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, bus.Response{OK: true})
}
