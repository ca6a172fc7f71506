// Package listener is the HTTP ingress of the router. Each route maps a
// request onto one delivery pattern of the routing engine.
package listener

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	apperrors "message-router/internal/common/errors"
	"message-router/internal/common/logging"
	"message-router/internal/message"
	"message-router/internal/routing"
)

var errBodyTooLarge = errors.New("message body too large")

// Router is the part of the routing engine the listener drives.
type Router interface {
	Deliver(ctx context.Context, in routing.Inbound) (*routing.Completion, error)
	CloseSession(sessionID string) error
	Match(msg *message.Message) []routing.Descriptor
	Snapshot() routing.Snapshot
	CachedConnections() int
}

// Handlers serves the listener routes.
type Handlers struct {
	router  Router
	logger  logging.Logger
	started time.Time
}

func NewHandlers(router Router, logger logging.Logger) *Handlers {
	if logger == nil {
		logger = logging.WithComponent("listener")
	}
	return &Handlers{router: router, logger: logger, started: time.Now()}
}

type destinationView struct {
	Address  string `json:"address"`
	Binding  string `json:"binding"`
	Contract string `json:"contract"`
}

type dispatchResponse struct {
	Kind         string            `json:"kind"`
	Destinations []destinationView `json:"destinations"`
	Errors       []string          `json:"errors,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Broadcast handles POST /messages. With ?wait=true the response reports
// the outcome of every send.
func (h *Handlers) Broadcast(w http.ResponseWriter, r *http.Request) {
	h.fanOut(w, r, routing.KindBroadcast, "")
}

// SessionMessage handles POST /sessions/{id}/messages.
func (h *Handlers) SessionMessage(w http.ResponseWriter, r *http.Request) {
	h.fanOut(w, r, routing.KindSession, mux.Vars(r)["id"])
}

// DuplexMessage handles POST /duplex/{id}/messages.
func (h *Handlers) DuplexMessage(w http.ResponseWriter, r *http.Request) {
	h.fanOut(w, r, routing.KindDuplex, mux.Vars(r)["id"])
}

// CloseSession handles DELETE /sessions/{id} and DELETE /duplex/{id}.
func (h *Handlers) CloseSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.router.CloseSession(id); err != nil {
		h.logger.Warn("Session close reported errors", logging.String("session_id", id), logging.Err(err))
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) fanOut(w http.ResponseWriter, r *http.Request, kind routing.DeliveryKind, sessionID string) {
	msg, ok := h.read(w, r)
	if !ok {
		return
	}

	c, err := h.router.Deliver(r.Context(), routing.Inbound{Kind: kind, SessionID: sessionID, Message: msg})
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp := dispatchResponse{Kind: kind.String(), Destinations: views(c.Destinations())}
	if r.URL.Query().Get("wait") != "true" {
		writeJSON(w, http.StatusAccepted, resp)
		return
	}

	if err := c.Wait(r.Context()); err != nil {
		failed := routing.DestinationErrors(err)
		if len(failed) == 0 {
			h.writeError(w, err)
			return
		}
		for _, de := range failed {
			resp.Errors = append(resp.Errors, de.Error())
		}
		writeJSON(w, http.StatusBadGateway, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Request handles POST /request: the reply of the single matched
// destination becomes the response.
func (h *Handlers) Request(w http.ResponseWriter, r *http.Request) {
	msg, ok := h.read(w, r)
	if !ok {
		return
	}

	c, err := h.router.Deliver(r.Context(), routing.Inbound{Kind: routing.KindRequest, Message: msg})
	if err != nil {
		h.writeError(w, err)
		return
	}
	reply, err := c.Reply(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := writeMessage(w, http.StatusOK, reply); err != nil {
		h.logger.Error("Failed to write reply", err)
	}
}

// Match handles POST /match, a dry run reporting where the message would go.
func (h *Handlers) Match(w http.ResponseWriter, r *http.Request) {
	msg, ok := h.read(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, dispatchResponse{Kind: "match", Destinations: views(h.router.Match(msg))})
}

// Health handles GET /health.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	snap := h.router.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":             "healthy",
		"timestamp":          time.Now(),
		"uptime":             time.Since(h.started).Round(time.Second).String(),
		"table_entries":      snap.Entries,
		"generation":         snap.Generation,
		"processing_enabled": snap.ProcessingEnabled,
		"headers_only":       snap.RouteOnHeadersOnly,
		"connections":        h.router.CachedConnections(),
	})
}

func (h *Handlers) read(w http.ResponseWriter, r *http.Request) (*message.Message, bool) {
	msg, err := readMessage(r)
	switch {
	case errors.Is(err, errBodyTooLarge):
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: err.Error()})
		return nil, false
	case err != nil:
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "failed to read request body"})
		return nil, false
	}
	return msg, true
}

func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Dispatch failed", err, logging.Int("status", status))
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// StatusFor maps a dispatch error to an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, routing.ErrNoMatch):
		return http.StatusNotFound
	case errors.Is(err, routing.ErrAmbiguousMatch):
		return http.StatusConflict
	case errors.Is(err, routing.ErrExchangeInProgress):
		return http.StatusTooManyRequests
	case errors.Is(err, routing.ErrContractMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, routing.ErrSessionRequired):
		return http.StatusBadRequest
	case errors.Is(err, routing.ErrDestinationUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, routing.ErrEngineClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case apperrors.IsType(err, apperrors.ErrTypeValidation):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func views(ds []routing.Descriptor) []destinationView {
	out := make([]destinationView, len(ds))
	for i, d := range ds {
		out[i] = destinationView{Address: d.Address, Binding: d.Binding, Contract: string(d.Contract)}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
