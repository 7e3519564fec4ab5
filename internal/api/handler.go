// Package api exposes the ledger over HTTP and pushes ledger events to
// WebSocket clients.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/paper-ledger/internal/ledger"
	"github.com/atmx/paper-ledger/internal/model"
	"github.com/atmx/paper-ledger/internal/store"
)

// MarkSource supplies the latest mark snapshot. poller.Coordinator
// satisfies it.
type MarkSource interface {
	Marks() (model.MarkSnapshot, time.Time)
}

// Handler serves the ledger endpoints.
type Handler struct {
	ledger *ledger.Service
	marks  MarkSource
	log    *slog.Logger
}

// NewHandler creates the API handler. marks may be nil, in which case the
// portfolio is valued without marks.
func NewHandler(l *ledger.Service, marks MarkSource, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{ledger: l, marks: marks, log: log}
}

// Register mounts the ledger routes on r, normally under /api/v1.
func (h *Handler) Register(r chi.Router) {
	r.Get("/profiles", h.ListProfiles)
	r.Post("/profiles", h.CreateProfile)
	r.Post("/profiles/initialize", h.InitializePortfolio)
	r.Post("/profiles/switch", h.SwitchProfile)
	r.Get("/profiles/active", h.GetActiveProfile)
	r.Post("/profiles/{profileID}/reset", h.ResetProfile)
	r.Put("/profiles/{profileID}/settings", h.UpdateSettings)
	r.Delete("/profiles/{profileID}", h.DeleteProfile)
	r.Get("/profiles/{profileID}/stats", h.GetStats)

	r.Get("/portfolio", h.GetPortfolio)

	r.Get("/orders", h.ListOrders)
	r.Post("/orders", h.PlaceOrder)
	r.Post("/orders/close", h.CloseOrder)
	r.Post("/orders/{orderID}/cancel", h.CancelOrder)
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidArgument), errors.Is(err, model.ErrInsufficientFunds):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidState), errors.Is(err, model.ErrLimitExceeded):
		return http.StatusConflict
	case errors.Is(err, model.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, model.ErrUpstreamUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes a JSON error response. Internal errors are logged and
// reported without detail.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		msg = "internal error"
	}
	writeJSON(w, status, errorResponse{Error: msg, Kind: model.Kind(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// markStale flags a response served from the degraded cache.
func markStale(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrStale) {
		w.Header().Set("X-Ledger-Stale", "true")
	}
}

// usable reports whether a read can still be served.
func usable(err error) bool {
	return err == nil || errors.Is(err, store.ErrStale)
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %v: %w", err, model.ErrInvalidArgument)
	}
	return nil
}
