package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-ledger/internal/ledger"
	"github.com/atmx/paper-ledger/internal/metrics"
	"github.com/atmx/paper-ledger/internal/model"
	"github.com/atmx/paper-ledger/internal/store"
)

// PlaceOrderRequest is the JSON body of POST /orders.
type PlaceOrderRequest struct {
	ProfileID   string          `json:"profileId,omitempty"`
	MarketID    string          `json:"marketId"`
	MarketTitle string          `json:"marketTitle"`
	MarketImage string          `json:"marketImage,omitempty"`
	MarketURL   string          `json:"marketUrl,omitempty"`
	MarketSlug  string          `json:"marketSlug,omitempty"`
	Outcome     string          `json:"outcome"`
	EntryPrice  decimal.Decimal `json:"entryPrice"`
	Amount      decimal.Decimal `json:"amount"`
	Source      string          `json:"source"`
	// Both optional; when neither is given the profile defaults apply.
	TakeProfitPercent *decimal.Decimal `json:"tp1Percent,omitempty"`
	StopLossPercent   *decimal.Decimal `json:"stopLossPercent,omitempty"`
	Notes             string           `json:"notes,omitempty"`
}

func (req PlaceOrderRequest) toLedger() ledger.PlaceOrderRequest {
	out := ledger.PlaceOrderRequest{
		ProfileID: req.ProfileID,
		MarketID:  strings.TrimSpace(req.MarketID),
		Market: model.MarketInfo{
			Title: req.MarketTitle,
			Image: req.MarketImage,
			URL:   req.MarketURL,
			Slug:  req.MarketSlug,
		},
		Outcome:    model.Outcome(strings.ToUpper(strings.TrimSpace(req.Outcome))),
		EntryPrice: req.EntryPrice,
		Amount:     req.Amount,
		Source:     strings.ToUpper(strings.TrimSpace(req.Source)),
		Notes:      req.Notes,
	}
	if req.TakeProfitPercent != nil || req.StopLossPercent != nil {
		risk := &model.RiskConfig{}
		if req.TakeProfitPercent != nil {
			risk.TakeProfitPercent = *req.TakeProfitPercent
		}
		if req.StopLossPercent != nil {
			// Clients send the stop as either -10 or 10.
			risk.StopLossPercent = req.StopLossPercent.Abs()
		}
		out.Risk = risk
	}
	return out
}

// CloseOrderRequest is the JSON body of POST /orders/close.
type CloseOrderRequest struct {
	OrderID   string          `json:"orderId"`
	ExitPrice decimal.Decimal `json:"exitPrice"`
}

// OrderResponse is an order with its derived ROI.
type OrderResponse struct {
	model.Order
	ROI decimal.Decimal `json:"roi"`
}

func orderResponse(o *model.Order) OrderResponse {
	return OrderResponse{Order: *o, ROI: o.ROI()}
}

// PortfolioResponse is the dashboard view of the active profile.
type PortfolioResponse struct {
	*model.Portfolio
	MarksUpdatedAt *time.Time `json:"marks_updated_at,omitempty"`
}

// GetPortfolio handles GET /portfolio.
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	var (
		marks   model.MarkSnapshot
		updated time.Time
	)
	if h.marks != nil {
		marks, updated = h.marks.Marks()
	}
	pf, err := h.ledger.Portfolio(r.Context(), marks)
	if !usable(err) {
		h.writeError(w, r, err)
		return
	}
	resp := PortfolioResponse{Portfolio: pf}
	if !updated.IsZero() {
		resp.MarksUpdatedAt = &updated
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListOrders handles GET /orders?status=&source=&limit=&profileId=.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.OrderFilter{
		ProfileID: q.Get("profileId"),
		MarketID:  q.Get("marketId"),
		Source:    strings.ToUpper(q.Get("source")),
	}
	if s := q.Get("status"); s != "" {
		st := model.OrderStatus(strings.ToUpper(s))
		if st != model.StatusOpen && st != model.StatusClosed && st != model.StatusCancelled {
			h.writeError(w, r, fmt.Errorf("unknown status %q: %w", s, model.ErrInvalidArgument))
			return
		}
		f.Status = st
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			h.writeError(w, r, fmt.Errorf("limit must be a non-negative integer: %w", model.ErrInvalidArgument))
			return
		}
		f.Limit = n
	}

	orders, err := h.ledger.ListOrders(r.Context(), f)
	if !usable(err) {
		h.writeError(w, r, err)
		return
	}
	markStale(w, err)

	resp := make([]OrderResponse, 0, len(orders))
	for i := range orders {
		resp = append(resp, orderResponse(&orders[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": resp, "count": len(resp)})
}

// PlaceOrder handles POST /orders.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	o, err := h.ledger.PlaceOrder(r.Context(), req.toLedger())
	if err != nil {
		if errors.Is(err, model.ErrLimitExceeded) {
			metrics.LimitRejections.Inc()
		}
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, orderResponse(o))
}

// CloseOrder handles POST /orders/close.
func (h *Handler) CloseOrder(w http.ResponseWriter, r *http.Request) {
	var req CloseOrderRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.OrderID == "" {
		h.writeError(w, r, fmt.Errorf("orderId is required: %w", model.ErrInvalidArgument))
		return
	}
	o, err := h.ledger.CloseOrder(r.Context(), req.OrderID, req.ExitPrice)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orderResponse(o))
}

// CancelOrder handles POST /orders/{orderID}/cancel.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.ledger.CancelOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orderResponse(o))
}
