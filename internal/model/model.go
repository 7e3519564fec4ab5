// Package model defines the core domain types shared across the paper ledger.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultProfileID is the profile that always exists and can never be deleted.
const DefaultProfileID = "default"

// Outcome is one side of a binary prediction market.
type Outcome string

const (
	OutcomeYes Outcome = "YES"
	OutcomeNo  Outcome = "NO"
)

// Valid reports whether o is YES or NO.
func (o Outcome) Valid() bool {
	return o == OutcomeYes || o == OutcomeNo
}

// Side of an order. Paper orders only ever buy an outcome.
type Side string

const SideBuy Side = "BUY"

// OrderStatus is the lifecycle state of an order. OPEN is the only
// non-terminal state.
type OrderStatus string

const (
	StatusOpen      OrderStatus = "OPEN"
	StatusClosed    OrderStatus = "CLOSED"
	StatusCancelled OrderStatus = "CANCELLED"
)

// Terminal reports whether no further transition is allowed.
func (s OrderStatus) Terminal() bool {
	return s == StatusClosed || s == StatusCancelled
}

// CloseReason records why an order left the OPEN state.
type CloseReason string

const (
	ReasonManual     CloseReason = "MANUAL"
	ReasonTakeProfit CloseReason = "TAKE_PROFIT"
	ReasonStopLoss   CloseReason = "STOP_LOSS"
	ReasonSettlement CloseReason = "SETTLEMENT"
	ReasonCancelled  CloseReason = "CANCELLED"
	ReasonReset      CloseReason = "RESET"
)

// MarketInfo is display metadata passed through from the UI untouched.
type MarketInfo struct {
	Title string `json:"title,omitempty"`
	Image string `json:"image,omitempty"`
	URL   string `json:"url,omitempty"`
	Slug  string `json:"slug,omitempty"`
}

// RiskConfig holds take-profit / stop-loss thresholds in percent of the
// entry price. Zero disables the threshold.
type RiskConfig struct {
	TakeProfitPercent decimal.Decimal `json:"take_profit_percent"`
	StopLossPercent   decimal.Decimal `json:"stop_loss_percent"`
}

// Armed reports whether at least one threshold is enabled.
func (r RiskConfig) Armed() bool {
	return r.TakeProfitPercent.IsPositive() || r.StopLossPercent.IsPositive()
}

// Order is one simulated position. Shares are fixed at creation.
type Order struct {
	ID          string           `json:"id" db:"id"`
	ProfileID   string           `json:"profile_id" db:"profile_id"`
	MarketID    string           `json:"market_id" db:"market_id"`
	Market      MarketInfo       `json:"market"`
	Side        Side             `json:"side" db:"side"`
	Outcome     Outcome          `json:"outcome" db:"outcome"`
	EntryPrice  decimal.Decimal  `json:"entry_price" db:"entry_price"`
	Amount      decimal.Decimal  `json:"amount" db:"amount"`
	Shares      decimal.Decimal  `json:"shares" db:"shares"`
	Status      OrderStatus      `json:"status" db:"status"`
	ExitPrice   *decimal.Decimal `json:"exit_price,omitempty" db:"exit_price"`
	PnL         *decimal.Decimal `json:"pnl,omitempty" db:"pnl"`
	Risk        RiskConfig       `json:"risk"`
	Source      string           `json:"source" db:"source"`
	Notes       string           `json:"notes,omitempty" db:"notes"`
	Epoch       int              `json:"epoch" db:"epoch"`
	CloseReason CloseReason      `json:"close_reason,omitempty" db:"close_reason"`
	CreatedAt   time.Time        `json:"created_at" db:"created_at"`
	ClosedAt    *time.Time       `json:"closed_at,omitempty" db:"closed_at"`
}

// ROI returns pnl as a percent of the stake, or zero while the order is open.
func (o *Order) ROI() decimal.Decimal {
	if o.PnL == nil || o.Amount.IsZero() {
		return decimal.Zero
	}
	return o.PnL.Div(o.Amount).Mul(decimal.NewFromInt(100)).Round(2)
}

// MarkFor returns the mark of the order's outcome.
func (o *Order) MarkFor(m MarkPrice) decimal.Decimal {
	if o.Outcome == OutcomeNo {
		return m.No
	}
	return m.Yes
}

// ProfileSettings are per-profile trading defaults. Zero values disable the
// corresponding control.
type ProfileSettings struct {
	DefaultTakeProfitPercent decimal.Decimal `json:"default_take_profit_percent"`
	DefaultStopLossPercent   decimal.Decimal `json:"default_stop_loss_percent"`
	MaxOpenPositions         int             `json:"max_open_positions"`
}

// ArchivedStats accumulates the counters of previous epochs, moved aside by
// a profile reset.
type ArchivedStats struct {
	TradeCount  int             `json:"trade_count"`
	WinCount    int             `json:"win_count"`
	LossCount   int             `json:"loss_count"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
}

// Profile is a named paper-trading account.
type Profile struct {
	ID             string          `json:"id" db:"id"`
	Name           string          `json:"name" db:"name"`
	InitialBalance decimal.Decimal `json:"initial_balance" db:"initial_balance"`
	CurrentBalance decimal.Decimal `json:"current_balance" db:"current_balance"`
	RealizedPnL    decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
	TradeCount     int             `json:"trade_count" db:"trade_count"`
	WinCount       int             `json:"win_count" db:"win_count"`
	LossCount      int             `json:"loss_count" db:"loss_count"`
	BestTrade      decimal.Decimal `json:"best_trade" db:"best_trade"`
	WorstTrade     decimal.Decimal `json:"worst_trade" db:"worst_trade"`
	Active         bool            `json:"active" db:"active"`
	Epoch          int             `json:"epoch" db:"epoch"`
	Archived       ArchivedStats   `json:"archived"`
	Settings       ProfileSettings `json:"settings"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// MarkPrice is the observed price of both sides of one market.
type MarkPrice struct {
	Yes        decimal.Decimal `json:"yes"`
	No         decimal.Decimal `json:"no"`
	ObservedAt time.Time       `json:"observed_at"`
	Synthetic  bool            `json:"synthetic,omitempty"`
}

// MarkSnapshot maps market id to its latest mark. Never persisted.
type MarkSnapshot map[string]MarkPrice

// Resolution reports the winning outcome of a resolved market.
type Resolution struct {
	MarketID       string  `json:"marketId"`
	WinningOutcome Outcome `json:"winningOutcome"`
}

// Portfolio is the read model served to the dashboard.
type Portfolio struct {
	Profile       Profile         `json:"profile"`
	OpenOrders    []Order         `json:"open_orders"`
	Marks         MarkSnapshot    `json:"marks"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	TotalPnL      decimal.Decimal `json:"total_pnl"`
	Equity        decimal.Decimal `json:"equity"`
	Stale         bool            `json:"stale"`
}

// Stats summarises the closed orders of a profile's current epoch.
type Stats struct {
	ProfileID    string          `json:"profile_id"`
	TotalTrades  int             `json:"total_trades"`
	OpenTrades   int             `json:"open_trades"`
	ClosedTrades int             `json:"closed_trades"`
	WinRate      decimal.Decimal `json:"win_rate"`
	RealizedPnL  decimal.Decimal `json:"realized_pnl"`
	AvgWin       decimal.Decimal `json:"avg_win"`
	AvgLoss      decimal.Decimal `json:"avg_loss"`
	ProfitFactor decimal.Decimal `json:"profit_factor"`
	BestTrade    decimal.Decimal `json:"best_trade"`
	WorstTrade   decimal.Decimal `json:"worst_trade"`
}
