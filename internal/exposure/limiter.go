// Package exposure implements the position limits checked before a paper
// order is opened.
//
// Two limits apply, each disabled when zero:
//   - the profile's maxOpenPositions setting caps the number of OPEN orders
//   - MaxPerMarket caps the total stake a profile holds in one market,
//     across both outcomes
package exposure

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-ledger/internal/model"
)

var (
	// ErrMaxOpenPositions is returned when the profile already holds its
	// maximum number of open orders.
	ErrMaxOpenPositions = fmt.Errorf("exposure: max open positions reached: %w", model.ErrLimitExceeded)

	// ErrMarketCapExceeded is returned when a stake would push the profile's
	// open stake in a single market beyond MaxPerMarket.
	ErrMarketCapExceeded = fmt.Errorf("exposure: per-market stake cap exceeded: %w", model.ErrLimitExceeded)
)

// Limiter enforces open-position limits for one process. Per-profile limits
// come from the profile's settings; MaxPerMarket is service-wide.
type Limiter struct {
	// MaxPerMarket is the largest total stake a profile may hold open in a
	// single market. Zero means unlimited.
	MaxPerMarket decimal.Decimal
}

// NewLimiter creates a limiter with the given per-market stake cap.
func NewLimiter(maxPerMarket decimal.Decimal) *Limiter {
	if maxPerMarket.IsNegative() {
		maxPerMarket = decimal.Zero
	}
	return &Limiter{MaxPerMarket: maxPerMarket}
}

// CheckLimit validates whether opening a new order respects the limits.
//
// Parameters:
//   - settings: the owning profile's settings (MaxOpenPositions)
//   - marketID: market of the new order
//   - stake: amount of the new order
//   - open: the profile's currently OPEN orders
//
// Returns nil if the order is within limits. Errors wrap model.ErrLimitExceeded.
func (l *Limiter) CheckLimit(
	settings model.ProfileSettings,
	marketID string,
	stake decimal.Decimal,
	open []model.Order,
) error {
	// 1. Position count.
	if settings.MaxOpenPositions > 0 && len(open) >= settings.MaxOpenPositions {
		return ErrMaxOpenPositions
	}

	// 2. Stake already open in this market, both outcomes.
	if l == nil || !l.MaxPerMarket.IsPositive() {
		return nil
	}
	inMarket := stake
	for _, o := range open {
		if o.MarketID == marketID && o.Status == model.StatusOpen {
			inMarket = inMarket.Add(o.Amount)
		}
	}
	if inMarket.GreaterThan(l.MaxPerMarket) {
		return ErrMarketCapExceeded
	}
	return nil
}
