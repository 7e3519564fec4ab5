package model

import "errors"

// Error kinds returned by the ledger. Callers match them with errors.Is;
// concrete errors wrap one of these with context.
var (
	// ErrInvalidArgument is returned for malformed prices, amounts or ids.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInsufficientFunds is returned when a debit would take a profile's
	// cash balance below zero.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrNotFound is returned for unknown order or profile ids.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState is returned for transitions that have no idempotent
	// reading, such as cancelling a closed order.
	ErrInvalidState = errors.New("invalid state")

	// ErrPermissionDenied is returned when deleting the default profile.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrUpstreamUnavailable is returned by the price and resolution feeds.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrLimitExceeded is returned when an order breaches an exposure limit.
	ErrLimitExceeded = errors.New("limit exceeded")
)

// Kind names the taxonomy entry err belongs to, for API responses.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrInvalidArgument):
		return "InvalidArgument"
	case errors.Is(err, ErrInsufficientFunds):
		return "InsufficientFunds"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrInvalidState):
		return "InvalidState"
	case errors.Is(err, ErrPermissionDenied):
		return "PermissionDenied"
	case errors.Is(err, ErrUpstreamUnavailable):
		return "UpstreamUnavailable"
	case errors.Is(err, ErrLimitExceeded):
		return "LimitExceeded"
	default:
		return "Internal"
	}
}
