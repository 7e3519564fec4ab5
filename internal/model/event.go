package model

import "time"

// EventType identifies a committed ledger mutation.
type EventType string

const (
	EventOrderPlaced     EventType = "ORDER_PLACED"
	EventOrderClosed     EventType = "ORDER_CLOSED"
	EventOrderSettled    EventType = "ORDER_SETTLED"
	EventOrderCancelled  EventType = "ORDER_CANCELLED"
	EventProfileCreated  EventType = "PROFILE_CREATED"
	EventProfileSwitched EventType = "PROFILE_SWITCHED"
	EventProfileReset    EventType = "PROFILE_RESET"
	EventProfileDeleted  EventType = "PROFILE_DELETED"
)

// Event is published to observers after a mutation commits.
type Event struct {
	Type      EventType `json:"type"`
	ProfileID string    `json:"profile_id"`
	Order     *Order    `json:"order,omitempty"`
	Profile   *Profile  `json:"profile,omitempty"`
	At        time.Time `json:"at"`
}
