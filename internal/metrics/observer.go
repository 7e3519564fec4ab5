package metrics

import "github.com/atmx/paper-ledger/internal/model"

// Observer records ledger events. It satisfies ledger.Observer.
type Observer struct{}

// Notify implements ledger.Observer.
func (Observer) Notify(ev model.Event) {
	switch ev.Type {
	case model.EventOrderPlaced:
		if ev.Order != nil {
			OrdersPlaced.WithLabelValues(ev.Order.Source).Inc()
		}
	case model.EventOrderClosed, model.EventOrderSettled, model.EventOrderCancelled:
		if ev.Order != nil {
			OrdersClosed.WithLabelValues(string(ev.Order.CloseReason)).Inc()
		}
	default:
		ProfileEvents.WithLabelValues(string(ev.Type)).Inc()
	}
}
