package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/thecatch/orderflow/internal/events"
	"github.com/thecatch/orderflow/internal/retry"
	"github.com/thecatch/orderflow/internal/store"
)

// StatusHandler is the notification worker's event handler: it turns a
// status-changed event into a dispatch through the requested channels.
type StatusHandler struct {
	store      store.OrderStore
	dispatcher *Dispatcher
	logger     *logrus.Logger
}

func NewStatusHandler(orderStore store.OrderStore, dispatcher *Dispatcher, logger *logrus.Logger) *StatusHandler {
	return &StatusHandler{
		store:      orderStore,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

func (h *StatusHandler) HandleStatusChanged(ctx context.Context, event events.OrderStatusChangedEvent) error {
	eventType, ok := EventForStatus(event.NewStatus)
	if !ok {
		// completed/cancelled and other silent statuses: nothing to send.
		h.logger.WithFields(logrus.Fields{
			"order_number": event.OrderNumber,
			"new_status":   event.NewStatus,
		}).Debug("No notification configured for status")
		return nil
	}

	order, err := h.store.GetByID(ctx, event.OrderID)
	if err != nil {
		return fmt.Errorf("failed to load order %s: %w", event.OrderID, err)
	}

	results := h.dispatcher.Dispatch(ctx, eventType, order, DefaultChannels())
	if !results.AllSucceeded() {
		// Channel sends were already retried inside the dispatcher; a
		// total failure here is parked on the DLQ, not retried again.
		return &deliveryError{orderNumber: order.OrderNumber, event: eventType}
	}

	return nil
}

// IsRetryable: order-store misses and delivery exhaustion are final;
// transient store errors are worth another pass.
func (h *StatusHandler) IsRetryable(err error) bool {
	var de *deliveryError
	if errors.As(err, &de) {
		return false
	}
	if errors.Is(err, store.ErrNotFound) {
		return false
	}
	return retry.IsTransient(err)
}

type deliveryError struct {
	orderNumber string
	event       EventType
}

func (e *deliveryError) Error() string {
	return fmt.Sprintf("all notification channels failed for order %s event %s", e.orderNumber, e.event)
}
