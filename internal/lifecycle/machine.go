// Package lifecycle defines the order status state machine: which
// transitions are legal and how entry timestamps are stamped.
package lifecycle

import (
	"fmt"
	"time"

	"github.com/thecatch/orderflow/pkg/models"
)

// InvalidTransitionError rejects an illegal state-machine move. The
// order is left unchanged when this is returned.
type InvalidTransitionError struct {
	From    models.OrderStatus
	To      models.OrderStatus
	Allowed []models.OrderStatus
}

func (e *InvalidTransitionError) Error() string {
	if len(e.Allowed) == 0 {
		return fmt.Sprintf("cannot transition from '%s' to '%s': '%s' is a terminal status", e.From, e.To, e.From)
	}
	return fmt.Sprintf("cannot transition from '%s' to '%s': allowed transitions are %v", e.From, e.To, e.Allowed)
}

// transitions maps each status to its legal successors. Status only
// moves forward along the lifecycle; cancellation is a direct jump from
// any non-terminal status.
var transitions = map[models.OrderStatus][]models.OrderStatus{
	models.StatusPending:   {models.StatusConfirmed, models.StatusCancelled},
	models.StatusConfirmed: {models.StatusPreparing, models.StatusCancelled},
	models.StatusPreparing: {models.StatusReady, models.StatusCancelled},
	models.StatusReady:     {models.StatusCompleted, models.StatusCancelled},
	models.StatusCompleted: {},
	models.StatusCancelled: {},
}

// AllowedNext returns the statuses an order may legally move to.
func AllowedNext(from models.OrderStatus) []models.OrderStatus {
	return transitions[from]
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to models.OrderStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves order to newStatus and stamps the matching entry
// timestamp if it has not been set before. Re-applying the current
// non-terminal status is an idempotent no-op: it returns changed=false,
// leaves the original timestamp intact, and callers must not fire side
// effects for it. Terminal orders reject every attempt, including
// re-applying the terminal status itself; illegal moves return
// *InvalidTransitionError with the order unchanged.
func Transition(order *models.Order, newStatus models.OrderStatus) (changed bool, err error) {
	return transitionAt(order, newStatus, time.Now())
}

func transitionAt(order *models.Order, newStatus models.OrderStatus, now time.Time) (bool, error) {
	if !newStatus.Valid() {
		return false, fmt.Errorf("invalid order status %q", newStatus)
	}

	// Terminal wins over idempotency: re-applying a terminal status is
	// rejected, not absorbed.
	if order.Status.Terminal() {
		return false, &InvalidTransitionError{
			From:    order.Status,
			To:      newStatus,
			Allowed: AllowedNext(order.Status),
		}
	}

	if order.Status == newStatus {
		// Duplicate event. The timestamp recorded on first entry stays.
		return false, nil
	}

	if !CanTransition(order.Status, newStatus) {
		return false, &InvalidTransitionError{
			From:    order.Status,
			To:      newStatus,
			Allowed: AllowedNext(order.Status),
		}
	}

	order.Status = newStatus
	stampEntry(order, newStatus, now)
	return true, nil
}

// stampEntry sets the <status>At field for the status just entered,
// only if it is still unset.
func stampEntry(order *models.Order, status models.OrderStatus, now time.Time) {
	field := timestampField(order, status)
	if field != nil && *field == nil {
		t := now
		*field = &t
	}
}

// timestampField maps a status to the order field recording when that
// status was first entered. pending has no pointer field: createdAt is
// set at creation and never null.
func timestampField(order *models.Order, status models.OrderStatus) **time.Time {
	switch status {
	case models.StatusConfirmed:
		return &order.ConfirmedAt
	case models.StatusPreparing:
		return &order.PreparingAt
	case models.StatusReady:
		return &order.ReadyAt
	case models.StatusCompleted:
		return &order.CompletedAt
	case models.StatusCancelled:
		return &order.CancelledAt
	default:
		return nil
	}
}

// EnteredAt returns the timestamp recorded when the order first entered
// the given status, or nil if it never has.
func EnteredAt(order *models.Order, status models.OrderStatus) *time.Time {
	if status == models.StatusPending {
		t := order.CreatedAt
		return &t
	}
	field := timestampField(order, status)
	if field == nil {
		return nil
	}
	return *field
}
