// Package store is the boundary to the order document store. The core
// treats the store as an external collaborator; this package ships a
// Postgres implementation and an in-memory one for tests.
package store

import (
	"context"
	"errors"

	"github.com/thecatch/orderflow/pkg/models"
)

// ErrNotFound is returned for lookup misses. It is never retried and
// surfaces to API callers as a 404.
var ErrNotFound = errors.New("order not found")

type OrderStore interface {
	Create(ctx context.Context, order *models.Order) error
	GetByID(ctx context.Context, id string) (*models.Order, error)
	GetByNumber(ctx context.Context, orderNumber string) (*models.Order, error)
	// UpdateStatus persists the order's current status and entry
	// timestamps. The state machine has already validated the move;
	// the host serializes writers per order id.
	UpdateStatus(ctx context.Context, order *models.Order) error
	Ping(ctx context.Context) error
}
