package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/thecatch/orderflow/pkg/models"
)

// MemoryStore keeps orders in a map. It backs tests and local
// development without a database.
type MemoryStore struct {
	mutex    sync.RWMutex
	byID     map[string]*models.Order
	byNumber map[string]*models.Order
	pingErr  error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:     make(map[string]*models.Order),
		byNumber: make(map[string]*models.Order),
	}
}

func (s *MemoryStore) Create(_ context.Context, order *models.Order) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.byID[order.ID]; exists {
		return fmt.Errorf("order %s already exists", order.ID)
	}

	copied := *order
	s.byID[order.ID] = &copied
	s.byNumber[models.NormalizeOrderNumber(order.OrderNumber)] = &copied
	return nil
}

func (s *MemoryStore) GetByID(_ context.Context, id string) (*models.Order, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	order, exists := s.byID[id]
	if !exists {
		return nil, ErrNotFound
	}
	copied := *order
	return &copied, nil
}

func (s *MemoryStore) GetByNumber(_ context.Context, orderNumber string) (*models.Order, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	order, exists := s.byNumber[models.NormalizeOrderNumber(orderNumber)]
	if !exists {
		return nil, ErrNotFound
	}
	copied := *order
	return &copied, nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, order *models.Order) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	existing, exists := s.byID[order.ID]
	if !exists {
		return ErrNotFound
	}

	existing.Status = order.Status
	existing.ConfirmedAt = order.ConfirmedAt
	existing.PreparingAt = order.PreparingAt
	existing.ReadyAt = order.ReadyAt
	existing.CompletedAt = order.CompletedAt
	existing.CancelledAt = order.CancelledAt
	return nil
}

func (s *MemoryStore) Ping(_ context.Context) error {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.pingErr
}

// SetPingError makes Ping fail; tests use it to simulate store outages.
func (s *MemoryStore) SetPingError(err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.pingErr = err
}
