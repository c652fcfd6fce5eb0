package models

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"
)

type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusConfirmed OrderStatus = "confirmed"
	StatusPreparing OrderStatus = "preparing"
	StatusReady     OrderStatus = "ready"
	StatusCompleted OrderStatus = "completed"
	StatusCancelled OrderStatus = "cancelled"
)

// AllStatuses lists every valid order status in lifecycle order.
var AllStatuses = []OrderStatus{
	StatusPending,
	StatusConfirmed,
	StatusPreparing,
	StatusReady,
	StatusCompleted,
	StatusCancelled,
}

func (s OrderStatus) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusPreparing, StatusReady, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are permitted.
func (s OrderStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Progress returns the tracking UI progress value in [0, 100].
func (s OrderStatus) Progress() int {
	switch s {
	case StatusPending:
		return 10
	case StatusConfirmed:
		return 25
	case StatusPreparing:
		return 60
	case StatusReady:
		return 90
	case StatusCompleted:
		return 100
	default:
		return 0
	}
}

// SuggestedPollInterval returns how long a tracking client should wait
// between fetches for an order in this status. Zero means stop polling.
func (s OrderStatus) SuggestedPollInterval() time.Duration {
	switch s {
	case StatusPending, StatusConfirmed:
		return 30 * time.Second
	case StatusPreparing:
		return 15 * time.Second
	case StatusReady:
		return 60 * time.Second
	case StatusCompleted, StatusCancelled:
		return 0
	default:
		return 30 * time.Second
	}
}

var orderNumberPattern = regexp.MustCompile(`^ORD-\d{8}-[A-Za-z0-9]+$`)

// ValidOrderNumber checks the ORD-<date>-<suffix> format, case-insensitively.
func ValidOrderNumber(orderNumber string) bool {
	return orderNumberPattern.MatchString(strings.ToUpper(orderNumber))
}

// NormalizeOrderNumber uppercases an order number for lookup.
func NormalizeOrderNumber(orderNumber string) string {
	return strings.ToUpper(orderNumber)
}

// NewOrderNumber builds a human-facing order number from the creation
// time and a random suffix, e.g. ORD-20250123-ABC123.
func NewOrderNumber(createdAt time.Time, suffix string) string {
	return fmt.Sprintf("ORD-%s-%s", createdAt.Format("20060102"), strings.ToUpper(suffix))
}

type Modifier struct {
	Name       string  `json:"name"`
	Option     string  `json:"option"`
	PriceDelta float64 `json:"priceDelta"`
}

type OrderItem struct {
	Name                string     `json:"name"`
	Quantity            int        `json:"quantity"`
	UnitPrice           float64    `json:"unitPrice"`
	Modifiers           []Modifier `json:"modifiers,omitempty"`
	SpecialInstructions string     `json:"specialInstructions,omitempty"`
}

// Customer contact is snapshotted at order time; later profile edits do
// not change historical orders.
type Customer struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

// LocationSnapshot captures the restaurant location as it was when the
// order was placed, independent of the live location record.
type LocationSnapshot struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Phone   string `json:"phone"`
}

type Order struct {
	ID          string      `json:"id"`
	OrderNumber string      `json:"orderNumber"`
	Status      OrderStatus `json:"status"`

	Items []OrderItem `json:"items"`

	Subtotal    float64 `json:"subtotal"`
	Tax         float64 `json:"tax"`
	Tip         float64 `json:"tip"`
	DeliveryFee float64 `json:"deliveryFee"`
	Total       float64 `json:"total"`

	Customer Customer         `json:"customer"`
	Location LocationSnapshot `json:"location"`

	EstimatedReadyTime *time.Time `json:"estimatedReadyTime,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	ConfirmedAt *time.Time `json:"confirmedAt,omitempty"`
	PreparingAt *time.Time `json:"preparingAt,omitempty"`
	ReadyAt     *time.Time `json:"readyAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CancelledAt *time.Time `json:"cancelledAt,omitempty"`
}

// totalsTolerance allows one minor currency unit of rounding slack.
const totalsTolerance = 0.01

// ValidateTotals enforces total == subtotal + tax + tip + deliveryFee
// within rounding tolerance, and rejects negative amounts.
func (o *Order) ValidateTotals() error {
	for name, v := range map[string]float64{
		"subtotal":    o.Subtotal,
		"tax":         o.Tax,
		"tip":         o.Tip,
		"deliveryFee": o.DeliveryFee,
		"total":       o.Total,
	} {
		if v < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}

	sum := o.Subtotal + o.Tax + o.Tip + o.DeliveryFee
	if math.Abs(o.Total-sum) > totalsTolerance+1e-9 {
		return fmt.Errorf("total %.2f does not match subtotal+tax+tip+deliveryFee %.2f", o.Total, sum)
	}
	return nil
}

// ValidateItems rejects orders with no items, non-positive quantities,
// or negative prices.
func (o *Order) ValidateItems() error {
	if len(o.Items) == 0 {
		return fmt.Errorf("order must contain at least one item")
	}
	for i, item := range o.Items {
		if item.Name == "" {
			return fmt.Errorf("item %d: name is required", i)
		}
		if item.Quantity <= 0 {
			return fmt.Errorf("item %d: quantity must be positive", i)
		}
		if item.UnitPrice < 0 {
			return fmt.Errorf("item %d: unit price must not be negative", i)
		}
		for j, mod := range item.Modifiers {
			if mod.PriceDelta < 0 {
				return fmt.Errorf("item %d modifier %d: price delta must not be negative", i, j)
			}
		}
	}
	return nil
}

type OrderResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Order   *Order `json:"order,omitempty"`
}
