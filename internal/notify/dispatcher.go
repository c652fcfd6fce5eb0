// Package notify delivers order-event notifications over SMS and email,
// tolerating transient provider outages without surfacing failures that
// would block order processing.
package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/thecatch/orderflow/internal/retry"
	"github.com/thecatch/orderflow/pkg/models"
)

type EventType string

const (
	EventOrderConfirmed EventType = "order_confirmed"
	EventOrderPreparing EventType = "order_preparing"
	EventOrderReady     EventType = "order_ready"
)

// ParseEventType validates an event type received over the wire.
func ParseEventType(s string) (EventType, error) {
	switch EventType(s) {
	case EventOrderConfirmed, EventOrderPreparing, EventOrderReady:
		return EventType(s), nil
	}
	return "", fmt.Errorf("unknown notification type %q", s)
}

// EventForStatus maps a freshly entered order status to the notification
// that should fire for it. Not every status notifies.
func EventForStatus(status models.OrderStatus) (EventType, bool) {
	switch status {
	case models.StatusConfirmed:
		return EventOrderConfirmed, true
	case models.StatusPreparing:
		return EventOrderPreparing, true
	case models.StatusReady:
		return EventOrderReady, true
	}
	return "", false
}

// Result reports one channel's outcome. Provider failures are folded
// into Success=false rather than raised, so order processing can log
// and continue.
type Result struct {
	Success bool   `json:"success"`
	ID      string `json:"id,omitempty"`
	Error   string `json:"error,omitempty"`
}

type Results struct {
	SMS   *Result `json:"sms,omitempty"`
	Email *Result `json:"email,omitempty"`
}

// AllSucceeded reports whether every attempted channel delivered.
func (r Results) AllSucceeded() bool {
	if r.SMS != nil && !r.SMS.Success {
		return false
	}
	if r.Email != nil && !r.Email.Success {
		return false
	}
	return r.SMS != nil || r.Email != nil
}

type Channels struct {
	SMS   bool `json:"sms"`
	Email bool `json:"email"`
}

// DefaultChannels sends through both channels.
func DefaultChannels() Channels {
	return Channels{SMS: true, Email: true}
}

type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) (id string, err error)
}

type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, html string) (id string, err error)
}

// Dispatcher fans one order event out to the requested channels.
// Channels are independent: both are always attempted when requested,
// and a failure on one never prevents or rolls back the other.
type Dispatcher struct {
	sms     SMSSender
	email   EmailSender
	baseURL string
	logger  *logrus.Logger
}

func NewDispatcher(sms SMSSender, email EmailSender, baseURL string, logger *logrus.Logger) *Dispatcher {
	return &Dispatcher{
		sms:     sms,
		email:   email,
		baseURL: baseURL,
		logger:  logger,
	}
}

// Dispatch sends the event through each requested channel concurrently.
// Each channel send is retried with backoff (3 attempts, 1s base delay);
// non-transient errors fail fast. Dispatch never returns an error: each
// channel reports its own Result.
func (d *Dispatcher) Dispatch(ctx context.Context, event EventType, order *models.Order, channels Channels) Results {
	var results Results
	var wg sync.WaitGroup

	if channels.SMS {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results.SMS = d.sendChannel(ctx, "sms", order, func() (string, error) {
				return d.sms.SendSMS(ctx, order.Customer.Phone, d.smsBody(event, order))
			})
		}()
	}

	if channels.Email {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results.Email = d.sendChannel(ctx, "email", order, func() (string, error) {
				subject := emailSubject(event, order.OrderNumber)
				html, err := d.emailBody(event, order)
				if err != nil {
					return "", err
				}
				return d.email.SendEmail(ctx, order.Customer.Email, subject, html)
			})
		}()
	}

	wg.Wait()
	return results
}

// sendChannel runs one channel's retry loop sequentially: attempt,
// wait, attempt, never overlapping retries for the same send.
func (d *Dispatcher) sendChannel(ctx context.Context, channel string, order *models.Order, send func() (string, error)) *Result {
	var id string

	err := retry.Do(ctx, func() error {
		var sendErr error
		id, sendErr = send()
		return sendErr
	}, retry.Options{
		MaxRetries: 3,
		BaseDelay:  retry.DefaultBaseDelay,
		OnRetry: func(err error, attempt int) {
			d.logger.WithFields(logrus.Fields{
				"channel":      channel,
				"order_number": order.OrderNumber,
				"attempt":      attempt,
			}).WithError(err).Warn("Notification send failed, retrying")
		},
		NoRetryOn: func(err error) bool {
			return !retry.IsTransient(err)
		},
	})

	if err != nil {
		d.logger.WithFields(logrus.Fields{
			"channel":      channel,
			"order_number": order.OrderNumber,
		}).WithError(err).Error("Notification send failed after retries")
		return &Result{Success: false, Error: err.Error()}
	}

	d.logger.WithFields(logrus.Fields{
		"channel":      channel,
		"order_number": order.OrderNumber,
		"provider_id":  id,
	}).Info("Notification sent")
	return &Result{Success: true, ID: id}
}

func (d *Dispatcher) trackingURL(orderNumber string) string {
	return fmt.Sprintf("%s/orders/%s", d.baseURL, orderNumber)
}
