package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/thecatch/orderflow/pkg/models"
)

// ConfigError marks missing provider credentials. It fails fast before
// any send is attempted and is never retried.
type ConfigError struct {
	Provider string
	Missing  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s not configured: missing %s", e.Provider, e.Missing)
}

var nonDigits = regexp.MustCompile(`\D`)

// FormatPhoneNumber normalizes a phone number to E.164. Ten-digit US
// numbers gain a +1 prefix; eleven digits starting with 1 gain a +;
// already +-prefixed numbers pass through unchanged.
func FormatPhoneNumber(phone string) string {
	digits := nonDigits.ReplaceAllString(phone, "")

	if len(digits) == 10 {
		return "+1" + digits
	}
	if len(digits) == 11 && strings.HasPrefix(digits, "1") {
		return "+" + digits
	}

	if strings.HasPrefix(phone, "+") {
		return phone
	}

	return "+" + digits
}

const twilioAPIBase = "https://api.twilio.com/2010-04-01"

// TwilioClient sends SMS through the Twilio Messages REST API.
type TwilioClient struct {
	accountSID string
	authToken  string
	fromNumber string
	baseURL    string
	httpClient *http.Client
	logger     *logrus.Logger
}

func NewTwilioClient(accountSID, authToken, fromNumber string, logger *logrus.Logger) *TwilioClient {
	return &TwilioClient{
		accountSID: accountSID,
		authToken:  authToken,
		fromNumber: fromNumber,
		baseURL:    twilioAPIBase,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

func (c *TwilioClient) SendSMS(ctx context.Context, to, body string) (string, error) {
	if c.accountSID == "" || c.authToken == "" {
		return "", &ConfigError{Provider: "twilio", Missing: "account SID or auth token"}
	}
	if c.fromNumber == "" {
		return "", &ConfigError{Provider: "twilio", Missing: "from number"}
	}

	form := url.Values{}
	form.Set("To", FormatPhoneNumber(to))
	form.Set("From", c.fromNumber)
	form.Set("Body", body)

	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", c.baseURL, c.accountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create twilio request: %w", err)
	}
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request to twilio: %w", err)
	}
	defer resp.Body.Close()

	payload, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("twilio returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var message struct {
		SID string `json:"sid"`
	}
	if err := json.Unmarshal(payload, &message); err != nil {
		return "", fmt.Errorf("failed to decode twilio response: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"sid": message.SID,
	}).Debug("Twilio message accepted")

	return message.SID, nil
}

// smsBody renders the short fixed template per event type. Templates are
// not configurable at send time.
func (d *Dispatcher) smsBody(event EventType, order *models.Order) string {
	switch event {
	case EventOrderConfirmed:
		etaText := ""
		if order.EstimatedReadyTime != nil {
			etaText = fmt.Sprintf(" ETA: %s.", formatClock(*order.EstimatedReadyTime))
		}
		return fmt.Sprintf("The Catch: Order #%s confirmed!%s Track your order: %s",
			order.OrderNumber, etaText, d.trackingURL(order.OrderNumber))
	case EventOrderPreparing:
		return fmt.Sprintf("The Catch: Kitchen has started preparing your order #%s. We'll text you when it's ready!",
			order.OrderNumber)
	case EventOrderReady:
		return fmt.Sprintf("The Catch: Your order #%s is READY for pickup at %s! Show this text at the counter.",
			order.OrderNumber, order.Location.Name)
	default:
		return fmt.Sprintf("The Catch: Update for order #%s. Track it: %s",
			order.OrderNumber, d.trackingURL(order.OrderNumber))
	}
}

func formatClock(t time.Time) string {
	return t.Format("3:04 PM")
}
