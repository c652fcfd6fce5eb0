package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/thecatch/orderflow/pkg/models"
)

const resendAPIBase = "https://api.resend.com"

// ResendClient sends templated email through the Resend REST API.
type ResendClient struct {
	apiKey     string
	fromEmail  string
	baseURL    string
	httpClient *http.Client
	logger     *logrus.Logger
}

func NewResendClient(apiKey, fromEmail string, logger *logrus.Logger) *ResendClient {
	return &ResendClient{
		apiKey:    apiKey,
		fromEmail: fromEmail,
		baseURL:   resendAPIBase,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

func (c *ResendClient) SendEmail(ctx context.Context, to, subject, html string) (string, error) {
	if c.apiKey == "" {
		return "", &ConfigError{Provider: "resend", Missing: "api key"}
	}
	if c.fromEmail == "" {
		return "", &ConfigError{Provider: "resend", Missing: "from email"}
	}

	body, err := json.Marshal(map[string]interface{}{
		"from":    c.fromEmail,
		"to":      []string{to},
		"subject": subject,
		"html":    html,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal resend request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/emails", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create resend request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request to resend: %w", err)
	}
	defer resp.Body.Close()

	payload, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("resend returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var sent struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload, &sent); err != nil {
		return "", fmt.Errorf("failed to decode resend response: %w", err)
	}

	c.logger.WithField("id", sent.ID).Debug("Resend email accepted")

	return sent.ID, nil
}

// emailSubject is fixed per event type and always carries the order number.
func emailSubject(event EventType, orderNumber string) string {
	switch event {
	case EventOrderConfirmed:
		return fmt.Sprintf("Order Confirmed - #%s", orderNumber)
	case EventOrderPreparing:
		return fmt.Sprintf("Your Order is Being Prepared - #%s", orderNumber)
	case EventOrderReady:
		return fmt.Sprintf("Your Order is Ready! - #%s", orderNumber)
	default:
		return fmt.Sprintf("Order Update - #%s", orderNumber)
	}
}

var confirmationTemplate = template.Must(template.New("confirmation").Parse(`
<h1>Thanks for your order, {{.Order.Customer.Name}}!</h1>
<p>Order <strong>#{{.Order.OrderNumber}}</strong> at {{.Order.Location.Name}} is confirmed.</p>
{{if .Order.EstimatedReadyTime}}<p>Estimated ready time: {{.ETA}}</p>{{end}}
<table>
{{range .Order.Items}}
  <tr>
    <td>{{.Quantity}}x {{.Name}}</td>
    <td>${{printf "%.2f" .UnitPrice}}</td>
  </tr>
  {{range .Modifiers}}<tr><td colspan="2">&nbsp;&nbsp;{{.Name}}: {{.Option}}</td></tr>{{end}}
{{end}}
</table>
<p>
Subtotal: ${{printf "%.2f" .Order.Subtotal}}<br>
Tax: ${{printf "%.2f" .Order.Tax}}<br>
Tip: ${{printf "%.2f" .Order.Tip}}<br>
{{if gt .Order.DeliveryFee 0.0}}Delivery fee: ${{printf "%.2f" .Order.DeliveryFee}}<br>{{end}}
<strong>Total: ${{printf "%.2f" .Order.Total}}</strong>
</p>
<p><a href="{{.TrackingURL}}">Track your order</a></p>
`))

var preparingTemplate = template.Must(template.New("preparing").Parse(`
<h1>Your order is on the fire, {{.Order.Customer.Name}}!</h1>
<p>The kitchen at {{.Order.Location.Name}} has started preparing order <strong>#{{.Order.OrderNumber}}</strong>.</p>
<p><a href="{{.TrackingURL}}">Track your order</a></p>
`))

var readyTemplate = template.Must(template.New("ready").Parse(`
<h1>Your order is ready, {{.Order.Customer.Name}}!</h1>
<p>Order <strong>#{{.Order.OrderNumber}}</strong> is ready for pickup at {{.Order.Location.Name}}.</p>
<p>{{.Order.Location.Address}}</p>
<p>Show your order number at the counter. Questions? Call
<a href="tel:{{.Order.Location.Phone}}">{{.Order.Location.Phone}}</a>.</p>
`))

type emailContext struct {
	Order       *models.Order
	TrackingURL string
	ETA         string
}

// emailBody renders the fixed template for an event type.
func (d *Dispatcher) emailBody(event EventType, order *models.Order) (string, error) {
	ctx := emailContext{
		Order:       order,
		TrackingURL: d.trackingURL(order.OrderNumber),
	}
	if order.EstimatedReadyTime != nil {
		ctx.ETA = formatClock(*order.EstimatedReadyTime)
	}

	var tmpl *template.Template
	switch event {
	case EventOrderConfirmed:
		tmpl = confirmationTemplate
	case EventOrderPreparing:
		tmpl = preparingTemplate
	case EventOrderReady:
		tmpl = readyTemplate
	default:
		return "", fmt.Errorf("no email template for event %q", event)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, ctx); err != nil {
		return "", fmt.Errorf("failed to render %s email: %w", event, err)
	}
	return buf.String(), nil
}
