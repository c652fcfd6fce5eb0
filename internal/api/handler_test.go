package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/thecatch/orderflow/internal/circuitbreaker"
	"github.com/thecatch/orderflow/internal/events"
	"github.com/thecatch/orderflow/internal/notify"
	"github.com/thecatch/orderflow/internal/store"
	"github.com/thecatch/orderflow/pkg/models"
)

const (
	testKitchenToken = "kitchen-secret"
	testInternalKey  = "internal-secret"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel) // Reduce noise in tests
	return logger
}

type capturePublisher struct {
	events []events.OrderStatusChangedEvent
	err    error
}

func (p *capturePublisher) PublishStatusChanged(event events.OrderStatusChangedEvent) error {
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

type okSMS struct{}

func (okSMS) SendSMS(ctx context.Context, to, body string) (string, error) { return "SM1", nil }

type okEmail struct{}

func (okEmail) SendEmail(ctx context.Context, to, subject, html string) (string, error) {
	return "email-1", nil
}

type testEnv struct {
	store     *store.MemoryStore
	publisher *capturePublisher
	breakers  *circuitbreaker.Manager
	router    *mux.Router
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := testLogger()

	env := &testEnv{
		store:     store.NewMemoryStore(),
		publisher: &capturePublisher{},
		breakers:  circuitbreaker.NewManager(logger),
	}

	dispatcher := notify.NewDispatcher(okSMS{}, okEmail{}, "https://thecatch.example.com", logger)
	handler := NewHandler(env.store, nil, env.publisher, dispatcher, env.breakers,
		testKitchenToken, testInternalKey, logger)

	env.router = mux.NewRouter()
	handler.RegisterRoutes(env.router)
	return env
}

func (e *testEnv) seedOrder(t *testing.T, status models.OrderStatus) *models.Order {
	t.Helper()
	order := &models.Order{
		ID:          "order-1",
		OrderNumber: "ORD-20250123-ABC123",
		Status:      status,
		CreatedAt:   time.Now(),
		Customer: models.Customer{
			Name:  "Jordan Nguyen",
			Email: "jordan@example.com",
			Phone: "214-555-0101",
		},
		Location: models.LocationSnapshot{Name: "Post Oak"},
		Items:    []models.OrderItem{{Name: "Gumbo", Quantity: 1, UnitPrice: 9.99}},
		Subtotal: 9.99,
		Tax:      0.82,
		Total:    10.81,
	}
	if err := e.store.Create(context.Background(), order); err != nil {
		t.Fatalf("Failed to seed order: %v", err)
	}
	return order
}

func (e *testEnv) do(method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		payload, _ := json.Marshal(body)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("Failed to decode response %q: %v", rec.Body.String(), err)
	}
}

func TestTrackOrderInvalidFormat(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/api/orders/ord-bad", nil, nil)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", rec.Code)
	}
	var body map[string]string
	decodeBody(t, rec, &body)
	if body["error"] != "Invalid order number format" {
		t.Errorf("Unexpected error body: %v", body)
	}
}

func TestTrackOrderNotFound(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/api/orders/ORD-20250123-NOPE", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("Expected 404, got %d", rec.Code)
	}
}

func TestTrackOrderMasksCustomerAndSuggestsInterval(t *testing.T) {
	env := newTestEnv(t)
	env.seedOrder(t, models.StatusPreparing)

	// Lookup is case-insensitive.
	rec := env.do(http.MethodGet, "/api/orders/ord-20250123-abc123", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Order struct {
			Status   models.OrderStatus `json:"status"`
			Customer models.Customer    `json:"customer"`
		} `json:"order"`
		Meta struct {
			FetchedAt             time.Time `json:"fetchedAt"`
			SuggestedPollInterval int64     `json:"suggestedPollInterval"`
		} `json:"_meta"`
	}
	decodeBody(t, rec, &resp)

	if resp.Order.Customer.Email != "j***n@example.com" {
		t.Errorf("Expected masked email, got %q", resp.Order.Customer.Email)
	}
	if resp.Order.Customer.Phone != "***-***-0101" {
		t.Errorf("Expected masked phone, got %q", resp.Order.Customer.Phone)
	}
	if resp.Order.Customer.Name != "J****n N****n" {
		t.Errorf("Expected masked name, got %q", resp.Order.Customer.Name)
	}
	if resp.Meta.SuggestedPollInterval != 15000 {
		t.Errorf("Expected suggested interval 15000 for preparing, got %d", resp.Meta.SuggestedPollInterval)
	}
	if resp.Meta.FetchedAt.IsZero() {
		t.Error("Expected fetchedAt to be set")
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "private, max-age=15, stale-while-revalidate=30" {
		t.Errorf("Unexpected Cache-Control %q", cc)
	}

	// The stored order keeps unmasked contact details.
	stored, err := env.store.GetByID(context.Background(), "order-1")
	if err != nil {
		t.Fatalf("Store lookup failed: %v", err)
	}
	if stored.Customer.Email != "jordan@example.com" {
		t.Errorf("Masking must not mutate the stored order, got %q", stored.Customer.Email)
	}
}

func TestTrackOrderTerminalCacheHeader(t *testing.T) {
	env := newTestEnv(t)
	env.seedOrder(t, models.StatusCompleted)

	rec := env.do(http.MethodGet, "/api/orders/ORD-20250123-ABC123", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "private, max-age=300, stale-while-revalidate=30" {
		t.Errorf("Expected long TTL for terminal status, got %q", cc)
	}
}

func TestTrackOrderStoreFailure(t *testing.T) {
	logger := testLogger()
	handler := NewHandler(&failingStore{}, nil, &capturePublisher{}, nil, circuitbreaker.NewManager(logger),
		testKitchenToken, testInternalKey, logger)
	router := mux.NewRouter()
	handler.RegisterRoutes(router)

	req := httptest.NewRequest(http.MethodGet, "/api/orders/ORD-20250123-ABC123", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503 when the store is down and no cache exists, got %d", rec.Code)
	}
}

type failingStore struct{}

func (failingStore) Create(context.Context, *models.Order) error { return errors.New("store down") }
func (failingStore) GetByID(context.Context, string) (*models.Order, error) {
	return nil, errors.New("store down")
}
func (failingStore) GetByNumber(context.Context, string) (*models.Order, error) {
	return nil, errors.New("store down")
}
func (failingStore) UpdateStatus(context.Context, *models.Order) error {
	return errors.New("store down")
}
func (failingStore) Ping(context.Context) error { return errors.New("store down") }

func TestCreateOrderAssignsNumberAndDefaults(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/orders", map[string]interface{}{
		"items":    []map[string]interface{}{{"name": "Gumbo", "quantity": 1, "unitPrice": 9.99}},
		"subtotal": 9.99,
		"tax":      0.82,
		"total":    10.81,
		"customer": map[string]string{"name": "Jordan", "email": "jordan@example.com", "phone": "214-555-0101"},
	}, nil)

	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp models.OrderResponse
	decodeBody(t, rec, &resp)
	if !resp.Success || resp.Order == nil {
		t.Fatalf("Unexpected response: %+v", resp)
	}
	if resp.Order.ID == "" {
		t.Error("Expected a generated order id")
	}
	if !models.ValidOrderNumber(resp.Order.OrderNumber) {
		t.Errorf("Expected a valid generated order number, got %q", resp.Order.OrderNumber)
	}
	if resp.Order.Status != models.StatusPending {
		t.Errorf("Expected new orders to start pending, got %s", resp.Order.Status)
	}
}

func TestCreateOrderRejectsBrokenTotals(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/orders", map[string]interface{}{
		"items":    []map[string]interface{}{{"name": "Gumbo", "quantity": 1, "unitPrice": 9.99}},
		"subtotal": 9.99,
		"tax":      0.82,
		"total":    99.99,
	}, nil)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 for a totals mismatch, got %d", rec.Code)
	}
}

func authHeaders() map[string]string {
	return map[string]string{"Authorization": "Bearer " + testKitchenToken}
}

func TestUpdateStatusRequiresConfiguredToken(t *testing.T) {
	logger := testLogger()
	handler := NewHandler(store.NewMemoryStore(), nil, &capturePublisher{}, nil,
		circuitbreaker.NewManager(logger), "", testInternalKey, logger)
	router := mux.NewRouter()
	handler.RegisterRoutes(router)

	req := httptest.NewRequest(http.MethodPost, "/api/orders/update-status", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503 when no kitchen token is configured, got %d", rec.Code)
	}
}

func TestUpdateStatusRejectsBadToken(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/orders/update-status",
		map[string]string{"orderId": "order-1", "newStatus": "confirmed"},
		map[string]string{"Authorization": "Bearer wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("Expected 401, got %d", rec.Code)
	}

	rec = env.do(http.MethodPost, "/api/orders/update-status",
		map[string]string{"orderId": "order-1", "newStatus": "confirmed"}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("Expected 401 without a bearer header, got %d", rec.Code)
	}
}

func TestUpdateStatusGenuineTransitionPublishesOnce(t *testing.T) {
	env := newTestEnv(t)
	env.seedOrder(t, models.StatusPending)

	rec := env.do(http.MethodPost, "/api/orders/update-status",
		map[string]string{"orderId": "order-1", "newStatus": "confirmed"}, authHeaders())

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(env.publisher.events) != 1 {
		t.Fatalf("Expected exactly one published event, got %d", len(env.publisher.events))
	}
	event := env.publisher.events[0]
	if event.PreviousStatus != models.StatusPending || event.NewStatus != models.StatusConfirmed {
		t.Errorf("Unexpected event payload: %+v", event)
	}

	stored, _ := env.store.GetByID(context.Background(), "order-1")
	if stored.Status != models.StatusConfirmed {
		t.Errorf("Expected persisted status confirmed, got %s", stored.Status)
	}
	if stored.ConfirmedAt == nil {
		t.Error("Expected ConfirmedAt stamped on the persisted order")
	}
}

func TestUpdateStatusIdempotentReapplication(t *testing.T) {
	env := newTestEnv(t)
	env.seedOrder(t, models.StatusPending)

	env.do(http.MethodPost, "/api/orders/update-status",
		map[string]string{"orderId": "order-1", "newStatus": "confirmed"}, authHeaders())
	stored, _ := env.store.GetByID(context.Background(), "order-1")
	firstStamp := *stored.ConfirmedAt

	rec := env.do(http.MethodPost, "/api/orders/update-status",
		map[string]string{"orderId": "order-1", "newStatus": "confirmed"}, authHeaders())

	if rec.Code != http.StatusOK {
		t.Fatalf("Idempotent re-application must return 200, got %d", rec.Code)
	}
	if len(env.publisher.events) != 1 {
		t.Errorf("Re-application must not publish another event, got %d", len(env.publisher.events))
	}

	stored, _ = env.store.GetByID(context.Background(), "order-1")
	if !stored.ConfirmedAt.Equal(firstStamp) {
		t.Error("Re-application must not disturb the original entry timestamp")
	}
}

func TestUpdateStatusIllegalTransition(t *testing.T) {
	env := newTestEnv(t)
	env.seedOrder(t, models.StatusCompleted)

	rec := env.do(http.MethodPost, "/api/orders/update-status",
		map[string]string{"orderId": "order-1", "newStatus": "preparing"}, authHeaders())

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("Expected 422, got %d: %s", rec.Code, rec.Body.String())
	}

	var body invalidTransitionResponse
	decodeBody(t, rec, &body)
	if body.CurrentStatus != models.StatusCompleted || body.RequestedStatus != models.StatusPreparing {
		t.Errorf("Unexpected 422 body: %+v", body)
	}
	if len(body.AllowedStates) != 0 {
		t.Errorf("Terminal status must report no allowed transitions, got %v", body.AllowedStates)
	}
	if body.Error == "" {
		t.Error("Expected an error message in the 422 body")
	}
	if len(env.publisher.events) != 0 {
		t.Error("Rejected transitions must not publish events")
	}
}

func TestUpdateStatusTerminalReapplicationRejected(t *testing.T) {
	env := newTestEnv(t)
	env.seedOrder(t, models.StatusCompleted)

	rec := env.do(http.MethodPost, "/api/orders/update-status",
		map[string]string{"orderId": "order-1", "newStatus": "completed"}, authHeaders())

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("Re-applying a terminal status must return 422, got %d: %s", rec.Code, rec.Body.String())
	}

	var body invalidTransitionResponse
	decodeBody(t, rec, &body)
	if body.CurrentStatus != models.StatusCompleted || body.RequestedStatus != models.StatusCompleted {
		t.Errorf("Unexpected 422 body: %+v", body)
	}
	if len(env.publisher.events) != 0 {
		t.Error("Rejected transitions must not publish events")
	}
}

func TestUpdateStatusValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/orders/update-status",
		map[string]string{"orderId": "", "newStatus": "confirmed"}, authHeaders())
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing orderId, got %d", rec.Code)
	}

	rec = env.do(http.MethodPost, "/api/orders/update-status",
		map[string]string{"orderId": "order-1", "newStatus": "shipped"}, authHeaders())
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for an unknown status, got %d", rec.Code)
	}

	rec = env.do(http.MethodPost, "/api/orders/update-status",
		map[string]string{"orderId": "missing", "newStatus": "confirmed"}, authHeaders())
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for an unknown order, got %d", rec.Code)
	}
}

func TestSendNotificationRequiresInternalKey(t *testing.T) {
	env := newTestEnv(t)
	env.seedOrder(t, models.StatusConfirmed)

	rec := env.do(http.MethodPost, "/api/notifications/send", map[string]interface{}{
		"type": "order_confirmed", "orderId": "order-1",
	}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("Expected 401 without the internal key, got %d", rec.Code)
	}
}

func TestSendNotificationDispatchesRequestedChannels(t *testing.T) {
	env := newTestEnv(t)
	env.seedOrder(t, models.StatusConfirmed)

	rec := env.do(http.MethodPost, "/api/notifications/send", map[string]interface{}{
		"type":     "order_confirmed",
		"orderId":  "order-1",
		"channels": map[string]bool{"sms": true, "email": true},
	}, map[string]string{"x-api-key": testInternalKey})

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Success bool `json:"success"`
		Results struct {
			SMS   *notify.Result `json:"sms"`
			Email *notify.Result `json:"email"`
		} `json:"results"`
	}
	decodeBody(t, rec, &resp)
	if !resp.Success {
		t.Errorf("Expected success, got %s", rec.Body.String())
	}
	if resp.Results.SMS == nil || !resp.Results.SMS.Success {
		t.Errorf("Expected SMS result, got %+v", resp.Results.SMS)
	}
	if resp.Results.Email == nil || !resp.Results.Email.Success {
		t.Errorf("Expected email result, got %+v", resp.Results.Email)
	}
}

func TestSendNotificationUnknownType(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/notifications/send", map[string]interface{}{
		"type": "order_lost", "orderId": "order-1",
	}, map[string]string{"x-api-key": testInternalKey})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 for an unknown event type, got %d", rec.Code)
	}
}

func TestHealthVerdicts(t *testing.T) {
	env := newTestEnv(t)

	// Healthy: store up, no open circuits.
	rec := env.do(http.MethodGet, "/api/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 when healthy, got %d", rec.Code)
	}
	var health struct {
		Status string `json:"status"`
	}
	decodeBody(t, rec, &health)
	if health.Status != "healthy" {
		t.Errorf("Expected healthy, got %q", health.Status)
	}

	// Degraded: store up but a circuit open.
	cb := env.breakers.GetOrCreate("orders-store", circuitbreaker.Config{FailureThreshold: 1})
	cb.Execute(func() error { return fmt.Errorf("boom") }, func() error { return nil })

	rec = env.do(http.MethodGet, "/api/health", nil, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503 when degraded, got %d", rec.Code)
	}
	decodeBody(t, rec, &health)
	if health.Status != "degraded" {
		t.Errorf("Expected degraded, got %q", health.Status)
	}

	// Unhealthy: store down.
	env.store.SetPingError(errors.New("connection refused"))
	rec = env.do(http.MethodGet, "/api/health", nil, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503 when unhealthy, got %d", rec.Code)
	}
	decodeBody(t, rec, &health)
	if health.Status != "unhealthy" {
		t.Errorf("Expected unhealthy, got %q", health.Status)
	}
}

func TestCircuitsSnapshot(t *testing.T) {
	env := newTestEnv(t)
	env.breakers.GetOrCreate("orders-store", circuitbreaker.Config{})

	rec := env.do(http.MethodGet, "/api/circuits", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var stats map[string]circuitbreaker.Stats
	decodeBody(t, rec, &stats)
	if stats["orders-store"].State != "CLOSED" {
		t.Errorf("Expected CLOSED snapshot, got %+v", stats["orders-store"])
	}
}

func TestClientKeyIgnoresUnparseableHeaders(t *testing.T) {
	tests := []struct {
		name   string
		realIP string
		fwd    string
		want   string
	}{
		{"real ip wins", "203.0.113.9", "198.51.100.7", "203.0.113.9"},
		{"forwarded first hop", "", " 198.51.100.7 , 10.0.0.1", "198.51.100.7"},
		{"spoofed garbage falls back", "not-an-ip", "rotating-junk-1", "192.0.2.1"},
		{"empty headers fall back", "", "", "192.0.2.1"},
		{"ipv6 normalized", "2001:DB8::1", "", "2001:db8::1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/orders/update-status", nil)
			req.RemoteAddr = "192.0.2.1:40000"
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}
			if tt.fwd != "" {
				req.Header.Set("X-Forwarded-For", tt.fwd)
			}
			if got := clientKey(req); got != tt.want {
				t.Errorf("clientKey = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRateLimiterWindow(t *testing.T) {
	rl := NewRateLimiter()
	now := time.Now()
	rl.now = func() time.Time { return now }

	for i := 0; i < rateLimitMaxRequests; i++ {
		if !rl.Allow("client-a") {
			t.Fatalf("Request %d should be within budget", i+1)
		}
	}
	if rl.Allow("client-a") {
		t.Error("Request beyond the budget must be rejected")
	}
	if !rl.Allow("client-b") {
		t.Error("Other clients have independent budgets")
	}

	// Window rollover resets the count.
	now = now.Add(rateLimitWindow + time.Second)
	if !rl.Allow("client-a") {
		t.Error("Expected a fresh budget after the window expired")
	}
}
