package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/thecatch/orderflow/internal/cache"
	"github.com/thecatch/orderflow/internal/circuitbreaker"
	"github.com/thecatch/orderflow/internal/events"
	"github.com/thecatch/orderflow/internal/lifecycle"
	"github.com/thecatch/orderflow/internal/notify"
	"github.com/thecatch/orderflow/internal/retry"
	"github.com/thecatch/orderflow/internal/store"
	"github.com/thecatch/orderflow/pkg/models"
)

const ordersStoreCircuit = "orders-store"

type Handler struct {
	store      store.OrderStore
	cache      *cache.OrderCache
	publisher  events.Publisher
	dispatcher *notify.Dispatcher
	breakers   *circuitbreaker.Manager
	limiter    *RateLimiter

	kitchenToken   string
	internalAPIKey string

	logger *logrus.Logger
}

func NewHandler(orderStore store.OrderStore, orderCache *cache.OrderCache, publisher events.Publisher, dispatcher *notify.Dispatcher, breakers *circuitbreaker.Manager, kitchenToken, internalAPIKey string, logger *logrus.Logger) *Handler {
	return &Handler{
		store:          orderStore,
		cache:          orderCache,
		publisher:      publisher,
		dispatcher:     dispatcher,
		breakers:       breakers,
		limiter:        NewRateLimiter(),
		kitchenToken:   kitchenToken,
		internalAPIKey: internalAPIKey,
		logger:         logger,
	}
}

// RegisterRoutes wires the handler onto the router.
func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/orders", h.CreateOrder).Methods("POST")
	router.HandleFunc("/api/orders/update-status", h.UpdateStatus).Methods("POST")
	router.HandleFunc("/api/orders/{orderNumber}", h.TrackOrder).Methods("GET")
	router.HandleFunc("/api/notifications/send", h.SendNotification).Methods("POST")
	router.HandleFunc("/api/health", h.HealthCheck).Methods("GET")
	router.HandleFunc("/api/circuits", h.Circuits).Methods("GET")
}

type trackMeta struct {
	FetchedAt             time.Time `json:"fetchedAt"`
	SuggestedPollInterval int64     `json:"suggestedPollInterval"`
}

type trackResponse struct {
	Order *models.Order `json:"order"`
	Meta  trackMeta     `json:"_meta"`
}

// TrackOrder is the public lookup endpoint behind order-number auth.
// The store read is wrapped in a timeout and the orders-store circuit;
// when the store is unavailable the last cached projection is served.
func (h *Handler) TrackOrder(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["orderNumber"]
	if !models.ValidOrderNumber(raw) {
		h.respondWithError(w, http.StatusBadRequest, "Invalid order number format")
		return
	}
	orderNumber := models.NormalizeOrderNumber(raw)

	ctx := r.Context()
	breaker := h.breakers.GetOrCreate(ordersStoreCircuit, circuitbreaker.Config{Name: ordersStoreCircuit})

	var order *models.Order
	fetch := func() error {
		return retry.WithTimeout(ctx, retry.DefaultTimeout, func(ctx context.Context) error {
			found, err := h.store.GetByNumber(ctx, orderNumber)
			if errors.Is(err, store.ErrNotFound) {
				// A miss is a valid lookup result, not a store failure.
				return nil
			}
			if err != nil {
				return err
			}
			order = found
			return nil
		})
	}

	var cached []byte
	fallback := func() error {
		if payload, ok := h.cache.Get(ctx, orderNumber); ok {
			cached = payload
			return nil
		}
		return fmt.Errorf("order lookup unavailable and no cached projection")
	}

	if err := breaker.Execute(fetch, fallback); err != nil {
		h.logger.WithError(err).WithField("order_number", orderNumber).Error("Failed to fetch order")
		h.respondWithError(w, http.StatusServiceUnavailable, "Failed to fetch order")
		return
	}

	if cached != nil {
		h.logger.WithField("order_number", orderNumber).Warn("Serving order from cache fallback")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(cached)
		return
	}

	if order == nil {
		h.respondWithError(w, http.StatusNotFound, "Order not found")
		return
	}

	masked := *order
	masked.Customer = maskCustomer(order.Customer)

	resp := trackResponse{
		Order: &masked,
		Meta: trackMeta{
			FetchedAt:             time.Now().UTC(),
			SuggestedPollInterval: order.Status.SuggestedPollInterval().Milliseconds(),
		},
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		h.logger.WithError(err).Error("Failed to marshal order response")
		h.respondWithError(w, http.StatusInternalServerError, "Failed to fetch order")
		return
	}

	h.cache.Set(ctx, orderNumber, payload, order.Status)

	maxAge := 15
	if order.Status.Terminal() {
		maxAge = 300
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", fmt.Sprintf("private, max-age=%d, stale-while-revalidate=30", maxAge))
	w.WriteHeader(http.StatusOK)
	w.Write(payload)
}

func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var order models.Order
	if err := json.NewDecoder(r.Body).Decode(&order); err != nil {
		h.logger.WithError(err).Error("Failed to decode order request")
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if order.ID == "" {
		order.ID = uuid.New().String()
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now()
	}
	if order.Status == "" {
		order.Status = models.StatusPending
	}
	if order.OrderNumber == "" {
		suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:6]
		order.OrderNumber = models.NewOrderNumber(order.CreatedAt, suffix)
	} else if !models.ValidOrderNumber(order.OrderNumber) {
		h.respondWithError(w, http.StatusBadRequest, "Invalid order number format")
		return
	} else {
		order.OrderNumber = models.NormalizeOrderNumber(order.OrderNumber)
	}

	if err := order.ValidateItems(); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := order.ValidateTotals(); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.store.Create(r.Context(), &order); err != nil {
		h.logger.WithError(err).WithField("order_number", order.OrderNumber).Error("Failed to create order")
		h.respondWithError(w, http.StatusInternalServerError, "Failed to create order")
		return
	}

	h.logger.WithFields(logrus.Fields{
		"order_id":     order.ID,
		"order_number": order.OrderNumber,
		"total":        order.Total,
		"items_count":  len(order.Items),
	}).Info("Order created")

	h.respondWithJSON(w, http.StatusCreated, models.OrderResponse{
		Success: true,
		Order:   &order,
	})
}

type updateStatusRequest struct {
	OrderID   string             `json:"orderId"`
	NewStatus models.OrderStatus `json:"newStatus"`
}

type invalidTransitionResponse struct {
	Error           string               `json:"error"`
	CurrentStatus   models.OrderStatus   `json:"currentStatus"`
	RequestedStatus models.OrderStatus   `json:"requestedStatus"`
	AllowedStates   []models.OrderStatus `json:"allowedStates"`
}

// UpdateStatus is the kitchen-facing write path. A genuine transition
// persists the order and publishes exactly one status-changed event;
// re-applying the current status succeeds without publishing.
func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	if h.kitchenToken == "" {
		h.logger.Error("Kitchen token not configured, update-status endpoint is disabled")
		h.respondWithError(w, http.StatusServiceUnavailable, "Service temporarily unavailable - authentication not configured")
		return
	}

	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		h.respondWithError(w, http.StatusUnauthorized, "Unauthorized - Missing or invalid authorization header")
		return
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token != h.kitchenToken {
		h.respondWithError(w, http.StatusUnauthorized, "Unauthorized - Invalid token")
		return
	}

	if !h.limiter.Allow(clientKey(r)) {
		h.respondWithError(w, http.StatusTooManyRequests, "Too many requests - Please try again later")
		return
	}

	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.OrderID == "" || req.NewStatus == "" {
		h.respondWithError(w, http.StatusBadRequest, "Missing orderId or newStatus")
		return
	}
	if !req.NewStatus.Valid() {
		h.respondWithError(w, http.StatusBadRequest, "Invalid status value")
		return
	}

	order, err := h.store.GetByID(r.Context(), req.OrderID)
	if errors.Is(err, store.ErrNotFound) {
		h.respondWithError(w, http.StatusNotFound, "Order not found")
		return
	}
	if err != nil {
		h.logger.WithError(err).WithField("order_id", req.OrderID).Error("Failed to load order for status update")
		h.respondWithError(w, http.StatusInternalServerError, "Failed to update order status")
		return
	}

	previousStatus := order.Status
	changed, err := lifecycle.Transition(order, req.NewStatus)
	if err != nil {
		var invalid *lifecycle.InvalidTransitionError
		if errors.As(err, &invalid) {
			h.logger.WithFields(logrus.Fields{
				"order_id":         req.OrderID,
				"current_status":   invalid.From,
				"requested_status": invalid.To,
			}).Warn("Invalid status transition attempted")
			h.respondWithJSON(w, http.StatusUnprocessableEntity, invalidTransitionResponse{
				Error:           invalid.Error(),
				CurrentStatus:   invalid.From,
				RequestedStatus: invalid.To,
				AllowedStates:   invalid.Allowed,
			})
			return
		}
		h.respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !changed {
		// Duplicate request. No write, no event.
		h.respondWithJSON(w, http.StatusOK, models.OrderResponse{Success: true, Order: order})
		return
	}

	if err := h.store.UpdateStatus(r.Context(), order); err != nil {
		h.logger.WithError(err).WithField("order_id", order.ID).Error("Failed to persist status update")
		h.respondWithError(w, http.StatusInternalServerError, "Failed to update order status")
		return
	}

	h.logger.WithFields(logrus.Fields{
		"order_id":        order.ID,
		"order_number":    order.OrderNumber,
		"previous_status": previousStatus,
		"new_status":      order.Status,
	}).Info("Order status updated")

	if h.publisher != nil {
		changedAt := time.Now()
		if entered := lifecycle.EnteredAt(order, order.Status); entered != nil {
			changedAt = *entered
		}
		event := events.OrderStatusChangedEvent{
			OrderID:        order.ID,
			OrderNumber:    order.OrderNumber,
			PreviousStatus: previousStatus,
			NewStatus:      order.Status,
			ChangedAt:      changedAt,
		}
		if err := h.publisher.PublishStatusChanged(event); err != nil {
			// The write is committed; notification delivery degrades
			// rather than failing the request.
			h.logger.WithError(err).WithField("order_id", order.ID).Error("Failed to publish status change event")
		}
	}

	h.respondWithJSON(w, http.StatusOK, models.OrderResponse{Success: true, Order: order})
}

type sendNotificationRequest struct {
	Type     string          `json:"type"`
	OrderID  string          `json:"orderId"`
	Channels notify.Channels `json:"channels"`
}

type sendNotificationResponse struct {
	Success bool           `json:"success"`
	Results notify.Results `json:"results"`
}

// SendNotification is an internal endpoint for trusted callers; end
// users never reach it.
func (h *Handler) SendNotification(w http.ResponseWriter, r *http.Request) {
	if h.internalAPIKey == "" {
		h.logger.Error("Internal API key not configured, notification endpoint is disabled")
		h.respondWithError(w, http.StatusServiceUnavailable, "Service temporarily unavailable - authentication not configured")
		return
	}
	if r.Header.Get("x-api-key") != h.internalAPIKey {
		h.respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req sendNotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	event, err := notify.ParseEventType(req.Type)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.OrderID == "" {
		h.respondWithError(w, http.StatusBadRequest, "Missing orderId")
		return
	}

	order, err := h.store.GetByID(r.Context(), req.OrderID)
	if errors.Is(err, store.ErrNotFound) {
		h.respondWithError(w, http.StatusNotFound, "Order not found")
		return
	}
	if err != nil {
		h.logger.WithError(err).WithField("order_id", req.OrderID).Error("Failed to load order for notification")
		h.respondWithError(w, http.StatusInternalServerError, "Failed to send notification")
		return
	}

	results := h.dispatcher.Dispatch(r.Context(), event, order, req.Channels)

	h.respondWithJSON(w, http.StatusOK, sendNotificationResponse{
		Success: results.AllSucceeded(),
		Results: results,
	})
}

type databaseCheck struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latencyMs"`
	Error     string `json:"error,omitempty"`
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Checks    struct {
		Database databaseCheck `json:"database"`
	} `json:"checks"`
	CircuitBreakers map[string]circuitbreaker.Stats `json:"circuitBreakers"`
}

// HealthCheck reports healthy, degraded (store up but a circuit open),
// or unhealthy. Only healthy returns 200 so load balancers drain early.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	pingCtx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	pingErr := h.store.Ping(pingCtx)
	latency := time.Since(start).Milliseconds()

	resp := healthResponse{
		Timestamp:       time.Now().UTC(),
		CircuitBreakers: h.breakers.AllStats(),
	}
	resp.Checks.Database = databaseCheck{Status: "up", LatencyMs: latency}
	if pingErr != nil {
		resp.Checks.Database.Status = "down"
		resp.Checks.Database.Error = pingErr.Error()
	}

	switch {
	case pingErr == nil && !h.breakers.HasOpenCircuit():
		resp.Status = "healthy"
	case pingErr == nil:
		resp.Status = "degraded"
	default:
		resp.Status = "unhealthy"
	}

	code := http.StatusOK
	if resp.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Cache-Control", "no-store, max-age=0")
	h.respondWithJSON(w, code, resp)
}

// Circuits exposes a read-only snapshot of every registered breaker.
func (h *Handler) Circuits(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, h.breakers.AllStats())
}

// clientKey identifies the caller for rate limiting: the first proxy-set
// header carrying a parseable IP, falling back to the connection
// address. Header values that don't parse are ignored so a caller
// can't rotate fabricated keys to dodge the limit.
func clientKey(r *http.Request) string {
	if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
		return ip.String()
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if ip := net.ParseIP(strings.TrimSpace(strings.Split(forwarded, ",")[0])); ip != nil {
			return ip.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (h *Handler) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func (h *Handler) respondWithError(w http.ResponseWriter, code int, message string) {
	h.respondWithJSON(w, code, map[string]string{
		"error": message,
	})
}
