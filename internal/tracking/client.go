// Package tracking keeps a client-side view of one order synchronized
// with the lookup endpoint by polling, adapting its cadence to the
// server-suggested interval.
package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/thecatch/orderflow/pkg/models"
)

// Meta carries the polling hints returned alongside an order.
type Meta struct {
	FetchedAt             time.Time `json:"fetchedAt"`
	SuggestedPollInterval int64     `json:"suggestedPollInterval"`
}

// TrackedOrder is one lookup response: the masked order projection plus
// polling metadata.
type TrackedOrder struct {
	Order *models.Order `json:"order"`
	Meta  Meta          `json:"_meta"`
}

// Interval converts the server hint to a duration. Zero means stop.
func (t *TrackedOrder) Interval() time.Duration {
	return time.Duration(t.Meta.SuggestedPollInterval) * time.Millisecond
}

// Client fetches order projections from the tracking API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// FetchOrder retrieves the current projection of one order. Non-2xx
// responses are returned as errors carrying the status code so callers
// can classify them.
func (c *Client) FetchOrder(ctx context.Context, orderNumber string) (*TrackedOrder, error) {
	url := fmt.Sprintf("%s/api/orders/%s", c.baseURL, orderNumber)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch order: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("order lookup returned status %d", resp.StatusCode)
	}

	var tracked TrackedOrder
	if err := json.NewDecoder(resp.Body).Decode(&tracked); err != nil {
		return nil, fmt.Errorf("failed to decode order response: %w", err)
	}
	if tracked.Order == nil {
		return nil, fmt.Errorf("order lookup returned empty body")
	}

	return &tracked, nil
}
