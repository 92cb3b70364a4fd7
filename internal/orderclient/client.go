package orderclient

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"storefront/internal/util"
	"storefront/pkg/domain"
)

// Client calls the order service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// APIError represents an order service error response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return e.Message
}

// Is reports every 4xx answer as domain.ErrRejected.
func (e *APIError) Is(target error) bool {
	return target == domain.ErrRejected && e.Status >= 400 && e.Status < 500
}

// NewClient constructs an order service client.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: util.NewLoggingTransport("order", nil),
		},
	}
}

// Submit places order on behalf of the bearer of token.
func (c *Client) Submit(ctx context.Context, token string, order domain.Order) (domain.OrderReceipt, error) {
	data, err := json.Marshal(order)
	if err != nil {
		return domain.OrderReceipt{}, err
	}
	req, err := http.NewRequestWithContext(util.WithRequestID(ctx), http.MethodPost, c.baseURL+"/api/order/create", bytes.NewReader(data))
	if err != nil {
		return domain.OrderReceipt{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.OrderReceipt{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error  string          `json:"error"`
			Detail json.RawMessage `json:"detail"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp.Error
		if msg == "" && len(errResp.Detail) > 0 {
			msg = string(errResp.Detail)
		}
		if msg == "" {
			msg = resp.Status
		}
		return domain.OrderReceipt{}, &APIError{Status: resp.StatusCode, Message: msg}
	}
	var receipt domain.OrderReceipt
	if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
		return domain.OrderReceipt{}, err
	}
	return receipt, nil
}
