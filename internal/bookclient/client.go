package bookclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"storefront/internal/util"
	"storefront/pkg/domain"
)

// Client calls the catalog service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// APIError represents a catalog service error response.
type APIError struct {
	Status  int
	Message string
	Code    string
}

func (e *APIError) Error() string {
	return e.Message
}

// Is maps 404 to domain.ErrNotFound and client errors to domain.ErrRejected.
func (e *APIError) Is(target error) bool {
	switch target {
	case domain.ErrNotFound:
		return e.Status == http.StatusNotFound
	case domain.ErrRejected:
		return e.Status >= 400 && e.Status < 500 && e.Status != http.StatusNotFound
	}
	return false
}

// NewClient constructs a catalog service client.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: util.NewLoggingTransport("catalog", nil),
		},
	}
}

// GetBookDetail fetches the live catalog entry for bookID.
func (c *Client) GetBookDetail(ctx context.Context, bookID int) (domain.BookDetail, error) {
	path := fmt.Sprintf("%s/api/book/%d", c.baseURL, bookID)
	req, err := http.NewRequestWithContext(util.WithRequestID(ctx), http.MethodGet, path, nil)
	if err != nil {
		return domain.BookDetail{}, err
	}

	var resp bookDetailResponse
	if err := c.do(req, &resp); err != nil {
		return domain.BookDetail{}, err
	}
	if resp.Book == nil {
		return domain.BookDetail{}, errors.New("book data not found in response")
	}
	book := *resp.Book
	if book.ID == 0 {
		book.ID = bookID
	}
	return book, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error  string          `json:"error"`
			Code   string          `json:"code"`
			Detail json.RawMessage `json:"detail"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp.Error
		if msg == "" && len(errResp.Detail) > 0 {
			var detail string
			if json.Unmarshal(errResp.Detail, &detail) == nil {
				msg = detail
			}
		}
		if msg == "" {
			msg = resp.Status
		}
		return &APIError{Status: resp.StatusCode, Message: msg, Code: strings.TrimSpace(errResp.Code)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return err
	}
	return nil
}

type bookDetailResponse struct {
	Book *domain.BookDetail `json:"book"`
}
