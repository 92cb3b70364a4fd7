package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"storefront/internal/util"
	"storefront/pkg/domain"
)

// Client calls the auth service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// APIError represents an auth service error response.
type APIError struct {
	Status  int
	Message string
	Code    string
}

func (e *APIError) Error() string {
	return e.Message
}

// Is lets callers classify failures with errors.Is(err, domain.ErrRejected).
func (e *APIError) Is(target error) bool {
	switch target {
	case domain.ErrRejected:
		return e.Status == http.StatusBadRequest || e.Status == http.StatusUnauthorized ||
			e.Status == http.StatusForbidden || e.Status == http.StatusUnprocessableEntity
	case domain.ErrNotFound:
		return e.Status == http.StatusNotFound
	}
	return false
}

// NewClient constructs an auth service client.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: util.NewLoggingTransport("auth", nil),
		},
	}
}

// Login exchanges credentials for an access/refresh token pair.
func (c *Client) Login(ctx context.Context, email, password string) (domain.LoginResult, error) {
	payload := map[string]string{"email": email, "password": password}
	var resp domain.LoginResult
	if err := c.doJSON(ctx, http.MethodPost, "/api/user/login", "", payload, &resp); err != nil {
		return domain.LoginResult{}, err
	}
	if strings.TrimSpace(resp.AccessToken) == "" || strings.TrimSpace(resp.RefreshToken) == "" {
		return domain.LoginResult{}, errors.New("login response missing tokens")
	}
	return resp, nil
}

// Refresh exchanges a refresh token for a new access token. The refresh token
// itself is not rotated.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (string, error) {
	payload := map[string]string{"refresh_token": refreshToken}
	var resp refreshResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/user/refresh-token", "", payload, &resp); err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.AccessToken) == "" {
		return "", errors.New("refresh response missing access token")
	}
	return resp.AccessToken, nil
}

// Profile returns the account behind token.
func (c *Client) Profile(ctx context.Context, token string) (domain.Profile, error) {
	var profile domain.Profile
	if err := c.doJSON(ctx, http.MethodGet, "/api/user/profile", token, nil, &profile); err != nil {
		return domain.Profile{}, err
	}
	return profile, nil
}

func (c *Client) doJSON(ctx context.Context, method, path, token string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(util.WithRequestID(ctx), method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// decodeError accepts both {"error","code"} and {"detail"} error bodies.
func decodeError(resp *http.Response) error {
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

type refreshResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}
