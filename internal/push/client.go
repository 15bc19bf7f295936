// Package push registers the device's push token with the Guardian
// Voice backend. The token itself is opaque here; the backend decides
// whether it is an APNs or FCM token from the platform tag.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// TokenRequest is the payload sent to the backend's token endpoint.
type TokenRequest struct {
	Token    string `json:"token"`
	Platform string `json:"platform"` // "apns" or "fcm"
	Username string `json:"username"`
	Domain   string `json:"domain"`
}

// TokenResponse is the backend's acknowledgment.
type TokenResponse struct {
	Registered bool `json:"registered"`
}

// envelope is the backend's standard response wrapper.
type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error,omitempty"`
}

// Client is an HTTP client for the Guardian Voice backend.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewClient creates a backend client. baseURL is the backend endpoint
// (e.g. "https://api.guardianvoice.example"); apiKey authenticates the
// device.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
	}
}

// RegisterToken posts the push token so the backend can wake this
// device for incoming calls.
func (c *Client) RegisterToken(ctx context.Context, token, platform, username, domain string) error {
	req := TokenRequest{
		Token:    token,
		Platform: platform,
		Username: username,
		Domain:   domain,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("push: marshalling token request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/push-token", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("push: creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("push: sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("push: reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var env envelope
		if json.Unmarshal(respBody, &env) == nil && env.Error != "" {
			return fmt.Errorf("push: backend error (status %d): %s", resp.StatusCode, env.Error)
		}
		return fmt.Errorf("push: backend returned status %d", resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("push: decoding response: %w", err)
	}

	var tokenResp TokenResponse
	if err := json.Unmarshal(env.Data, &tokenResp); err != nil {
		return fmt.Errorf("push: decoding token response data: %w", err)
	}
	if !tokenResp.Registered {
		return fmt.Errorf("push: backend did not register the token")
	}

	slog.Debug("push token registered", "platform", platform)
	return nil
}

// Configured returns true if the client has a base URL and API key.
func (c *Client) Configured() bool {
	return c.baseURL != "" && c.apiKey != ""
}
