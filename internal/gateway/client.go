// Package gateway implements transport.Transport against an HTTP session
// gateway that holds the actual messaging sessions.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/transport"
)

// Error codes returned by the gateway
const (
	CodeNotConnected   = "not_connected"
	CodeSessionRevoked = "session_revoked"
	CodeUnknownSession = "unknown_session"
)

// Config contains gateway client settings
type Config struct {
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// Client is the HTTP session gateway client
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

var _ transport.Transport = (*Client)(nil)

// NewClient creates a new gateway client
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger.With("component", "gateway"),
	}
}

// APIError is a non-2xx answer of the gateway
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gateway HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("gateway error: %s", e.Message)
}

// Unwrap maps session failures onto the transport sentinels
func (e *APIError) Unwrap() error {
	switch e.Code {
	case CodeNotConnected:
		return transport.ErrNotConnected
	case CodeSessionRevoked:
		return transport.ErrSessionRevoked
	case CodeUnknownSession:
		return transport.ErrUnknownDevice
	}
	if e.StatusCode == http.StatusNotFound {
		return transport.ErrUnknownDevice
	}
	return nil
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// request performs an HTTP request to the gateway
func (c *Client) request(ctx context.Context, method, path string, body any, result any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var errResp errorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil {
			apiErr.Code = errResp.Code
			apiErr.Message = errResp.Error
		}
		return apiErr
	}

	if result != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}

func sessionPath(deviceID string, parts ...string) string {
	p := "/sessions/" + url.PathEscape(deviceID)
	for _, part := range parts {
		p += "/" + part
	}
	return p
}

// Pair starts pairing. The gateway reports completion through the device
// events callback.
func (c *Client) Pair(ctx context.Context, deviceID string, req transport.PairRequest) (*transport.PairResult, error) {
	var resp transport.PairResult
	if err := c.request(ctx, http.MethodPost, sessionPath(deviceID, "pair"), req, &resp); err != nil {
		return nil, err
	}
	c.logger.Info("pairing started", "device_id", deviceID, "method", req.Method)
	return &resp, nil
}

type connectRequest struct {
	Session []byte `json:"session"`
}

// Connect restores a session from stored session material
func (c *Client) Connect(ctx context.Context, deviceID string, session []byte) error {
	return c.request(ctx, http.MethodPost, sessionPath(deviceID, "connect"), connectRequest{Session: session}, nil)
}

// Disconnect drops the connection and keeps the remote session
func (c *Client) Disconnect(ctx context.Context, deviceID string) error {
	return c.request(ctx, http.MethodPost, sessionPath(deviceID, "disconnect"), nil, nil)
}

// Logout invalidates the remote session
func (c *Client) Logout(ctx context.Context, deviceID string) error {
	return c.request(ctx, http.MethodPost, sessionPath(deviceID, "logout"), nil, nil)
}

type statusResponse struct {
	Connected bool   `json:"connected"`
	Phone     string `json:"phone,omitempty"`
}

// IsConnected asks the gateway for the session status
func (c *Client) IsConnected(ctx context.Context, deviceID string) (bool, error) {
	var resp statusResponse
	err := c.request(ctx, http.MethodGet, sessionPath(deviceID, "status"), nil, &resp)
	if errors.Is(err, transport.ErrUnknownDevice) || errors.Is(err, transport.ErrNotConnected) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return resp.Connected, nil
}

// Send delivers one message through the device session
func (c *Client) Send(ctx context.Context, deviceID string, msg *transport.Message) (*transport.SendResult, error) {
	var resp transport.SendResult
	if err := c.request(ctx, http.MethodPost, sessionPath(deviceID, "messages"), msg, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
