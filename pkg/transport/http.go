package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rexxy-sasori/rlm/pkg/models"
	"github.com/rexxy-sasori/rlm/pkg/session"
)

const (
	// DefaultExecuteTimeout mirrors the execution side's default wall limit.
	DefaultExecuteTimeout = 30 * time.Second

	// DefaultNetworkBudget is added on top of the execution timeout for the
	// per-request deadline, and is the whole deadline for control calls.
	DefaultNetworkBudget = 5 * time.Second
)

// HTTPConfig configures the HTTP transport binding.
type HTTPConfig struct {
	BaseURL        string
	ExecuteTimeout time.Duration
	NetworkBudget  time.Duration
}

func (c HTTPConfig) withDefaults() HTTPConfig {
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.ExecuteTimeout <= 0 {
		c.ExecuteTimeout = DefaultExecuteTimeout
	}
	if c.NetworkBudget <= 0 {
		c.NetworkBudget = DefaultNetworkBudget
	}
	return c
}

// HTTP speaks the execution service wire protocol. The same binding serves
// a loopback service in the same process and a remote one; only the base
// URL differs.
type HTTP struct {
	cfg    HTTPConfig
	client *http.Client
}

// NewHTTP creates an HTTP transport for the given config.
func NewHTTP(cfg HTTPConfig) *HTTP {
	return &HTTP{
		cfg:    cfg.withDefaults(),
		client: &http.Client{},
	}
}

type createSessionRequest struct {
	OwnerTag string `json:"owner_tag,omitempty"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

type executeRequest struct {
	Code      string `json:"code"`
	TimeoutMS int64  `json:"timeout_ms,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// CreateSession implements Transport.
func (t *HTTP) CreateSession(ctx context.Context, ownerTag string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.NetworkBudget)
	defer cancel()

	payload, err := json.Marshal(createSessionRequest{OwnerTag: ownerTag})
	if err != nil {
		return "", fmt.Errorf("failed to encode create request: %w", err)
	}

	status, body, err := t.roundTrip(ctx, http.MethodPost, t.cfg.BaseURL+"/session", payload)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", wireError(status, body)
	}

	var resp createSessionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("%w: malformed create response: %v", ErrUnavailable, err)
	}
	if resp.SessionID == "" {
		return "", fmt.Errorf("%w: create response carried no session id", ErrUnavailable)
	}
	return resp.SessionID, nil
}

// Execute implements Transport. The request deadline covers the expected
// execution time plus the network budget. No retry on any failure: the code
// may already be running on the execution side.
func (t *HTTP) Execute(ctx context.Context, sessionID, code string, timeout time.Duration) (*models.Outputs, error) {
	execTimeout := timeout
	if execTimeout <= 0 {
		execTimeout = t.cfg.ExecuteTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, execTimeout+t.cfg.NetworkBudget)
	defer cancel()

	reqBody := executeRequest{Code: code}
	if timeout > 0 {
		reqBody.TimeoutMS = timeout.Milliseconds()
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to encode execute request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/session/%s/execute", t.cfg.BaseURL, url.PathEscape(sessionID))
	status, body, err := t.roundTrip(ctx, http.MethodPost, endpoint, payload)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, wireError(status, body)
	}

	var out models.Outputs
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: malformed execute response: %v", ErrUnavailable, err)
	}
	return &out, nil
}

// DestroySession implements Transport.
func (t *HTTP) DestroySession(ctx context.Context, sessionID string) error {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.NetworkBudget)
	defer cancel()

	endpoint := fmt.Sprintf("%s/session/%s", t.cfg.BaseURL, url.PathEscape(sessionID))
	status, body, err := t.roundTrip(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	// 404 counts as destroyed: the protocol promises idempotency.
	if status != http.StatusNoContent && status != http.StatusOK && status != http.StatusNotFound {
		return wireError(status, body)
	}
	return nil
}

// Health implements Transport.
func (t *HTTP) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.NetworkBudget)
	defer cancel()

	status, body, err := t.roundTrip(ctx, http.MethodGet, t.cfg.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return wireError(status, body)
	}
	return nil
}

// Close implements Transport.
func (t *HTTP) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

func (t *HTTP) roundTrip(ctx context.Context, method, endpoint string, payload []byte) (int, []byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() == context.Canceled {
			return 0, nil, fmt.Errorf("request cancelled: %w", context.Canceled)
		}
		return 0, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: reading response: %v", ErrUnavailable, err)
	}
	return resp.StatusCode, body, nil
}

// wireError maps a non-success wire response onto the transport error set.
// The error field takes precedence over the status code.
func wireError(status int, body []byte) error {
	var er errorResponse
	_ = json.Unmarshal(body, &er)

	switch er.Error {
	case string(models.ErrorKindCapacityExhausted):
		return fmt.Errorf("execution service at capacity: %w", session.ErrCapacityExhausted)
	case string(models.ErrorKindNoSuchSession):
		return session.ErrNoSuchSession
	}
	if status == http.StatusNotFound {
		return session.ErrNoSuchSession
	}
	if er.Error != "" {
		return fmt.Errorf("%w: status %d: %s", ErrUnavailable, status, er.Error)
	}
	return fmt.Errorf("%w: unexpected status %d", ErrUnavailable, status)
}

var _ Transport = (*HTTP)(nil)
