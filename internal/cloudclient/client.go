// Package cloudclient is the gateway side of the cloud HTTP API.
package cloudclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang/snappy"
	"github.com/safeschool/edge/internal/cloudapi"
	"go.uber.org/zap"
)

const (
	defaultTimeout   = 10 * time.Second
	maxResponseBytes = 8 << 20
)

var (
	// ErrTransport marks failures that say nothing about the request itself:
	// network errors, timeouts and 5xx responses. Callers retry them.
	ErrTransport = errors.New("cloudclient: transport failure")

	errMissingBaseURL = errors.New("cloudclient: base url is required")
)

// StatusError is a 4xx answer: the cloud understood and refused the request.
type StatusError struct {
	StatusCode int
	Code       string
}

func (e *StatusError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("cloudclient: status %d", e.StatusCode)
	}
	return fmt.Sprintf("cloudclient: status %d: %s", e.StatusCode, e.Code)
}

// IsTransport reports whether err is a retryable transport failure.
func IsTransport(err error) bool {
	return errors.Is(err, ErrTransport)
}

// Config describes a Client.
type Config struct {
	BaseURL    string
	GatewayID  string
	Token      string
	Timeout    time.Duration
	Compress   bool
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client calls the cloud API on behalf of one gateway. Every call is bounded
// by the configured timeout; a timeout is reported as ErrTransport.
type Client struct {
	baseURL    string
	gatewayID  string
	token      string
	timeout    time.Duration
	compress   bool
	httpClient *http.Client
	logger     *zap.Logger
}

// New validates the configuration and returns a Client.
func New(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    baseURL,
		gatewayID:  cfg.GatewayID,
		token:      cfg.Token,
		timeout:    timeout,
		compress:   cfg.Compress,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// GatewayID returns the identity the client authenticates as.
func (c *Client) GatewayID() string {
	return c.gatewayID
}

// Ping checks GET /health.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil, false)
}

// Activate exchanges a provisioning token for the permanent gateway token.
func (c *Client) Activate(ctx context.Context, request cloudapi.ActivateRequest) (cloudapi.ActivateResponse, error) {
	var response cloudapi.ActivateResponse
	err := c.do(ctx, http.MethodPost, "/cloud/activate", request, &response, false)
	return response, err
}

// Heartbeat reports gateway health and returns the cloud's view of the gateway.
func (c *Client) Heartbeat(ctx context.Context, heartbeat cloudapi.Heartbeat) (cloudapi.Gateway, error) {
	if heartbeat.GatewayID == "" {
		heartbeat.GatewayID = c.gatewayID
	}
	var response cloudapi.HeartbeatResponse
	err := c.do(ctx, http.MethodPost, "/cloud/heartbeat", heartbeat, &response, false)
	return response.Gateway, err
}

// PushEntities posts a batch of local changes. The body is snappy-compressed
// when compression is enabled.
func (c *Client) PushEntities(ctx context.Context, entities []cloudapi.Entity) (cloudapi.SyncResponse, error) {
	var response cloudapi.SyncResponse
	err := c.do(ctx, http.MethodPost, "/cloud/sync", cloudapi.SyncRequest{Entities: entities}, &response, c.compress)
	return response, err
}

// PullChanges fetches the next page of records of one type written after the cursor.
func (c *Client) PullChanges(ctx context.Context, entityType string, after int64) (cloudapi.ChangesResponse, error) {
	query := url.Values{}
	query.Set("type", entityType)
	if after > 0 {
		query.Set("after", strconv.FormatInt(after, 10))
	}
	var response cloudapi.ChangesResponse
	err := c.do(ctx, http.MethodGet, "/cloud/changes?"+query.Encode(), nil, &response, false)
	return response, err
}

// PendingCommands fetches door commands addressed to this gateway.
func (c *Client) PendingCommands(ctx context.Context) ([]cloudapi.Command, error) {
	var response cloudapi.CommandsResponse
	if err := c.do(ctx, http.MethodGet, "/cloud/commands", nil, &response, false); err != nil {
		return nil, err
	}
	return response.Commands, nil
}

// ReportCommand reports the outcome of a door command.
func (c *Client) ReportCommand(ctx context.Context, commandID string, report cloudapi.CommandReport) error {
	return c.do(ctx, http.MethodPut, "/cloud/commands/"+url.PathEscape(commandID), report, nil, false)
}

// NotifyFailover reports that the partner gateway stopped answering.
func (c *Client) NotifyFailover(ctx context.Context, notice cloudapi.FailoverNotice) (cloudapi.FailoverAck, error) {
	var ack cloudapi.FailoverAck
	err := c.do(ctx, http.MethodPost, "/cloud/failover/notify", notice, &ack, false)
	return ack, err
}

// ReportRecovery tells the cloud this gateway is back and may be rebalanced.
func (c *Client) ReportRecovery(ctx context.Context) (cloudapi.RecoveryResponse, error) {
	var response cloudapi.RecoveryResponse
	err := c.do(ctx, http.MethodPost, "/cloud/recovery", cloudapi.RecoveryRequest{GatewayID: c.gatewayID}, &response, false)
	return response, err
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any, compress bool) error {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("cloudclient: encode %s %s: %w", method, path, err)
		}
		if compress {
			payload = snappy.Encode(nil, payload)
		}
		reader = bytes.NewReader(payload)
	}

	request, err := http.NewRequestWithContext(callCtx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("cloudclient: build %s %s: %w", method, path, err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
		if compress {
			request.Header.Set("Content-Encoding", cloudapi.EncodingSnappy)
		}
	}
	if c.token != "" {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.gatewayID != "" {
		request.Header.Set(cloudapi.HeaderGatewayID, c.gatewayID)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		c.logger.Debug("cloud request failed", zap.String("method", method), zap.String("path", path), zap.Error(err))
		return fmt.Errorf("%w: %s %s: %v", ErrTransport, method, path, err)
	}
	defer response.Body.Close()

	limited := io.LimitReader(response.Body, maxResponseBytes)
	if response.StatusCode >= http.StatusInternalServerError {
		_, _ = io.Copy(io.Discard, limited)
		return fmt.Errorf("%w: %s %s: status %d", ErrTransport, method, path, response.StatusCode)
	}
	if response.StatusCode >= http.StatusBadRequest {
		var failure cloudapi.ErrorResponse
		_ = json.NewDecoder(limited).Decode(&failure)
		return &StatusError{StatusCode: response.StatusCode, Code: failure.Error}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, limited)
		return nil
	}
	if err := json.NewDecoder(limited).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s %s: %v", ErrTransport, method, path, err)
	}
	return nil
}
