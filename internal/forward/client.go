package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/metrics"
	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/protocol"
)

// Delivery outcomes as recorded in metrics
const (
	OutcomeDelivered = "delivered"
	OutcomeFailed    = "failed"
)

const (
	defaultTimeout = 10 * time.Second
	maxBackoff     = 30 * time.Second
	maxErrorBody   = 512
)

var ErrClosed = errors.New("forward client closed")

// Client posts messages received from the paired device to a backend
type Client struct {
	config     Config
	httpClient *http.Client
	semaphore  chan struct{} // bounds concurrent requests
	logger     *slog.Logger
	mx         *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// Config contains forward client configuration
type Config struct {
	Endpoint      string
	APIKey        string // sent as a bearer token when set
	Timeout       time.Duration
	MaxRetries    int
	MaxConcurrent int
	DeviceID      string
	Backoff       time.Duration // first retry delay, doubled per attempt
}

// Delivery is one message received from the paired device
type Delivery struct {
	ID         string            `json:"id"`
	DeviceID   string            `json:"device_id"`
	PeerID     string            `json:"peer_id"`
	Data       string            `json:"data"`
	Message    *protocol.Message `json:"message,omitempty"`
	ReceivedAt time.Time         `json:"received_at"`
}

// NewDelivery wraps received data. Valid payment hand-offs are decoded into Message.
func NewDelivery(deviceID, peerID, data string) *Delivery {
	d := &Delivery{
		ID:         uuid.NewString(),
		DeviceID:   deviceID,
		PeerID:     peerID,
		Data:       data,
		ReceivedAt: time.Now().UTC(),
	}
	if msg, err := protocol.ParseMessage(data); err == nil && msg.IsValid() {
		d.Message = msg
	}
	return d
}

// Receipt is the backend's acknowledgement of a delivery
type Receipt struct {
	ID         string    `json:"id"`
	Status     string    `json:"status"`
	Reference  string    `json:"reference,omitempty"`
	AcceptedAt time.Time `json:"accepted_at"`
}

// StatusError is a non-2xx answer from the backend
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.Code, e.Body)
}

// ClientStats represents client statistics
type ClientStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	TotalRetries    uint64        `json:"total_retries"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
}

// NewClient creates a forward client
func NewClient(config Config, logger *slog.Logger, mx *metrics.Metrics) (*Client, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 4
	}
	if config.Backoff <= 0 {
		config.Backoff = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: config.MaxConcurrent,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		config:     config,
		httpClient: httpClient,
		semaphore:  make(chan struct{}, config.MaxConcurrent),
		logger:     logger,
		mx:         mx,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Forward posts d to the backend, retrying transient failures with
// exponential backoff
func (c *Client) Forward(ctx context.Context, d *Delivery) (*Receipt, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	startTime := time.Now()
	c.incrementTotalRequests()

	fail := func(err error) (*Receipt, error) {
		c.incrementFailedRequests()
		c.mx.RecordForward(OutcomeFailed, time.Since(startTime).Seconds())
		return nil, fmt.Errorf("forward failed: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.incrementTotalRetries()
			c.mx.RecordForwardRetry()

			select {
			case <-time.After(c.backoff(attempt)):
			case <-ctx.Done():
				return fail(ctx.Err())
			}
		}

		receipt, err := c.doRequest(ctx, d)
		if err == nil {
			c.incrementSuccessRequests()
			c.updateAvgResponseTime(time.Since(startTime))
			c.mx.RecordForward(OutcomeDelivered, time.Since(startTime).Seconds())
			return receipt, nil
		}

		lastErr = err
		if ctx.Err() != nil || !isRetryableError(err) {
			break
		}
		c.logger.Debug("Forward attempt failed",
			slog.String("delivery_id", d.ID),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}

	return fail(lastErr)
}

// backoff is the delay before the given retry attempt (1-based)
func (c *Client) backoff(attempt int) time.Duration {
	if attempt > 16 {
		return maxBackoff
	}
	return min(c.config.Backoff<<(attempt-1), maxBackoff)
}

// Submit forwards data in the background. Failures are logged.
func (c *Client) Submit(peerID, data string) {
	if c.closed.Load() {
		return
	}
	d := NewDelivery(c.config.DeviceID, peerID, data)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		receipt, err := c.Forward(c.ctx, d)
		if err != nil {
			c.logger.Warn("Failed to forward message",
				slog.String("delivery_id", d.ID),
				slog.String("peer_id", peerID),
				slog.String("error", err.Error()),
			)
			return
		}
		c.logger.Info("Message forwarded",
			slog.String("delivery_id", d.ID),
			slog.String("peer_id", peerID),
			slog.String("status", receipt.Status),
		)
	}()
}

// doRequest performs a single POST of d
func (c *Client) doRequest(ctx context.Context, d *Delivery) (*Receipt, error) {
	body, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to encode delivery: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", "SoundLink/1.0")
	httpReq.Header.Set("Idempotency-Key", d.ID)
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if len(respBody) > maxErrorBody {
			respBody = respBody[:maxErrorBody]
		}
		return nil, &StatusError{Code: resp.StatusCode, Body: string(respBody)}
	}

	receipt := &Receipt{ID: d.ID, Status: "accepted"}
	if len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, receipt); err != nil {
			return nil, fmt.Errorf("failed to parse response JSON: %w", err)
		}
	}
	if receipt.AcceptedAt.IsZero() {
		receipt.AcceptedAt = time.Now().UTC()
	}

	return receipt, nil
}

// isRetryableError reports whether another attempt may succeed: server
// errors, rate limiting, timeouts and network failures
func isRetryableError(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= 500 || statusErr.Code == http.StatusTooManyRequests
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// Statistics methods
func (c *Client) incrementTotalRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
}

func (c *Client) incrementSuccessRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successRequests++
}

func (c *Client) incrementFailedRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedRequests++
}

func (c *Client) incrementTotalRetries() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRetries++
}

func (c *Client) updateAvgResponseTime(responseTime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Simple moving average
	if c.avgResponseTime == 0 {
		c.avgResponseTime = responseTime
	} else {
		c.avgResponseTime = (c.avgResponseTime + responseTime) / 2
	}
}

// GetStats returns current client statistics
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	successRate := float64(0)
	if c.totalRequests > 0 {
		successRate = float64(c.successRequests) / float64(c.totalRequests) * 100
	}

	return ClientStats{
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		SuccessRate:     successRate,
		TotalRetries:    c.totalRetries,
		AvgResponseTime: c.avgResponseTime,
		ActiveRequests:  len(c.semaphore),
	}
}

// Close cancels background deliveries and waits for them to return
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.cancel()
	c.wg.Wait()
	c.httpClient.CloseIdleConnections()
	return nil
}
