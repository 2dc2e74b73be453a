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
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/wrapforge/fieldflow/internal/config"
	"github.com/wrapforge/fieldflow/internal/observability"
	"github.com/wrapforge/fieldflow/model"
)

// Client talks to the authoritative intervention backend over HTTP. It owns
// the resilience policies for that edge: a circuit breaker shared by all
// operations, a bounded retry loop for mutations, and single-flight
// de-duplication of concurrent loads for the same task.
//
// The backend remains the source of truth; Client never caches intervention
// state.
type Client struct {
	baseURL       string
	uploadBaseURL string
	httpClient    *http.Client
	breaker       *CircuitBreaker
	retry         config.RetryConfig
	metrics       *observability.Metrics

	// loads collapses concurrent active-intervention lookups per task id.
	loads singleflight.Group
}

// NewClient creates a backend client from configuration. metrics may be nil
// in tests.
func NewClient(cfg config.BackendConfig, metrics *observability.Metrics) *Client {
	breaker := NewCircuitBreaker(
		cfg.CircuitBreaker.FailureThreshold,
		cfg.CircuitBreaker.SuccessThreshold,
		cfg.CircuitBreaker.Timeout,
	)
	if metrics != nil {
		breaker.OnStateChange(func(s BreakerState) {
			metrics.SetCircuitBreakerState(breakerGaugeValue(s))
		})
	}
	uploadBase := cfg.UploadBaseURL
	if uploadBase == "" {
		uploadBase = cfg.BaseURL
	}
	return &Client{
		baseURL:       cfg.BaseURL,
		uploadBaseURL: uploadBase,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		breaker: breaker,
		retry:   cfg.Retry,
		metrics: metrics,
	}
}

// HealthCheck implements observability.HealthChecker by probing the backend
// health endpoint. It deliberately bypasses the circuit breaker: readiness
// should report the real state of the edge, not the breaker's opinion of it.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("backend health returned %d", resp.StatusCode)
	}
	return nil
}

// call performs a single JSON exchange against the backend and decodes the
// response into out (when out is non-nil and the response has a body).
func (c *Client) call(ctx context.Context, operation, method, url string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return internalError(fmt.Sprintf("encode %s request: %v", operation, err))
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return internalError(fmt.Sprintf("build %s request: %v", operation, err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.exchange(ctx, operation, req, out)
}

// exchange sends req through the circuit breaker and maps the outcome.
// Transport-level failures and 5xx responses are reported as retryable so
// the write path can decide to try again.
func (c *Client) exchange(ctx context.Context, operation string, req *http.Request, out any) error {
	if err := c.breaker.Allow(); err != nil {
		c.recordBackend(operation, 0, 0)
		return model.NewBackendUnavailableError()
	}

	req.Header.Set("Accept", "application/json")
	c.decorateRequest(ctx, req)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		c.breaker.RecordFailure()
		c.recordBackend(operation, 0, elapsed)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return retryableError{model.NewTimeoutError(fmt.Sprintf("%s timed out", operation))}
		}
		return retryableError{model.NewBackendUnavailableError()}
	}
	defer resp.Body.Close()

	c.recordBackend(operation, resp.StatusCode, elapsed)

	if resp.StatusCode >= 400 {
		envelope := c.mapError(operation, resp)
		if resp.StatusCode >= 500 {
			c.breaker.RecordFailure()
			return retryableError{envelope}
		}
		// Client errors do not count against the breaker: the request was
		// rejected, the backend is healthy.
		c.breaker.RecordSuccess()
		return envelope
	}

	c.breaker.RecordSuccess()

	if out == nil || resp.StatusCode == http.StatusNoContent {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return internalError(fmt.Sprintf("decode %s response: %v", operation, err))
	}
	return nil
}

// read performs a single-attempt read. Reads are not retried; a stale read
// is cheaper to repeat from the caller than to mask with a retry loop.
func (c *Client) read(ctx context.Context, operation, url string, out any) error {
	attemptCtx, cancel := context.WithTimeout(ctx, c.retry.AttemptDeadline)
	defer cancel()
	return unwrapRetryable(c.call(attemptCtx, operation, http.MethodGet, url, nil, out))
}

// write performs a mutation with the backend write policy: each attempt has
// its own deadline, retryable failures back off exponentially, and the loop
// gives up after MaxRetries additional attempts. Non-retryable errors
// (validation, conflict, auth) return immediately. The attempt closure is
// invoked fresh each time so request bodies can be rebuilt.
func (c *Client) write(ctx context.Context, operation string, attempt func(context.Context) error) error {
	var lastErr error
	attempts := c.retry.MaxRetries + 1
	for i := 0; i < attempts; i++ {
		if i > 0 {
			backoff := c.retry.BackoffBase * time.Duration(1<<(i-1))
			if c.retry.BackoffMax > 0 && backoff > c.retry.BackoffMax {
				backoff = c.retry.BackoffMax
			}
			c.recordRetry(operation)
			slog.Debug("retrying backend write",
				"operation", operation,
				"attempt", i+1,
				"backoff", backoff.String())
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return model.NewTimeoutError(fmt.Sprintf("%s cancelled during retry backoff", operation))
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.retry.AttemptDeadline)
		err := attempt(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}

		var re retryableError
		if !errors.As(err, &re) {
			return err
		}
		lastErr = re.err
	}

	if model.IsCode(lastErr, model.ErrTimeout) {
		return lastErr
	}
	return model.NewTimeoutError(fmt.Sprintf("%s failed after %d attempts: %v", operation, attempts, lastErr))
}

// writeJSON is the common case for write: a JSON request body with a JSON
// response.
func (c *Client) writeJSON(ctx context.Context, operation, method, url string, body, out any) error {
	return c.write(ctx, operation, func(attemptCtx context.Context) error {
		return c.call(attemptCtx, operation, method, url, body, out)
	})
}

// mapError translates a backend error response into a typed envelope. The
// backend speaks the same envelope shape; when the body cannot be parsed the
// HTTP status alone decides the code.
func (c *Client) mapError(operation string, resp *http.Response) *model.ErrorEnvelope {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var wrapped struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Error != nil && wrapped.Error.Code != "" {
		return wrapped.Error
	}
	var flat model.ErrorEnvelope
	if err := json.Unmarshal(body, &flat); err == nil && flat.Code != "" {
		return &flat
	}

	msg := fmt.Sprintf("%s returned %d", operation, resp.StatusCode)
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return model.NewAuthenticationError(msg)
	case http.StatusForbidden:
		return model.NewAuthorizationError(msg)
	case http.StatusNotFound:
		return model.NewNotFoundError(msg)
	case http.StatusConflict:
		return model.NewConflictError(msg)
	case http.StatusUnprocessableEntity:
		return &model.ErrorEnvelope{Code: model.ErrValidation, Message: msg}
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return model.NewTimeoutError(msg)
	default:
		if resp.StatusCode >= 500 {
			return model.NewBackendUnavailableError()
		}
		return model.NewBadRequestError(msg)
	}
}

// decorateRequest propagates identity and trace context to the backend.
func (c *Client) decorateRequest(ctx context.Context, req *http.Request) {
	if rc := model.RequestContextFrom(ctx); rc != nil {
		if rc.TechnicianID != "" {
			req.Header.Set("X-Technician-Id", rc.TechnicianID)
		}
		if rc.WorkshopID != "" {
			req.Header.Set("X-Workshop-Id", rc.WorkshopID)
		}
		if rc.CorrelationID != "" {
			req.Header.Set("X-Correlation-Id", rc.CorrelationID)
		}
	}
	observability.InjectTraceHeaders(ctx, req.Header)
}

func (c *Client) recordBackend(operation string, status int, elapsed time.Duration) {
	if c.metrics != nil {
		c.metrics.RecordBackendRequest(operation, status, elapsed)
	}
}

func (c *Client) recordRetry(operation string) {
	if c.metrics != nil {
		c.metrics.RecordBackendRetry(operation)
	}
}

// breakerGaugeValue maps breaker states onto the gauge convention
// 0=closed, 1=half-open, 2=open.
func breakerGaugeValue(s BreakerState) float64 {
	switch s {
	case BreakerHalfOpen:
		return 1
	case BreakerOpen:
		return 2
	default:
		return 0
	}
}

func internalError(msg string) *model.ErrorEnvelope {
	return &model.ErrorEnvelope{Code: model.ErrInternal, Message: msg}
}

// retryableError marks an error as eligible for the write retry loop.
type retryableError struct {
	err error
}

func (r retryableError) Error() string { return r.err.Error() }
func (r retryableError) Unwrap() error { return r.err }

func unwrapRetryable(err error) error {
	var re retryableError
	if errors.As(err, &re) {
		return re.err
	}
	return err
}
