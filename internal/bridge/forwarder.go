package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"agrolink/relay/internal/metrics"
)

// TransportError reports a failed delivery to the backend.
type TransportError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("forward to backend: %v", e.Err)
	}
	return fmt.Sprintf("forward to backend: status %d: %s", e.StatusCode, e.Body)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Forwarder delivers one merged record to the backend.
type Forwarder interface {
	Forward(ctx context.Context, record map[string]any) error
}

// ForwarderConfig tunes an HTTPForwarder.
type ForwarderConfig struct {
	URL              string
	Timeout          time.Duration
	BreakerFailures  uint32
	BreakerOpenDelay time.Duration
}

// HTTPForwarder POSTs records as JSON. After BreakerFailures consecutive failures it
// stops calling the backend for BreakerOpenDelay.
type HTTPForwarder struct {
	client  *resty.Client
	url     string
	breaker *gobreaker.CircuitBreaker[*resty.Response]
	logger  *zap.Logger
}

// NewHTTPForwarder builds a forwarder for cfg.URL.
func NewHTTPForwarder(cfg ForwarderConfig, logger *zap.Logger) *HTTPForwarder {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("forwarder")

	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "agrolink-bridge")

	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}

	breaker := gobreaker.NewCircuitBreaker[*resty.Response](gobreaker.Settings{
		Name:        "backend",
		MaxRequests: 1,
		Timeout:     cfg.BreakerOpenDelay,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BridgeBreakerState.Set(float64(to))
			logger.Warn("backend circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &HTTPForwarder{client: client, url: cfg.URL, breaker: breaker, logger: logger}
}

// Forward sends record once. Failures are returned as *TransportError; nothing is retried.
func (f *HTTPForwarder) Forward(ctx context.Context, record map[string]any) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	resp, err := f.breaker.Execute(func() (*resty.Response, error) {
		resp, err := f.client.R().
			SetContext(ctx).
			SetBody(body).
			Post(f.url)
		if err != nil {
			return nil, &TransportError{Err: err}
		}
		if resp.IsError() {
			return resp, &TransportError{StatusCode: resp.StatusCode(), Body: resp.String()}
		}
		return resp, nil
	})
	if err != nil {
		var te *TransportError
		if errors.As(err, &te) {
			return te
		}
		return &TransportError{Err: err}
	}

	f.logger.Debug("record forwarded", zap.Int("status", resp.StatusCode()))
	return nil
}
