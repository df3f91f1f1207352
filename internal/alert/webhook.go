// Package alert содержит реализации model.AlertSink: HTTP-вебхук, Redis PUBLISH, журнал и рассылку по нескольким приёмникам.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/mmeshcher/questpoints/internal/metrics"
	"github.com/mmeshcher/questpoints/internal/model"
)

var (
	// ErrNotConfigured возвращается приёмником без адреса.
	ErrNotConfigured = errors.New("alert webhook not configured")
	// ErrCircuitOpen возвращается, пока предохранитель вебхука разомкнут.
	ErrCircuitOpen = errors.New("alert webhook circuit open")
)

// RateLimitedError возвращается при ответе 429.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("alert webhook rate limited, retry after %s", e.RetryAfter)
}

// WebhookClient отправляет уведомления POST-запросом в формате JSON.
type WebhookClient struct {
	url        string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// BreakerSettings задаёт поведение предохранителя.
type BreakerSettings struct {
	// FailureThreshold задаёт число неудач подряд, после которого цепь размыкается.
	FailureThreshold uint32
	// OpenTimeout задаёт время в разомкнутом состоянии до пробного запроса.
	OpenTimeout time.Duration
}

// DefaultBreakerSettings возвращает настройки по умолчанию.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{FailureThreshold: 5, OpenTimeout: 30 * time.Second}
}

// NewWebhookClient создаёт клиент вебхука по указанному адресу. m может быть nil.
func NewWebhookClient(url string, bs BreakerSettings, m *metrics.Metrics) *WebhookClient {
	url = strings.TrimRight(url, "/")
	if url != "" && !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}

	if bs.FailureThreshold == 0 {
		bs.FailureThreshold = DefaultBreakerSettings().FailureThreshold
	}
	if bs.OpenTimeout <= 0 {
		bs.OpenTimeout = DefaultBreakerSettings().OpenTimeout
	}

	const name = "alert-webhook"
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     bs.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= bs.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.SetBreakerState(name, breakerStateValue(to))
		},
	})
	m.SetBreakerState(name, 0)

	return &WebhookClient{
		url: url,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		breaker: breaker,
	}
}

func breakerStateValue(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 0.5
	case gobreaker.StateOpen:
		return 1
	default:
		return -1
	}
}

// Notify отправляет уведомление.
func (c *WebhookClient) Notify(ctx context.Context, a model.Alert) error {
	if c == nil || c.url == "" {
		return ErrNotConfigured
	}

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.post(ctx, a)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrCircuitOpen, err)
	}
	return err
}

func (c *WebhookClient) post(ctx context.Context, a model.Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return &RateLimitedError{RetryAfter: retryAfter}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return nil
}
