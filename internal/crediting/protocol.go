// Package crediting реализует идемпотентное начисление баллов за выполнение задания.
package crediting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/questpoints/internal/metrics"
	"github.com/mmeshcher/questpoints/internal/model"
	"github.com/mmeshcher/questpoints/internal/retry"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 50 * time.Millisecond
)

// Store выполняет транзакцию начисления целиком.
type Store interface {
	CreditCompletion(ctx context.Context, p model.CreditParams) (*model.CreditResult, error)
}

// Request описывает запрос на начисление.
type Request struct {
	CompletionID uuid.UUID
	// Expected задаёт ожидаемый текущий статус, пустое значение означает PENDING.
	Expected model.CompletionStatus
	// Target принимает AUTO_APPROVED или APPROVED.
	Target      model.CompletionStatus
	CreditedFor *uuid.UUID
	ReviewerID  *uuid.UUID
}

// Protocol начисляет баллы с повтором при временных сбоях.
type Protocol struct {
	store       Store
	maxAttempts int
	baseDelay   time.Duration
	now         func() time.Time
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

// Option настраивает Protocol.
type Option func(*Protocol)

// WithLogger задаёт логгер.
func WithLogger(l *zap.Logger) Option {
	return func(p *Protocol) { p.logger = l }
}

// WithMetrics задаёт метрики.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Protocol) { p.metrics = m }
}

// WithClock подменяет источник текущего времени.
func WithClock(now func() time.Time) Option {
	return func(p *Protocol) { p.now = now }
}

// WithRetry задаёт число попыток и начальную задержку.
func WithRetry(maxAttempts int, baseDelay time.Duration) Option {
	return func(p *Protocol) {
		p.maxAttempts = maxAttempts
		p.baseDelay = baseDelay
	}
}

// New создаёт протокол начисления.
func New(store Store, opts ...Option) *Protocol {
	p := &Protocol{
		store:       store,
		maxAttempts: defaultMaxAttempts,
		baseDelay:   defaultBaseDelay,
		now:         time.Now,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Credit переводит выполнение в целевой статус и начисляет баллы владельцу.
// Повторное начисление того же выполнения возвращает model.ErrAlreadyProcessed.
func (p *Protocol) Credit(ctx context.Context, req Request) (*model.CreditResult, error) {
	expected := req.Expected
	if expected == "" {
		expected = model.CompletionStatusPending
	}
	if expected.IsTerminal() || !req.Target.IsCredited() {
		return nil, fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, expected, req.Target)
	}

	log := p.logger.With(
		zap.String("completion_id", req.CompletionID.String()),
		zap.String("target", string(req.Target)),
	)

	policy := retry.Policy{
		MaxAttempts: p.maxAttempts,
		BaseDelay:   p.baseDelay,
		Retryable:   retryable,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			p.metrics.IncCreditRetry()
			log.Warn("credit attempt failed, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.String("error_class", model.ErrorClass(err)),
				zap.Error(err),
			)
		},
	}

	var res *model.CreditResult
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		var err error
		res, err = p.store.CreditCompletion(ctx, model.CreditParams{
			CompletionID:   req.CompletionID,
			ExpectedStatus: expected,
			NewStatus:      req.Target,
			CreditedFor:    req.CreditedFor,
			ReviewerID:     req.ReviewerID,
			CompletedAt:    p.now(),
		})
		return err
	})

	p.metrics.ObserveCredit(string(req.Target), model.ErrorClass(err))

	if err != nil {
		var exhausted *retry.ExhaustedError
		if errors.As(err, &exhausted) {
			log.Error("credit failed",
				zap.Int("attempts", exhausted.Attempts),
				zap.String("error_class", model.ErrorClass(err)),
				zap.Error(err),
			)
		}
		return nil, err
	}

	log.Info("completion credited",
		zap.String("user_id", res.UserID.String()),
		zap.Int64("points", res.PointsAwarded),
	)

	return res, nil
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, model.ErrAlreadyProcessed),
		errors.Is(err, model.ErrInvalidTransition),
		errors.Is(err, model.ErrReferralAlreadyCredited),
		model.IsNotFound(err):
		return false
	}
	return true
}
