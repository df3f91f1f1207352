// Package referral начисляет реферальную награду пригласившему пользователю.
package referral

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/questpoints/internal/crediting"
	"github.com/mmeshcher/questpoints/internal/metrics"
	"github.com/mmeshcher/questpoints/internal/model"
	"github.com/mmeshcher/questpoints/internal/retry"
	"github.com/mmeshcher/questpoints/internal/validation"
)

const (
	candidateLimit   = 10
	recoveryAttempts = 2
	recoveryDelay    = 100 * time.Millisecond
)

// Outcome описывает итог обработки реферала.
type Outcome string

const (
	OutcomeCredited         Outcome = "credited"
	OutcomeInvalidCode      Outcome = "invalid_code"
	OutcomeAlreadyCredited  Outcome = "already_credited"
	OutcomeReferrerNotFound Outcome = "referrer_not_found"
	OutcomeSelfReferral     Outcome = "self_referral"
	OutcomeNoPendingReward  Outcome = "no_pending_reward"
	OutcomeFailed           Outcome = "failed"
)

// Result описывает итог ProcessReferral. Err заполняется для самоприглашения и сбоев.
type Result struct {
	Success       bool
	Outcome       Outcome
	Err           error
	PointsAwarded int64
	CompletionID  uuid.UUID
	ReferrerID    uuid.UUID
}

// Store описывает чтения, нужные для поиска награды.
type Store interface {
	HasCreditedReferral(ctx context.Context, refereeID uuid.UUID) (bool, error)
	GetUserByReferralCode(ctx context.Context, code string) (*model.User, error)
	ListPendingReferralRewards(ctx context.Context, referrerID uuid.UUID, limit int) ([]model.Completion, error)
}

// Crediter начисляет баллы за выполнение.
type Crediter interface {
	Credit(ctx context.Context, req crediting.Request) (*model.CreditResult, error)
}

// Matcher связывает нового пользователя с самой старой ожидающей наградой пригласившего.
type Matcher struct {
	store         Store
	crediter      Crediter
	logger        *zap.Logger
	metrics       *metrics.Metrics
	recoveryDelay time.Duration
}

// Option настраивает Matcher.
type Option func(*Matcher)

// WithLogger задаёт логгер.
func WithLogger(l *zap.Logger) Option {
	return func(m *Matcher) { m.logger = l }
}

// WithMetrics задаёт метрики.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Matcher) { m.metrics = mt }
}

// WithRecoveryDelay задаёт паузу перед повторной попыткой.
func WithRecoveryDelay(d time.Duration) Option {
	return func(m *Matcher) { m.recoveryDelay = d }
}

// NewMatcher создаёт обработчик рефералов.
func NewMatcher(store Store, crediter Crediter, opts ...Option) *Matcher {
	m := &Matcher{
		store:         store,
		crediter:      crediter,
		logger:        zap.NewNop(),
		recoveryDelay: recoveryDelay,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ProcessReferral начисляет награду владельцу кода за регистрацию newUserID.
// Ошибок не возвращает: любой исход описывается Result и пишется в лог.
func (m *Matcher) ProcessReferral(ctx context.Context, code string, newUserID uuid.UUID) (res Result) {
	log := m.logger.With(
		zap.String("code", code),
		zap.String("referee_id", newUserID.String()),
	)

	defer func() {
		if r := recover(); r != nil {
			res = Result{Outcome: OutcomeFailed, Err: fmt.Errorf("referral panic: %v", r)}
			log.Error("referral processing panicked", zap.Any("panic", r))
		}
		m.metrics.ObserveReferral(string(res.Outcome))
	}()

	if !validation.IsValidReferralCode(code) {
		log.Info("referral skipped", zap.String("step", "validate_code"),
			zap.String("error_class", model.ErrorClass(model.ErrInvalidReferralCode)))
		return Result{Outcome: OutcomeInvalidCode}
	}

	credited, err := m.store.HasCreditedReferral(ctx, newUserID)
	if err != nil {
		log.Error("referral check failed", zap.String("step", "check_credited"),
			zap.String("error_class", model.ErrorClass(err)), zap.Error(err))
		return Result{Outcome: OutcomeFailed, Err: err}
	}
	if credited {
		log.Info("referral skipped", zap.String("step", "check_credited"),
			zap.String("error_class", model.ErrorClass(model.ErrReferralAlreadyCredited)))
		return Result{Outcome: OutcomeAlreadyCredited}
	}

	policy := retry.Policy{
		MaxAttempts: recoveryAttempts,
		BaseDelay:   m.recoveryDelay,
		Retryable:   model.IsTransient,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			log.Warn("referral credit failed, retrying",
				zap.Int("attempt", attempt),
				zap.String("error_class", model.ErrorClass(err)),
				zap.Error(err),
			)
		},
	}

	err = retry.Do(ctx, policy, func(ctx context.Context) error {
		var err error
		res, err = m.creditOldest(ctx, log, code, newUserID)
		return err
	})

	if err != nil {
		res = resultForError(res, err)
		fields := []zap.Field{
			zap.String("outcome", string(res.Outcome)),
			zap.String("error_class", model.ErrorClass(err)),
			zap.Int("attempts", retry.Attempts(err)),
			zap.Error(err),
		}
		if res.ReferrerID != uuid.Nil {
			fields = append(fields, zap.String("referrer_id", res.ReferrerID.String()))
		}
		if res.Outcome == OutcomeFailed {
			log.Error("referral credit failed", fields...)
		} else {
			log.Info("referral not credited", fields...)
		}
		return res
	}

	log.Info("referral credited",
		zap.String("step", "credit"),
		zap.String("referrer_id", res.ReferrerID.String()),
		zap.String("completion_id", res.CompletionID.String()),
		zap.Int64("points", res.PointsAwarded),
	)

	return res
}

func (m *Matcher) creditOldest(ctx context.Context, log *zap.Logger, code string, newUserID uuid.UUID) (Result, error) {
	referrer, err := m.store.GetUserByReferralCode(ctx, code)
	if err != nil {
		log.Info("referrer lookup failed", zap.String("step", "lookup_referrer"),
			zap.String("error_class", model.ErrorClass(err)))
		return Result{}, err
	}

	res := Result{ReferrerID: referrer.ID}
	if referrer.ID == newUserID {
		return res, model.ErrSelfReferral
	}

	candidates, err := m.store.ListPendingReferralRewards(ctx, referrer.ID, candidateLimit)
	if err != nil {
		log.Info("pending rewards lookup failed", zap.String("step", "list_pending"),
			zap.String("referrer_id", referrer.ID.String()),
			zap.String("error_class", model.ErrorClass(err)))
		return res, err
	}

	for _, c := range candidates {
		credit, err := m.crediter.Credit(ctx, crediting.Request{
			CompletionID: c.ID,
			Expected:     model.CompletionStatusPending,
			Target:       model.CompletionStatusAutoApproved,
			CreditedFor:  &newUserID,
		})
		if errors.Is(err, model.ErrAlreadyProcessed) {
			log.Info("pending reward taken concurrently", zap.String("step", "credit"),
				zap.String("completion_id", c.ID.String()))
			continue
		}
		if err != nil {
			res.CompletionID = c.ID
			return res, err
		}

		res.Success = true
		res.Outcome = OutcomeCredited
		res.CompletionID = credit.CompletionID
		res.PointsAwarded = credit.PointsAwarded
		return res, nil
	}

	return res, model.ErrNoPendingReward
}

func resultForError(res Result, err error) Result {
	res.Success = false
	res.PointsAwarded = 0

	switch {
	case errors.Is(err, model.ErrUserNotFound):
		res.Outcome = OutcomeReferrerNotFound
	case errors.Is(err, model.ErrSelfReferral):
		res.Outcome = OutcomeSelfReferral
		res.Err = err
	case errors.Is(err, model.ErrNoPendingReward):
		res.Outcome = OutcomeNoPendingReward
	case errors.Is(err, model.ErrReferralAlreadyCredited):
		res.Outcome = OutcomeAlreadyCredited
	default:
		res.Outcome = OutcomeFailed
		res.Err = err
	}

	return res
}
