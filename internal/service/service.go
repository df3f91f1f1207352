// Package service связывает оценку риска, начисление и обработку рефералов в операции движка.
package service

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
	"github.com/mmeshcher/questpoints/internal/referral"
	"github.com/mmeshcher/questpoints/internal/risk"
)

// ErrTaskInactive возвращается при попытке выполнить отключённое задание.
var ErrTaskInactive = errors.New("task is not active")

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	Ping(ctx context.Context) error
	GetTask(ctx context.Context, id uuid.UUID) (*model.Task, error)
	GetCompletion(ctx context.Context, id uuid.UUID) (*model.Completion, error)
	CreateCompletion(ctx context.Context, c *model.Completion) error
	RejectCompletion(ctx context.Context, id, reviewerID uuid.UUID, reason string, at time.Time) (*model.Completion, error)
}

// Collector собирает сигналы риска.
type Collector interface {
	Collect(ctx context.Context, userID, taskID uuid.UUID, ip string) (risk.Signals, error)
}

// Assessor оценивает сигналы.
type Assessor interface {
	Assess(ctx context.Context, s risk.Signals) risk.Assessment
}

// Crediter начисляет баллы за выполнение.
type Crediter interface {
	Credit(ctx context.Context, req crediting.Request) (*model.CreditResult, error)
}

// ReferralMatcher обрабатывает регистрацию по реферальному коду.
type ReferralMatcher interface {
	ProcessReferral(ctx context.Context, code string, newUserID uuid.UUID) referral.Result
}

// Sweeper выполняет проход автоодобрения.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Deps содержит компоненты, из которых собирается сервис.
type Deps struct {
	Repo      Repository
	Collector Collector
	Assessor  Assessor
	Crediter  Crediter
	Referrals ReferralMatcher
	Sweeper   Sweeper
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

// Service реализует операции движка начислений.
type Service struct {
	repo      Repository
	collector Collector
	assessor  Assessor
	crediter  Crediter
	referrals ReferralMatcher
	sweeper   Sweeper
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// Submission описывает результат приёма выполнения.
type Submission struct {
	Completion *model.Completion
	Reasons    []string
}

// NewService создаёт сервис из компонентов.
func NewService(d Deps) *Service {
	s := &Service{
		repo:      d.Repo,
		collector: d.Collector,
		assessor:  d.Assessor,
		crediter:  d.Crediter,
		referrals: d.Referrals,
		sweeper:   d.Sweeper,
		logger:    d.Logger,
		metrics:   d.Metrics,
		now:       d.Now,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// Ping проверяет доступность хранилища.
func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// SubmitCompletion оценивает выполнение задания и сохраняет его в статусе PENDING.
func (s *Service) SubmitCompletion(ctx context.Context, userID, taskID uuid.UUID, ip string) (*Submission, error) {
	task, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !task.IsActive {
		return nil, ErrTaskInactive
	}

	signals, err := s.collector.Collect(ctx, userID, taskID, ip)
	if err != nil {
		return nil, fmt.Errorf("collect signals: %w", err)
	}

	a := s.assessor.Assess(ctx, signals)
	s.metrics.ObserveAssessment(a.Score, a.NeedsReview)

	c := &model.Completion{
		UserID:             userID,
		TaskID:             taskID,
		Status:             model.CompletionStatusPending,
		VerificationStatus: model.VerificationUnverified,
		FraudScore:         a.Score,
		NeedsReview:        a.NeedsReview,
		AutoApproveAt:      a.AutoApproveAt,
	}
	if ip != "" {
		c.IPAddress = &ip
	}

	if err := s.repo.CreateCompletion(ctx, c); err != nil {
		return nil, err
	}

	s.logger.Info("completion submitted",
		zap.String("completion_id", c.ID.String()),
		zap.String("user_id", userID.String()),
		zap.String("task_id", taskID.String()),
		zap.Int("score", a.Score),
		zap.Bool("needs_review", a.NeedsReview),
		zap.Bool("sampled", a.Sampled),
		zap.Time("auto_approve_at", a.AutoApproveAt),
	)

	return &Submission{Completion: c, Reasons: a.Reasons}, nil
}

// GetCompletion возвращает выполнение по идентификатору.
func (s *Service) GetCompletion(ctx context.Context, id uuid.UUID) (*model.Completion, error) {
	return s.repo.GetCompletion(ctx, id)
}

// ApproveCompletion одобряет ожидающее выполнение и начисляет баллы.
func (s *Service) ApproveCompletion(ctx context.Context, id, reviewerID uuid.UUID) (*model.CreditResult, error) {
	return s.crediter.Credit(ctx, crediting.Request{
		CompletionID: id,
		Expected:     model.CompletionStatusPending,
		Target:       model.CompletionStatusApproved,
		ReviewerID:   &reviewerID,
	})
}

// RejectCompletion отклоняет ожидающее выполнение без начисления.
func (s *Service) RejectCompletion(ctx context.Context, id, reviewerID uuid.UUID, reason string) (*model.Completion, error) {
	c, err := s.repo.RejectCompletion(ctx, id, reviewerID, reason, s.now())
	if err != nil {
		return nil, err
	}

	s.logger.Info("completion rejected",
		zap.String("completion_id", id.String()),
		zap.String("reviewer_id", reviewerID.String()),
		zap.String("reason", reason),
	)
	return c, nil
}

// ProcessReferral начисляет реферальную награду за регистрацию нового пользователя.
func (s *Service) ProcessReferral(ctx context.Context, code string, newUserID uuid.UUID) referral.Result {
	return s.referrals.ProcessReferral(ctx, code, newUserID)
}

// Sweep выполняет внеочередной проход автоодобрения.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	return s.sweeper.Sweep(ctx)
}
