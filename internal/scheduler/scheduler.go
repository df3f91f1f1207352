// Package scheduler периодически начисляет баллы за выполнения, срок автоодобрения которых наступил.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/mmeshcher/questpoints/internal/crediting"
	"github.com/mmeshcher/questpoints/internal/metrics"
	"github.com/mmeshcher/questpoints/internal/model"
	"github.com/mmeshcher/questpoints/internal/repository"
)

const (
	defaultInterval  = time.Minute
	defaultBatchSize = 100
)

// Store выбирает выполнения, готовые к автоодобрению.
type Store interface {
	ListDueCompletions(ctx context.Context, now time.Time, after repository.DueCursor, limit int) ([]model.Completion, error)
}

// Crediter начисляет баллы за выполнение.
type Crediter interface {
	Credit(ctx context.Context, req crediting.Request) (*model.CreditResult, error)
}

// Scheduler выполняет проходы автоодобрения.
type Scheduler struct {
	store     Store
	crediter  Crediter
	interval  time.Duration
	batchSize int
	now       func() time.Time
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// Option настраивает Scheduler.
type Option func(*Scheduler)

// WithInterval задаёт период между проходами.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithBatchSize задаёт размер страницы выборки.
func WithBatchSize(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithClock подменяет источник текущего времени.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithLogger задаёт логгер.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithMetrics задаёт метрики.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// New создаёт планировщик автоодобрения.
func New(store Store, crediter Crediter, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:     store,
		crediter:  crediter,
		interval:  defaultInterval,
		batchSize: defaultBatchSize,
		now:       time.Now,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep начисляет баллы за все выполнения, срок которых наступил к началу прохода,
// и возвращает число начисленных. Ошибка по отдельному выполнению пропускается.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	started := time.Now()
	now := s.now()

	var (
		credited int
		failed   int
		cursor   repository.DueCursor
	)

	defer func() {
		s.metrics.ObserveSweep(credited, failed, time.Since(started))
	}()

	for {
		batch, err := s.store.ListDueCompletions(ctx, now, cursor, s.batchSize)
		if err != nil {
			return credited, fmt.Errorf("list due completions: %w", err)
		}

		for _, c := range batch {
			if err := ctx.Err(); err != nil {
				return credited, err
			}

			_, err := s.crediter.Credit(ctx, crediting.Request{
				CompletionID: c.ID,
				Expected:     model.CompletionStatusPending,
				Target:       model.CompletionStatusAutoApproved,
			})
			if err != nil {
				failed++
				s.logger.Warn("auto-approval skipped",
					zap.String("completion_id", c.ID.String()),
					zap.String("user_id", c.UserID.String()),
					zap.String("error_class", model.ErrorClass(err)),
					zap.Error(err),
				)
				continue
			}
			credited++
		}

		if len(batch) < s.batchSize {
			break
		}
		last := batch[len(batch)-1]
		cursor = repository.DueCursor{AutoApproveAt: last.AutoApproveAt, ID: last.ID}
	}

	if credited > 0 || failed > 0 {
		s.logger.Info("auto-approval sweep finished",
			zap.Int("credited", credited),
			zap.Int("failed", failed),
			zap.Duration("duration", time.Since(started)),
		)
	}

	return credited, nil
}

// Start запускает проходы с заданным периодом и блокируется до отмены ctx.
// Проходы не перекрываются: если предыдущий ещё идёт, очередной пропускается.
func (s *Scheduler) Start(ctx context.Context) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	_, err = sched.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(func() {
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("auto-approval sweep failed",
					zap.String("error_class", model.ErrorClass(err)),
					zap.Error(err),
				)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName("auto-approval-sweep"),
	)
	if err != nil {
		_ = sched.Shutdown()
		return fmt.Errorf("schedule sweep: %w", err)
	}

	sched.Start()
	s.logger.Info("auto-approval scheduler started", zap.Duration("interval", s.interval))

	<-ctx.Done()

	if err := sched.Shutdown(); err != nil {
		return fmt.Errorf("shutdown scheduler: %w", err)
	}
	return nil
}
