// Package risk собирает сигналы риска по выполнению задания и вычисляет оценку мошенничества.
package risk

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/questpoints/internal/model"
)

// Пороги и частота выборочной проверки.
// Сейчас это константы; кандидаты на вынос в конфигурацию.
const (
	MaxScore          = 100
	ReviewThreshold   = 40
	HighRiskThreshold = 60
	CriticalThreshold = 90
	SpotCheckRate     = 0.20

	DefaultApprovalDelay  = 24 * time.Hour
	ReviewApprovalDelay   = 36 * time.Hour
	HighRiskApprovalDelay = 48 * time.Hour

	alertTimeout = 2 * time.Second
)

// Signals содержит факты, из которых складывается оценка.
type Signals struct {
	UserID               uuid.UUID
	TaskID               uuid.UUID
	AccountAgeHours      float64
	WalletVerified       bool
	TwitterVerified      bool
	TelegramVerified     bool
	RecentCompletions    int // за последние 60 секунд, включая оцениваемое
	TodayCompletions     int // с локальной полуночи, включая оцениваемое
	SharedIPCompletions  int // других пользователей с того же IP за 24 часа
	DuplicateCompletions int // этого же пользователя по этому же заданию
}

// Assessment описывает результат оценки выполнения.
type Assessment struct {
	Score         int
	Reasons       []string
	NeedsReview   bool
	Sampled       bool
	AutoApproveAt time.Time
}

// RandomSource поставляет равномерное число в [0, 1).
// Engine вызывает его из конкурентных запросов, поэтому реализация должна это допускать.
// *rand.Rand из math/rand этому требованию не отвечает.
type RandomSource interface {
	Float64() float64
}

// SharedRandom берёт числа из общего генератора math/rand/v2.
type SharedRandom struct{}

// Float64 возвращает равномерное число в [0, 1).
func (SharedRandom) Float64() float64 { return rand.Float64() }

// Evaluate вычисляет оценку риска по сигналам. Функция чистая.
func Evaluate(s Signals) (int, []string) {
	score := 0
	reasons := make([]string, 0)

	add := func(points int, reason string) {
		score += points
		reasons = append(reasons, reason)
	}

	switch {
	case s.AccountAgeHours < 1:
		add(20, "account created less than 1 hour ago")
	case s.AccountAgeHours < 24:
		add(10, "account created less than 24 hours ago")
	case s.AccountAgeHours < 72:
		add(5, "account created less than 72 hours ago")
	}

	if !s.WalletVerified {
		add(15, "wallet not verified")
	}

	if !s.TwitterVerified && !s.TelegramVerified {
		add(10, "no verified social accounts")
	}

	switch {
	case s.RecentCompletions > 5:
		add(20, fmt.Sprintf("high velocity: %d completions in the last minute", s.RecentCompletions))
	case s.RecentCompletions > 3:
		add(10, fmt.Sprintf("elevated velocity: %d completions in the last minute", s.RecentCompletions))
	}

	switch {
	case s.TodayCompletions > 50:
		add(15, fmt.Sprintf("very high daily volume: %d completions today", s.TodayCompletions))
	case s.TodayCompletions > 30:
		add(10, fmt.Sprintf("high daily volume: %d completions today", s.TodayCompletions))
	}

	switch {
	case s.SharedIPCompletions > 10:
		add(10, fmt.Sprintf("shared network: %d completions by other users from the same IP", s.SharedIPCompletions))
	case s.SharedIPCompletions > 5:
		add(5, fmt.Sprintf("shared network: %d completions by other users from the same IP", s.SharedIPCompletions))
	}

	if s.DuplicateCompletions > 0 {
		add(10, fmt.Sprintf("duplicate attempt: %d prior completions of this task", s.DuplicateCompletions))
	}

	if score > MaxScore {
		score = MaxScore
	}

	return score, reasons
}

// ApprovalDelay возвращает задержку автоодобрения для оценки.
func ApprovalDelay(score int) time.Duration {
	switch {
	case score >= HighRiskThreshold:
		return HighRiskApprovalDelay
	case score >= ReviewThreshold:
		return ReviewApprovalDelay
	default:
		return DefaultApprovalDelay
	}
}

// AlertLevelFor возвращает уровень уведомления или false, если уведомлять не нужно.
func AlertLevelFor(score int) (model.AlertLevel, bool) {
	switch {
	case score >= CriticalThreshold:
		return model.AlertLevelCritical, true
	case score >= HighRiskThreshold:
		return model.AlertLevelHigh, true
	default:
		return "", false
	}
}

// Engine принимает решение о ручной проверке и сроке автоодобрения.
type Engine struct {
	random RandomSource
	alerts model.AlertSink
	now    func() time.Time
	logger *zap.Logger
}

// Option настраивает Engine.
type Option func(*Engine)

// WithClock подменяет источник текущего времени.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger задаёт логгер.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine создаёт движок оценки. alerts может быть nil, при random == nil используется SharedRandom.
func NewEngine(random RandomSource, alerts model.AlertSink, opts ...Option) *Engine {
	if random == nil {
		random = SharedRandom{}
	}
	e := &Engine{
		random: random,
		alerts: alerts,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Assess оценивает сигналы и при высоком риске отправляет уведомление.
// Ошибка доставки уведомления на результат не влияет.
func (e *Engine) Assess(ctx context.Context, s Signals) Assessment {
	score, reasons := Evaluate(s)

	// Выборка делается всегда, чтобы доля проверок не зависела от оценки.
	sampled := e.random.Float64() < SpotCheckRate
	now := e.now()

	a := Assessment{
		Score:         score,
		Reasons:       reasons,
		NeedsReview:   score >= ReviewThreshold || sampled,
		Sampled:       sampled,
		AutoApproveAt: now.Add(ApprovalDelay(score)),
	}

	if level, ok := AlertLevelFor(score); ok {
		e.notify(ctx, model.Alert{
			UserID:     s.UserID,
			TaskID:     s.TaskID,
			Score:      score,
			Level:      level,
			Reasons:    reasons,
			DetectedAt: now,
		})
	}

	return a
}

func (e *Engine) notify(ctx context.Context, alert model.Alert) {
	if e.alerts == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), alertTimeout)
	defer cancel()

	if err := e.alerts.Notify(ctx, alert); err != nil {
		e.logger.Warn("risk alert dispatch failed",
			zap.Error(err),
			zap.String("user_id", alert.UserID.String()),
			zap.Int("score", alert.Score),
			zap.String("level", string(alert.Level)),
		)
	}
}
