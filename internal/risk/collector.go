package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/questpoints/internal/model"
)

const (
	velocityWindow = 60 * time.Second
	networkWindow  = 24 * time.Hour
)

// SignalStore описывает запросы к хранилищу, нужные для сбора сигналов.
type SignalStore interface {
	GetUser(ctx context.Context, id uuid.UUID) (*model.User, error)
	CountUserCompletionsSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error)
	CountSharedIPCompletions(ctx context.Context, ip string, excludeUserID uuid.UUID, since time.Time) (int, error)
	CountTaskCompletions(ctx context.Context, userID, taskID uuid.UUID) (int, error)
}

// Collector собирает сигналы риска. Все счётчики читаются из хранилища в момент вызова.
type Collector struct {
	store SignalStore
	now   func() time.Time
	loc   *time.Location
}

// NewCollector создаёт сборщик сигналов. loc задаёт часовой пояс для границы суток.
func NewCollector(store SignalStore, loc *time.Location, now func() time.Time) *Collector {
	if loc == nil {
		loc = time.Local
	}
	if now == nil {
		now = time.Now
	}
	return &Collector{store: store, now: now, loc: loc}
}

// Collect возвращает сигналы для пары (пользователь, задание).
// Оцениваемое выполнение ещё не сохранено, поэтому оно добавляется к счётчикам за минуту и за день.
// DuplicateCompletions считает только прежние выполнения задания.
func (c *Collector) Collect(ctx context.Context, userID, taskID uuid.UUID, ipAddress string) (Signals, error) {
	user, err := c.store.GetUser(ctx, userID)
	if err != nil {
		return Signals{}, fmt.Errorf("get user: %w", err)
	}

	now := c.now()

	recent, err := c.store.CountUserCompletionsSince(ctx, userID, now.Add(-velocityWindow))
	if err != nil {
		return Signals{}, fmt.Errorf("count recent completions: %w", err)
	}

	today, err := c.store.CountUserCompletionsSince(ctx, userID, StartOfDay(now, c.loc))
	if err != nil {
		return Signals{}, fmt.Errorf("count daily completions: %w", err)
	}

	shared := 0
	if ipAddress != "" {
		shared, err = c.store.CountSharedIPCompletions(ctx, ipAddress, userID, now.Add(-networkWindow))
		if err != nil {
			return Signals{}, fmt.Errorf("count shared ip completions: %w", err)
		}
	}

	duplicates, err := c.store.CountTaskCompletions(ctx, userID, taskID)
	if err != nil {
		return Signals{}, fmt.Errorf("count task completions: %w", err)
	}

	age := now.Sub(user.CreatedAt).Hours()
	if age < 0 {
		age = 0
	}

	return Signals{
		UserID:               userID,
		TaskID:               taskID,
		AccountAgeHours:      age,
		WalletVerified:       user.WalletVerified,
		TwitterVerified:      user.TwitterVerified,
		TelegramVerified:     user.TelegramVerified,
		RecentCompletions:    recent + 1,
		TodayCompletions:     today + 1,
		SharedIPCompletions:  shared,
		DuplicateCompletions: duplicates,
	}, nil
}

// StartOfDay возвращает полночь дня t в часовом поясе loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
}
