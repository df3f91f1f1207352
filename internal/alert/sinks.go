package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mmeshcher/questpoints/internal/metrics"
	"github.com/mmeshcher/questpoints/internal/model"
)

// DefaultChannel задаёт канал Redis по умолчанию.
const DefaultChannel = "questpoints:risk-alerts"

// Publisher описывает часть клиента Redis, нужную для публикации. *redis.Client подходит.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisPublisher публикует уведомления в канал Redis.
type RedisPublisher struct {
	client  Publisher
	channel string
}

// NewRedisPublisher создаёт приёмник, публикующий в channel.
func NewRedisPublisher(client Publisher, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{client: client, channel: channel}
}

// Notify публикует уведомление в формате JSON.
func (p *RedisPublisher) Notify(ctx context.Context, a model.Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}

// LogSink пишет уведомления в журнал.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink создаёт приёмник на основе логгера.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Notify записывает уведомление; CRITICAL пишется с уровнем error.
func (s *LogSink) Notify(ctx context.Context, a model.Alert) error {
	fields := []zap.Field{
		zap.String("user_id", a.UserID.String()),
		zap.String("task_id", a.TaskID.String()),
		zap.Int("score", a.Score),
		zap.String("level", string(a.Level)),
		zap.Strings("reasons", a.Reasons),
		zap.Time("detected_at", a.DetectedAt),
	}

	if a.Level == model.AlertLevelCritical {
		s.logger.Error("risk alert", fields...)
	} else {
		s.logger.Warn("risk alert", fields...)
	}
	return nil
}

// Named связывает приёмник с именем для метрик.
type Named struct {
	Name string
	Sink model.AlertSink
}

// Fanout рассылает уведомление во все приёмники.
type Fanout struct {
	sinks   []Named
	metrics *metrics.Metrics
}

// NewFanout создаёт рассылку. m может быть nil.
func NewFanout(m *metrics.Metrics, sinks ...Named) *Fanout {
	return &Fanout{sinks: sinks, metrics: m}
}

// Notify отправляет уведомление каждому приёмнику и объединяет ошибки.
// Сбой одного приёмника не мешает остальным.
func (f *Fanout) Notify(ctx context.Context, a model.Alert) error {
	var errs []error
	for _, s := range f.sinks {
		err := s.Sink.Notify(ctx, a)
		f.metrics.ObserveAlert(s.Name, err)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
		}
	}
	return errors.Join(errs...)
}
