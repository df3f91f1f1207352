package alert

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/go-redis/redismock/v9"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mmeshcher/questpoints/internal/metrics"
	"github.com/mmeshcher/questpoints/internal/model"
)

func TestRedisPublisher(t *testing.T) {
	client, mock := redismock.NewClientMock()
	a := testAlert()
	payload, err := json.Marshal(a)
	require.NoError(t, err)

	mock.ExpectPublish("alerts", payload).SetVal(1)

	err = NewRedisPublisher(client, "alerts").Notify(context.Background(), a)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisPublisher_Error(t *testing.T) {
	client, mock := redismock.NewClientMock()
	a := testAlert()
	payload, err := json.Marshal(a)
	require.NoError(t, err)

	mock.ExpectPublish(DefaultChannel, payload).SetErr(errors.New("connection refused"))

	err = NewRedisPublisher(client, "").Notify(context.Background(), a)
	assert.ErrorContains(t, err, "publish alert")
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	sink := NewLogSink(zap.New(core))

	high := testAlert()
	critical := testAlert()
	critical.Level = model.AlertLevelCritical
	critical.Score = 95

	require.NoError(t, sink.Notify(context.Background(), high))
	require.NoError(t, sink.Notify(context.Background(), critical))

	entries := logs.FilterMessage("risk alert").All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
	assert.Equal(t, int64(95), entries[1].ContextMap()["score"])
}

type stubSink struct {
	calls int
	err   error
}

func (s *stubSink) Notify(ctx context.Context, a model.Alert) error {
	s.calls++
	return s.err
}

func TestFanout(t *testing.T) {
	m := metrics.New()
	ok := &stubSink{}
	broken := &stubSink{err: errors.New("down")}
	last := &stubSink{}

	f := NewFanout(m,
		Named{Name: "ok", Sink: ok},
		Named{Name: "broken", Sink: broken},
		Named{Name: "last", Sink: last},
	)

	err := f.Notify(context.Background(), testAlert())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken: down")

	assert.Equal(t, 1, ok.calls)
	assert.Equal(t, 1, broken.calls)
	assert.Equal(t, 1, last.calls)

	series, err := testutil.GatherAndCount(m.Registry(), "questpoints_alerts_total")
	require.NoError(t, err)
	assert.Equal(t, 3, series)
}

func TestFanout_Empty(t *testing.T) {
	assert.NoError(t, NewFanout(nil).Notify(context.Background(), testAlert()))
}
