package scheduler

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/questpoints/internal/crediting"
	"github.com/mmeshcher/questpoints/internal/model"
	"github.com/mmeshcher/questpoints/internal/repository"
)

// memStore отбирает выполнения так же, как запрос ListDueCompletions.
type memStore struct {
	mu          sync.Mutex
	completions []*model.Completion
	listCalls   int
	listErr     error
}

func (s *memStore) add(c model.Completion) *model.Completion {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Status == "" {
		c.Status = model.CompletionStatusPending
	}
	s.completions = append(s.completions, &c)
	return &c
}

func (s *memStore) ListDueCompletions(ctx context.Context, now time.Time, after repository.DueCursor, limit int) ([]model.Completion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.listCalls++
	if s.listErr != nil {
		return nil, s.listErr
	}

	var res []model.Completion
	for _, c := range s.completions {
		if c.Status != model.CompletionStatusPending || c.NeedsReview || c.AutoApproveAt.After(now) {
			continue
		}
		if !keyAfter(c.AutoApproveAt, c.ID, after) {
			continue
		}
		res = append(res, *c)
	}

	sort.Slice(res, func(i, j int) bool {
		if !res[i].AutoApproveAt.Equal(res[j].AutoApproveAt) {
			return res[i].AutoApproveAt.Before(res[j].AutoApproveAt)
		}
		return bytes.Compare(res[i].ID[:], res[j].ID[:]) < 0
	})
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func keyAfter(at time.Time, id uuid.UUID, cursor repository.DueCursor) bool {
	if at.After(cursor.AutoApproveAt) {
		return true
	}
	return at.Equal(cursor.AutoApproveAt) && bytes.Compare(id[:], cursor.ID[:]) > 0
}

func (s *memStore) CreditCompletion(ctx context.Context, p model.CreditParams) (*model.CreditResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.completions {
		if c.ID != p.CompletionID {
			continue
		}
		if c.Status != p.ExpectedStatus {
			return nil, model.ErrAlreadyProcessed
		}
		c.Status = p.NewStatus
		c.PointsAwarded = 10
		return &model.CreditResult{CompletionID: c.ID, UserID: c.UserID, NewStatus: p.NewStatus, PointsAwarded: 10}, nil
	}
	return nil, model.ErrCompletionNotFound
}

// stubCrediter падает на заданных выполнениях и делегирует остальные.
type stubCrediter struct {
	mu    sync.Mutex
	fail  map[uuid.UUID]error
	next  Crediter
	calls []uuid.UUID
}

func (c *stubCrediter) Credit(ctx context.Context, req crediting.Request) (*model.CreditResult, error) {
	c.mu.Lock()
	c.calls = append(c.calls, req.CompletionID)
	err := c.fail[req.CompletionID]
	c.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return c.next.Credit(ctx, req)
}

func TestSweep(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	store := &memStore{}

	due1 := store.add(model.Completion{AutoApproveAt: now.Add(-2 * time.Hour)})
	due2 := store.add(model.Completion{AutoApproveAt: now})
	flagged := store.add(model.Completion{AutoApproveAt: now.Add(-time.Hour), NeedsReview: true})
	future := store.add(model.Completion{AutoApproveAt: now.Add(time.Minute)})
	rejected := store.add(model.Completion{AutoApproveAt: now.Add(-time.Hour), Status: model.CompletionStatusRejected})

	s := New(store, crediting.New(store), WithClock(func() time.Time { return now }))
	n, err := s.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, n)
	assert.Equal(t, model.CompletionStatusAutoApproved, due1.Status)
	assert.Equal(t, model.CompletionStatusAutoApproved, due2.Status)
	assert.Equal(t, model.CompletionStatusPending, flagged.Status)
	assert.Zero(t, flagged.PointsAwarded)
	assert.Equal(t, model.CompletionStatusPending, future.Status)
	assert.Zero(t, future.PointsAwarded)
	assert.Equal(t, model.CompletionStatusRejected, rejected.Status)

	n, err = s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweepPaginates(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	store := &memStore{}
	for i := 0; i < 7; i++ {
		store.add(model.Completion{AutoApproveAt: now.Add(-time.Duration(i%3) * time.Hour)})
	}

	s := New(store, crediting.New(store), WithClock(func() time.Time { return now }), WithBatchSize(3))
	n, err := s.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 7, n)
	assert.Equal(t, 3, store.listCalls)
}

func TestSweepSkipsFailures(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	store := &memStore{}
	a := store.add(model.Completion{AutoApproveAt: now.Add(-3 * time.Hour)})
	b := store.add(model.Completion{AutoApproveAt: now.Add(-2 * time.Hour)})
	c := store.add(model.Completion{AutoApproveAt: now.Add(-1 * time.Hour)})

	crediter := &stubCrediter{
		fail: map[uuid.UUID]error{
			a.ID: model.ErrAlreadyProcessed,
			b.ID: model.ErrStoreConnection,
		},
		next: crediting.New(store),
	}

	s := New(store, crediter, WithClock(func() time.Time { return now }))
	n, err := s.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, n)
	assert.Equal(t, []uuid.UUID{a.ID, b.ID, c.ID}, crediter.calls)
	assert.Equal(t, model.CompletionStatusAutoApproved, c.Status)
}

func TestSweepListError(t *testing.T) {
	store := &memStore{listErr: model.ErrStoreConnection}

	n, err := New(store, crediting.New(store)).Sweep(context.Background())
	assert.Zero(t, n)
	assert.ErrorIs(t, err, model.ErrStoreConnection)
}

func TestSweepCancelled(t *testing.T) {
	store := &memStore{}
	store.add(model.Completion{AutoApproveAt: time.Now().Add(-time.Hour)})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n, err := New(store, crediting.New(store)).Sweep(ctx)
	assert.Zero(t, n)
	assert.True(t, errors.Is(err, context.Canceled))
}

type countingCrediter struct {
	calls atomic.Int32
}

func (c *countingCrediter) Credit(ctx context.Context, req crediting.Request) (*model.CreditResult, error) {
	c.calls.Add(1)
	return &model.CreditResult{CompletionID: req.CompletionID}, nil
}

func TestStart(t *testing.T) {
	store := &memStore{}
	store.add(model.Completion{AutoApproveAt: time.Now().Add(-time.Hour)})
	crediter := &countingCrediter{}

	s := New(store, crediter, WithInterval(20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	require.Eventually(t, func() bool { return crediter.calls.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
