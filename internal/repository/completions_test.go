package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/questpoints/internal/model"
)

var completionColumnNames = []string{
	"id", "user_id", "task_id", "status", "verification_status", "fraud_score",
	"needs_review", "auto_approve_at", "points_awarded", "ip_address", "created_at", "completed_at",
	"reviewed_by", "reviewed_at", "rejection_reason", "credited_for_user_id",
}

func newMockRepository(t *testing.T, txOpts TxOptions) (*PostgresRepository, pgxmock.PgxPoolIface) {
	t.Helper()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	return newRepository(mock, txOpts), mock
}

func TestListDueCompletions_FiltersFlaggedFutureAndReferralRows(t *testing.T) {
	repo, mock := newMockRepository(t, TxOptions{})

	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	after := DueCursor{AutoApproveAt: now.Add(-time.Hour), ID: uuid.New()}
	id, userID, taskID := uuid.New(), uuid.New(), uuid.New()
	dueAt := now.Add(-time.Minute)

	mock.ExpectQuery(`FROM completions c JOIN tasks t ON t.id = c.task_id ` +
		`WHERE c.status = \$1 AND c.needs_review = false AND c.auto_approve_at <= \$2 AND t.task_type <> \$3 ` +
		`AND \(c.auto_approve_at, c.id\) > \(\$4, \$5\) ORDER BY c.auto_approve_at, c.id LIMIT \$6`).
		WithArgs("PENDING", now, "referral_reward", after.AutoApproveAt, after.ID, 50).
		WillReturnRows(pgxmock.NewRows(completionColumnNames).AddRow(
			id, userID, taskID, "PENDING", "UNVERIFIED", 12,
			false, dueAt, int64(0), nil, dueAt.Add(-24*time.Hour), dueAt.Add(-24*time.Hour),
			nil, nil, nil, nil,
		))

	got, err := repo.ListDueCompletions(context.Background(), now, after, 50)
	require.NoError(t, err)
	require.Len(t, got, 1)

	assert.Equal(t, id, got[0].ID)
	assert.Equal(t, model.CompletionStatusPending, got[0].Status)
	assert.False(t, got[0].NeedsReview)
	assert.True(t, got[0].AutoApproveAt.Equal(dueAt))
	assert.Nil(t, got[0].IPAddress)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreditCompletion(t *testing.T) {
	repo, mock := newMockRepository(t, TxOptions{})

	id, userID := uuid.New(), uuid.New()
	at := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	points := int64(50)

	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	mock.ExpectExec(`set_config`).
		WithArgs("5000ms", "10000ms").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`SELECT c.status, c.user_id, t.points`).
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{"status", "user_id", "points"}).AddRow("PENDING", userID, &points))
	mock.ExpectExec(`UPDATE completions .* WHERE id = \$1 AND status = \$8 AND points_awarded = 0`).
		WithArgs(id, "AUTO_APPROVED", "VERIFIED", points, at, pgxmock.AnyArg(), pgxmock.AnyArg(), "PENDING").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE users SET total_points = total_points \+ \$2 WHERE id = \$1`).
		WithArgs(userID, points).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	res, err := repo.CreditCompletion(context.Background(), model.CreditParams{
		CompletionID:   id,
		ExpectedStatus: model.CompletionStatusPending,
		NewStatus:      model.CompletionStatusAutoApproved,
		CompletedAt:    at,
	})
	require.NoError(t, err)

	assert.Equal(t, userID, res.UserID)
	assert.Equal(t, points, res.PointsAwarded)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreditCompletion_LostRaceIsAlreadyProcessed(t *testing.T) {
	repo, mock := newMockRepository(t, TxOptions{})

	id := uuid.New()
	points := int64(10)

	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	mock.ExpectExec(`set_config`).WithArgs("5000ms", "10000ms").WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`SELECT c.status, c.user_id, t.points`).
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{"status", "user_id", "points"}).AddRow("PENDING", uuid.New(), &points))
	mock.ExpectExec(`UPDATE completions`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	_, err := repo.CreditCompletion(context.Background(), model.CreditParams{
		CompletionID:   id,
		ExpectedStatus: model.CompletionStatusPending,
		NewStatus:      model.CompletionStatusAutoApproved,
		CompletedAt:    time.Now(),
	})
	assert.ErrorIs(t, err, model.ErrAlreadyProcessed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreditCompletion_StatementsBoundByTxTimeout(t *testing.T) {
	repo, mock := newMockRepository(t, TxOptions{Timeout: 50 * time.Millisecond})

	id := uuid.New()
	points := int64(10)

	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	mock.ExpectExec(`set_config`).WithArgs("5000ms", "10000ms").WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`SELECT c.status, c.user_id, t.points`).
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{"status", "user_id", "points"}).AddRow("PENDING", uuid.New(), &points)).
		WillDelayFor(5 * time.Second)
	mock.ExpectRollback()

	start := time.Now()
	_, err := repo.CreditCompletion(context.Background(), model.CreditParams{
		CompletionID:   id,
		ExpectedStatus: model.CompletionStatusPending,
		NewStatus:      model.CompletionStatusAutoApproved,
		CompletedAt:    time.Now(),
	})

	assert.ErrorIs(t, err, model.ErrTransactionTimeout)
	assert.False(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRejectCompletion_Terminal(t *testing.T) {
	tests := []struct {
		name    string
		exists  bool
		wantErr error
	}{
		{name: "already processed", exists: true, wantErr: model.ErrAlreadyProcessed},
		{name: "missing", exists: false, wantErr: model.ErrCompletionNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, mock := newMockRepository(t, TxOptions{})
			id, reviewer := uuid.New(), uuid.New()
			at := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

			mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
			mock.ExpectExec(`set_config`).WithArgs("5000ms", "10000ms").WillReturnResult(pgxmock.NewResult("SELECT", 1))
			mock.ExpectQuery(`UPDATE completions c SET status = \$2`).
				WithArgs(id, "REJECTED", "FLAGGED", reviewer, at, "spam", "PENDING").
				WillReturnRows(pgxmock.NewRows(completionColumnNames))
			mock.ExpectQuery(`SELECT EXISTS`).
				WithArgs(id).
				WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(tt.exists))
			mock.ExpectRollback()

			_, err := repo.RejectCompletion(context.Background(), id, reviewer, "spam", at)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}
