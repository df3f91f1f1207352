package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/questpoints/internal/model"
)

const completionColumns = `c.id, c.user_id, c.task_id, c.status, c.verification_status, c.fraud_score,
	c.needs_review, c.auto_approve_at, c.points_awarded, c.ip_address, c.created_at, c.completed_at,
	c.reviewed_by, c.reviewed_at, c.rejection_reason, c.credited_for_user_id`

func scanCompletion(row pgx.Row) (*model.Completion, error) {
	var (
		c            model.Completion
		status       string
		verification string
	)

	err := row.Scan(
		&c.ID, &c.UserID, &c.TaskID, &status, &verification, &c.FraudScore,
		&c.NeedsReview, &c.AutoApproveAt, &c.PointsAwarded, &c.IPAddress, &c.CreatedAt, &c.CompletedAt,
		&c.ReviewedBy, &c.ReviewedAt, &c.RejectionReason, &c.CreditedForUserID,
	)
	if err != nil {
		return nil, err
	}

	c.Status = model.CompletionStatus(status)
	c.VerificationStatus = model.VerificationStatus(verification)

	return &c, nil
}

func collectCompletions(rows pgx.Rows) ([]model.Completion, error) {
	defer rows.Close()

	var res []model.Completion
	for rows.Next() {
		c, err := scanCompletion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan completion: %w", err)
		}
		res = append(res, *c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", classify(err))
	}

	return res, nil
}

// GetUser возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUser(ctx context.Context, id uuid.UUID) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, total_points, created_at, wallet_verified, twitter_verified, telegram_verified,
		        referral_code, invited_by
		 FROM users WHERE id = $1`,
		id,
	)
	return scanUser(row)
}

// GetUserByReferralCode возвращает владельца реферального кода.
func (r *PostgresRepository) GetUserByReferralCode(ctx context.Context, code string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, total_points, created_at, wallet_verified, twitter_verified, telegram_verified,
		        referral_code, invited_by
		 FROM users WHERE referral_code = $1`,
		code,
	)
	return scanUser(row)
}

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.TotalPoints, &u.CreatedAt, &u.WalletVerified, &u.TwitterVerified,
		&u.TelegramVerified, &u.ReferralCode, &u.InvitedBy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", classify(err))
	}
	return &u, nil
}

// GetTask возвращает задание по идентификатору.
func (r *PostgresRepository) GetTask(ctx context.Context, id uuid.UUID) (*model.Task, error) {
	var (
		t        model.Task
		taskType string
	)
	err := r.pool.QueryRow(ctx,
		`SELECT id, points, task_type, is_active FROM tasks WHERE id = $1`,
		id,
	).Scan(&t.ID, &t.Points, &taskType, &t.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrTaskNotFound
		}
		return nil, fmt.Errorf("get task: %w", classify(err))
	}
	t.Type = model.TaskType(taskType)
	return &t, nil
}

// GetCompletion возвращает выполнение по идентификатору.
func (r *PostgresRepository) GetCompletion(ctx context.Context, id uuid.UUID) (*model.Completion, error) {
	c, err := scanCompletion(r.pool.QueryRow(ctx,
		`SELECT `+completionColumns+` FROM completions c WHERE c.id = $1`,
		id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrCompletionNotFound
		}
		return nil, fmt.Errorf("get completion: %w", classify(err))
	}
	return c, nil
}

// CreateCompletion сохраняет новое выполнение в статусе PENDING и заполняет его идентификатор и время.
func (r *PostgresRepository) CreateCompletion(ctx context.Context, c *model.Completion) error {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO completions (user_id, task_id, status, verification_status, fraud_score, needs_review,
		                          auto_approve_at, ip_address)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id, created_at, completed_at`,
		c.UserID, c.TaskID, string(c.Status), string(c.VerificationStatus), c.FraudScore, c.NeedsReview,
		c.AutoApproveAt, c.IPAddress,
	).Scan(&c.ID, &c.CreatedAt, &c.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert completion: %w", classify(err))
	}
	return nil
}

// CountUserCompletionsSince считает выполнения пользователя, созданные не раньше since.
func (r *PostgresRepository) CountUserCompletionsSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM completions WHERE user_id = $1 AND created_at >= $2`,
		userID, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count user completions: %w", classify(err))
	}
	return n, nil
}

// CountSharedIPCompletions считает выполнения других пользователей с того же IP.
func (r *PostgresRepository) CountSharedIPCompletions(ctx context.Context, ip string, excludeUserID uuid.UUID, since time.Time) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM completions
		 WHERE ip_address = $1 AND user_id <> $2 AND created_at >= $3`,
		ip, excludeUserID, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count shared ip completions: %w", classify(err))
	}
	return n, nil
}

// CountTaskCompletions считает предыдущие выполнения задания пользователем.
func (r *PostgresRepository) CountTaskCompletions(ctx context.Context, userID, taskID uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM completions WHERE user_id = $1 AND task_id = $2`,
		userID, taskID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count task completions: %w", classify(err))
	}
	return n, nil
}

// DueCursor задаёт позицию постраничного чтения выполнений, готовых к автоодобрению.
type DueCursor struct {
	AutoApproveAt time.Time
	ID            uuid.UUID
}

// ListDueCompletions возвращает ожидающие выполнения без пометки на проверку со сроком не позже now.
// Реферальные награды не выбираются: их начисляет только обработка реферала.
func (r *PostgresRepository) ListDueCompletions(ctx context.Context, now time.Time, after DueCursor, limit int) ([]model.Completion, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+completionColumns+`
		 FROM completions c
		 JOIN tasks t ON t.id = c.task_id
		 WHERE c.status = $1
		   AND c.needs_review = false
		   AND c.auto_approve_at <= $2
		   AND t.task_type <> $3
		   AND (c.auto_approve_at, c.id) > ($4, $5)
		 ORDER BY c.auto_approve_at, c.id
		 LIMIT $6`,
		string(model.CompletionStatusPending), now, string(model.TaskTypeReferralReward),
		after.AutoApproveAt, after.ID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select due completions: %w", classify(err))
	}

	return collectCompletions(rows)
}

// HasCreditedReferral сообщает, начислялась ли уже награда за реферала.
func (r *PostgresRepository) HasCreditedReferral(ctx context.Context, refereeID uuid.UUID) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM completions WHERE credited_for_user_id = $1 AND points_awarded > 0
		 )`,
		refereeID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check credited referral: %w", classify(err))
	}
	return exists, nil
}

// ListPendingReferralRewards возвращает ожидающие реферальные награды пользователя, старые первыми.
func (r *PostgresRepository) ListPendingReferralRewards(ctx context.Context, referrerID uuid.UUID, limit int) ([]model.Completion, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+completionColumns+`
		 FROM completions c
		 JOIN tasks t ON t.id = c.task_id
		 WHERE c.user_id = $1 AND c.status = $2 AND t.task_type = $3
		 ORDER BY c.created_at, c.id
		 LIMIT $4`,
		referrerID, string(model.CompletionStatusPending), string(model.TaskTypeReferralReward), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending referral rewards: %w", classify(err))
	}

	return collectCompletions(rows)
}

// CreditCompletion переводит выполнение в начисленный статус и увеличивает баланс владельца в одной транзакции.
// Если статус уже не совпадает с ожидаемым, возвращается model.ErrAlreadyProcessed.
func (r *PostgresRepository) CreditCompletion(ctx context.Context, p model.CreditParams) (*model.CreditResult, error) {
	var res *model.CreditResult

	err := r.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var (
			status string
			userID uuid.UUID
			points *int64
		)
		err := tx.QueryRow(ctx,
			`SELECT c.status, c.user_id, t.points
			 FROM completions c
			 LEFT JOIN tasks t ON t.id = c.task_id
			 WHERE c.id = $1`,
			p.CompletionID,
		).Scan(&status, &userID, &points)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return model.ErrCompletionNotFound
			}
			return fmt.Errorf("select completion: %w", err)
		}

		if model.CompletionStatus(status) != p.ExpectedStatus {
			return fmt.Errorf("%w: status is %s", model.ErrAlreadyProcessed, status)
		}
		if points == nil {
			return model.ErrTaskNotFound
		}

		cmdTag, err := tx.Exec(ctx,
			`UPDATE completions
			 SET status = $2,
			     verification_status = $3,
			     points_awarded = $4,
			     completed_at = $5,
			     credited_for_user_id = COALESCE($6, credited_for_user_id),
			     reviewed_by = COALESCE($7, reviewed_by),
			     reviewed_at = CASE WHEN $7::uuid IS NULL THEN reviewed_at ELSE $5 END
			 WHERE id = $1 AND status = $8 AND points_awarded = 0`,
			p.CompletionID, string(p.NewStatus), string(model.VerificationVerified), *points, p.CompletedAt,
			p.CreditedFor, p.ReviewerID, string(p.ExpectedStatus),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return model.ErrReferralAlreadyCredited
			}
			return fmt.Errorf("update completion: %w", err)
		}
		if cmdTag.RowsAffected() != 1 {
			return model.ErrAlreadyProcessed
		}

		cmdTag, err = tx.Exec(ctx,
			`UPDATE users SET total_points = total_points + $2 WHERE id = $1`,
			userID, *points,
		)
		if err != nil {
			return fmt.Errorf("increment user points: %w", err)
		}
		if cmdTag.RowsAffected() != 1 {
			return model.ErrUserNotFound
		}

		res = &model.CreditResult{
			CompletionID:  p.CompletionID,
			UserID:        userID,
			NewStatus:     p.NewStatus,
			PointsAwarded: *points,
			CompletedAt:   p.CompletedAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}

// RejectCompletion отклоняет ожидающее выполнение без начисления баллов.
func (r *PostgresRepository) RejectCompletion(ctx context.Context, id, reviewerID uuid.UUID, reason string, at time.Time) (*model.Completion, error) {
	var res *model.Completion

	err := r.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		c, err := scanCompletion(tx.QueryRow(ctx,
			`UPDATE completions c
			 SET status = $2, verification_status = $3, reviewed_by = $4, reviewed_at = $5, rejection_reason = $6
			 WHERE c.id = $1 AND c.status = $7
			 RETURNING `+completionColumns,
			id, string(model.CompletionStatusRejected), string(model.VerificationFlagged), reviewerID, at, reason,
			string(model.CompletionStatusPending),
		))
		if err == nil {
			res = c
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("reject completion: %w", err)
		}

		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM completions WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("check completion: %w", err)
		}
		if !exists {
			return model.ErrCompletionNotFound
		}
		return model.ErrAlreadyProcessed
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}
