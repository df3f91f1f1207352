// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/questpoints/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// TxOptions задаёт ограничения транзакций начисления.
type TxOptions struct {
	// LockTimeout ограничивает ожидание блокировки строки.
	LockTimeout time.Duration
	// StatementTimeout ограничивает время одного запроса.
	StatementTimeout time.Duration
	// Timeout ограничивает транзакцию целиком.
	Timeout time.Duration
}

// DefaultTxOptions возвращает ограничения по умолчанию.
func DefaultTxOptions() TxOptions {
	return TxOptions{
		LockTimeout:      5 * time.Second,
		StatementTimeout: 10 * time.Second,
		Timeout:          15 * time.Second,
	}
}

// dbPool описывает часть пула соединений, которой пользуется репозиторий.
type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool   dbPool
	txOpts TxOptions
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string, txOpts TxOptions) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return newRepository(pool, txOpts), nil
}

func newRepository(pool dbPool, txOpts TxOptions) *PostgresRepository {
	defaults := DefaultTxOptions()
	if txOpts.LockTimeout <= 0 {
		txOpts.LockTimeout = defaults.LockTimeout
	}
	if txOpts.StatementTimeout <= 0 {
		txOpts.StatementTimeout = defaults.StatementTimeout
	}
	if txOpts.Timeout <= 0 {
		txOpts.Timeout = defaults.Timeout
	}

	return &PostgresRepository{pool: pool, txOpts: txOpts}
}

func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// Ping проверяет доступность БД.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return classify(err)
	}
	return nil
}

// inTx выполняет fn в транзакции REPEATABLE READ с ограничениями по времени.
// fn получает контекст транзакции и должен выполнять запросы только с ним.
// Истечение собственного таймаута транзакции превращается в model.ErrTransactionTimeout.
func (r *PostgresRepository) inTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	txCtx, cancel := context.WithTimeout(ctx, r.txOpts.Timeout)
	defer cancel()

	err := r.runTx(txCtx, fn)
	if err == nil {
		return nil
	}

	if ctx.Err() == nil && errors.Is(txCtx.Err(), context.DeadlineExceeded) {
		// Без %w: для вызывающего это не отмена его контекста.
		return fmt.Errorf("%w: %v", model.ErrTransactionTimeout, err)
	}

	return classify(err)
}

func (r *PostgresRepository) runTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`SELECT set_config('lock_timeout', $1, true), set_config('statement_timeout', $2, true)`,
		pgDuration(r.txOpts.LockTimeout), pgDuration(r.txOpts.StatementTimeout),
	)
	if err != nil {
		return fmt.Errorf("set tx timeouts: %w", err)
	}

	if err := fn(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

func pgDuration(d time.Duration) string {
	return strconv.FormatInt(d.Milliseconds(), 10) + "ms"
}

// classify сопоставляет ошибки драйвера с ошибками модели.
func classify(err error) error {
	if err == nil {
		return nil
	}

	if isDomainError(err) {
		return err
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected:
			return fmt.Errorf("%w: %w", model.ErrWriteConflict, err)
		case pgerrcode.LockNotAvailable, pgerrcode.QueryCanceled:
			return fmt.Errorf("%w: %w", model.ErrTransactionTimeout, err)
		case pgerrcode.AdminShutdown, pgerrcode.CrashShutdown, pgerrcode.CannotConnectNow,
			pgerrcode.TooManyConnections:
			return fmt.Errorf("%w: %w", model.ErrStoreConnection, err)
		}
		return err
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) || pgconn.SafeToRetry(err) || isConnectionError(err) {
		return fmt.Errorf("%w: %w", model.ErrStoreConnection, err)
	}

	return err
}

func isDomainError(err error) bool {
	return model.IsNotFound(err) ||
		model.IsTransient(err) ||
		errors.Is(err, model.ErrAlreadyProcessed) ||
		errors.Is(err, model.ErrReferralAlreadyCredited) ||
		errors.Is(err, model.ErrInvalidTransition)
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "conn closed")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}
