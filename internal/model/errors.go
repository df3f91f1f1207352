package model

import (
	"context"
	"errors"
)

var (
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrTaskNotFound возвращается, если задание не найдено.
	ErrTaskNotFound = errors.New("task not found")
	// ErrCompletionNotFound возвращается, если выполнение не найдено.
	ErrCompletionNotFound = errors.New("completion not found")
	// ErrAlreadyProcessed сигнализирует, что выполнение уже вышло из ожидаемого статуса.
	ErrAlreadyProcessed = errors.New("completion already processed")
	// ErrInvalidTransition возвращается при попытке недопустимого перехода статуса.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrInvalidReferralCode возвращается для кода неверного формата.
	ErrInvalidReferralCode = errors.New("invalid referral code")
	// ErrSelfReferral возвращается, если пользователь указал собственный код.
	ErrSelfReferral = errors.New("self referral")
	// ErrReferralAlreadyCredited возвращается, если за реферала уже начислена награда.
	ErrReferralAlreadyCredited = errors.New("referral already credited")
	// ErrNoPendingReward возвращается, если у пригласившего нет ожидающих реферальных наград.
	ErrNoPendingReward = errors.New("no pending referral reward")
	// ErrStoreConnection возвращается при потере соединения с хранилищем.
	ErrStoreConnection = errors.New("store connection error")
	// ErrWriteConflict возвращается при конфликте параллельной записи.
	ErrWriteConflict = errors.New("write conflict")
	// ErrTransactionTimeout возвращается при превышении таймаута транзакции.
	ErrTransactionTimeout = errors.New("transaction timeout")
)

// IsTransient сообщает, что ошибку имеет смысл повторить.
func IsTransient(err error) bool {
	return errors.Is(err, ErrStoreConnection) ||
		errors.Is(err, ErrWriteConflict) ||
		errors.Is(err, ErrTransactionTimeout)
}

// IsNotFound сообщает, что ошибка относится к отсутствующей сущности.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrTaskNotFound) ||
		errors.Is(err, ErrCompletionNotFound)
}

// ErrorClass возвращает стабильную метку ошибки для логов и метрик.
func ErrorClass(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrUserNotFound):
		return "user_not_found"
	case errors.Is(err, ErrTaskNotFound):
		return "task_not_found"
	case errors.Is(err, ErrCompletionNotFound):
		return "completion_not_found"
	case errors.Is(err, ErrAlreadyProcessed):
		return "already_processed"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrInvalidReferralCode):
		return "invalid_referral_code"
	case errors.Is(err, ErrSelfReferral):
		return "self_referral"
	case errors.Is(err, ErrReferralAlreadyCredited):
		return "referral_already_credited"
	case errors.Is(err, ErrNoPendingReward):
		return "no_pending_reward"
	case errors.Is(err, ErrWriteConflict):
		return "write_conflict"
	case errors.Is(err, ErrTransactionTimeout):
		return "transaction_timeout"
	case errors.Is(err, ErrStoreConnection):
		return "store_connection"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "context"
	default:
		return "internal"
	}
}
