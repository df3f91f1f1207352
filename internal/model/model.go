// Package model содержит доменные сущности движка оценки риска и начисления баллов.
package model

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// User представляет участника кампании в том объёме, который нужен движку.
type User struct {
	ID               uuid.UUID
	TotalPoints      int64
	CreatedAt        time.Time
	WalletVerified   bool
	TwitterVerified  bool
	TelegramVerified bool
	ReferralCode     *string
	InvitedBy        *string
}

// TaskType описывает вид задания.
type TaskType string

const (
	TaskTypeStandard       TaskType = "standard"
	TaskTypeSocialFollow   TaskType = "social_follow"
	TaskTypeWalletLink     TaskType = "wallet_link"
	TaskTypeReferralReward TaskType = "referral_reward"
)

// Task описывает задание и его стоимость в баллах.
type Task struct {
	ID       uuid.UUID
	Points   int64
	Type     TaskType
	IsActive bool
}

// CompletionStatus описывает статус выполнения задания.
type CompletionStatus string

const (
	CompletionStatusPending      CompletionStatus = "PENDING"
	CompletionStatusAutoApproved CompletionStatus = "AUTO_APPROVED"
	CompletionStatusApproved     CompletionStatus = "APPROVED"
	CompletionStatusRejected     CompletionStatus = "REJECTED"
)

// IsTerminal сообщает, что статус больше не может измениться.
func (s CompletionStatus) IsTerminal() bool {
	return s == CompletionStatusAutoApproved || s == CompletionStatusApproved || s == CompletionStatusRejected
}

// IsCredited сообщает, что статус означает начисленные баллы.
func (s CompletionStatus) IsCredited() bool {
	return s == CompletionStatusAutoApproved || s == CompletionStatusApproved
}

// VerificationStatus описывает результат проверки выполнения.
type VerificationStatus string

const (
	VerificationUnverified VerificationStatus = "UNVERIFIED"
	VerificationVerified   VerificationStatus = "VERIFIED"
	VerificationFlagged    VerificationStatus = "FLAGGED"
)

// Completion описывает попытку пользователя выполнить задание.
type Completion struct {
	ID                 uuid.UUID
	UserID             uuid.UUID
	TaskID             uuid.UUID
	Status             CompletionStatus
	VerificationStatus VerificationStatus
	FraudScore         int
	NeedsReview        bool
	AutoApproveAt      time.Time
	PointsAwarded      int64
	IPAddress          *string
	CreatedAt          time.Time
	CompletedAt        time.Time
	ReviewedBy         *uuid.UUID
	ReviewedAt         *time.Time
	RejectionReason    *string
	// CreditedForUserID хранит реферала, за которого начислена реферальная награда.
	CreditedForUserID *uuid.UUID
}

// CreditParams описывает одно применение протокола начисления.
type CreditParams struct {
	CompletionID   uuid.UUID
	ExpectedStatus CompletionStatus
	NewStatus      CompletionStatus
	CreditedFor    *uuid.UUID
	ReviewerID     *uuid.UUID
	CompletedAt    time.Time
}

// CreditResult содержит итог успешного начисления.
type CreditResult struct {
	CompletionID  uuid.UUID
	UserID        uuid.UUID
	NewStatus     CompletionStatus
	PointsAwarded int64
	CompletedAt   time.Time
}

// AlertLevel описывает критичность уведомления о риске.
type AlertLevel string

const (
	AlertLevelHigh     AlertLevel = "HIGH"
	AlertLevelCritical AlertLevel = "CRITICAL"
)

// Alert описывает уведомление о выполнении с высоким риском.
type Alert struct {
	UserID     uuid.UUID  `json:"user_id"`
	TaskID     uuid.UUID  `json:"task_id"`
	Score      int        `json:"score"`
	Level      AlertLevel `json:"level"`
	Reasons    []string   `json:"reasons"`
	DetectedAt time.Time  `json:"detected_at"`
}

// AlertSink принимает уведомления о высоком риске. Доставка остаётся за реализацией.
type AlertSink interface {
	Notify(ctx context.Context, alert Alert) error
}
