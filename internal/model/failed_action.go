package model

import "time"

const (
	ActionKindPost    = "post"
	ActionKindComment = "comment"
	ActionKindInvite  = "invite"
)

const (
	ActionStatusPending   = "pending"
	ActionStatusExhausted = "exhausted"
)

// FailedAction 失败副作用的持久化重试记录
// Subject 标识被重试的本地实体（如 post:12），用于流水线跳过已在重试中的条目
type FailedAction struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	Kind          string     `gorm:"type:varchar(16);index;not null" json:"kind"`
	Subject       string     `gorm:"type:varchar(64);index" json:"subject"`
	Payload       string     `gorm:"type:text" json:"payload"`
	LastError     string     `gorm:"type:text" json:"last_error"`
	Attempts      int        `gorm:"not null;default:0" json:"attempts"`
	Status        string     `gorm:"type:varchar(16);not null;default:pending;index:idx_failed_due" json:"status"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	NextAttemptAt time.Time  `gorm:"index:idx_failed_due;not null" json:"next_attempt_at"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func (FailedAction) TableName() string { return "failed_actions" }
