package model

import "time"

const (
	InviteStatusPending  = "pending"
	InviteStatusSent     = "sent"
	InviteStatusFailed   = "failed"
	InviteStatusAccepted = "accepted"
	InviteStatusRejected = "rejected"
)

// InviteTarget 待发送的连接邀请
// AcceptedAt 仅由运营者或外部同步写入，流水线不会填充
type InviteTarget struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	PersonURN   string     `gorm:"type:varchar(255);uniqueIndex;not null" json:"person_urn"`
	DisplayName string     `gorm:"type:varchar(255)" json:"display_name"`
	Rationale   string     `gorm:"type:text" json:"rationale,omitempty"`
	Note        string     `gorm:"type:text" json:"note,omitempty"`
	Tags        string     `gorm:"type:varchar(255)" json:"tags,omitempty"`
	Country     string     `gorm:"type:varchar(64)" json:"country,omitempty"`
	Status      string     `gorm:"type:varchar(16);index;not null;default:pending" json:"status"`
	LastError   string     `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	RejectedAt  *time.Time `json:"rejected_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (InviteTarget) TableName() string { return "invite_targets" }
