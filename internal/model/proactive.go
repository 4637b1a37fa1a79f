package model

import "time"

const (
	TargetStatusPending  = "pending"
	TargetStatusApproved = "approved"
	TargetStatusRejected = "rejected"
	TargetStatusPosted   = "posted"
)

const (
	// TargetKindComment 对他人帖子的主动评论
	TargetKindComment = "comment"
	// TargetKindPost 敏感内容生成的帖子草稿，等待人工审批
	TargetKindPost = "post"
)

// ProactiveTarget 待审批的主动互动条目
type ProactiveTarget struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	Kind          string     `gorm:"type:varchar(16);not null;default:comment;index:idx_target_kind_status" json:"kind"`
	TargetURL     string     `gorm:"type:text" json:"target_url"`
	TargetURN     string     `gorm:"type:varchar(255)" json:"target_urn"`
	Context       string     `gorm:"type:text" json:"context"`
	SuggestedBody string     `gorm:"type:text" json:"suggested_body"`
	Status        string     `gorm:"type:varchar(16);not null;default:pending;index:idx_target_kind_status" json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	ApprovedAt    *time.Time `json:"approved_at,omitempty"`
	RejectedAt    *time.Time `json:"rejected_at,omitempty"`
	PostedAt      *time.Time `json:"posted_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func (ProactiveTarget) TableName() string { return "proactive_targets" }
