package model

import "time"

const (
	PostStatusDraft      = "draft"
	PostStatusPublishing = "publishing"
	PostStatusPublished  = "published"
	PostStatusFailed     = "failed"
)

const (
	PostOriginFeed     = "feed"
	PostOriginManual   = "manual"
	PostOriginApproved = "approved"
)

// Post 自有帖子；external_id 在发布成功后写入
type Post struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	ExternalID     *string    `gorm:"type:varchar(255);uniqueIndex" json:"external_id,omitempty"`
	URN            string     `gorm:"type:varchar(255)" json:"urn,omitempty"`
	Body           string     `gorm:"type:text" json:"body"`
	SourceURL      string     `gorm:"type:text" json:"source_url,omitempty"`
	SourceTitle    string     `gorm:"type:text" json:"source_title,omitempty"`
	SourceSummary  string     `gorm:"type:text" json:"-"`
	Origin         string     `gorm:"type:varchar(16);not null;default:feed" json:"origin"`
	Status         string     `gorm:"type:varchar(16);index;not null;default:draft" json:"status"`
	PostedAt       *time.Time `gorm:"index" json:"posted_at,omitempty"`
	FollowUpPosted bool       `gorm:"not null;default:false;index" json:"follow_up_posted"`
	// 模型给不出摘要时放弃跟帖；与 FollowUpPosted 互斥
	FollowUpSkipped bool `gorm:"not null;default:false" json:"follow_up_skipped"`
	// 审批草稿来源的条目；发布成功时在同一事务里标记为 posted
	TargetID  *uint     `gorm:"uniqueIndex" json:"target_id,omitempty"`
	LastError string    `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Post) TableName() string { return "posts" }

// External 返回 external id（未发布为空串）
func (p *Post) External() string {
	if p.ExternalID == nil {
		return ""
	}
	return *p.ExternalID
}
