package model

import "time"

const (
	CommentStatusSeen    = "seen"
	CommentStatusReplied = "replied"
	CommentStatusSkipped = "skipped"
)

const (
	// CommentOriginObserved 平台上观察到的他人评论
	CommentOriginObserved = "observed"
	// CommentOriginAgent 自己发出的评论（跟帖摘要、回复、主动评论）
	CommentOriginAgent = "agent"
)

// Comment 评论记录；external_id 全局唯一，重复观察是幂等的
type Comment struct {
	ID               uint       `gorm:"primaryKey" json:"id"`
	ExternalID       string     `gorm:"type:varchar(255);uniqueIndex;not null" json:"external_id"`
	URN              string     `gorm:"type:varchar(255)" json:"urn,omitempty"`
	ObjectURN        string     `gorm:"type:varchar(255);index" json:"object_urn"`
	ParentExternalID string     `gorm:"type:varchar(255);index" json:"parent_external_id"`
	Author           string     `gorm:"type:varchar(255)" json:"author"`
	Body             string     `gorm:"type:text" json:"body"`
	Language         string     `gorm:"type:varchar(8);default:en" json:"language"`
	Negative         bool       `gorm:"not null;default:false" json:"negative"`
	Origin           string     `gorm:"type:varchar(16);not null;default:observed" json:"origin"`
	Status           string     `gorm:"type:varchar(16);index;not null;default:seen" json:"status"`
	SeenAt           time.Time  `gorm:"not null" json:"seen_at"`
	NextReplyAt      *time.Time `gorm:"index" json:"next_reply_at,omitempty"`
	RepliedAt        *time.Time `json:"replied_at,omitempty"`
	ReplyExternalID  *string    `gorm:"type:varchar(255)" json:"reply_external_id,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func (Comment) TableName() string { return "comments" }
