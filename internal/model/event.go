package model

import "time"

// 常用事件种类
const (
	EventHoursDenied       = "hours_denied"
	EventQuotaDenied       = "quota_denied"
	EventModerationBlocked = "moderation_blocked"
	EventSensitiveQueued   = "moderation_sensitive"
	EventFeedUnavailable   = "feed_unavailable"
	EventFeedFetchFailed   = "rss_fetch_failed"
	EventPostPublished     = "post_published"
	EventFollowUpPosted    = "follow_up_posted"
	EventFollowUpSkipped   = "follow_up_skipped"
	EventReplyPosted       = "reply_posted"
	EventProactivePosted   = "proactive_posted"
	EventInviteSent        = "invite_sent"
	EventActionQueued      = "action_queued"
	EventActionExhausted   = "action_exhausted"
	EventAlert             = "alert"
	EventLogin             = "login"
	EventLogout            = "logout"
)

// SystemEvent 只追加的系统事件流
type SystemEvent struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Kind      string    `gorm:"type:varchar(64);index;not null" json:"kind"`
	Details   string    `gorm:"type:text" json:"details"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

func (SystemEvent) TableName() string { return "system_events" }
