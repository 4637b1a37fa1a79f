package model

// CounterKind 每日计数器种类，对应 daily_counters 的列名
type CounterKind string

const (
	CounterPosts             CounterKind = "posts_created"
	CounterCommentsReplied   CounterKind = "comments_replied"
	CounterProactiveComments CounterKind = "proactive_comments"
	CounterInvitesSent       CounterKind = "invites_sent"
)

// CounterKinds 全部计数器
var CounterKinds = []CounterKind{CounterPosts, CounterCommentsReplied, CounterProactiveComments, CounterInvitesSent}

// Valid 防止拼接列名时被注入
func (k CounterKind) Valid() bool {
	for _, c := range CounterKinds {
		if c == k {
			return true
		}
	}
	return false
}

// DailyCounter 按本地日期（YYYY-MM-DD）一行，首次递增时创建
type DailyCounter struct {
	Date              string `gorm:"primaryKey;type:varchar(10)" json:"date"`
	PostsCreated      int    `gorm:"not null;default:0" json:"posts_created"`
	CommentsReplied   int    `gorm:"not null;default:0" json:"comments_replied"`
	ProactiveComments int    `gorm:"not null;default:0" json:"proactive_comments"`
	InvitesSent       int    `gorm:"not null;default:0" json:"invites_sent"`
}

func (DailyCounter) TableName() string { return "daily_counters" }

// Value 读取某个计数
func (d DailyCounter) Value(k CounterKind) int {
	switch k {
	case CounterPosts:
		return d.PostsCreated
	case CounterCommentsReplied:
		return d.CommentsReplied
	case CounterProactiveComments:
		return d.ProactiveComments
	case CounterInvitesSent:
		return d.InvitesSent
	}
	return 0
}
