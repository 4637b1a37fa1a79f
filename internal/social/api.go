// Package social LinkedIn 官方 HTTP API 客户端：发帖、评论、点赞、邀请，带版本协商与 DRY_RUN 装饰器。
package social

import (
	"context"
	"time"

	"github.com/d60-Lab/linkpilot/internal/model"
)

// Identity 认证用户
type Identity struct {
	ID   string `json:"id"`
	URN  string `json:"urn"`
	Name string `json:"name,omitempty"`
}

// Ref 平台返回的对象引用
type Ref struct {
	ID  string `json:"id"`
	URN string `json:"urn"`
}

// RemoteComment 平台上的一条评论
type RemoteComment struct {
	ID        string    `json:"id"`
	URN       string    `json:"urn"`
	Actor     string    `json:"actor"`
	Text      string    `json:"text"`
	ParentURN string    `json:"parent_urn,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// API 流水线依赖的平台能力
type API interface {
	Me(ctx context.Context) (Identity, error)
	PublishPost(ctx context.Context, text string) (Ref, error)
	// PublishComment parentURN 非空时为楼中楼回复
	PublishComment(ctx context.Context, objectURN, text, parentURN string) (Ref, error)
	ListComments(ctx context.Context, objectURN string) ([]RemoteComment, error)
	Like(ctx context.Context, objectURN string) error
	SendInvite(ctx context.Context, personURN, message string) error
}

// TokenSource 当前凭证；没有时返回 apperr.ErrNotFound
type TokenSource interface {
	Current(ctx context.Context) (*model.Credential, error)
}
