package social

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/d60-Lab/linkpilot/internal/apperr"
	"github.com/d60-Lab/linkpilot/pkg/logger"
)

// DryRunIdentity 未登录时 DRY_RUN 使用的身份
var DryRunIdentity = Identity{ID: "dry-run", URN: "urn:li:person:dry-run", Name: "dry run"}

// DryRun 副作用只记日志并返回合成 URN；读操作透传，未登录时降级为空结果
type DryRun struct {
	inner API
}

func NewDryRun(inner API) *DryRun { return &DryRun{inner: inner} }

func unauthenticated(err error) bool {
	return errors.Is(err, apperr.ErrNotAuthenticated) || errors.Is(err, apperr.ErrTokenExpired)
}

func (d *DryRun) Me(ctx context.Context) (Identity, error) {
	if d.inner == nil {
		return DryRunIdentity, nil
	}
	id, err := d.inner.Me(ctx)
	if unauthenticated(err) {
		return DryRunIdentity, nil
	}
	return id, err
}

func (d *DryRun) PublishPost(_ context.Context, text string) (Ref, error) {
	id := "dryrun-" + uuid.NewString()
	logger.Info("[dry-run] publish post", zap.String("id", id), zap.Int("chars", len([]rune(text))))
	return Ref{ID: id, URN: "urn:li:share:" + id}, nil
}

func (d *DryRun) PublishComment(_ context.Context, objectURN, text, parentURN string) (Ref, error) {
	id := "dryrun-" + uuid.NewString()
	logger.Info("[dry-run] publish comment",
		zap.String("id", id), zap.String("object", objectURN), zap.String("parent", parentURN), zap.String("text", text))
	return Ref{ID: id, URN: "urn:li:comment:(" + objectURN + "," + id + ")"}, nil
}

func (d *DryRun) ListComments(ctx context.Context, objectURN string) ([]RemoteComment, error) {
	if d.inner == nil {
		return nil, nil
	}
	out, err := d.inner.ListComments(ctx, objectURN)
	if unauthenticated(err) {
		return nil, nil
	}
	return out, err
}

func (d *DryRun) Like(_ context.Context, objectURN string) error {
	logger.Info("[dry-run] like", zap.String("object", objectURN))
	return nil
}

func (d *DryRun) SendInvite(_ context.Context, personURN, message string) error {
	logger.Info("[dry-run] send invite", zap.String("person", personURN), zap.String("message", message))
	return nil
}
