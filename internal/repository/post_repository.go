package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/d60-Lab/linkpilot/internal/apperr"
	"github.com/d60-Lab/linkpilot/internal/model"
)

type PostRepository interface {
	Create(ctx context.Context, p *model.Post) error
	Get(ctx context.Context, id uint) (*model.Post, error)
	ByExternalID(ctx context.Context, externalID string) (*model.Post, error)
	SetBody(ctx context.Context, id uint, body string) error
	// MarkPublishing draft/failed -> publishing；已有 external id 的不会被再次发布
	MarkPublishing(ctx context.Context, id uint) (bool, error)
	MarkPublished(ctx context.Context, id uint, externalID, urn string, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, id uint, reason string) error
	// MarkFollowUpPosted 只允许 false -> true 一次
	MarkFollowUpPosted(ctx context.Context, id uint) (bool, error)
	// MarkFollowUpSkipped 放弃跟帖，之后不再出现在 DueFollowUps 里
	MarkFollowUpSkipped(ctx context.Context, id uint) (bool, error)
	// DueFollowUps 已发布、带来源链接且尚未跟帖（也未放弃）的帖子
	DueFollowUps(ctx context.Context, postedBefore time.Time, limit int) ([]*model.Post, error)
	RecentPublished(ctx context.Context, n int) ([]*model.Post, error)
	// DraftedTargets 已转成帖子但尚未发布的审批条目 id
	DraftedTargets(ctx context.Context) (map[uint]bool, error)
	List(ctx context.Context, limit int) ([]*model.Post, error)
}

type postRepository struct{ db *gorm.DB }

func NewPostRepository(db *gorm.DB) PostRepository { return &postRepository{db: db} }

func (r *postRepository) Create(ctx context.Context, p *model.Post) error {
	if p.Status == "" {
		p.Status = model.PostStatusDraft
	}
	if p.Origin == "" {
		p.Origin = model.PostOriginFeed
	}
	return apperr.Store(r.db.WithContext(ctx).Create(p).Error)
}

func (r *postRepository) Get(ctx context.Context, id uint) (*model.Post, error) {
	var p model.Post
	if err := r.db.WithContext(ctx).First(&p, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (r *postRepository) ByExternalID(ctx context.Context, externalID string) (*model.Post, error) {
	var p model.Post
	if err := r.db.WithContext(ctx).Where("external_id = ?", externalID).First(&p).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (r *postRepository) SetBody(ctx context.Context, id uint, body string) error {
	return apperr.Store(r.db.WithContext(ctx).Model(&model.Post{}).
		Where("id = ? AND external_id IS NULL", id).
		Update("body", body).Error)
}

func (r *postRepository) MarkPublishing(ctx context.Context, id uint) (bool, error) {
	return affected(r.db.WithContext(ctx).Model(&model.Post{}).
		Where("id = ? AND external_id IS NULL AND status IN ?", id, []string{model.PostStatusDraft, model.PostStatusFailed}).
		Updates(map[string]any{"status": model.PostStatusPublishing, "last_error": ""}))
}

func (r *postRepository) MarkPublished(ctx context.Context, id uint, externalID, urn string, at time.Time) (bool, error) {
	return affected(r.db.WithContext(ctx).Model(&model.Post{}).
		Where("id = ? AND external_id IS NULL", id).
		Updates(map[string]any{
			"status":      model.PostStatusPublished,
			"external_id": externalID,
			"urn":         urn,
			"posted_at":   at.UTC(),
			"last_error":  "",
		}))
}

func (r *postRepository) MarkFailed(ctx context.Context, id uint, reason string) error {
	return apperr.Store(r.db.WithContext(ctx).Model(&model.Post{}).
		Where("id = ? AND status <> ?", id, model.PostStatusPublished).
		Updates(map[string]any{"status": model.PostStatusFailed, "last_error": reason}).Error)
}

func (r *postRepository) MarkFollowUpPosted(ctx context.Context, id uint) (bool, error) {
	return affected(r.db.WithContext(ctx).Model(&model.Post{}).
		Where("id = ? AND status = ? AND follow_up_posted = ? AND follow_up_skipped = ?", id, model.PostStatusPublished, false, false).
		Update("follow_up_posted", true))
}

func (r *postRepository) MarkFollowUpSkipped(ctx context.Context, id uint) (bool, error) {
	return affected(r.db.WithContext(ctx).Model(&model.Post{}).
		Where("id = ? AND status = ? AND follow_up_posted = ? AND follow_up_skipped = ?", id, model.PostStatusPublished, false, false).
		Update("follow_up_skipped", true))
}

func (r *postRepository) DueFollowUps(ctx context.Context, postedBefore time.Time, limit int) ([]*model.Post, error) {
	var res []*model.Post
	err := r.db.WithContext(ctx).
		Where("status = ? AND follow_up_posted = ? AND follow_up_skipped = ? AND source_url <> '' AND posted_at <= ?",
			model.PostStatusPublished, false, false, postedBefore.UTC()).
		Order("posted_at").Limit(limit).Find(&res).Error
	return res, apperr.Store(err)
}

func (r *postRepository) RecentPublished(ctx context.Context, n int) ([]*model.Post, error) {
	var res []*model.Post
	err := r.db.WithContext(ctx).Where("status = ?", model.PostStatusPublished).
		Order("posted_at DESC").Limit(n).Find(&res).Error
	return res, apperr.Store(err)
}

func (r *postRepository) DraftedTargets(ctx context.Context) (map[uint]bool, error) {
	var ids []uint
	err := r.db.WithContext(ctx).Model(&model.Post{}).
		Where("target_id IS NOT NULL AND status <> ?", model.PostStatusPublished).
		Pluck("target_id", &ids).Error
	if err != nil {
		return nil, apperr.Store(err)
	}
	res := make(map[uint]bool, len(ids))
	for _, id := range ids {
		res[id] = true
	}
	return res, nil
}

func (r *postRepository) List(ctx context.Context, limit int) ([]*model.Post, error) {
	var res []*model.Post
	err := r.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&res).Error
	return res, apperr.Store(err)
}
