package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/linkpilot/internal/apperr"
	"github.com/d60-Lab/linkpilot/internal/model"
)

type CommentRepository interface {
	// Observe 幂等插入观察到的评论，返回是否新建
	Observe(ctx context.Context, c *model.Comment) (bool, error)
	// CreateAgent 记录自己发出的评论
	CreateAgent(ctx context.Context, c *model.Comment) error
	Get(ctx context.Context, id uint) (*model.Comment, error)
	ByExternalID(ctx context.Context, externalID string) (*model.Comment, error)
	DueReplies(ctx context.Context, now time.Time, limit int) ([]*model.Comment, error)
	// MarkReplied 只允许 seen -> replied
	MarkReplied(ctx context.Context, id uint, replyExternalID string, at time.Time) (bool, error)
	MarkSkipped(ctx context.Context, id uint) error
	ByParent(ctx context.Context, parentExternalID string) ([]*model.Comment, error)
	List(ctx context.Context, limit int) ([]*model.Comment, error)
}

type commentRepository struct{ db *gorm.DB }

func NewCommentRepository(db *gorm.DB) CommentRepository { return &commentRepository{db: db} }

func (r *commentRepository) Observe(ctx context.Context, c *model.Comment) (bool, error) {
	if c.Origin == "" {
		c.Origin = model.CommentOriginObserved
	}
	if c.Status == "" {
		c.Status = model.CommentStatusSeen
	}
	// 幂等：external_id 冲突时不报错
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "external_id"}}, DoNothing: true}).Create(c)
	return affected(res)
}

func (r *commentRepository) CreateAgent(ctx context.Context, c *model.Comment) error {
	c.Origin = model.CommentOriginAgent
	if c.Status == "" {
		c.Status = model.CommentStatusSkipped
	}
	return apperr.Store(r.db.WithContext(ctx).Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "external_id"}}, DoNothing: true}).Create(c).Error)
}

func (r *commentRepository) Get(ctx context.Context, id uint) (*model.Comment, error) {
	var c model.Comment
	if err := r.db.WithContext(ctx).First(&c, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (r *commentRepository) ByExternalID(ctx context.Context, externalID string) (*model.Comment, error) {
	var c model.Comment
	if err := r.db.WithContext(ctx).Where("external_id = ?", externalID).First(&c).Error; err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (r *commentRepository) DueReplies(ctx context.Context, now time.Time, limit int) ([]*model.Comment, error) {
	var res []*model.Comment
	err := r.db.WithContext(ctx).
		Where("status = ? AND origin = ? AND next_reply_at IS NOT NULL AND next_reply_at <= ?",
			model.CommentStatusSeen, model.CommentOriginObserved, now.UTC()).
		Order("next_reply_at").Limit(limit).Find(&res).Error
	return res, apperr.Store(err)
}

func (r *commentRepository) MarkReplied(ctx context.Context, id uint, replyExternalID string, at time.Time) (bool, error) {
	return affected(r.db.WithContext(ctx).Model(&model.Comment{}).
		Where("id = ? AND status = ?", id, model.CommentStatusSeen).
		Updates(map[string]any{
			"status":            model.CommentStatusReplied,
			"reply_external_id": replyExternalID,
			"replied_at":        at.UTC(),
		}))
}

func (r *commentRepository) MarkSkipped(ctx context.Context, id uint) error {
	return apperr.Store(r.db.WithContext(ctx).Model(&model.Comment{}).
		Where("id = ? AND status = ?", id, model.CommentStatusSeen).
		Update("status", model.CommentStatusSkipped).Error)
}

func (r *commentRepository) ByParent(ctx context.Context, parentExternalID string) ([]*model.Comment, error) {
	var res []*model.Comment
	err := r.db.WithContext(ctx).Where("parent_external_id = ?", parentExternalID).Order("id").Find(&res).Error
	return res, apperr.Store(err)
}

func (r *commentRepository) List(ctx context.Context, limit int) ([]*model.Comment, error) {
	var res []*model.Comment
	err := r.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&res).Error
	return res, apperr.Store(err)
}
