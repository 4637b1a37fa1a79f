package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/d60-Lab/linkpilot/internal/apperr"
	"github.com/d60-Lab/linkpilot/internal/model"
)

type ProactiveRepository interface {
	Enqueue(ctx context.Context, t *model.ProactiveTarget) error
	Get(ctx context.Context, id uint) (*model.ProactiveTarget, error)
	Approve(ctx context.Context, id uint, at time.Time) (bool, error)
	Reject(ctx context.Context, id uint, at time.Time) (bool, error)
	// OldestApproved 最早的已审批且未发布条目；skip 返回 true 的跳过
	OldestApproved(ctx context.Context, kind string, skip func(id uint) bool) (*model.ProactiveTarget, error)
	MarkPosted(ctx context.Context, id uint, at time.Time) (bool, error)
	ListByStatus(ctx context.Context, statuses ...string) ([]*model.ProactiveTarget, error)
}

type proactiveRepository struct{ db *gorm.DB }

func NewProactiveRepository(db *gorm.DB) ProactiveRepository { return &proactiveRepository{db: db} }

func (r *proactiveRepository) Enqueue(ctx context.Context, t *model.ProactiveTarget) error {
	if t.Kind == "" {
		t.Kind = model.TargetKindComment
	}
	if t.Status == "" {
		t.Status = model.TargetStatusPending
	}
	return apperr.Store(r.db.WithContext(ctx).Create(t).Error)
}

func (r *proactiveRepository) Get(ctx context.Context, id uint) (*model.ProactiveTarget, error) {
	var t model.ProactiveTarget
	if err := r.db.WithContext(ctx).First(&t, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

func (r *proactiveRepository) Approve(ctx context.Context, id uint, at time.Time) (bool, error) {
	return affected(r.db.WithContext(ctx).Model(&model.ProactiveTarget{}).
		Where("id = ? AND status = ?", id, model.TargetStatusPending).
		Updates(map[string]any{"status": model.TargetStatusApproved, "approved_at": at.UTC()}))
}

func (r *proactiveRepository) Reject(ctx context.Context, id uint, at time.Time) (bool, error) {
	return affected(r.db.WithContext(ctx).Model(&model.ProactiveTarget{}).
		Where("id = ? AND status IN ?", id, []string{model.TargetStatusPending, model.TargetStatusApproved}).
		Updates(map[string]any{"status": model.TargetStatusRejected, "rejected_at": at.UTC()}))
}

func (r *proactiveRepository) OldestApproved(ctx context.Context, kind string, skip func(id uint) bool) (*model.ProactiveTarget, error) {
	const page = 50
	for offset := 0; ; offset += page {
		var batch []*model.ProactiveTarget
		err := r.db.WithContext(ctx).
			Where("kind = ? AND status = ? AND posted_at IS NULL", kind, model.TargetStatusApproved).
			Order("created_at, id").Offset(offset).Limit(page).Find(&batch).Error
		if err != nil {
			return nil, apperr.Store(err)
		}
		for _, t := range batch {
			if skip == nil || !skip(t.ID) {
				return t, nil
			}
		}
		if len(batch) < page {
			return nil, apperr.ErrNotFound
		}
	}
}

func (r *proactiveRepository) MarkPosted(ctx context.Context, id uint, at time.Time) (bool, error) {
	return affected(r.db.WithContext(ctx).Model(&model.ProactiveTarget{}).
		Where("id = ? AND status = ? AND posted_at IS NULL", id, model.TargetStatusApproved).
		Updates(map[string]any{"status": model.TargetStatusPosted, "posted_at": at.UTC()}))
}

func (r *proactiveRepository) ListByStatus(ctx context.Context, statuses ...string) ([]*model.ProactiveTarget, error) {
	var res []*model.ProactiveTarget
	q := r.db.WithContext(ctx).Order("created_at, id")
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	err := q.Find(&res).Error
	return res, apperr.Store(err)
}
