package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/d60-Lab/linkpilot/internal/apperr"
	"github.com/d60-Lab/linkpilot/internal/model"
)

// FailureUpdate 一次重放失败后的写回
type FailureUpdate struct {
	Attempts  int
	Status    string
	LastError string
	At        time.Time
	Next      time.Time
}

type FailedActionRepository interface {
	Enqueue(ctx context.Context, a *model.FailedAction) error
	Get(ctx context.Context, id uint) (*model.FailedAction, error)
	Due(ctx context.Context, now time.Time, limit int) ([]*model.FailedAction, error)
	RecordFailure(ctx context.Context, id uint, u FailureUpdate) error
	Delete(ctx context.Context, id uint) (bool, error)
	// Requeue 手动重试：回到 pending，立即到期
	Requeue(ctx context.Context, id uint, now time.Time) (bool, error)
	List(ctx context.Context, limit int) ([]*model.FailedAction, error)
	CountOpen(ctx context.Context) (int64, error)
	// OpenSubjects pending/exhausted 中以 prefix 开头的 subject 集合
	OpenSubjects(ctx context.Context, prefix string) (map[string]bool, error)
}

type failedActionRepository struct{ db *gorm.DB }

func NewFailedActionRepository(db *gorm.DB) FailedActionRepository {
	return &failedActionRepository{db: db}
}

func (r *failedActionRepository) Enqueue(ctx context.Context, a *model.FailedAction) error {
	if a.Status == "" {
		a.Status = model.ActionStatusPending
	}
	a.NextAttemptAt = a.NextAttemptAt.UTC()
	return apperr.Store(r.db.WithContext(ctx).Create(a).Error)
}

func (r *failedActionRepository) Get(ctx context.Context, id uint) (*model.FailedAction, error) {
	var a model.FailedAction
	if err := r.db.WithContext(ctx).First(&a, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

func (r *failedActionRepository) Due(ctx context.Context, now time.Time, limit int) ([]*model.FailedAction, error) {
	var res []*model.FailedAction
	err := r.db.WithContext(ctx).
		Where("status = ? AND next_attempt_at <= ?", model.ActionStatusPending, now.UTC()).
		Order("next_attempt_at, id").Limit(limit).Find(&res).Error
	return res, apperr.Store(err)
}

func (r *failedActionRepository) RecordFailure(ctx context.Context, id uint, u FailureUpdate) error {
	return apperr.Store(r.db.WithContext(ctx).Model(&model.FailedAction{}).Where("id = ?", id).
		Updates(map[string]any{
			"attempts":        u.Attempts,
			"status":          u.Status,
			"last_error":      u.LastError,
			"last_attempt_at": u.At.UTC(),
			"next_attempt_at": u.Next.UTC(),
		}).Error)
}

func (r *failedActionRepository) Delete(ctx context.Context, id uint) (bool, error) {
	return affected(r.db.WithContext(ctx).Delete(&model.FailedAction{}, id))
}

func (r *failedActionRepository) Requeue(ctx context.Context, id uint, now time.Time) (bool, error) {
	return affected(r.db.WithContext(ctx).Model(&model.FailedAction{}).Where("id = ?", id).
		Updates(map[string]any{"status": model.ActionStatusPending, "next_attempt_at": now.UTC()}))
}

func (r *failedActionRepository) List(ctx context.Context, limit int) ([]*model.FailedAction, error) {
	var res []*model.FailedAction
	err := r.db.WithContext(ctx).Order("next_attempt_at, id").Limit(limit).Find(&res).Error
	return res, apperr.Store(err)
}

func (r *failedActionRepository) CountOpen(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.FailedAction{}).Count(&n).Error
	return n, apperr.Store(err)
}

func (r *failedActionRepository) OpenSubjects(ctx context.Context, prefix string) (map[string]bool, error) {
	var subjects []string
	err := r.db.WithContext(ctx).Model(&model.FailedAction{}).
		Where("subject LIKE ? AND status IN ?", prefix+"%", []string{model.ActionStatusPending, model.ActionStatusExhausted}).
		Pluck("subject", &subjects).Error
	if err != nil {
		return nil, apperr.Store(err)
	}
	out := make(map[string]bool, len(subjects))
	for _, s := range subjects {
		out[s] = true
	}
	return out, nil
}
