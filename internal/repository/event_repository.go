package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/d60-Lab/linkpilot/internal/apperr"
	"github.com/d60-Lab/linkpilot/internal/model"
)

// EventRepository 只追加
type EventRepository interface {
	Append(ctx context.Context, kind, details string) error
	Recent(ctx context.Context, n int) ([]*model.SystemEvent, error)
	CountKind(ctx context.Context, kind string) (int64, error)
}

type eventRepository struct{ db *gorm.DB }

func NewEventRepository(db *gorm.DB) EventRepository { return &eventRepository{db: db} }

func (r *eventRepository) Append(ctx context.Context, kind, details string) error {
	return apperr.Store(r.db.WithContext(ctx).Create(&model.SystemEvent{Kind: kind, Details: details}).Error)
}

func (r *eventRepository) Recent(ctx context.Context, n int) ([]*model.SystemEvent, error) {
	var res []*model.SystemEvent
	err := r.db.WithContext(ctx).Order("id DESC").Limit(n).Find(&res).Error
	return res, apperr.Store(err)
}

func (r *eventRepository) CountKind(ctx context.Context, kind string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.SystemEvent{}).Where("kind = ?", kind).Count(&n).Error
	return n, apperr.Store(err)
}
