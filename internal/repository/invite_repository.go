package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/linkpilot/internal/apperr"
	"github.com/d60-Lab/linkpilot/internal/model"
)

type InviteRepository interface {
	// Enqueue 按 person_urn 幂等
	Enqueue(ctx context.Context, inv *model.InviteTarget) (bool, error)
	Get(ctx context.Context, id uint) (*model.InviteTarget, error)
	OldestPending(ctx context.Context, skip func(id uint) bool) (*model.InviteTarget, error)
	MarkSent(ctx context.Context, id uint, note string, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, id uint, reason string, at time.Time) error
	// SetStatus 运营者/外部同步更新（accepted、rejected 等）
	SetStatus(ctx context.Context, id uint, status string, at time.Time) (bool, error)
	List(ctx context.Context, limit int) ([]*model.InviteTarget, error)
}

type inviteRepository struct{ db *gorm.DB }

func NewInviteRepository(db *gorm.DB) InviteRepository { return &inviteRepository{db: db} }

func (r *inviteRepository) Enqueue(ctx context.Context, inv *model.InviteTarget) (bool, error) {
	if inv.Status == "" {
		inv.Status = model.InviteStatusPending
	}
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "person_urn"}}, DoNothing: true}).Create(inv)
	return affected(res)
}

func (r *inviteRepository) Get(ctx context.Context, id uint) (*model.InviteTarget, error) {
	var inv model.InviteTarget
	if err := r.db.WithContext(ctx).First(&inv, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &inv, nil
}

func (r *inviteRepository) OldestPending(ctx context.Context, skip func(id uint) bool) (*model.InviteTarget, error) {
	const page = 50
	for offset := 0; ; offset += page {
		var batch []*model.InviteTarget
		err := r.db.WithContext(ctx).Where("status = ?", model.InviteStatusPending).
			Order("created_at, id").Offset(offset).Limit(page).Find(&batch).Error
		if err != nil {
			return nil, apperr.Store(err)
		}
		for _, inv := range batch {
			if skip == nil || !skip(inv.ID) {
				return inv, nil
			}
		}
		if len(batch) < page {
			return nil, apperr.ErrNotFound
		}
	}
}

func (r *inviteRepository) MarkSent(ctx context.Context, id uint, note string, at time.Time) (bool, error) {
	return affected(r.db.WithContext(ctx).Model(&model.InviteTarget{}).
		Where("id = ? AND status = ?", id, model.InviteStatusPending).
		Updates(map[string]any{"status": model.InviteStatusSent, "note": note, "sent_at": at.UTC(), "last_error": ""}))
}

func (r *inviteRepository) MarkFailed(ctx context.Context, id uint, reason string, at time.Time) error {
	return apperr.Store(r.db.WithContext(ctx).Model(&model.InviteTarget{}).
		Where("id = ? AND status = ?", id, model.InviteStatusPending).
		Updates(map[string]any{"status": model.InviteStatusFailed, "failed_at": at.UTC(), "last_error": reason}).Error)
}

func (r *inviteRepository) SetStatus(ctx context.Context, id uint, status string, at time.Time) (bool, error) {
	updates := map[string]any{"status": status}
	switch status {
	case model.InviteStatusPending:
	case model.InviteStatusSent:
		updates["sent_at"] = at.UTC()
	case model.InviteStatusFailed:
		updates["failed_at"] = at.UTC()
	case model.InviteStatusAccepted:
		updates["accepted_at"] = at.UTC()
	case model.InviteStatusRejected:
		updates["rejected_at"] = at.UTC()
	default:
		return false, fmt.Errorf("unknown invite status %q", status)
	}
	return affected(r.db.WithContext(ctx).Model(&model.InviteTarget{}).Where("id = ?", id).Updates(updates))
}

func (r *inviteRepository) List(ctx context.Context, limit int) ([]*model.InviteTarget, error) {
	var res []*model.InviteTarget
	err := r.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&res).Error
	return res, apperr.Store(err)
}
