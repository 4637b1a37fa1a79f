package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/linkpilot/internal/apperr"
	"github.com/d60-Lab/linkpilot/internal/model"
)

type ScheduleRepository interface {
	// Upsert 写入下次触发时间；next 为 nil 表示一次性任务已完成
	Upsert(ctx context.Context, jobID string, next *time.Time) error
	MarkRun(ctx context.Context, jobID string, at time.Time, status string) error
	List(ctx context.Context) ([]*model.ScheduleEntry, error)
}

type scheduleRepository struct{ db *gorm.DB }

func NewScheduleRepository(db *gorm.DB) ScheduleRepository { return &scheduleRepository{db: db} }

func (r *scheduleRepository) Upsert(ctx context.Context, jobID string, next *time.Time) error {
	if next != nil {
		n := next.UTC()
		next = &n
	}
	e := &model.ScheduleEntry{JobID: jobID, NextRunAt: next}
	return apperr.Store(r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "job_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"next_run_at", "updated_at"}),
	}).Create(e).Error)
}

func (r *scheduleRepository) MarkRun(ctx context.Context, jobID string, at time.Time, status string) error {
	at = at.UTC()
	e := &model.ScheduleEntry{JobID: jobID, LastRunAt: &at, LastStatus: status}
	return apperr.Store(r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "job_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_run_at", "last_status", "updated_at"}),
	}).Create(e).Error)
}

func (r *scheduleRepository) List(ctx context.Context) ([]*model.ScheduleEntry, error) {
	var res []*model.ScheduleEntry
	err := r.db.WithContext(ctx).Order("job_id").Find(&res).Error
	return res, apperr.Store(err)
}
