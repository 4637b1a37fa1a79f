package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/linkpilot/internal/apperr"
	"github.com/d60-Lab/linkpilot/internal/model"
)

type CounterRepository interface {
	// Increment upsert：当天首次写入时建行
	Increment(ctx context.Context, date string, kind model.CounterKind) error
	Get(ctx context.Context, date string) (model.DailyCounter, error)
	Range(ctx context.Context, from, to string) ([]model.DailyCounter, error)
}

type counterRepository struct{ db *gorm.DB }

func NewCounterRepository(db *gorm.DB) CounterRepository { return &counterRepository{db: db} }

func (r *counterRepository) Increment(ctx context.Context, date string, kind model.CounterKind) error {
	if !kind.Valid() {
		return apperr.Store(fmt.Errorf("unknown counter %q", kind))
	}
	col := string(kind)
	row := map[string]any{"date": date, col: 1}
	err := r.db.WithContext(ctx).Model(&model.DailyCounter{}).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "date"}},
			DoUpdates: clause.Assignments(map[string]any{col: gorm.Expr(col + " + 1")}),
		}).Create(row).Error
	return apperr.Store(err)
}

func (r *counterRepository) Get(ctx context.Context, date string) (model.DailyCounter, error) {
	var c model.DailyCounter
	err := r.db.WithContext(ctx).Where("date = ?", date).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.DailyCounter{Date: date}, nil
	}
	if err != nil {
		return model.DailyCounter{Date: date}, apperr.Store(err)
	}
	return c, nil
}

func (r *counterRepository) Range(ctx context.Context, from, to string) ([]model.DailyCounter, error) {
	var res []model.DailyCounter
	err := r.db.WithContext(ctx).Where("date >= ? AND date <= ?", from, to).Order("date").Find(&res).Error
	return res, apperr.Store(err)
}
