package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/d60-Lab/linkpilot/internal/apperr"
	"github.com/d60-Lab/linkpilot/internal/model"
	"github.com/d60-Lab/linkpilot/pkg/secure"
)

// Store 聚合全部仓储；Transaction 内拿到的是绑定同一事务的 Store
type Store struct {
	db     *gorm.DB
	sealer *secure.Sealer

	Tokens        TokenRepository
	Posts         PostRepository
	Comments      CommentRepository
	Targets       ProactiveRepository
	Invites       InviteRepository
	Counters      CounterRepository
	FailedActions FailedActionRepository
	Events        EventRepository
	Schedules     ScheduleRepository
}

func NewStore(db *gorm.DB, sealer *secure.Sealer) *Store {
	if sealer == nil {
		sealer = &secure.Sealer{}
	}
	return &Store{
		db:            db,
		sealer:        sealer,
		Tokens:        NewTokenRepository(db, sealer),
		Posts:         NewPostRepository(db),
		Comments:      NewCommentRepository(db),
		Targets:       NewProactiveRepository(db),
		Invites:       NewInviteRepository(db),
		Counters:      NewCounterRepository(db),
		FailedActions: NewFailedActionRepository(db),
		Events:        NewEventRepository(db),
		Schedules:     NewScheduleRepository(db),
	}
}

// DB 原始连接（迁移、健康检查）
func (s *Store) DB() *gorm.DB { return s.db }

// Migrate 增量迁移
func (s *Store) Migrate() error { return apperr.Store(model.Migrate(s.db)) }

// Transaction 单个操作范围内的事务；fn 内只能使用 tx
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewStore(tx, s.sealer))
	})
	// fn 返回的已分类错误原样透出
	if err == nil || apperr.Kind(err) != "unknown" {
		return err
	}
	return apperr.Store(err)
}

// Ping 健康检查
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return apperr.Store(err)
	}
	return apperr.Store(sqlDB.PingContext(ctx))
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.ErrNotFound
	}
	return apperr.Store(err)
}

func affected(res *gorm.DB) (bool, error) {
	if res.Error != nil {
		return false, apperr.Store(res.Error)
	}
	return res.RowsAffected > 0, nil
}
