package model

import "gorm.io/gorm"

// All 需要迁移的全部模型
func All() []any {
	return []any{
		&Credential{}, &Post{}, &Comment{}, &ProactiveTarget{}, &InviteTarget{},
		&DailyCounter{}, &FailedAction{}, &SystemEvent{}, &ScheduleEntry{},
	}
}

// Migrate 只做增量迁移（AutoMigrate 只加表/列/索引，不删列）
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(All()...)
}
