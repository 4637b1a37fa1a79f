package model

import "time"

// ScheduleEntry 任务下次触发时间，每个 tick upsert 一次
type ScheduleEntry struct {
	JobID      string     `gorm:"primaryKey;type:varchar(64)" json:"job_id"`
	NextRunAt  *time.Time `json:"next_run_at,omitempty"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	LastStatus string     `gorm:"type:varchar(255)" json:"last_status,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func (ScheduleEntry) TableName() string { return "schedule_entries" }
