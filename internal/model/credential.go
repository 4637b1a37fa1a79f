package model

import "time"

// Credential OAuth 访问凭证；任意时刻至多一条有效
type Credential struct {
	ID           uint      `gorm:"primaryKey"`
	AccessToken  string    `gorm:"type:text;not null"`
	RefreshToken string    `gorm:"type:text"`
	Scope        string    `gorm:"type:varchar(255)"`
	ExpiresAt    time.Time `gorm:"index;not null"`
	IssuedAt     time.Time `gorm:"not null"`
}

func (Credential) TableName() string { return "credentials" }

// Valid 过期时间严格晚于 now 才有效
func (c *Credential) Valid(now time.Time) bool {
	return c != nil && c.AccessToken != "" && c.ExpiresAt.After(now)
}
