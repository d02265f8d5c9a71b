package models

import (
	"time"

	"gorm.io/gorm"
)

// User is the check-in participant. Points is the accrued reward total.
// Passwords are stored as bcrypt hashes only and never leave the process.
type User struct {
	ID              uint       `gorm:"primaryKey" json:"id" msgpack:"id"`
	Username        string     `gorm:"size:64;not null;uniqueIndex" json:"username" msgpack:"username"`
	Email           string     `gorm:"size:255" json:"email" msgpack:"email"`
	PasswordHash    string     `gorm:"size:255" json:"-" msgpack:"-"`
	Points          int        `gorm:"not null;default:0" json:"points" msgpack:"points"`
	ConsecutiveDays int        `gorm:"not null;default:0" json:"consecutive_days" msgpack:"consecutive_days"`
	LastCheckInAt   *time.Time `json:"last_check_in_at" msgpack:"last_check_in_at"`
	CreatedAt       time.Time  `json:"created_at" msgpack:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" msgpack:"updated_at"`
}

// BeforeCreate hook ensures timestamps are set even when not provided.
func (u *User) BeforeCreate(tx *gorm.DB) error {
	now := time.Now()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	return nil
}

// BeforeUpdate ensures the UpdatedAt timestamp is refreshed.
func (u *User) BeforeUpdate(tx *gorm.DB) error {
	u.UpdatedAt = time.Now()
	return nil
}
