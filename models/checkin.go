package models

import "time"

// CheckInRecord is one accepted daily check-in. At most one exists per (UserID, AttendanceDate).
type CheckInRecord struct {
	ID             int64     `gorm:"primaryKey;autoIncrement:false" json:"id,string" msgpack:"id"`
	UserID         uint      `gorm:"not null;uniqueIndex:idx_checkin_user_date,priority:1" json:"user_id" msgpack:"user_id"`
	AttendanceDate string    `gorm:"size:10;not null;uniqueIndex:idx_checkin_user_date,priority:2" json:"attendance_date" msgpack:"attendance_date"`
	CheckedInAt    time.Time `gorm:"not null" json:"checked_in_at" msgpack:"checked_in_at"`
	RewardAmount   int       `gorm:"not null" json:"reward_amount" msgpack:"reward_amount"`
	StreakAchieved int       `json:"streak_achieved" msgpack:"streak_achieved"`
}

// RewardSchedule is the reward granted for a check-in on RewardDate.
type RewardSchedule struct {
	ID           uint   `gorm:"primaryKey" json:"id" msgpack:"id"`
	RewardDate   string `gorm:"size:10;not null;uniqueIndex" json:"reward_date" msgpack:"reward_date"`
	RewardAmount int    `gorm:"not null" json:"reward_amount" msgpack:"reward_amount"`
}
