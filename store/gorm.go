package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/cppla/checkin/models"
)

// IDSource generates primary keys for check-in records.
type IDSource interface {
	Next() int64
}

// GormStore implements Store on gorm (mysql in production, sqlite for local runs and tests).
type GormStore struct {
	db  *gorm.DB
	ids IDSource
}

var _ Store = (*GormStore)(nil)

func NewGormStore(db *gorm.DB, ids IDSource) *GormStore {
	return &GormStore{db: db, ids: ids}
}

func (s *GormStore) ExistsRecord(ctx context.Context, userID uint, date string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.CheckInRecord{}).
		Where("user_id = ? AND attendance_date = ?", userID, date).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("exists record: %w", err)
	}
	return n > 0, nil
}

func (s *GormStore) CommitCheckIn(ctx context.Context, rec *models.CheckInRecord) (*models.User, error) {
	if rec.ID == 0 {
		rec.ID = s.ids.Next()
	}
	prevDate, err := models.PrevDate(rec.AttendanceDate)
	if err != nil {
		return nil, fmt.Errorf("commit check-in: %w", err)
	}

	var user models.User
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&user, rec.UserID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		var last models.CheckInRecord
		err := tx.Where("user_id = ?", rec.UserID).Order("attendance_date DESC").First(&last).Error
		streak := 1
		switch {
		case err == nil:
			if last.AttendanceDate == rec.AttendanceDate {
				return ErrDuplicateRecord
			}
			if last.AttendanceDate == prevDate {
				streak = last.StreakAchieved + 1
			}
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}
		rec.StreakAchieved = streak

		if err := tx.Create(rec).Error; err != nil {
			if isDuplicate(err) {
				return ErrDuplicateRecord
			}
			return err
		}

		checkedAt := rec.CheckedInAt
		res := tx.Model(&models.User{}).Where("id = ?", rec.UserID).Updates(map[string]any{
			"points":           gorm.Expr("points + ?", rec.RewardAmount),
			"consecutive_days": streak,
			"last_check_in_at": &checkedAt,
		})
		if res.Error != nil {
			return res.Error
		}
		return tx.First(&user, rec.UserID).Error
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateRecord) || errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("commit check-in: %w", err)
	}
	return &user, nil
}

func (s *GormStore) FindRecordsInRange(ctx context.Context, userID uint, start, end string) ([]models.CheckInRecord, error) {
	var out []models.CheckInRecord
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND attendance_date >= ? AND attendance_date <= ?", userID, start, end).
		Order("attendance_date ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("find records in range: %w", err)
	}
	return out, nil
}

func (s *GormStore) FindAllRecords(ctx context.Context, userID uint) ([]models.CheckInRecord, error) {
	var out []models.CheckInRecord
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("attendance_date DESC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("find all records: %w", err)
	}
	return out, nil
}

func (s *GormStore) FindRewardSchedule(ctx context.Context, date string) (*models.RewardSchedule, error) {
	var r models.RewardSchedule
	if err := s.db.WithContext(ctx).Where("reward_date = ?", date).First(&r).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find reward schedule: %w", err)
	}
	return &r, nil
}

func (s *GormStore) FindAttendanceWindows(ctx context.Context) ([]models.AttendanceWindow, error) {
	var out []models.AttendanceWindow
	if err := s.db.WithContext(ctx).Order("start_minute ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("find attendance windows: %w", err)
	}
	return out, nil
}

func (s *GormStore) FindUserByUsername(ctx context.Context, username string) (*models.User, error) {
	var u models.User
	if err := s.db.WithContext(ctx).Where("username = ?", username).First(&u).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find user: %w", err)
	}
	return &u, nil
}

func (s *GormStore) SaveUser(ctx context.Context, u *models.User) error {
	if err := s.db.WithContext(ctx).Save(u).Error; err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	return nil
}

// isDuplicate also matches raw driver messages for connections opened without TranslateError.
func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "Duplicate entry")
}
