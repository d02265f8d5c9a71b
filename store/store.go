// Package store is the durable record store for check-ins and their reference data.
package store

import (
	"context"
	"errors"

	"github.com/cppla/checkin/models"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicateRecord is returned when a check-in for (user, date) already exists.
	ErrDuplicateRecord = errors.New("store: check-in already recorded")
)

// Store is what the check-in core needs from durable storage.
type Store interface {
	ExistsRecord(ctx context.Context, userID uint, date string) (bool, error)
	// CommitCheckIn saves rec and credits its reward to the user in one transaction.
	// It fills rec.ID and rec.StreakAchieved and returns the updated user.
	CommitCheckIn(ctx context.Context, rec *models.CheckInRecord) (*models.User, error)
	// FindRecordsInRange returns the user's records with start <= date <= end, oldest first.
	FindRecordsInRange(ctx context.Context, userID uint, start, end string) ([]models.CheckInRecord, error)
	// FindAllRecords returns every record of the user, newest first.
	FindAllRecords(ctx context.Context, userID uint) ([]models.CheckInRecord, error)
	FindRewardSchedule(ctx context.Context, date string) (*models.RewardSchedule, error)
	FindAttendanceWindows(ctx context.Context) ([]models.AttendanceWindow, error)
	FindUserByUsername(ctx context.Context, username string) (*models.User, error)
	SaveUser(ctx context.Context, u *models.User) error
}

// Models lists every table owned by the store, for migrations.
func Models() []any {
	return []any{&models.User{}, &models.CheckInRecord{}, &models.RewardSchedule{}, &models.AttendanceWindow{}}
}
