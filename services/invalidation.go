package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cppla/checkin/cache"
	"github.com/cppla/checkin/models"
)

const invalidationBudget = 3 * time.Second

// invalidateAfterCheckIn runs once the record is committed. Failures are logged, never returned:
// the check-in already happened and the affected entries expire on their own.
//
//   - the user snapshot is overwritten with the committed state
//   - checked:<id>:<date> is set so later attempts short-circuit
//   - every cached range and reward history of the user is dropped through the user's index
func (s *AttendanceService) invalidateAfterCheckIn(ctx context.Context, log *zap.Logger, user *models.User, date string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), invalidationBudget)
	defer cancel()

	if err := s.reads.PutUser(ctx, user); err != nil {
		log.Warn("user snapshot refresh failed", zap.Error(err))
	}
	s.markChecked(ctx, log, user.ID, date)
	if err := s.dropAttendanceViews(ctx, user.ID); err != nil {
		log.Warn("attendance view invalidation failed", zap.Error(err))
	}
}

func (s *AttendanceService) markChecked(ctx context.Context, log *zap.Logger, userID uint, date string) {
	if err := s.cache.Set(ctx, checkedKey(userID, date), []byte("1"), s.ttl.CheckedFlag); err != nil {
		log.Warn("checked flag write failed", zap.Error(err))
	}
}

// dropAttendanceViews retires the user's generation before deleting, so a range computed
// concurrently with the commit is written under a key nobody reads.
func (s *AttendanceService) dropAttendanceViews(ctx context.Context, userID uint) error {
	if _, err := s.cache.BumpGeneration(ctx, attendanceGenKey(userID)); err != nil {
		return err
	}
	idx := attendanceIndexKey(userID)
	keys, err := s.cache.Tracked(ctx, idx)
	if err != nil {
		return err
	}
	return s.cache.Del(ctx, append(keys, idx)...)
}

// FlushCache deletes every cached view in the namespace. Lock keys are left to expire so that a
// running check-in keeps its lease. It returns the number of deleted keys.
func FlushCache(ctx context.Context, cs cache.Store) (int, error) {
	keys, err := cs.Keys(ctx, "*")
	if err != nil {
		return 0, err
	}
	victims := keys[:0]
	for _, k := range keys {
		if strings.HasPrefix(k, cache.LockPrefix) {
			continue
		}
		victims = append(victims, k)
	}
	for start := 0; start < len(victims); start += 500 {
		end := min(start+500, len(victims))
		if err := cs.Del(ctx, victims[start:end]...); err != nil {
			return start, fmt.Errorf("flush cache: %w", err)
		}
	}
	return len(victims), nil
}
