package store

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/cppla/checkin/internal/testutil"
	"github.com/cppla/checkin/models"
)

type seqIDs struct{ n int64 }

func (s *seqIDs) Next() int64 { return atomic.AddInt64(&s.n, 1) }

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	db := testutil.NewTestDB(t, Models()...)
	return NewGormStore(db, &seqIDs{n: 1000})
}

func mustUser(t *testing.T, s *GormStore, name string) *models.User {
	t.Helper()
	u := &models.User{Username: name}
	require.NoError(t, s.SaveUser(context.Background(), u))
	require.NotZero(t, u.ID)
	return u
}

func checkIn(date string, userID uint, reward int) *models.CheckInRecord {
	at, _ := time.Parse(models.DateLayout, date)
	return &models.CheckInRecord{UserID: userID, AttendanceDate: date, CheckedInAt: at.Add(10 * time.Hour), RewardAmount: reward}
}

func TestCommitCheckInCreditsUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := mustUser(t, s, "alice")

	rec := checkIn("2024-03-14", u.ID, 3)
	updated, err := s.CommitCheckIn(ctx, rec)
	require.NoError(t, err)
	require.Equal(t, int64(1001), rec.ID)
	require.Equal(t, 1, rec.StreakAchieved)
	require.Equal(t, 3, updated.Points)
	require.Equal(t, 1, updated.ConsecutiveDays)
	require.NotNil(t, updated.LastCheckInAt)

	ok, err := s.ExistsRecord(ctx, u.ID, "2024-03-14")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.ExistsRecord(ctx, u.ID, "2024-03-15")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCommitCheckInStreak(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := mustUser(t, s, "bob")

	for i, date := range []string{"2024-02-28", "2024-02-29", "2024-03-01"} {
		rec := checkIn(date, u.ID, 1)
		updated, err := s.CommitCheckIn(ctx, rec)
		require.NoError(t, err)
		require.Equal(t, i+1, rec.StreakAchieved)
		require.Equal(t, i+1, updated.ConsecutiveDays)
	}

	// a gap resets the streak
	rec := checkIn("2024-03-03", u.ID, 1)
	updated, err := s.CommitCheckIn(ctx, rec)
	require.NoError(t, err)
	require.Equal(t, 1, rec.StreakAchieved)
	require.Equal(t, 4, updated.Points)
}

func TestCommitCheckInRejectsDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := mustUser(t, s, "carol")

	_, err := s.CommitCheckIn(ctx, checkIn("2024-03-14", u.ID, 5))
	require.NoError(t, err)

	_, err = s.CommitCheckIn(ctx, checkIn("2024-03-14", u.ID, 5))
	require.ErrorIs(t, err, ErrDuplicateRecord)

	// the unique index is the last line of defence even if the pre-check is bypassed
	dup := checkIn("2024-03-14", u.ID, 5)
	dup.ID = 42
	err = s.db.Create(dup).Error
	require.True(t, isDuplicate(err))

	got, err := s.FindUserByUsername(ctx, "carol")
	require.NoError(t, err)
	require.Equal(t, 5, got.Points)
}

func TestCommitCheckInUnknownUser(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CommitCheckIn(context.Background(), checkIn("2024-03-14", 999, 1))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFindRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := mustUser(t, s, "dave")
	other := mustUser(t, s, "erin")

	for _, d := range []string{"2024-03-01", "2024-03-05", "2024-03-09"} {
		_, err := s.CommitCheckIn(ctx, checkIn(d, u.ID, 2))
		require.NoError(t, err)
	}
	_, err := s.CommitCheckIn(ctx, checkIn("2024-03-05", other.ID, 2))
	require.NoError(t, err)

	in, err := s.FindRecordsInRange(ctx, u.ID, "2024-03-01", "2024-03-05")
	require.NoError(t, err)
	require.Len(t, in, 2)
	require.Equal(t, "2024-03-01", in[0].AttendanceDate)
	require.Equal(t, "2024-03-05", in[1].AttendanceDate)

	all, err := s.FindAllRecords(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "2024-03-09", all[0].AttendanceDate)
}

func TestFindReferenceData(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.FindRewardSchedule(ctx, "2024-03-14")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.FindUserByUsername(ctx, "nobody")
	require.ErrorIs(t, err, ErrNotFound)

	windows, err := s.FindAttendanceWindows(ctx)
	require.NoError(t, err)
	require.Empty(t, windows)

	require.NoError(t, s.db.Create(&models.RewardSchedule{RewardDate: "2024-03-14", RewardAmount: 14}).Error)
	r, err := s.FindRewardSchedule(ctx, "2024-03-14")
	require.NoError(t, err)
	require.Equal(t, 14, r.RewardAmount)
}

func TestSeedIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 2, 10, 8, 0, 0, 0, time.UTC)
	opts := SeedOptions{
		AdminUsername: "admin",
		AdminPassword: "admin",
		Users:         []string{"alice:secret"},
		Now:           now,
		HashPassword:  func(p string) (string, error) { return "hashed:" + p, nil },
	}

	require.NoError(t, s.Seed(ctx, opts, nil))
	require.NoError(t, s.Seed(ctx, opts, nil))

	admin, err := s.FindUserByUsername(ctx, "admin")
	require.NoError(t, err)
	require.Equal(t, "hashed:admin", admin.PasswordHash)
	_, err = s.FindUserByUsername(ctx, "alice")
	require.NoError(t, err)

	var rewards int64
	require.NoError(t, s.db.Model(&models.RewardSchedule{}).Count(&rewards).Error)
	require.Equal(t, int64(29), rewards)
	r, err := s.FindRewardSchedule(ctx, "2024-02-29")
	require.NoError(t, err)
	require.Equal(t, 29, r.RewardAmount)

	windows, err := s.FindAttendanceWindows(ctx)
	require.NoError(t, err)
	require.Len(t, windows, 2)
	require.Equal(t, "09:00-11:00", windows[0].Label())
	require.Equal(t, "19:00-21:00", windows[1].Label())

	require.Error(t, s.Seed(ctx, SeedOptions{Users: []string{"broken"}, Now: now}, nil))
}

func TestSeedWarnsAboutEmptyPassword(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	core, logs := observer.New(zapcore.WarnLevel)

	opts := SeedOptions{
		AdminUsername: "admin",
		Now:           time.Date(2024, 2, 10, 8, 0, 0, 0, time.UTC),
		HashPassword:  func(p string) (string, error) { return "hashed:" + p, nil },
	}
	require.NoError(t, s.Seed(ctx, opts, zap.New(core)))

	admin, err := s.FindUserByUsername(ctx, "admin")
	require.NoError(t, err)
	require.Empty(t, admin.PasswordHash)
	warned := logs.FilterMessage("seeded user has no password").All()
	require.Len(t, warned, 1)
	require.Equal(t, "admin", warned[0].ContextMap()["username"])

	// existing accounts are not reported again
	require.NoError(t, s.Seed(ctx, opts, zap.New(core)))
	require.Equal(t, 1, logs.FilterMessage("seeded user has no password").Len())
}
