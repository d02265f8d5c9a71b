package services

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cppla/checkin/cache"
	"github.com/cppla/checkin/lock"
	"github.com/cppla/checkin/models"
	"github.com/cppla/checkin/store"
)

const defaultMaxRangeDays = 366

// Check-in states, logged on every transition.
const (
	stateStart        = "START"
	stateLockAcquired = "LOCK_ACQUIRED"
	stateValidated    = "VALIDATED"
	stateCommitted    = "COMMITTED"
	stateRejected     = "REJECTED"
	stateFailed       = "FAILED"
)

// DayStatus is one row of a check-in calendar.
type DayStatus struct {
	Date         string `json:"attendance_date" msgpack:"attendance_date"`
	Checked      bool   `json:"is_checked" msgpack:"is_checked"`
	RewardAmount int    `json:"reward_amount" msgpack:"reward_amount"`
}

// RewardEntry is one earned reward.
type RewardEntry struct {
	Date         string `json:"attendance_date" msgpack:"attendance_date"`
	RewardAmount int    `json:"reward_amount" msgpack:"reward_amount"`
}

// CheckInStatus summarizes a user's standing.
type CheckInStatus struct {
	Username        string     `json:"username"`
	Points          int        `json:"points"`
	ConsecutiveDays int        `json:"consecutive_days"`
	LastCheckInAt   *time.Time `json:"last_check_in_at"`
	CheckedToday    bool       `json:"checked_today"`
}

// Options configures an AttendanceService. Zero values fall back to defaults.
type Options struct {
	Codec        string
	Policy       cache.Policy
	TTL          TTLs
	Location     *time.Location
	Clock        func() time.Time
	MaxRangeDays int
	Logger       *zap.Logger
}

// AttendanceService runs daily check-ins and the calendar and history queries.
// The caller's identity is passed explicitly to every operation.
type AttendanceService struct {
	store   store.Store
	cache   CacheBackend
	locker  lock.Locker
	reads   *ReadModel
	ranges  *cache.Executor[[]DayStatus]
	history *cache.Executor[[]RewardEntry]
	policy  cache.Policy
	ttl     TTLs
	loc     *time.Location
	now     func() time.Time
	maxDays int
	log     *zap.Logger
}

func NewAttendanceService(st store.Store, cb CacheBackend, locker lock.Locker, opts Options) (*AttendanceService, error) {
	if opts.Policy == (cache.Policy{}) {
		opts.Policy = cache.DefaultPolicy()
	}
	if opts.TTL == (TTLs{}) {
		opts.TTL = DefaultTTLs()
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.MaxRangeDays <= 0 {
		opts.MaxRangeDays = defaultMaxRangeDays
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	reads, err := NewReadModel(st, cb, locker, opts.Codec, opts.Policy, opts.TTL, opts.Logger)
	if err != nil {
		return nil, err
	}
	rangeCodec, err := cache.CodecFor[[]DayStatus](opts.Codec)
	if err != nil {
		return nil, err
	}
	historyCodec, err := cache.CodecFor[[]RewardEntry](opts.Codec)
	if err != nil {
		return nil, err
	}

	return &AttendanceService{
		store:   st,
		cache:   cb,
		locker:  locker,
		reads:   reads,
		ranges:  cache.NewExecutor("attendance", cb, locker, rangeCodec, opts.Policy, opts.Logger),
		history: cache.NewExecutor("rewardHistory", cb, locker, historyCodec, opts.Policy, opts.Logger),
		policy:  opts.Policy,
		ttl:     opts.TTL,
		loc:     opts.Location,
		now:     opts.Clock,
		maxDays: opts.MaxRangeDays,
		log:     opts.Logger.Named("attendance"),
	}, nil
}

// MarkAttendance records today's check-in for username.
//
// It returns ErrAlreadyChecked or ErrNotOnTime for expected rejections, ErrRewardNotConfigured when
// today has no reward, ErrBusy when another attempt for the same user and day holds the lock, and
// ErrUncategorized for anything else. The durable store, read under the per-user-per-day lock, is
// the only authority on whether today is already taken.
func (s *AttendanceService) MarkAttendance(ctx context.Context, username string) (*models.CheckInRecord, error) {
	log := s.log.With(zap.String("username", username))
	log.Debug("check-in", zap.String("state", stateStart))

	user, err := s.reads.User(ctx, username)
	if err != nil {
		return nil, s.fail(log, "load user", err)
	}
	now := s.now().In(s.loc)
	today := models.FormatDate(now)
	log = log.With(zap.Uint("user_id", user.ID), zap.String("date", today))

	// The flag is only a hint; a miss or a cache error falls through to the locked check.
	if ok, err := s.cache.Exists(ctx, checkedKey(user.ID, today)); err != nil {
		log.Warn("checked flag lookup failed", zap.Error(err))
	} else if ok {
		return nil, s.reject(log, ErrAlreadyChecked)
	}

	lease, err := s.locker.Acquire(ctx, attendanceLockKey(user.ID, today), s.policy.LockWait, s.policy.LockHold)
	if err != nil {
		return nil, s.fail(log, "acquire check-in lock", err)
	}
	defer func() {
		if err := s.locker.Release(ctx, lease); err != nil {
			log.Warn("check-in lock release failed", zap.Error(err))
		}
	}()
	log.Debug("check-in", zap.String("state", stateLockAcquired))

	exists, err := s.store.ExistsRecord(ctx, user.ID, today)
	if err != nil {
		return nil, s.fail(log, "check existing record", err)
	}
	if exists {
		s.markChecked(ctx, log, user.ID, today)
		return nil, s.reject(log, ErrAlreadyChecked)
	}

	ref, err := s.loadReferenceData(ctx, today)
	if err != nil {
		return nil, s.fail(log, "load attendance windows", err)
	}
	if len(ref.windows) == 0 {
		log.Warn("no attendance windows configured")
	}
	if !models.AnyContains(ref.windows, now) {
		return nil, s.reject(log, ErrNotOnTime)
	}
	log.Debug("check-in", zap.String("state", stateValidated))

	if errors.Is(ref.rewardErr, store.ErrNotFound) {
		log.Error("check-in", zap.String("state", stateFailed), zap.String("reason", "reward not configured"))
		return nil, ErrRewardNotConfigured
	}
	if ref.rewardErr != nil {
		return nil, s.fail(log, "load reward schedule", ref.rewardErr)
	}
	reward := ref.reward

	rec := &models.CheckInRecord{
		UserID:         user.ID,
		AttendanceDate: today,
		CheckedInAt:    now,
		RewardAmount:   reward.RewardAmount,
	}
	updated, err := s.store.CommitCheckIn(ctx, rec)
	if errors.Is(err, store.ErrDuplicateRecord) {
		// only reachable if the lease expired mid-attempt; the unique index held
		s.markChecked(ctx, log, user.ID, today)
		return nil, s.reject(log, ErrAlreadyChecked)
	}
	if err != nil {
		return nil, s.fail(log, "commit check-in", err)
	}

	s.invalidateAfterCheckIn(ctx, log, updated, today)
	log.Info("check-in", zap.String("state", stateCommitted), zap.Int64("record_id", rec.ID),
		zap.Int("reward", rec.RewardAmount), zap.Int("points", updated.Points), zap.Int("streak", rec.StreakAchieved))
	return rec, nil
}

type referenceData struct {
	windows   []models.AttendanceWindow
	reward    *models.RewardSchedule
	rewardErr error
}

// loadReferenceData loads the windows and today's reward concurrently. A reward lookup failure is kept
// aside so that window validation still decides first.
func (s *AttendanceService) loadReferenceData(ctx context.Context, date string) (referenceData, error) {
	var (
		g   errgroup.Group
		ref referenceData
	)
	g.Go(func() error {
		var err error
		ref.windows, err = s.reads.Windows(ctx)
		return err
	})
	g.Go(func() error {
		ref.reward, ref.rewardErr = s.reads.Reward(ctx, date)
		return nil
	})
	if err := g.Wait(); err != nil {
		return referenceData{}, err
	}
	return ref, nil
}

// ListChecking returns one row per day from start to end inclusive.
func (s *AttendanceService) ListChecking(ctx context.Context, username string, start, end time.Time) ([]DayStatus, error) {
	log := s.log.With(zap.String("username", username))
	start, end = start.In(s.loc), end.In(s.loc)
	if n := models.DaySpan(start, end); n < 1 || n > s.maxDays {
		return nil, s.reject(log, ErrInvalidRange)
	}
	days := models.DateRange(start, end)

	user, err := s.reads.User(ctx, username)
	if err != nil {
		return nil, s.fail(log, "load user", err)
	}
	from, to := days[0], days[len(days)-1]

	rows, err := s.ranges.GetOrCompute(ctx, rangeKey(user.ID, from, to), s.ttl.Query,
		func(ctx context.Context) ([]DayStatus, error) {
			recs, err := s.store.FindRecordsInRange(ctx, user.ID, from, to)
			if err != nil {
				return nil, err
			}
			byDate := make(map[string]int, len(recs))
			for _, r := range recs {
				byDate[r.AttendanceDate] = r.RewardAmount
			}
			out := make([]DayStatus, 0, len(days))
			for _, d := range days {
				amount, ok := byDate[d]
				out = append(out, DayStatus{Date: d, Checked: ok, RewardAmount: amount})
			}
			return out, nil
		},
		cache.WithGeneration(attendanceGenKey(user.ID)),
		cache.WithIndex(attendanceIndexKey(user.ID), s.ttl.Query),
	)
	if err != nil {
		return nil, s.fail(log, "list checking", err)
	}
	return rows, nil
}

// ListRewardHistory returns every reward the user earned, newest first.
func (s *AttendanceService) ListRewardHistory(ctx context.Context, username string) ([]RewardEntry, error) {
	log := s.log.With(zap.String("username", username))
	user, err := s.reads.User(ctx, username)
	if err != nil {
		return nil, s.fail(log, "load user", err)
	}

	entries, err := s.history.GetOrCompute(ctx, historyKey(user.ID), s.ttl.Query,
		func(ctx context.Context) ([]RewardEntry, error) {
			recs, err := s.store.FindAllRecords(ctx, user.ID)
			if err != nil {
				return nil, err
			}
			out := make([]RewardEntry, 0, len(recs))
			for _, r := range recs {
				out = append(out, RewardEntry{Date: r.AttendanceDate, RewardAmount: r.RewardAmount})
			}
			sort.SliceStable(out, func(i, j int) bool { return out[i].Date > out[j].Date })
			return out, nil
		},
		cache.WithGeneration(attendanceGenKey(user.ID)),
		cache.WithIndex(attendanceIndexKey(user.ID), s.ttl.Query),
	)
	if err != nil {
		return nil, s.fail(log, "list reward history", err)
	}
	return entries, nil
}

// Status reports points and streak from the snapshot and whether today is taken from the store.
func (s *AttendanceService) Status(ctx context.Context, username string) (*CheckInStatus, error) {
	log := s.log.With(zap.String("username", username))
	user, err := s.reads.User(ctx, username)
	if err != nil {
		return nil, s.fail(log, "load user", err)
	}
	today := models.FormatDate(s.now().In(s.loc))
	checked, err := s.store.ExistsRecord(ctx, user.ID, today)
	if err != nil {
		return nil, s.fail(log, "check existing record", err)
	}
	return &CheckInStatus{
		Username:        user.Username,
		Points:          user.Points,
		ConsecutiveDays: user.ConsecutiveDays,
		LastCheckInAt:   user.LastCheckInAt,
		CheckedToday:    checked,
	}, nil
}

func (s *AttendanceService) reject(log *zap.Logger, e *Error) error {
	log.Info("check-in", zap.String("state", stateRejected), zap.Int("code", e.Code), zap.String("reason", e.Message))
	return e
}

// fail maps an internal error onto the public taxonomy, logging transient causes in full.
func (s *AttendanceService) fail(log *zap.Logger, op string, err error) error {
	var e *Error
	switch {
	case errors.As(err, &e):
		return e
	case errors.Is(err, store.ErrNotFound):
		return s.reject(log, ErrUserNotFound)
	case errors.Is(err, lock.ErrNotAcquired), errors.Is(err, cache.ErrContention):
		log.Info("check-in", zap.String("state", stateFailed), zap.String("op", op), zap.String("reason", "contention"))
		return wrap(ErrBusy, err)
	default:
		log.Error("check-in", zap.String("state", stateFailed), zap.String("op", op), zap.Error(err))
		return wrap(ErrUncategorized, err)
	}
}
