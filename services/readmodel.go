package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/cppla/checkin/cache"
	"github.com/cppla/checkin/lock"
	"github.com/cppla/checkin/models"
	"github.com/cppla/checkin/store"
)

// TTLs configures how long each cached view lives.
type TTLs struct {
	User        time.Duration
	Reward      time.Duration
	Windows     time.Duration
	Query       time.Duration
	CheckedFlag time.Duration
}

// DefaultTTLs: 10m for users and windows, a day for rewards, query results and the checked flag.
func DefaultTTLs() TTLs {
	return TTLs{
		User:        10 * time.Minute,
		Reward:      24 * time.Hour,
		Windows:     10 * time.Minute,
		Query:       24 * time.Hour,
		CheckedFlag: 24 * time.Hour,
	}
}

// CacheBackend is the shared cache the services run on.
type CacheBackend interface {
	cache.Store
	cache.Versioned
	cache.Indexer
}

// ReadModel serves user snapshots and reference data through the cache-aside executor.
type ReadModel struct {
	store   store.Store
	gens    cache.Versioned
	users   *cache.Executor[models.User]
	rewards *cache.Executor[models.RewardSchedule]
	windows *cache.Executor[[]models.AttendanceWindow]
	ttl     TTLs
}

func NewReadModel(st store.Store, cb CacheBackend, locker lock.Locker, codec string, policy cache.Policy, ttl TTLs, log *zap.Logger) (*ReadModel, error) {
	userCodec, err := cache.CodecFor[models.User](codec)
	if err != nil {
		return nil, err
	}
	rewardCodec, err := cache.CodecFor[models.RewardSchedule](codec)
	if err != nil {
		return nil, err
	}
	windowCodec, err := cache.CodecFor[[]models.AttendanceWindow](codec)
	if err != nil {
		return nil, err
	}
	return &ReadModel{
		store:   st,
		gens:    cb,
		users:   cache.NewExecutor("user", cb, locker, userCodec, policy, log),
		rewards: cache.NewExecutor("reward", cb, locker, rewardCodec, policy, log),
		windows: cache.NewExecutor("timeFrames", cb, locker, windowCodec, policy, log),
		ttl:     ttl,
	}, nil
}

// User returns the cached snapshot for username. store.ErrNotFound passes through.
func (r *ReadModel) User(ctx context.Context, username string) (*models.User, error) {
	u, err := r.users.GetOrCompute(ctx, userKey(username), r.ttl.User, func(ctx context.Context) (models.User, error) {
		u, err := r.store.FindUserByUsername(ctx, username)
		if err != nil {
			return models.User{}, err
		}
		return *u, nil
	}, cache.WithGeneration(userGenKey(username)))
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// PutUser replaces the snapshot after a write. The generation moves first so that a fill
// computed before the write lands on a retired key.
func (r *ReadModel) PutUser(ctx context.Context, u *models.User) error {
	if _, err := r.gens.BumpGeneration(ctx, userGenKey(u.Username)); err != nil {
		return err
	}
	return r.users.Put(ctx, userKey(u.Username), r.ttl.User, *u, cache.WithGeneration(userGenKey(u.Username)))
}

// Reward returns the schedule for date; store.ErrNotFound when none is configured.
func (r *ReadModel) Reward(ctx context.Context, date string) (*models.RewardSchedule, error) {
	rs, err := r.rewards.GetOrCompute(ctx, rewardKey(date), r.ttl.Reward, func(ctx context.Context) (models.RewardSchedule, error) {
		rs, err := r.store.FindRewardSchedule(ctx, date)
		if err != nil {
			return models.RewardSchedule{}, err
		}
		return *rs, nil
	})
	if err != nil {
		return nil, err
	}
	return &rs, nil
}

// Windows returns every configured window. An empty list is a valid answer and is cached.
func (r *ReadModel) Windows(ctx context.Context) ([]models.AttendanceWindow, error) {
	return r.windows.GetOrCompute(ctx, windowsKey, r.ttl.Windows, func(ctx context.Context) ([]models.AttendanceWindow, error) {
		ws, err := r.store.FindAttendanceWindows(ctx)
		if err != nil {
			return nil, err
		}
		if ws == nil {
			ws = []models.AttendanceWindow{}
		}
		return ws, nil
	})
}
