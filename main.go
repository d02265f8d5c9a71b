package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/cppla/checkin/cache"
	"github.com/cppla/checkin/config"
	"github.com/cppla/checkin/lock"
	"github.com/cppla/checkin/models"
	"github.com/cppla/checkin/services"
	"github.com/cppla/checkin/store"
	"github.com/cppla/checkin/utils"
)

const usage = `usage: checkin [flags] <command>

commands:
  seed       create the admin account, this month's rewards and default windows
  mark       check in --user for today
  calendar   show --user's check-ins from --from to --to (default: this month)
  history    show --user's rewards, newest first
  status     show --user's points and streak
  flush      drop every cached entry

flags:
`

type cliFlags struct {
	configPath string
	user       string
	from       string
	to         string
}

func main() {
	var f cliFlags
	fs := pflag.NewFlagSet("checkin", pflag.ExitOnError)
	fs.StringVarP(&f.configPath, "config", "c", "", "config file (yaml or json); defaults to config/config.*")
	fs.StringVarP(&f.user, "user", "u", "", "username to act as")
	fs.StringVar(&f.from, "from", "", "first calendar date, YYYY-MM-DD")
	fs.StringVar(&f.to, "to", "", "last calendar date, YYYY-MM-DD")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		fs.PrintDefaults()
	}
	_ = fs.Parse(os.Args[1:])
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(2)
	}

	switch cmd := fs.Arg(0); cmd {
	case "mark", "calendar", "history", "status":
		if f.user == "" {
			fmt.Fprintf(os.Stderr, "%s requires --user\n", cmd)
			os.Exit(2)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, fs.Arg(0), f)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, cmd string, f cliFlags) int {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	// Initialize logger early
	if err := utils.InitLogger(cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer utils.Sync()
	log := utils.Named("cli").With(zap.String("cmd", cmd))

	app, err := newApp(ctx, cfg)
	if err != nil {
		log.Error("startup failed", zap.Error(err))
		return 1
	}
	defer app.close()

	switch cmd {
	case "seed":
		err = app.store.Seed(ctx, store.SeedOptions{
			AdminUsername: cfg.SeedAdminUsername,
			AdminPassword: cfg.SeedAdminPassword,
			Users:         cfg.SeedUsers,
			Now:           time.Now().In(cfg.Location()),
			HashPassword:  utils.HashPassword,
		}, utils.Named("seed"))
		if err == nil {
			err = printJSON(map[string]string{"message": "seeded"})
		}
	case "mark":
		var rec *models.CheckInRecord
		if rec, err = app.attendance.MarkAttendance(ctx, f.user); err == nil {
			err = printJSON(rec)
		}
	case "calendar":
		var rows []services.DayStatus
		start, end, perr := calendarRange(f, cfg.Location())
		if perr != nil {
			err = perr
			break
		}
		if rows, err = app.attendance.ListChecking(ctx, f.user, start, end); err == nil {
			err = printJSON(rows)
		}
	case "history":
		var entries []services.RewardEntry
		if entries, err = app.attendance.ListRewardHistory(ctx, f.user); err == nil {
			err = printJSON(entries)
		}
	case "status":
		var st *services.CheckInStatus
		if st, err = app.attendance.Status(ctx, f.user); err == nil {
			err = printJSON(st)
		}
	case "flush":
		var n int
		if n, err = services.FlushCache(ctx, app.cache); err == nil {
			err = printJSON(map[string]int{"deleted": n})
		}
	default:
		err = fmt.Errorf("unknown command %q", cmd)
	}

	if err == nil {
		return 0
	}
	var se *services.Error
	if errors.As(err, &se) {
		_ = printJSON(map[string]any{"code": se.Code, "message": se.Message, "retryable": se.Retryable()})
		return 1
	}
	log.Error("command failed", zap.Error(err))
	return 1
}

type application struct {
	store      *store.GormStore
	cache      *cache.RedisStore
	attendance *services.AttendanceService
	close      func()
}

func newApp(ctx context.Context, cfg config.AppConfig) (*application, error) {
	db, err := config.InitDatabase(cfg, utils.NewGormLogger(utils.Named("gorm"), config.GormLogLevel(cfg.LogLevel)), store.Models()...)
	if err != nil {
		return nil, err
	}
	ids, err := utils.NewIDGenerator(cfg.SnowflakeNode)
	if err != nil {
		return nil, err
	}
	rdb, err := utils.NewRedis(ctx, cfg, utils.Named("redis"))
	if err != nil {
		return nil, err
	}

	st := store.NewGormStore(db, ids)
	cs := cache.NewRedisStore(rdb, cfg.CacheNamespace)
	locker := lock.NewRedisLocker(rdb,
		lock.WithPrefix(cs.Prefix()),
		lock.WithRetryInterval(cfg.LockRetryInterval),
		lock.WithLogger(utils.Named("lock")),
	)
	svc, err := services.NewAttendanceService(st, cs, locker, services.Options{
		Codec: cfg.CacheCodec,
		Policy: cache.Policy{
			LockWait: cfg.LockWait,
			LockHold: cfg.LockHold,
			Retries:  cfg.ContentionRetries,
			Backoff:  cfg.ContentionBackoff,
		},
		TTL: services.TTLs{
			User:        cfg.UserTTL,
			Reward:      cfg.RewardTTL,
			Windows:     cfg.WindowTTL,
			Query:       cfg.QueryTTL,
			CheckedFlag: cfg.CheckedFlagTTL,
		},
		Location: cfg.Location(),
		Logger:   utils.Named("service"),
	})
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}

	return &application{
		store:      st,
		cache:      cs,
		attendance: svc,
		close: func() {
			_ = rdb.Close()
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
		},
	}, nil
}

// calendarRange defaults to the first day of the current month through today.
func calendarRange(f cliFlags, loc *time.Location) (time.Time, time.Time, error) {
	now := time.Now().In(loc)
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, loc)
	end := now
	var err error
	if f.from != "" {
		if start, err = models.ParseDate(f.from, loc); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("--from: %w", err)
		}
	}
	if f.to != "" {
		if end, err = models.ParseDate(f.to, loc); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("--to: %w", err)
		}
	}
	return start, end, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
