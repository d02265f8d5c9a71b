package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cppla/checkin/models"
)

// SeedOptions describes the reference data a fresh installation starts with.
type SeedOptions struct {
	AdminUsername string
	AdminPassword string
	// Users are extra accounts as "name:password" pairs.
	Users []string
	// Now picks the month whose rewards are generated.
	Now time.Time
	// HashPassword turns a plaintext password into the stored hash.
	HashPassword func(string) (string, error)
}

// DefaultWindows are the check-in windows installed on an empty table: 09:00-11:00 and 19:00-21:00.
func DefaultWindows() []models.AttendanceWindow {
	return []models.AttendanceWindow{
		models.NewWindow(9, 0, 11, 0),
		models.NewWindow(19, 0, 21, 0),
	}
}

// Seed installs missing users, this month's reward schedule and the default windows.
// Existing rows are left alone, so it is safe to run on every boot.
func (s *GormStore) Seed(ctx context.Context, opts SeedOptions, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	db := s.db.WithContext(ctx)

	accounts := map[string]string{}
	if opts.AdminUsername != "" {
		accounts[opts.AdminUsername] = opts.AdminPassword
	}
	for _, pair := range opts.Users {
		name, pass, ok := strings.Cut(pair, ":")
		if !ok || name == "" {
			return fmt.Errorf("seed: user entry %q is not name:password", pair)
		}
		accounts[name] = pass
	}
	for name, pass := range accounts {
		created, err := s.ensureUser(db, name, pass, opts.HashPassword)
		if err != nil {
			return err
		}
		if created {
			log.Info("seeded user", zap.String("username", name))
			if pass == "" {
				log.Warn("seeded user has no password", zap.String("username", name))
			}
		}
	}

	var n int64
	if err := db.Model(&models.RewardSchedule{}).Count(&n).Error; err != nil {
		return fmt.Errorf("seed: count rewards: %w", err)
	}
	if n == 0 {
		rewards := MonthRewards(opts.Now)
		if err := db.Create(&rewards).Error; err != nil {
			return fmt.Errorf("seed: rewards: %w", err)
		}
		log.Info("seeded reward schedule", zap.Int("days", len(rewards)), zap.String("from", rewards[0].RewardDate))
	}

	if err := db.Model(&models.AttendanceWindow{}).Count(&n).Error; err != nil {
		return fmt.Errorf("seed: count windows: %w", err)
	}
	if n == 0 {
		windows := DefaultWindows()
		if err := db.Create(&windows).Error; err != nil {
			return fmt.Errorf("seed: windows: %w", err)
		}
		log.Info("seeded attendance windows", zap.Int("count", len(windows)))
	}
	return nil
}

// MonthRewards schedules a reward for every day of now's month; day d pays d.
func MonthRewards(now time.Time) []models.RewardSchedule {
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	var out []models.RewardSchedule
	for d := first; d.Month() == first.Month(); d = d.AddDate(0, 0, 1) {
		out = append(out, models.RewardSchedule{RewardDate: models.FormatDate(d), RewardAmount: d.Day()})
	}
	return out
}

func (s *GormStore) ensureUser(db *gorm.DB, name, password string, hash func(string) (string, error)) (bool, error) {
	var existing models.User
	err := db.Where("username = ?", name).First(&existing).Error
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, fmt.Errorf("seed: find user %s: %w", name, err)
	}

	u := models.User{Username: name}
	if password != "" && hash != nil {
		h, err := hash(password)
		if err != nil {
			return false, fmt.Errorf("seed: hash password for %s: %w", name, err)
		}
		u.PasswordHash = h
	}
	if err := db.Create(&u).Error; err != nil {
		return false, fmt.Errorf("seed: create user %s: %w", name, err)
	}
	return true, nil
}
