package services

import "fmt"

// Cache key layout, relative to the cache namespace.
const windowsKey = "timeFrames"

func userKey(username string) string    { return "user:" + username }
func userGenKey(username string) string { return "gen:user:" + username }
func rewardKey(date string) string      { return "reward:" + date }

func checkedKey(userID uint, date string) string {
	return fmt.Sprintf("checked:%d:%s", userID, date)
}

func attendanceLockKey(userID uint, date string) string {
	return fmt.Sprintf("lock:attendance:%d:%s", userID, date)
}

func rangeKey(userID uint, start, end string) string {
	return fmt.Sprintf("attendance:%d:%s:%s", userID, start, end)
}

func historyKey(userID uint) string { return fmt.Sprintf("rewardHistory:%d", userID) }

// Per-user attendance views (ranges and history) share one generation and one index.
func attendanceGenKey(userID uint) string   { return fmt.Sprintf("gen:attendance:%d", userID) }
func attendanceIndexKey(userID uint) string { return fmt.Sprintf("idx:attendance:%d", userID) }
