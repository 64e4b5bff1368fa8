package utils

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bsm/redislock"
	"github.com/mmdatafocus/retailops_backend/config"
	"github.com/shopspring/decimal"
)

const DateKeyLayout = "2006-01-02"

// ResolveLocation loads the store's timezone. Empty or invalid identifiers
// fall back to UTC so a bad tenant setting never breaks bucketing.
func ResolveLocation(timezone string) *time.Location {
	tz := strings.TrimSpace(timezone)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ResolveDateKey buckets an instant into a YYYY-MM-DD calendar day in the
// store's local timezone.
func ResolveDateKey(t time.Time, timezone string) string {
	return t.In(ResolveLocation(timezone)).Format(DateKeyLayout)
}

// DayWindow returns the [start, end) UTC instants of the local calendar day
// containing t. Midnight arithmetic is done in the local zone so DST
// transitions yield 23h/25h windows instead of drifting.
func DayWindow(t time.Time, timezone string) (time.Time, time.Time) {
	loc := ResolveLocation(timezone)
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	end := start.AddDate(0, 0, 1)
	return start.UTC(), end.UTC()
}

// PreviousDayWindow returns the previous full local calendar day as
// (dateKey, startUTC, endUTC). Used by the nightly reconciliation sweep.
func PreviousDayWindow(now time.Time, timezone string) (string, time.Time, time.Time) {
	loc := ResolveLocation(timezone)
	local := now.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, -1)
	end := start.AddDate(0, 0, 1)
	return start.Format(DateKeyLayout), start.UTC(), end.UTC()
}

// Round2 rounds a money amount to 2 decimal places (bankers not used; plain
// half-up matches register receipts).
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// AcquireSummaryLock serializes writers of one store+day summary document
// (aggregator merges vs. the nightly overwrite). Best effort: when Redis is
// down we proceed without the lock; the summary row's FOR UPDATE lock inside
// the DB transaction remains the correctness backstop.
func AcquireSummaryLock(ctx context.Context, storeId string, dateKey string) (*redislock.Lock, error) {
	locker := config.GetRedisLock()
	if locker == nil {
		return nil, nil
	}
	key := "summaryLock:" + storeId + ":" + dateKey
	lock, err := locker.Obtain(ctx, key, 30*time.Second, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(200*time.Millisecond), 25),
	})
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			return nil, err
		}
		// Redis unavailable: degrade to DB-level locking only.
		return nil, nil
	}
	return lock, nil
}

func ReleaseSummaryLock(ctx context.Context, lock *redislock.Lock) {
	if lock == nil {
		return
	}
	_ = lock.Release(ctx)
}
