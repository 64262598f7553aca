// Period-bucketed counters for moderation activity: per-source action totals, and distinct authors actioned.
//
// Counts are kept for all time, the current UTC day, and the current UTC hour. Implementations exist for in-process memory and redis.
package countstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	PeriodTotal = "total"
	PeriodDay   = "day"
	PeriodHour  = "hour"
)

var allPeriods = []string{PeriodTotal, PeriodDay, PeriodHour}

type CountStore interface {
	GetCount(ctx context.Context, name, val, period string) (int, error)
	Increment(ctx context.Context, name, val string) error
	GetCountDistinct(ctx context.Context, name, bucket, period string) (int, error)
	IncrementDistinct(ctx context.Context, name, bucket, val string) error
}

func periodBucket(name, val, period string) string {
	now := time.Now().UTC()
	switch period {
	case PeriodTotal:
		return fmt.Sprintf("%s/%s", name, val)
	case PeriodDay:
		return fmt.Sprintf("%s/%s/%s", name, val, now.Format(time.DateOnly))
	case PeriodHour:
		return fmt.Sprintf("%s/%s/%s", name, val, now.Format("2006-01-02T15"))
	default:
		slog.Warn("unhandled counter period", "period", period)
		return fmt.Sprintf("%s/%s", name, val)
	}
}
