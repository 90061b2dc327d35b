package task

import (
	"fmt"
	"strconv"
	"time"
)

type ScheduleUnit string

const (
	UnitMinutes ScheduleUnit = "minutes"
	UnitHours   ScheduleUnit = "hours"
	UnitDays    ScheduleUnit = "days"
)

func (c ScheduleConfig) Period() (time.Duration, error) {
	if c.Interval <= 0 {
		return 0, fmt.Errorf("schedule interval must be positive, got %d", c.Interval)
	}
	n := time.Duration(c.Interval)
	switch c.Unit {
	case UnitMinutes:
		return n * time.Minute, nil
	case UnitHours:
		return n * time.Hour, nil
	case UnitDays:
		return n * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown schedule unit %q", c.Unit)
	}
}

// WindowStart returns the start of the firing window containing now.
// Windows are aligned to the UTC epoch so every instance agrees on them.
func (c ScheduleConfig) WindowStart(now time.Time) (time.Time, error) {
	period, err := c.Period()
	if err != nil {
		return time.Time{}, err
	}
	return now.UTC().Truncate(period), nil
}

// NewScheduleTrigger builds the trigger for the window containing now.
func NewScheduleTrigger(cfg ScheduleConfig, now time.Time) (*ScheduleTrigger, error) {
	start, err := cfg.WindowStart(now)
	if err != nil {
		return nil, err
	}
	return &ScheduleTrigger{
		Config:        cfg,
		InvokeContext: ScheduleInvokeContext{TimestampBucket: start.Unix()},
	}, nil
}

// DedupeKey identifies the firing window. At most one task per owner and
// task identifier may carry the same key.
func (t *ScheduleTrigger) DedupeKey() string {
	return "schedule:" + strconv.FormatInt(t.InvokeContext.TimestampBucket, 10)
}

// dedupeKeyFor returns the idempotency key of a trigger, or "" when the
// trigger kind is never deduplicated.
func dedupeKeyFor(t Trigger) string {
	switch v := t.(type) {
	case *ScheduleTrigger:
		return v.DedupeKey()
	case *EventTrigger, *AppActionTrigger, *UserActionTrigger, *TaskChildTrigger:
		return ""
	default:
		return ""
	}
}
