package toast

import (
	"time"

	"notipipe/internal/notification"
)

const (
	DefaultMaxVisible     = 3
	DefaultGroupingWindow = 30 * time.Second
)

// Durations is the auto-dismiss time per priority tier.
type Durations struct {
	Critical time.Duration
	Urgent   time.Duration
	High     time.Duration
	Normal   time.Duration
	Low      time.Duration
}

func DefaultDurations() Durations {
	return Durations{
		Critical: 15 * time.Second,
		Urgent:   10 * time.Second,
		High:     8 * time.Second,
		Normal:   5 * time.Second,
		Low:      3 * time.Second,
	}
}

func (d Durations) For(p notification.Priority) time.Duration {
	switch p {
	case notification.PriorityCritical:
		return d.Critical
	case notification.PriorityUrgent:
		return d.Urgent
	case notification.PriorityHigh:
		return d.High
	case notification.PriorityNormal:
		return d.Normal
	case notification.PriorityLow:
		return d.Low
	default:
		return d.Normal
	}
}

func (d Durations) withDefaults() Durations {
	def := DefaultDurations()
	if d.Critical <= 0 {
		d.Critical = def.Critical
	}
	if d.Urgent <= 0 {
		d.Urgent = def.Urgent
	}
	if d.High <= 0 {
		d.High = def.High
	}
	if d.Normal <= 0 {
		d.Normal = def.Normal
	}
	if d.Low <= 0 {
		d.Low = def.Low
	}
	return d
}

// QuietHours suppresses non-critical notifications between Start and End,
// given as offsets from local midnight. Start > End wraps past midnight.
type QuietHours struct {
	Enabled  bool
	Start    time.Duration
	End      time.Duration
	Location *time.Location
}

func (q QuietHours) Contains(t time.Time) bool {
	if !q.Enabled || q.Start == q.End {
		return false
	}
	loc := q.Location
	if loc == nil {
		loc = time.Local
	}
	lt := t.In(loc)
	off := time.Duration(lt.Hour())*time.Hour + time.Duration(lt.Minute())*time.Minute + time.Duration(lt.Second())*time.Second
	if q.Start < q.End {
		return off >= q.Start && off < q.End
	}
	return off >= q.Start || off < q.End
}

type Config struct {
	MaxVisible int
	// GroupingWindow is 0 for the default; negative disables grouping.
	GroupingWindow time.Duration
	Durations      Durations

	// EnabledTypes limits which types are admitted; empty admits all.
	EnabledTypes []notification.Type
	QuietHours   QuietHours
}

func (c Config) withDefaults() Config {
	if c.MaxVisible <= 0 {
		c.MaxVisible = DefaultMaxVisible
	}
	if c.GroupingWindow == 0 {
		c.GroupingWindow = DefaultGroupingWindow
	}
	c.Durations = c.Durations.withDefaults()
	return c
}

func (c Config) typeEnabled(t notification.Type) bool {
	if len(c.EnabledTypes) == 0 {
		return true
	}
	for _, e := range c.EnabledTypes {
		if e == t {
			return true
		}
	}
	return false
}
