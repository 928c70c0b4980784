package maintenance

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// parser accepts 5-field and 6-field (seconds) specs plus descriptors.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseSchedule normalizes a schedule string to a cron spec.
//
// Supported forms:
//   - Cron: "*/5 * * * *", "@hourly", "@every 10m"
//   - Interval duration: "10m", "1h30m" (becomes "@every 10m")
//   - Interval HH:MM: "00:30" (30 minutes)
func ParseSchedule(raw string) (string, cron.Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", nil, fmt.Errorf("schedule required")
	}

	spec := s
	switch {
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@"):
		// cron expression or descriptor
	case reHHMM.MatchString(s):
		d, err := parseHHMM(s)
		if err != nil {
			return "", nil, err
		}
		spec = "@every " + d.String()
	default:
		d, err := time.ParseDuration(s)
		if err != nil {
			return "", nil, fmt.Errorf("invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '00:30', or duration like '10m')", raw)
		}
		if d <= 0 {
			return "", nil, fmt.Errorf("interval must be > 0")
		}
		spec = "@every " + d.String()
	}

	sched, err := parser.Parse(spec)
	if err != nil {
		return "", nil, fmt.Errorf("invalid schedule %q: %w", raw, err)
	}
	return spec, sched, nil
}

func parseHHMM(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("invalid HH:MM %q", v)
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if mm > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}
