package registry

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"vetfleet/internal/domain"
)

// IsDue reports whether an active agent's five-field cron schedule matches
// the minute of now in UTC.
func IsDue(a domain.AgentRegistration, now time.Time) bool {
	if a.ScheduleCron == "" || a.Status != domain.AgentActive {
		return false
	}
	fields := strings.Fields(a.ScheduleCron)
	if len(fields) != 5 {
		return false
	}
	now = now.UTC()
	values := []int{now.Minute(), now.Hour(), now.Day(), int(now.Month()), int(now.Weekday())}
	for i, f := range fields {
		if !MatchField(f, values[i]) {
			return false
		}
	}
	return true
}

// MatchField matches one cron field: "*", "N", "N-M", "N/S", "*/S" and
// comma-separated lists of those.
func MatchField(expr string, value int) bool {
	if expr == "*" {
		return true
	}
	for _, part := range strings.Split(expr, ",") {
		switch {
		case strings.Contains(part, "-"):
			lo, hi, ok := cutInts(part, "-")
			if ok && value >= lo && value <= hi {
				return true
			}
		case strings.Contains(part, "/"):
			base, step, found := strings.Cut(part, "/")
			s, err := strconv.Atoi(step)
			if !found || err != nil || s <= 0 {
				continue
			}
			b := 0
			if base != "*" {
				if b, err = strconv.Atoi(base); err != nil {
					continue
				}
			}
			if value >= b && (value-b)%s == 0 {
				return true
			}
		default:
			if n, err := strconv.Atoi(part); err == nil && n == value {
				return true
			}
		}
	}
	return false
}

func cutInts(s, sep string) (int, int, bool) {
	a, b, found := strings.Cut(s, sep)
	if !found {
		return 0, 0, false
	}
	x, err1 := strconv.Atoi(a)
	y, err2 := strconv.Atoi(b)
	return x, y, err1 == nil && err2 == nil
}

// ValidateSchedule rejects schedules IsDue could never match.
func ValidateSchedule(expr string) error {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return fmt.Errorf("schedule %q must have 5 fields", expr)
	}
	for _, f := range fields {
		if f == "*" {
			continue
		}
		for _, part := range strings.Split(f, ",") {
			if part == "" {
				return fmt.Errorf("schedule %q has an empty list item", expr)
			}
			clean := strings.NewReplacer("-", "", "/", "", "*", "").Replace(part)
			if _, err := strconv.Atoi(clean); clean != "" && err != nil {
				return fmt.Errorf("schedule %q has invalid field %q", expr, part)
			}
		}
	}
	return nil
}
