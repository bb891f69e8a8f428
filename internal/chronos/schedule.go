package chronos

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fernwerk/famulus/internal/domain"
)

// minCronSpacing is the tightest fire period a normalized cron may resolve
// to. Sub-minute schedules are rejected at creation time.
const minCronSpacing = time.Minute

// cronParser accepts standard 5-field expressions: minute hour dom month dow.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Parsed is the outcome of validating a schedule expression.
type Parsed struct {
	// CronNormalized is the canonical 5-field cron string; empty for once.
	CronNormalized string
	// NextRun is the first fire instant after the reference time.
	NextRun time.Time
}

// ParseSchedule validates expression for the given schedule type against the
// reference instant, resolving natural-language forms in the named timezone.
func ParseSchedule(st domain.ScheduleType, expression, timezone string, ref time.Time) (Parsed, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return Parsed{}, fmt.Errorf("invalid timezone %q: %w", timezone, err)
	}

	switch st {
	case domain.ScheduleOnce:
		at, err := parseOnce(expression, loc, ref)
		if err != nil {
			return Parsed{}, err
		}
		return Parsed{NextRun: at.UTC()}, nil

	case domain.ScheduleCron:
		normalized, err := normalizeCron(expression, ref)
		if err != nil {
			return Parsed{}, err
		}
		next, err := NextAfter(normalized, timezone, ref)
		if err != nil {
			return Parsed{}, err
		}
		return Parsed{CronNormalized: normalized, NextRun: next}, nil

	case domain.ScheduleInterval:
		cronExpr, err := intervalToCron(expression)
		if err != nil {
			return Parsed{}, err
		}
		normalized, err := normalizeCron(cronExpr, ref)
		if err != nil {
			return Parsed{}, err
		}
		next, err := NextAfter(normalized, timezone, ref)
		if err != nil {
			return Parsed{}, err
		}
		return Parsed{CronNormalized: normalized, NextRun: next}, nil

	default:
		return Parsed{}, fmt.Errorf("unknown schedule type %q", st)
	}
}

// NextAfter returns the first fire instant of a normalized cron string after
// the given instant, evaluated in the job's timezone.
func NextAfter(cronNormalized, timezone string, after time.Time) (time.Time, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timezone %q: %w", timezone, err)
	}
	sched, err := cronParser.Parse(cronNormalized)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", cronNormalized, err)
	}
	return sched.Next(after.In(loc)).UTC(), nil
}

// normalizeCron canonicalizes a 5-field cron expression and rejects any
// schedule whose minimum fire period is tighter than a minute.
func normalizeCron(expression string, ref time.Time) (string, error) {
	fields := strings.Fields(expression)
	if len(fields) != 5 {
		return "", fmt.Errorf("cron expression %q: expected 5 fields, got %d", expression, len(fields))
	}
	normalized := strings.Join(fields, " ")

	sched, err := cronParser.Parse(normalized)
	if err != nil {
		return "", fmt.Errorf("invalid cron expression %q: %w", expression, err)
	}

	// Sample successive fires and take the tightest gap.
	t := sched.Next(ref)
	for i := 0; i < 5; i++ {
		next := sched.Next(t)
		if next.IsZero() {
			break
		}
		if next.Sub(t) < minCronSpacing {
			return "", fmt.Errorf("cron expression %q fires more often than every %s", expression, minCronSpacing)
		}
		t = next
	}

	return normalized, nil
}

var (
	everyUnitRe = regexp.MustCompile(`^every\s+(\d+)\s+(second|minute|hour|day)s?$`)
	everyBareRe = regexp.MustCompile(`^every\s+(second|minute|hour|day)$`)
	dailyAtRe   = regexp.MustCompile(`^(?:every\s+day|daily)\s+at\s+(.+)$`)
)

// intervalToCron translates the constrained natural-language interval
// grammar into an equivalent cron string. Sub-minute granularities are
// rejected outright since sub-minute cron is not supported.
func intervalToCron(expression string) (string, error) {
	expr := strings.ToLower(strings.TrimSpace(expression))
	expr = strings.Join(strings.Fields(expr), " ")

	if expr == "hourly" {
		return "0 * * * *", nil
	}
	if expr == "daily" || expr == "every day" {
		return "0 0 * * *", nil
	}

	if m := dailyAtRe.FindStringSubmatch(expr); m != nil {
		hour, minute, err := parseClock(m[1])
		if err != nil {
			return "", fmt.Errorf("interval %q: %w", expression, err)
		}
		return fmt.Sprintf("%d %d * * *", minute, hour), nil
	}

	if m := everyBareRe.FindStringSubmatch(expr); m != nil {
		switch m[1] {
		case "second":
			return "", fmt.Errorf("interval %q: sub-minute schedules are not supported", expression)
		case "minute":
			return "* * * * *", nil
		case "hour":
			return "0 * * * *", nil
		case "day":
			return "0 0 * * *", nil
		}
	}

	if m := everyUnitRe.FindStringSubmatch(expr); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 {
			return "", fmt.Errorf("interval %q: bad count", expression)
		}
		switch m[2] {
		case "second":
			return "", fmt.Errorf("interval %q: sub-minute schedules are not supported", expression)
		case "minute":
			switch {
			case n == 1:
				return "* * * * *", nil
			case n < 60:
				return fmt.Sprintf("*/%d * * * *", n), nil
			case n%60 == 0:
				return hoursToCron(n / 60)
			default:
				return "", fmt.Errorf("interval %q: minute counts over 60 must be whole hours", expression)
			}
		case "hour":
			return hoursToCron(n)
		case "day":
			if n == 1 {
				return "0 0 * * *", nil
			}
			return "", fmt.Errorf("interval %q: multi-day intervals are not supported, use a cron schedule", expression)
		}
	}

	return "", fmt.Errorf("unsupported interval expression %q", expression)
}

func hoursToCron(n int) (string, error) {
	switch {
	case n == 1:
		return "0 * * * *", nil
	case n < 24:
		return fmt.Sprintf("0 */%d * * *", n), nil
	case n == 24:
		return "0 0 * * *", nil
	default:
		return "", fmt.Errorf("hour intervals over 24 are not supported, use a cron schedule")
	}
}

var (
	inRelativeRe = regexp.MustCompile(`^in\s+(\d+)\s+(minute|hour|day)s?$`)
	dayAtRe      = regexp.MustCompile(`^(today|tomorrow)(?:\s+at\s+(.+))?$`)
	atClockRe    = regexp.MustCompile(`^at\s+(.+)$`)
	clockRe      = regexp.MustCompile(`^(\d{1,2})(?::(\d{2}))?\s*(am|pm)?$`)
)

// parseOnce resolves an absolute ISO timestamp or a natural-language future
// expression against the reference instant. The result must be strictly in
// the future.
func parseOnce(expression string, loc *time.Location, ref time.Time) (time.Time, error) {
	raw := strings.TrimSpace(expression)

	var at time.Time
	var parsed bool
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04", "2006-01-02 15:04"} {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			at, parsed = t, true
			break
		}
	}

	if !parsed {
		expr := strings.ToLower(raw)
		expr = strings.Join(strings.Fields(expr), " ")

		switch {
		case inRelativeRe.MatchString(expr):
			m := inRelativeRe.FindStringSubmatch(expr)
			n, _ := strconv.Atoi(m[1])
			switch m[2] {
			case "minute":
				at = ref.Add(time.Duration(n) * time.Minute)
			case "hour":
				at = ref.Add(time.Duration(n) * time.Hour)
			case "day":
				at = ref.In(loc).AddDate(0, 0, n)
			}
			parsed = true

		case dayAtRe.MatchString(expr):
			m := dayAtRe.FindStringSubmatch(expr)
			hour, minute := 9, 0 // mornings, when no clock is given
			if m[2] != "" {
				var err error
				hour, minute, err = parseClock(m[2])
				if err != nil {
					return time.Time{}, fmt.Errorf("schedule %q: %w", expression, err)
				}
			}
			day := ref.In(loc)
			if m[1] == "tomorrow" {
				day = day.AddDate(0, 0, 1)
			}
			at = time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, loc)
			parsed = true

		case atClockRe.MatchString(expr):
			m := atClockRe.FindStringSubmatch(expr)
			hour, minute, err := parseClock(m[1])
			if err != nil {
				return time.Time{}, fmt.Errorf("schedule %q: %w", expression, err)
			}
			day := ref.In(loc)
			at = time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, loc)
			if !at.After(ref) {
				at = at.AddDate(0, 0, 1) // clock already passed today
			}
			parsed = true
		}
	}

	if !parsed {
		return time.Time{}, fmt.Errorf("unrecognized one-shot schedule %q", expression)
	}
	if !at.After(ref) {
		return time.Time{}, fmt.Errorf("one-shot schedule %q resolves to %s, which is not in the future",
			expression, at.Format(time.RFC3339))
	}
	return at, nil
}

// parseClock parses "9am", "9:30pm", "15:04", or "18" into hour and minute.
func parseClock(s string) (int, int, error) {
	m := clockRe.FindStringSubmatch(strings.TrimSpace(strings.ToLower(s)))
	if m == nil {
		return 0, 0, fmt.Errorf("unrecognized time of day %q", s)
	}

	hour, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, 0, fmt.Errorf("unrecognized time of day %q", s)
	}
	minute := 0
	if m[2] != "" {
		minute, err = strconv.Atoi(m[2])
		if err != nil || minute > 59 {
			return 0, 0, fmt.Errorf("unrecognized time of day %q", s)
		}
	}

	switch m[3] {
	case "am":
		if hour < 1 || hour > 12 {
			return 0, 0, fmt.Errorf("unrecognized time of day %q", s)
		}
		if hour == 12 {
			hour = 0
		}
	case "pm":
		if hour < 1 || hour > 12 {
			return 0, 0, fmt.Errorf("unrecognized time of day %q", s)
		}
		if hour != 12 {
			hour += 12
		}
	default:
		if hour > 23 {
			return 0, 0, fmt.Errorf("unrecognized time of day %q", s)
		}
	}

	return hour, minute, nil
}
