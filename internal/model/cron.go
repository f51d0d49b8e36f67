package model

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Interval validates the schedule and returns the period between two
// consecutive runs. Cron takes precedence over duration.
func (s TimerSchedule) Interval() (time.Duration, error) {
	switch {
	case s.Cron != "":
		d, err := ParseCron(s.Cron)
		if err != nil {
			return 0, fmt.Errorf("parsing service.schedule.cron: %w", err)
		}
		return d, nil
	case s.Duration != "":
		d, err := ParseISODuration(s.Duration)
		if err != nil {
			return 0, fmt.Errorf("parsing service.schedule.duration: %w", err)
		}
		if d <= 0 {
			return 0, fmt.Errorf("service.schedule.duration must be positive: %s", s.Duration)
		}
		return d, nil
	}
	return 0, ErrNoSchedule
}

// ParseCron parses a cron expression of 5 fields or a @ macro and returns
// the interval between its next two activations
func ParseCron(expr string) (time.Duration, error) {
	schedule, err := cron.ParseStandard(strings.TrimSpace(expr))
	if err != nil {
		return 0, err
	}
	first := schedule.Next(time.Now())
	return schedule.Next(first).Sub(first), nil
}

// ParseISODuration parses the day and time designators of an ISO8601
// duration, PnDTnHnMn.nS. Years, months and weeks are rejected as their
// length varies. Only seconds may have a fraction.
func ParseISODuration(dur string) (time.Duration, error) {
	rest, ok := strings.CutPrefix(dur, "P")
	if !ok || rest == "" {
		return 0, ErrISOFormat
	}
	date, clock, hasT := strings.Cut(rest, "T")
	if hasT && clock == "" {
		return 0, ErrISOFormat
	}

	var ret time.Duration
	if date != "" {
		days, ok := strings.CutSuffix(date, "D")
		if !ok {
			return 0, ErrISOFormat
		}
		d, err := component(days, 24*time.Hour, false)
		if err != nil {
			return 0, err
		}
		ret += d
	}

	for _, u := range []struct {
		designator byte
		unit       time.Duration
		fraction   bool
	}{
		{'H', time.Hour, false},
		{'M', time.Minute, false},
		{'S', time.Second, true},
	} {
		i := strings.IndexByte(clock, u.designator)
		if i < 0 {
			continue
		}
		d, err := component(clock[:i], u.unit, u.fraction)
		if err != nil {
			return 0, err
		}
		ret += d
		clock = clock[i+1:]
	}
	if clock != "" {
		return 0, ErrISOFormat
	}
	return ret, nil
}

// component converts n[.f] units, the fraction has at most 9 digits
func component(s string, unit time.Duration, fraction bool) (time.Duration, error) {
	whole, frac, hasFrac := strings.Cut(strings.Replace(s, ",", ".", 1), ".")
	if !digits(whole) || hasFrac && (!fraction || !digits(frac) || len(frac) > 9) {
		return 0, ErrISOFormat
	}
	n, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrISOFormat, s)
	}
	d := time.Duration(n) * unit
	if hasFrac {
		f, _ := strconv.ParseInt(frac, 10, 64)
		d += time.Duration(f) * unit / time.Duration(math.Pow10(len(frac)))
	}
	return d, nil
}

func digits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range []byte(s) {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
