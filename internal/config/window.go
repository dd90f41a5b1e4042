package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ClockWindow 一天内的时段 [Start, End)，单位分钟；Start > End 表示跨午夜
type ClockWindow struct {
	Start int
	End   int
}

// Window 解析 "HH:MM" 形式的受限时段
func (r RestrictedHours) Window() (ClockWindow, error) {
	start, err := parseClock(r.Start)
	if err != nil {
		return ClockWindow{}, fmt.Errorf("alerts.time_based_alerts.restricted_hours.start: %w", err)
	}
	end, err := parseClock(r.End)
	if err != nil {
		return ClockWindow{}, fmt.Errorf("alerts.time_based_alerts.restricted_hours.end: %w", err)
	}
	return ClockWindow{Start: start, End: end}, nil
}

func parseClock(s string) (int, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("invalid time %q, want HH:MM", s)
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err := strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour*60 + minute, nil
}

// Contains Start == End 视为空时段
func (w ClockWindow) Contains(t time.Time) bool {
	now := t.Hour()*60 + t.Minute()
	switch {
	case w.Start == w.End:
		return false
	case w.Start < w.End:
		return now >= w.Start && now < w.End
	default:
		return now >= w.Start || now < w.End
	}
}

// IsWeekend 周六或周日
func IsWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}
