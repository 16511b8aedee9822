package schedule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"sensoralert/internal/domain"
)

const minutesPerDay = 24 * 60

// Window is a parsed schedule ready for repeated evaluation.
// Params: weekday set and inclusive minute-of-day bounds.
// Returns: compiled active window.
type Window struct {
	weekdays [7]bool
	start    int
	end      int
}

// Compile parses and validates a filter schedule.
// Params: schedule with weekdays (0=Sunday..6) and "HH:MM" bounds.
// Returns: compiled window or validation error.
func Compile(s domain.Schedule) (Window, error) {
	var window Window
	for _, day := range s.Weekdays {
		if day < 0 || day > 6 {
			return Window{}, fmt.Errorf("weekday %d is out of range 0..6", day)
		}
		window.weekdays[day] = true
	}
	start, err := parseClock(s.StartTime, false)
	if err != nil {
		return Window{}, fmt.Errorf("start_time: %w", err)
	}
	end, err := parseClock(s.EndTime, true)
	if err != nil {
		return Window{}, fmt.Errorf("end_time: %w", err)
	}
	window.start = start
	window.end = end
	return window, nil
}

// Validate checks schedule syntax without evaluating it.
func Validate(s domain.Schedule) error {
	_, err := Compile(s)
	return err
}

// Evaluate reports whether schedule is active at the given instant.
// Params: optional schedule, evaluation instant, and facility location.
// Returns: true when no schedule is set or instant is inside window; error for malformed schedule.
func Evaluate(s *domain.Schedule, at time.Time, loc *time.Location) (bool, error) {
	if s == nil {
		return true, nil
	}
	window, err := Compile(*s)
	if err != nil {
		return false, err
	}
	return window.Contains(at, loc), nil
}

// Contains evaluates compiled window at instant in location.
// Params: instant and facility location (UTC when nil).
// Returns: true when weekday and local time fall inside inclusive window.
func (w Window) Contains(at time.Time, loc *time.Location) bool {
	if loc == nil {
		loc = time.UTC
	}
	local := at.In(loc)
	minute := local.Hour()*60 + local.Minute()
	today := int(local.Weekday())

	if w.start <= w.end {
		return w.weekdays[today] && minute >= w.start && minute <= w.end
	}
	// Overnight window: the evening part belongs to today, the morning part to the day it started.
	if minute >= w.start {
		return w.weekdays[today]
	}
	if minute <= w.end {
		yesterday := (today + 6) % 7
		return w.weekdays[yesterday]
	}
	return false
}

// parseClock converts "HH:MM" into minute of day.
// Params: text value and whether 24:00 is permitted (end bound only).
// Returns: minute in [0, 1439] or parse error.
func parseClock(value string, allowEndOfDay bool) (int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, errors.New("time is required")
	}
	hourText, minuteText, ok := strings.Cut(trimmed, ":")
	if !ok || len(minuteText) != 2 || len(hourText) == 0 || len(hourText) > 2 {
		return 0, fmt.Errorf("invalid time %q, expected HH:MM", value)
	}
	hour, err := strconv.Atoi(hourText)
	if err != nil {
		return 0, fmt.Errorf("invalid hour in %q", value)
	}
	minute, err := strconv.Atoi(minuteText)
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("invalid minute in %q", value)
	}
	if hour == 24 && minute == 0 && allowEndOfDay {
		return minutesPerDay - 1, nil
	}
	if hour < 0 || hour > 23 {
		return 0, fmt.Errorf("invalid hour in %q", value)
	}
	return hour*60 + minute, nil
}
