package schedule

import (
	"testing"
	"time"

	"sensoralert/internal/domain"
)

var allDays = []int{0, 1, 2, 3, 4, 5, 6}

func TestEvaluateWithoutScheduleAlwaysMatches(t *testing.T) {
	t.Parallel()

	ok, err := Evaluate(nil, time.Now(), time.UTC)
	if err != nil || !ok {
		t.Fatalf("expected nil schedule to match, got ok=%v err=%v", ok, err)
	}
}

func TestEvaluateEmptyWeekdaysNeverMatches(t *testing.T) {
	t.Parallel()

	s := &domain.Schedule{Weekdays: []int{}, StartTime: "00:00", EndTime: "23:59"}
	for hour := 0; hour < 24; hour++ {
		at := time.Date(2026, 3, 3, hour, 30, 0, 0, time.UTC)
		ok, err := Evaluate(s, at, time.UTC)
		if err != nil {
			t.Fatalf("evaluate: %v", err)
		}
		if ok {
			t.Fatalf("empty weekday set matched at %s", at)
		}
	}
}

func TestEvaluateOvernightWindow(t *testing.T) {
	t.Parallel()

	s := &domain.Schedule{Weekdays: allDays, StartTime: "22:00", EndTime: "06:00"}
	cases := []struct {
		clock string
		want  bool
	}{
		{"23:30", true},
		{"05:30", true},
		{"12:00", false},
		{"22:00", true},
		{"06:00", true},
		{"06:01", false},
		{"21:59", false},
	}
	for _, tc := range cases {
		at := mustLocal(t, "2026-03-03 "+tc.clock, time.UTC)
		ok, err := Evaluate(s, at, time.UTC)
		if err != nil {
			t.Fatalf("evaluate %s: %v", tc.clock, err)
		}
		if ok != tc.want {
			t.Fatalf("at %s: got %v want %v", tc.clock, ok, tc.want)
		}
	}
}

func TestEvaluateOvernightWindowUsesStartingWeekday(t *testing.T) {
	t.Parallel()

	// Monday only: Monday 23:00 and Tuesday 05:00 belong to the Monday window.
	s := &domain.Schedule{Weekdays: []int{int(time.Monday)}, StartTime: "22:00", EndTime: "06:00"}
	cases := []struct {
		at   string
		want bool
	}{
		{"2026-03-02 23:00", true},
		{"2026-03-03 05:00", true},
		{"2026-03-03 23:00", false},
		{"2026-03-02 05:00", false},
	}
	for _, tc := range cases {
		ok, err := Evaluate(s, mustLocal(t, tc.at, time.UTC), time.UTC)
		if err != nil {
			t.Fatalf("evaluate: %v", err)
		}
		if ok != tc.want {
			t.Fatalf("at %s: got %v want %v", tc.at, ok, tc.want)
		}
	}
}

func TestEvaluateUsesFacilityLocation(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("facility", 3*60*60)
	s := &domain.Schedule{Weekdays: []int{int(time.Tuesday)}, StartTime: "08:00", EndTime: "10:00"}
	// 06:00 UTC is 09:00 local.
	at := time.Date(2026, 3, 3, 6, 0, 0, 0, time.UTC)
	ok, err := Evaluate(s, at, loc)
	if err != nil || !ok {
		t.Fatalf("expected local 09:00 to match, got ok=%v err=%v", ok, err)
	}
	ok, err = Evaluate(s, at, time.UTC)
	if err != nil || ok {
		t.Fatalf("expected UTC 06:00 to miss, got ok=%v err=%v", ok, err)
	}
}

func TestEvaluateInclusiveBoundsAndEndOfDay(t *testing.T) {
	t.Parallel()

	s := &domain.Schedule{Weekdays: allDays, StartTime: "09:00", EndTime: "24:00"}
	for _, clock := range []string{"09:00", "23:59"} {
		ok, err := Evaluate(s, mustLocal(t, "2026-03-03 "+clock, time.UTC), time.UTC)
		if err != nil || !ok {
			t.Fatalf("expected %s to match, got ok=%v err=%v", clock, ok, err)
		}
	}
}

func TestCompileRejectsMalformedSchedule(t *testing.T) {
	t.Parallel()

	cases := []domain.Schedule{
		{Weekdays: []int{7}, StartTime: "08:00", EndTime: "09:00"},
		{Weekdays: allDays, StartTime: "8", EndTime: "09:00"},
		{Weekdays: allDays, StartTime: "25:00", EndTime: "09:00"},
		{Weekdays: allDays, StartTime: "24:00", EndTime: "09:00"},
		{Weekdays: allDays, StartTime: "08:00", EndTime: "09:60"},
		{Weekdays: allDays, StartTime: "08:00", EndTime: ""},
	}
	for i, s := range cases {
		if err := Validate(s); err == nil {
			t.Fatalf("case %d: expected validation error for %+v", i, s)
		}
	}
}

func mustLocal(t *testing.T, value string, loc *time.Location) time.Time {
	t.Helper()
	parsed, err := time.ParseInLocation("2006-01-02 15:04", value, loc)
	if err != nil {
		t.Fatalf("parse %q: %v", value, err)
	}
	return parsed
}
