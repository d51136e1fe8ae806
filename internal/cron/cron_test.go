package cron

import (
	"testing"
	"time"
)

// 2024-01-01 was a Monday.
var monday = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

func mustParse(t *testing.T, expr string) Schedule {
	t.Helper()
	s, err := Parse(expr)
	if err != nil {
		t.Fatalf("Parse(%q): %v", expr, err)
	}
	return s
}

func nextOf(t *testing.T, expr string, from time.Time) time.Time {
	t.Helper()
	next, err := mustParse(t, expr).Next(from)
	if err != nil {
		t.Fatalf("Next(%q): %v", expr, err)
	}
	return next
}

func TestParse_Errors(t *testing.T) {
	bad := []string{
		"* * * *",
		"* * * * * *",
		"60 * * * *",
		"* 24 * * *",
		"* * 0 * *",
		"* * * 13 *",
		"* * * * 8",
		"*/0 * * * *",
		"5-1 * * * *",
		"a * * * *",
	}
	for _, expr := range bad {
		if _, err := Parse(expr); err == nil {
			t.Errorf("Parse(%q): expected error", expr)
		}
	}
}

func TestNext_WeeklySchedule(t *testing.T) {
	// Monday 05:30.
	if got := nextOf(t, "30 5 * * 1", monday); !got.Equal(monday.Add(5*time.Hour + 30*time.Minute)) {
		t.Errorf("got %s", got)
	}

	// Already past Monday 05:30: jump a week.
	from := monday.Add(6 * time.Hour)
	want := time.Date(2024, time.January, 8, 5, 30, 0, 0, time.UTC)
	if got := nextOf(t, "30 5 * * 1", from); !got.Equal(want) {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestNext_IsStrictlyAfter(t *testing.T) {
	from := time.Date(2024, time.January, 1, 12, 0, 0, 0, time.UTC)
	want := time.Date(2024, time.January, 2, 12, 0, 0, 0, time.UTC)
	if got := nextOf(t, "0 12 * * *", from); !got.Equal(want) {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestNext_StepMinutes(t *testing.T) {
	from := monday.Add(10*time.Hour + 7*time.Minute)
	want := monday.Add(10*time.Hour + 15*time.Minute)
	if got := nextOf(t, "*/15 * * * *", from); !got.Equal(want) {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestNext_RangeWithStep(t *testing.T) {
	from := monday.Add(10*time.Hour + 35*time.Minute)
	want := monday.Add(10*time.Hour + 40*time.Minute)
	if got := nextOf(t, "10-40/10 * * * *", from); !got.Equal(want) {
		t.Errorf("got %s, want %s", got, want)
	}

	from = monday.Add(10*time.Hour + 45*time.Minute)
	want = monday.Add(11*time.Hour + 10*time.Minute)
	if got := nextOf(t, "10-40/10 * * * *", from); !got.Equal(want) {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestNext_DayOfMonthAndWeekAreOrWhenBothRestricted(t *testing.T) {
	// Midnight on the 13th OR on a Friday. The first Friday of
	// January 2024 comes before the 13th.
	want := time.Date(2024, time.January, 5, 0, 0, 0, 0, time.UTC)
	if got := nextOf(t, "0 0 13 * 5", monday); !got.Equal(want) {
		t.Errorf("got %s, want %s", got, want)
	}

	// Just after the Friday the 12th fire: the 13th (a Saturday)
	// still matches through the day-of-month side.
	from := time.Date(2024, time.January, 12, 1, 0, 0, 0, time.UTC)
	want = time.Date(2024, time.January, 13, 0, 0, 0, 0, time.UTC)
	if got := nextOf(t, "0 0 13 * 5", from); !got.Equal(want) {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestNext_SingleRestrictedDayFieldDecidesAlone(t *testing.T) {
	want := time.Date(2024, time.January, 13, 0, 0, 0, 0, time.UTC)
	if got := nextOf(t, "0 0 13 * *", monday); !got.Equal(want) {
		t.Errorf("day-of-month only: got %s, want %s", got, want)
	}

	want = time.Date(2024, time.January, 5, 0, 0, 0, 0, time.UTC)
	if got := nextOf(t, "0 0 * * 5", monday); !got.Equal(want) {
		t.Errorf("day-of-week only: got %s, want %s", got, want)
	}
}

func TestNext_MonthAdvance(t *testing.T) {
	want := time.Date(2024, time.February, 13, 0, 0, 0, 0, time.UTC)
	if got := nextOf(t, "0 0 13 2 *", monday); !got.Equal(want) {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestNext_SevenMeansSunday(t *testing.T) {
	want := time.Date(2024, time.January, 7, 0, 0, 0, 0, time.UTC)
	if got := nextOf(t, "0 0 * * 7", monday); !got.Equal(want) {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestNext_ImpossibleScheduleErrors(t *testing.T) {
	s := mustParse(t, "0 0 31 2 *")
	if _, err := s.Next(monday); err == nil {
		t.Fatalf("expected error for Feb 31")
	}
}
