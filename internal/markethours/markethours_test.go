package markethours

import (
	"testing"
	"time"
)

func kstTime(month time.Month, day, hour, min int) time.Time {
	return time.Date(2026, month, day, hour, min, 0, 0, KST)
}

func TestIsMarketOpen(t *testing.T) {
	cases := []struct {
		name string
		t    time.Time
		want bool
	}{
		{"mid-session weekday", kstTime(time.March, 4, 11, 30), true},
		{"at the open", kstTime(time.March, 4, 9, 0), true},
		{"before the open", kstTime(time.March, 4, 8, 59), false},
		{"at the close", kstTime(time.March, 4, 15, 30), false},
		{"saturday", kstTime(time.March, 7, 11, 0), false},
		{"sunday", kstTime(time.March, 8, 11, 0), false},
		{"seollal", kstTime(time.February, 17, 11, 0), false},
		{"children's day", kstTime(time.May, 5, 11, 0), false},
	}
	for _, tc := range cases {
		if got := IsMarketOpen(tc.t); got != tc.want {
			t.Errorf("%s: IsMarketOpen = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestNextOpenSkipsWeekendAndHoliday(t *testing.T) {
	// Friday 2026-02-27 after close. Monday 2026-03-02 is a substitute
	// closure, so the next open is Tuesday 2026-03-03 09:00.
	got := NextOpen(kstTime(time.February, 27, 16, 0))
	want := kstTime(time.March, 3, 9, 0)
	if !got.Equal(want) {
		t.Errorf("NextOpen = %v, want %v", got, want)
	}
}

func TestNextOpenSameDayBeforeOpen(t *testing.T) {
	got := NextOpen(kstTime(time.March, 4, 8, 0))
	want := kstTime(time.March, 4, 9, 0)
	if !got.Equal(want) {
		t.Errorf("NextOpen = %v, want %v", got, want)
	}
}

func TestTimeUntilClose(t *testing.T) {
	d := TimeUntilClose(kstTime(time.March, 4, 15, 0))
	if d != 30*time.Minute {
		t.Errorf("TimeUntilClose = %v, want 30m", d)
	}
	if d := TimeUntilClose(kstTime(time.March, 4, 16, 0)); d != 0 {
		t.Errorf("after close TimeUntilClose = %v, want 0", d)
	}
}

func TestHandlesNonKSTInput(t *testing.T) {
	// 2026-03-04 01:00 UTC is 10:00 KST, inside the session.
	utc := time.Date(2026, time.March, 4, 1, 0, 0, 0, time.UTC)
	if !IsMarketOpen(utc) {
		t.Error("UTC input inside session reported closed")
	}
}
