// Package markethours gates the engine on the KRX regular trading session:
// 09:00–15:30 KST, Monday through Friday, excluding exchange holidays.
package markethours

import (
	"fmt"
	"time"
)

// KST is Korea Standard Time (UTC+9). Korea has no daylight saving, so a
// fixed zone is exact and avoids a tzdata dependency.
var KST = time.FixedZone("KST", 9*3600)

// Session bounds in KST.
const (
	OpenHour    = 9
	OpenMinute  = 0
	CloseHour   = 15
	CloseMinute = 30

	// Pre-session warm-up: token refresh ahead of the bell, WS connect
	// just before it.
	PreOpenMinutesBefore   = 5
	WSConnectMinutesBefore = 1
)

// IsMarketOpen reports whether t falls inside the KRX regular session
// (09:00–15:30 KST, Mon–Fri, excluding holidays).
func IsMarketOpen(t time.Time) bool {
	kst := t.In(KST)
	wd := kst.Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return false
	}
	if IsHoliday(kst) {
		return false
	}
	hm := kst.Hour()*60 + kst.Minute()
	return hm >= OpenHour*60+OpenMinute && hm < CloseHour*60+CloseMinute
}

// IsWeekday reports whether t is Mon–Fri in KST.
func IsWeekday(t time.Time) bool {
	wd := t.In(KST).Weekday()
	return wd >= time.Monday && wd <= time.Friday
}

// IsTradingDay reports whether t is a weekday and not an exchange holiday.
func IsTradingDay(t time.Time) bool {
	kst := t.In(KST)
	return IsWeekday(kst) && !IsHoliday(kst)
}

// NextOpen returns the next session open (09:00 KST on the next trading
// day). If t is before today's open on a trading day, returns today's open.
func NextOpen(t time.Time) time.Time {
	kst := t.In(KST)

	todayOpen := time.Date(kst.Year(), kst.Month(), kst.Day(), OpenHour, OpenMinute, 0, 0, KST)
	if kst.Before(todayOpen) && IsTradingDay(kst) {
		return todayOpen
	}

	d := kst.AddDate(0, 0, 1)
	for i := 0; i < 10; i++ { // holidays plus a weekend never exceed this
		if IsTradingDay(d) {
			return time.Date(d.Year(), d.Month(), d.Day(), OpenHour, OpenMinute, 0, 0, KST)
		}
		d = d.AddDate(0, 0, 1)
	}
	return time.Date(kst.Year(), kst.Month(), kst.Day()+1, OpenHour, OpenMinute, 0, 0, KST)
}

// NextPreOpen returns the warm-up time ahead of the next open, used to
// refresh the access token before the session starts.
func NextPreOpen(t time.Time) time.Time {
	return NextOpen(t).Add(-time.Duration(PreOpenMinutesBefore) * time.Minute)
}

// WSConnectTime returns when to connect the realtime WebSocket for the
// given open time.
func WSConnectTime(openTime time.Time) time.Time {
	return openTime.Add(-time.Duration(WSConnectMinutesBefore) * time.Minute)
}

// TodayClose returns today's session close (15:30 KST).
func TodayClose(t time.Time) time.Time {
	kst := t.In(KST)
	return time.Date(kst.Year(), kst.Month(), kst.Day(), CloseHour, CloseMinute, 0, 0, KST)
}

// TimeUntilClose returns the duration until today's close, or 0 if the
// session has already ended.
func TimeUntilClose(t time.Time) time.Duration {
	d := TodayClose(t).Sub(t.In(KST))
	if d < 0 {
		return 0
	}
	return d
}

// TimeUntilOpen returns the duration until the next session open.
func TimeUntilOpen(t time.Time) time.Duration {
	return NextOpen(t).Sub(t.In(KST))
}

// StatusString returns a human-readable session status for logs.
func StatusString(t time.Time) string {
	if IsMarketOpen(t) {
		return fmt.Sprintf("Market Open — closes in %s", fmtDur(TimeUntilClose(t)))
	}
	next := NextOpen(t)
	kst := next.In(KST)
	return fmt.Sprintf("Market Closed — opens %s %s (%s)",
		kst.Weekday().String()[:3], kst.Format("15:04"), fmtDur(next.Sub(t)))
}

func fmtDur(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
