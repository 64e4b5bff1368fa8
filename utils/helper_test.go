package utils

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestResolveDateKey_StoreLocalDay(t *testing.T) {
	cases := []struct {
		name     string
		instant  time.Time
		timezone string
		want     string
	}{
		{
			name:     "utc offset zero keeps the utc day",
			instant:  time.Date(2024, 3, 2, 9, 15, 0, 0, time.UTC),
			timezone: "Africa/Accra",
			want:     "2024-03-02",
		},
		{
			name:     "negative offset rolls back to the previous day",
			instant:  time.Date(2024, 3, 2, 2, 30, 0, 0, time.UTC),
			timezone: "America/New_York",
			want:     "2024-03-01",
		},
		{
			name:     "empty timezone falls back to utc",
			instant:  time.Date(2024, 3, 2, 2, 30, 0, 0, time.UTC),
			timezone: "",
			want:     "2024-03-02",
		},
		{
			name:     "invalid timezone falls back to utc",
			instant:  time.Date(2024, 3, 2, 2, 30, 0, 0, time.UTC),
			timezone: "Not/AZone",
			want:     "2024-03-02",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ResolveDateKey(tc.instant, tc.timezone); got != tc.want {
				t.Fatalf("ResolveDateKey(%v, %q) = %q, want %q", tc.instant, tc.timezone, got, tc.want)
			}
		})
	}
}

func TestPreviousDayWindow(t *testing.T) {
	// 01:30 UTC on March 2nd is still the evening of March 1st in New York,
	// so the previous local day is Feb 29th (2024 is a leap year).
	now := time.Date(2024, 3, 2, 1, 30, 0, 0, time.UTC)
	dateKey, start, end := PreviousDayWindow(now, "America/New_York")
	if dateKey != "2024-02-29" {
		t.Fatalf("dateKey = %q, want 2024-02-29", dateKey)
	}
	if !start.Before(end) {
		t.Fatalf("window start %v not before end %v", start, end)
	}
	if got := end.Sub(start); got != 24*time.Hour {
		t.Fatalf("window length = %v, want 24h", got)
	}
}

func TestPreviousDayWindow_DSTSpringForward(t *testing.T) {
	// March 10 2024 is the US spring-forward day: only 23 hours long.
	now := time.Date(2024, 3, 11, 17, 0, 0, 0, time.UTC)
	dateKey, start, end := PreviousDayWindow(now, "America/New_York")
	if dateKey != "2024-03-10" {
		t.Fatalf("dateKey = %q, want 2024-03-10", dateKey)
	}
	if got := end.Sub(start); got != 23*time.Hour {
		t.Fatalf("spring-forward window length = %v, want 23h", got)
	}
}

func TestDayWindow_ContainsInstant(t *testing.T) {
	instant := time.Date(2024, 3, 2, 2, 30, 0, 0, time.UTC)
	start, end := DayWindow(instant, "America/New_York")
	if instant.Before(start) || !instant.Before(end) {
		t.Fatalf("instant %v outside window [%v, %v)", instant, start, end)
	}
}

func TestRound2(t *testing.T) {
	got := Round2(decimal.RequireFromString("10.005"))
	if got.String() != "10.01" {
		t.Fatalf("Round2(10.005) = %s, want 10.01", got.String())
	}
	got = Round2(decimal.RequireFromString("3.14159"))
	if got.String() != "3.14" {
		t.Fatalf("Round2(3.14159) = %s, want 3.14", got.String())
	}
}
