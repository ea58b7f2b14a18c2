package schedule_test

import (
	"errors"
	"testing"
	"time"

	"github.com/chronotask/chronotask/internal/domain"
	"github.com/chronotask/chronotask/internal/schedule"
)

func mustTime(t *testing.T, value string) time.Time {
	t.Helper()
	at, err := time.Parse(time.RFC3339, value)
	if err != nil {
		t.Fatalf("parse %q: %v", value, err)
	}
	return at
}

func TestNextAfter_CronUTC(t *testing.T) {
	anchor := mustTime(t, "2025-01-01T00:00:00Z")

	next, err := schedule.NextAfter(domain.KindCron, "*/5 * * * *", "UTC", anchor, anchor)
	if err != nil {
		t.Fatalf("next after: %v", err)
	}
	if next == nil {
		t.Fatal("expected a fire instant")
	}
	if want := mustTime(t, "2025-01-01T00:05:00Z"); !next.Equal(want) {
		t.Fatalf("expected %s, got %s", want, next)
	}
}

func TestNextAfter_CronStrictlyAfterAnchor(t *testing.T) {
	// An anchor sitting exactly on a match must not fire again at itself.
	anchor := mustTime(t, "2025-01-01T00:05:00Z")

	next, err := schedule.NextAfter(domain.KindCron, "*/5 * * * *", "UTC", anchor, anchor)
	if err != nil {
		t.Fatalf("next after: %v", err)
	}
	if want := mustTime(t, "2025-01-01T00:10:00Z"); !next.Equal(want) {
		t.Fatalf("expected %s, got %s", want, next)
	}
}

func TestNextAfter_CronDSTSpringForward(t *testing.T) {
	// Chisinau springs forward 2025-03-30: 02:00 jumps to 03:00, so a 02:30
	// daily cron has no valid wall clock that day and must skip to the next
	// day's occurrence.
	anchor := mustTime(t, "2025-03-29T12:00:00Z")

	next, err := schedule.NextAfter(domain.KindCron, "30 2 * * *", "Europe/Chisinau", anchor, anchor)
	if err != nil {
		t.Fatalf("next after: %v", err)
	}

	loc, _ := time.LoadLocation("Europe/Chisinau")
	local := next.In(loc)
	if local.Day() != 31 || local.Hour() != 2 || local.Minute() != 30 {
		t.Fatalf("expected 03-31 02:30 local, got %s", local)
	}
}

func TestNextAfter_CronDSTFallBackFiresOnce(t *testing.T) {
	// Fall-back 2025-10-26: the 02:00–03:00 wall clock repeats. The 02:30
	// occurrence fires on its first occurrence only, then the next fire is
	// the following day.
	anchor := mustTime(t, "2025-10-25T12:00:00Z")
	expr := "30 2 * * *"

	first, err := schedule.NextAfter(domain.KindCron, expr, "Europe/Chisinau", anchor, anchor)
	if err != nil {
		t.Fatalf("next after: %v", err)
	}
	second, err := schedule.NextAfter(domain.KindCron, expr, "Europe/Chisinau", anchor, *first)
	if err != nil {
		t.Fatalf("next after: %v", err)
	}

	loc, _ := time.LoadLocation("Europe/Chisinau")
	if first.In(loc).Day() != 26 {
		t.Fatalf("expected first fire on the 26th, got %s", first.In(loc))
	}
	if second.In(loc).Day() != 27 {
		t.Fatalf("expected second fire on the 27th, got %s", second.In(loc))
	}
	if gap := second.Sub(*first); gap < 23*time.Hour || gap > 25*time.Hour {
		t.Fatalf("expected roughly one day between fires, got %s", gap)
	}
}

func TestNextAfter_RRuleDailyCountAcrossDST(t *testing.T) {
	// Three daily 09:00 fires in Chisinau starting 2025-03-29; the clocks
	// jump forward on 03-30, so the UTC gaps are 23h then 24h.
	loc, _ := time.LoadLocation("Europe/Chisinau")
	dtstart := time.Date(2025, 3, 29, 0, 0, 0, 0, loc)
	expr := "FREQ=DAILY;COUNT=3;BYHOUR=9;BYMINUTE=0;BYSECOND=0"

	var fires []time.Time
	anchor := dtstart.UTC()
	for {
		next, err := schedule.NextAfter(domain.KindRRule, expr, "Europe/Chisinau", dtstart, anchor)
		if err != nil {
			t.Fatalf("next after: %v", err)
		}
		if next == nil {
			break
		}
		fires = append(fires, *next)
		anchor = *next
	}

	if len(fires) != 3 {
		t.Fatalf("expected 3 fires, got %d: %v", len(fires), fires)
	}
	for i, f := range fires {
		local := f.In(loc)
		if local.Hour() != 9 || local.Minute() != 0 {
			t.Fatalf("fire %d not at local 09:00: %s", i, local)
		}
		if local.Day() != 29+i {
			t.Fatalf("fire %d on wrong day: %s", i, local)
		}
	}
	if gap := fires[1].Sub(fires[0]); gap != 23*time.Hour {
		t.Fatalf("expected 23h between first fires (spring forward), got %s", gap)
	}
	if gap := fires[2].Sub(fires[1]); gap != 24*time.Hour {
		t.Fatalf("expected 24h between later fires, got %s", gap)
	}
}

func TestNextAfter_RRuleExhausted(t *testing.T) {
	dtstart := mustTime(t, "2025-01-01T09:00:00Z")

	next, err := schedule.NextAfter(domain.KindRRule, "FREQ=DAILY;COUNT=2", "UTC", dtstart, mustTime(t, "2025-02-01T00:00:00Z"))
	if err != nil {
		t.Fatalf("next after: %v", err)
	}
	if next != nil {
		t.Fatalf("expected exhausted rrule to return nil, got %s", next)
	}
}

func TestNextAfter_Once(t *testing.T) {
	at := "2025-06-01T12:00:00Z"

	next, err := schedule.NextAfter(domain.KindOnce, at, "UTC", time.Time{}, mustTime(t, "2025-01-01T00:00:00Z"))
	if err != nil {
		t.Fatalf("next after: %v", err)
	}
	if next == nil || !next.Equal(mustTime(t, at)) {
		t.Fatalf("expected %s, got %v", at, next)
	}

	// Past the instant: no further fires.
	next, err = schedule.NextAfter(domain.KindOnce, at, "UTC", time.Time{}, mustTime(t, at))
	if err != nil {
		t.Fatalf("next after: %v", err)
	}
	if next != nil {
		t.Fatalf("expected nil after the instant, got %s", next)
	}
}

func TestNextAfter_EventAndManualNeverFire(t *testing.T) {
	anchor := mustTime(t, "2025-01-01T00:00:00Z")

	for _, kind := range []domain.ScheduleKind{domain.KindEvent, domain.KindManual} {
		next, err := schedule.NextAfter(kind, "whatever", "UTC", anchor, anchor)
		if err != nil {
			t.Fatalf("%s: %v", kind, err)
		}
		if next != nil {
			t.Fatalf("%s: expected nil, got %s", kind, next)
		}
	}
}

func TestNextAfter_Monotonic(t *testing.T) {
	// Successive fires are strictly increasing.
	anchor := mustTime(t, "2025-01-01T00:00:00Z")
	prev := anchor
	for i := 0; i < 50; i++ {
		next, err := schedule.NextAfter(domain.KindCron, "*/7 * * * *", "UTC", anchor, prev)
		if err != nil {
			t.Fatalf("next after: %v", err)
		}
		if !next.After(prev) {
			t.Fatalf("fire %d not strictly increasing: %s then %s", i, prev, next)
		}
		prev = *next
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		kind    domain.ScheduleKind
		expr    string
		tz      string
		wantErr bool
	}{
		{"valid cron", domain.KindCron, "*/5 * * * *", "UTC", false},
		{"cron with seconds", domain.KindCron, "0 */5 * * * *", "UTC", false},
		{"cron descriptor", domain.KindCron, "@hourly", "UTC", false},
		{"bad cron", domain.KindCron, "not a cron", "UTC", true},
		{"valid rrule", domain.KindRRule, "FREQ=DAILY;COUNT=3", "UTC", false},
		{"bad rrule", domain.KindRRule, "FREQ=SOMETIMES", "UTC", true},
		{"valid once", domain.KindOnce, "2025-06-01T12:00:00Z", "UTC", false},
		{"bad once", domain.KindOnce, "june first", "UTC", true},
		{"event topic", domain.KindEvent, "deploys.finished", "UTC", false},
		{"event without topic", domain.KindEvent, "", "UTC", true},
		{"manual", domain.KindManual, "", "UTC", false},
		{"bad timezone", domain.KindCron, "*/5 * * * *", "Mars/Olympus", true},
		{"real timezone", domain.KindCron, "*/5 * * * *", "Europe/Chisinau", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := schedule.Validate(tt.kind, tt.expr, tt.tz)
			if tt.wantErr && err == nil {
				t.Fatal("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidate_ParseErrorType(t *testing.T) {
	err := schedule.Validate(domain.KindCron, "bogus", "UTC")
	var parseErr *domain.ScheduleParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected ScheduleParseError, got %T: %v", err, err)
	}
}
