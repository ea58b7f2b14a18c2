// Package schedule turns schedule expressions into fire instants.
package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/chronotask/chronotask/internal/domain"
	"github.com/robfig/cron/v3"
	"github.com/teambition/rrule-go"
)

// cronParser accepts five-field expressions, an optional leading seconds
// field, and @descriptors.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Validate parses kind/expr and resolves tz. It returns the error the input
// adapter surfaces on task create; the tick loop never sees a parse failure.
func Validate(kind domain.ScheduleKind, expr, tz string) error {
	if _, err := time.LoadLocation(tz); err != nil {
		return fmt.Errorf("%w: %s", domain.ErrUnknownTimezone, tz)
	}
	switch kind {
	case domain.KindCron:
		if _, err := cronParser.Parse(expr); err != nil {
			return &domain.ScheduleParseError{Kind: kind, Expr: expr, Err: err}
		}
	case domain.KindRRule:
		if _, err := parseRRule(expr, time.Now().UTC()); err != nil {
			return &domain.ScheduleParseError{Kind: kind, Expr: expr, Err: err}
		}
	case domain.KindOnce:
		if _, err := time.Parse(time.RFC3339, expr); err != nil {
			return &domain.ScheduleParseError{Kind: kind, Expr: expr, Err: err}
		}
	case domain.KindEvent:
		if expr == "" {
			return &domain.ScheduleParseError{Kind: kind, Expr: expr, Err: fmt.Errorf("event topic required")}
		}
	case domain.KindManual:
		// no expression
	default:
		return &domain.ScheduleParseError{Kind: kind, Expr: expr, Err: fmt.Errorf("unknown kind")}
	}
	return nil
}

// NextAfter computes the first instant strictly after anchor at which the
// schedule fires, in UTC. A nil result means the schedule has no further
// fires: exhausted rrules, past one-shots, and all event/manual tasks.
//
// dtstart anchors rrules that do not embed their own DTSTART; tasks pass
// their creation time.
func NextAfter(kind domain.ScheduleKind, expr, tz string, dtstart, anchor time.Time) (*time.Time, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownTimezone, tz)
	}

	switch kind {
	case domain.KindCron:
		sched, err := cronParser.Parse(expr)
		if err != nil {
			return nil, &domain.ScheduleParseError{Kind: kind, Expr: expr, Err: err}
		}
		// Next interprets the expression in the anchor's location and skips
		// nonexistent local times; the loop drops a match that repeats a wall
		// clock already passed before a fall-back, so it fires once.
		next := sched.Next(anchor.In(loc))
		for !next.IsZero() {
			_, off := next.Zone()
			_, earlierOff := next.Add(-3 * time.Hour).Zone()
			first := next.Add(-time.Duration(earlierOff-off) * time.Second)
			if earlierOff <= off || first.Format(time.DateTime) != next.Format(time.DateTime) {
				break
			}
			next = sched.Next(next)
		}
		if next.IsZero() {
			return nil, nil
		}
		u := next.UTC()
		return &u, nil

	case domain.KindRRule:
		r, err := parseRRule(expr, dtstart.In(loc))
		if err != nil {
			return nil, &domain.ScheduleParseError{Kind: kind, Expr: expr, Err: err}
		}
		next := r.After(anchor.In(loc), false)
		if next.IsZero() {
			return nil, nil
		}
		u := next.UTC()
		return &u, nil

	case domain.KindOnce:
		at, err := time.Parse(time.RFC3339, expr)
		if err != nil {
			return nil, &domain.ScheduleParseError{Kind: kind, Expr: expr, Err: err}
		}
		if !anchor.Before(at) {
			return nil, nil
		}
		u := at.UTC()
		return &u, nil

	case domain.KindEvent, domain.KindManual:
		// Fired only by event ingestion / run-now; never by the tick loop.
		return nil, nil
	}
	return nil, &domain.ScheduleParseError{Kind: kind, Expr: expr, Err: fmt.Errorf("unknown kind")}
}

// nexter is satisfied by both *rrule.RRule and *rrule.Set.
type nexter interface {
	After(dt time.Time, inc bool) time.Time
}

func parseRRule(expr string, dtstart time.Time) (nexter, error) {
	if strings.Contains(expr, "DTSTART") {
		return rrule.StrToRRuleSet(expr)
	}
	opts, err := rrule.StrToROption(expr)
	if err != nil {
		return nil, err
	}
	opts.Dtstart = dtstart
	return rrule.NewRRule(*opts)
}
