package cron

import (
	"time"

	robfig "github.com/robfig/cron/v3"
)

// starBit marks a field written as "*". robfig sets it on unrestricted
// fields but does not export the constant.
const starBit = 1 << 63

// Schedule is a parsed cron expression. It is immutable and safe for
// concurrent use.
type Schedule struct {
	expr string
	spec *robfig.SpecSchedule
}

// String returns the expression the schedule was parsed from.
func (s *Schedule) String() string { return s.expr }

// Matches reports whether the minute containing t is a scheduled minute.
func (s *Schedule) Matches(t time.Time) bool {
	return s.spec.Minute&(1<<uint(t.Minute())) != 0 &&
		s.spec.Hour&(1<<uint(t.Hour())) != 0 &&
		s.spec.Month&(1<<uint(t.Month())) != 0 &&
		s.dayMatches(t)
}

// dayMatches follows Vixie cron: when either day field is "*" both must
// match, otherwise either one suffices.
func (s *Schedule) dayMatches(t time.Time) bool {
	domMatch := s.spec.Dom&(1<<uint(t.Day())) != 0
	dowMatch := s.spec.Dow&(1<<uint(t.Weekday())) != 0
	if s.spec.Dom&starBit != 0 || s.spec.Dow&starBit != 0 {
		return domMatch && dowMatch
	}
	return domMatch || dowMatch
}

// Next returns the first scheduled minute strictly after t, in t's location.
// It returns the zero time when nothing matches within five years.
//
// A wall-clock minute that a backward DST shift repeats is scheduled once,
// on its first occurrence.
func (s *Schedule) Next(t time.Time) time.Time {
	n := s.spec.Next(t)
	for !n.IsZero() && repeatedWallClock(n) {
		n = s.spec.Next(n)
	}
	return n
}

// repeatedWallClock reports whether the wall-clock minute of t already
// happened earlier, before the zone's offset moved back.
func repeatedWallClock(t time.Time) bool {
	_, offset := t.Zone()
	_, before := t.Add(-24 * time.Hour).Zone()
	if before <= offset {
		return false
	}
	earlier := t.Add(-time.Duration(before-offset) * time.Second)
	return earlier.Hour() == t.Hour() && earlier.Minute() == t.Minute() && earlier.Day() == t.Day()
}

// IsDue reports whether a scheduled minute falls in (lastEvaluated, now].
func (s *Schedule) IsDue(now, lastEvaluated time.Time) bool {
	next := s.Next(lastEvaluated)
	return !next.IsZero() && !next.After(now)
}

// Latest returns the most recent scheduled minute in (after, upTo]. Several
// missed minutes in the window collapse into the latest one.
func (s *Schedule) Latest(after, upTo time.Time) (time.Time, bool) {
	if !upTo.After(after) {
		return time.Time{}, false
	}

	// Search growing windows ending at upTo so dense schedules over long
	// windows stay cheap.
	span := time.Hour
	for {
		from := upTo.Add(-span)
		if !from.After(after) {
			from = after
		}
		if last, ok := s.lastIn(from, upTo); ok {
			return last, true
		}
		if from.Equal(after) {
			return time.Time{}, false
		}
		span *= 2
	}
}

func (s *Schedule) lastIn(from, upTo time.Time) (time.Time, bool) {
	n := s.Next(from)
	if n.IsZero() || n.After(upTo) {
		return time.Time{}, false
	}
	for {
		m := s.Next(n)
		if m.IsZero() || m.After(upTo) {
			return n, true
		}
		n = m
	}
}
