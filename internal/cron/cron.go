// Package cron parses five-field cron expressions into schedules that can
// answer "is this minute due" and "when is the next due minute". Parsing and
// the next-minute search are delegated to robfig/cron; this package narrows
// the accepted grammar to plain numeric fields and the common descriptors.
//
// The package is pure: it never reads the clock and performs no I/O. All
// calculations happen in the location of the instant passed in.
package cron

import (
	"errors"
	"fmt"
)

// ErrInvalidSchedule is matched by every error returned from Parse.
var ErrInvalidSchedule = errors.New("cron: invalid schedule")

// Field names reported in ParseError.
const (
	FieldExpression = "expression"
	FieldMinute     = "minute"
	FieldHour       = "hour"
	FieldDayOfMonth = "day-of-month"
	FieldMonth      = "month"
	FieldDayOfWeek  = "day-of-week"
)

// ParseError describes why an expression was rejected.
type ParseError struct {
	// Field is the offending field, or FieldExpression when the expression
	// as a whole is malformed (empty, wrong number of fields).
	Field string

	// Value is the raw text of the offending field.
	Value string

	// Reason is a human readable explanation.
	Reason string
}

func (e *ParseError) Error() string {
	if e.Field == FieldExpression {
		return fmt.Sprintf("cron: invalid expression %q: %s", e.Value, e.Reason)
	}
	return fmt.Sprintf("cron: invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// Unwrap lets errors.Is(err, ErrInvalidSchedule) succeed.
func (e *ParseError) Unwrap() error { return ErrInvalidSchedule }

// fieldNames lists the five fields in expression order.
var fieldNames = [5]string{FieldMinute, FieldHour, FieldDayOfMonth, FieldMonth, FieldDayOfWeek}

// descriptors are the accepted shorthands. Matching ignores case.
var descriptors = map[string]bool{
	"@yearly":   true,
	"@annually": true,
	"@monthly":  true,
	"@weekly":   true,
	"@daily":    true,
	"@midnight": true,
	"@hourly":   true,
}
