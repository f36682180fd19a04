package cron

import (
	"fmt"
	"strings"

	robfig "github.com/robfig/cron/v3"
)

var parser = robfig.NewParser(robfig.Minute | robfig.Hour | robfig.Dom | robfig.Month | robfig.Dow | robfig.Descriptor)

// fieldChars is everything a field may contain. Month and weekday names,
// "?" and time zone prefixes are accepted by robfig but not here.
const fieldChars = "0123456789*,-/"

// Parse turns a cron expression into a Schedule.
//
// The expression has five whitespace separated fields: minute, hour,
// day-of-month, month and day-of-week. Each field is a comma separated list
// of "*", "N", "A-B", "*/S", "A-B/S" or "A/S" items. The descriptors
// @yearly, @annually, @monthly, @weekly, @daily, @midnight and @hourly are
// accepted as shorthands.
//
// Values outside a field's range are rejected, never clamped.
func Parse(expr string) (*Schedule, error) {
	spec := strings.TrimSpace(expr)
	if spec == "" {
		return nil, &ParseError{Field: FieldExpression, Value: expr, Reason: "empty expression"}
	}

	if strings.HasPrefix(spec, "@") {
		spec = strings.ToLower(spec)
		if !descriptors[spec] {
			return nil, &ParseError{Field: FieldExpression, Value: expr, Reason: "unknown descriptor"}
		}
	} else if err := precheck(expr, spec); err != nil {
		return nil, err
	}

	parsed, err := parser.Parse(spec)
	if err != nil {
		return nil, locate(expr, spec, err)
	}
	sched, ok := parsed.(*robfig.SpecSchedule)
	if !ok {
		return nil, &ParseError{Field: FieldExpression, Value: expr, Reason: "unsupported schedule"}
	}
	return &Schedule{expr: strings.TrimSpace(expr), spec: sched}, nil
}

// precheck rejects what robfig would accept but cronkeep does not: a field
// count other than five and anything but digits and operators in a field.
func precheck(expr, spec string) error {
	if strings.HasPrefix(spec, "TZ=") || strings.HasPrefix(spec, "CRON_TZ=") {
		return &ParseError{Field: FieldExpression, Value: expr, Reason: "time zone prefixes are not supported"}
	}

	fields := strings.Fields(spec)
	if len(fields) != len(fieldNames) {
		return &ParseError{
			Field:  FieldExpression,
			Value:  expr,
			Reason: fmt.Sprintf("expected %d fields, got %d", len(fieldNames), len(fields)),
		}
	}
	for i, f := range fields {
		if idx := strings.IndexFunc(f, func(r rune) bool { return !strings.ContainsRune(fieldChars, r) }); idx >= 0 {
			return &ParseError{Field: fieldNames[i], Value: f, Reason: fmt.Sprintf("unexpected character %q", f[idx])}
		}
		for item := range strings.SplitSeq(f, ",") {
			if item == "" {
				return &ParseError{Field: fieldNames[i], Value: f, Reason: "empty list item"}
			}
		}
	}
	return nil
}

// locate turns a robfig error into a ParseError naming the field at fault.
// robfig reports the offending text but not its position, so each field is
// parsed again on its own.
func locate(expr, spec string, err error) *ParseError {
	fields := strings.Fields(spec)
	if len(fields) == len(fieldNames) {
		for i, f := range fields {
			alone := [5]string{"*", "*", "*", "*", "*"}
			alone[i] = f
			if _, ferr := parser.Parse(strings.Join(alone[:], " ")); ferr != nil {
				return &ParseError{Field: fieldNames[i], Value: f, Reason: ferr.Error()}
			}
		}
	}
	return &ParseError{Field: FieldExpression, Value: expr, Reason: err.Error()}
}
