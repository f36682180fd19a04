package engine

import (
	"sync"
	"time"

	"github.com/flemzord/cronkeep/internal/cron"
	"github.com/flemzord/cronkeep/internal/job"
)

// DueJob is a job with an occurrence to fire.
type DueJob struct {
	Job job.Definition

	// At is the latest scheduled minute in the evaluated window.
	At time.Time
}

// InvalidJob is an active job whose schedule does not parse.
type InvalidJob struct {
	Job job.Definition
	Err error
}

// EvaluateResult is the outcome of one evaluation.
type EvaluateResult struct {
	Due     []DueJob
	Invalid []InvalidJob
}

// Evaluate returns the jobs with a scheduled minute in (prev, now]. Several
// missed minutes collapse into one due entry at the latest of them, so
// consecutive windows never fire an occurrence twice. Jobs with an invalid
// schedule are reported and never due. cache may be nil.
func Evaluate(jobs []job.Definition, prev, now time.Time, cache *ScheduleCache) EvaluateResult {
	var res EvaluateResult
	for _, def := range jobs {
		sched, err := cache.Parse(def.Schedule)
		if err != nil {
			res.Invalid = append(res.Invalid, InvalidJob{Job: def, Err: err})
			continue
		}
		if at, ok := sched.Latest(prev, now); ok {
			res.Due = append(res.Due, DueJob{Job: def, At: at})
		}
	}
	return res
}

// ScheduleCache memoizes parsed schedules by expression. It is safe for
// concurrent use; a nil cache parses every time.
type ScheduleCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	sched *cron.Schedule
	err   error
}

// NewScheduleCache returns an empty cache.
func NewScheduleCache() *ScheduleCache {
	return &ScheduleCache{entries: make(map[string]cacheEntry)}
}

// Parse returns the cached parse of expr, parsing it on first use. Parse
// failures are cached too.
func (c *ScheduleCache) Parse(expr string) (*cron.Schedule, error) {
	if c == nil {
		return cron.Parse(expr)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[expr]; ok {
		return e.sched, e.err
	}
	sched, err := cron.Parse(expr)
	c.entries[expr] = cacheEntry{sched: sched, err: err}
	return sched, err
}

// Retain drops every entry whose expression is not used by jobs.
func (c *ScheduleCache) Retain(jobs []job.Definition) {
	if c == nil {
		return
	}
	keep := make(map[string]struct{}, len(jobs))
	for _, def := range jobs {
		keep[def.Schedule] = struct{}{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for expr := range c.entries {
		if _, ok := keep[expr]; !ok {
			delete(c.entries, expr)
		}
	}
}

// Len returns the number of cached expressions.
func (c *ScheduleCache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
