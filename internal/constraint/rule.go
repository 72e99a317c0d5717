// Package constraint implements named scheduling rules that delay
// dispatch during recurring windows (quiet hours, school hours) and
// suppress cache expiry while a window is open.
package constraint

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/clawinfra/satchel/internal/types"
)

// Scope selects which mechanism a rule participates in. Queue delay,
// sync delay and cache expiry suppression are configured independently.
type Scope string

const (
	ScopeQueue Scope = "queue"
	ScopeSync  Scope = "sync"
	ScopeCache Scope = "cache"
)

// Rule is one named constraint. The window opens at each cron occurrence
// and stays open for the duration. While open, queue-scoped rules add
// their delay to new operations, sync-scoped rules defer reconnection
// sync, and cache-scoped rules suppress expiry of flagged entries.
type Rule struct {
	Name             string   `yaml:"name"`
	Cron             string   `yaml:"cron"`
	DurationMins     int      `yaml:"duration_mins"`
	DelayMins        int      `yaml:"delay_mins"`
	Scopes           []string `yaml:"scopes"`
	ExemptPriorities []string `yaml:"exempt_priorities"`

	schedule cron.Schedule
	duration time.Duration
	delay    time.Duration
}

// Validate checks the rule and compiles its cron expression.
func (r *Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if r.DurationMins <= 0 {
		return fmt.Errorf("rule %s: duration_mins must be positive", r.Name)
	}
	if r.DelayMins < 0 {
		return fmt.Errorf("rule %s: delay_mins must not be negative", r.Name)
	}
	sched, err := cron.ParseStandard(r.Cron)
	if err != nil {
		return fmt.Errorf("rule %s: invalid cron expression %q: %w", r.Name, r.Cron, err)
	}
	for _, s := range r.Scopes {
		switch Scope(s) {
		case ScopeQueue, ScopeSync, ScopeCache:
		default:
			return fmt.Errorf("rule %s: unknown scope %q", r.Name, s)
		}
	}
	for _, p := range r.ExemptPriorities {
		if !types.Priority(p).Valid() {
			return fmt.Errorf("rule %s: unknown priority %q", r.Name, p)
		}
	}
	r.schedule = sched
	r.duration = time.Duration(r.DurationMins) * time.Minute
	r.delay = time.Duration(r.DelayMins) * time.Minute
	return nil
}

// ActiveAt reports whether the rule's window is open at t: the most
// recent cron occurrence lies within (t-duration, t].
func (r *Rule) ActiveAt(t time.Time) bool {
	if r.schedule == nil {
		return false
	}
	next := r.schedule.Next(t.Add(-r.duration))
	return !next.After(t)
}

// Delay returns the per-window dispatch delay.
func (r *Rule) Delay() time.Duration {
	return r.delay
}

// appliesTo reports whether the rule participates in the scope. A rule
// with no scopes applies to all of them.
func (r *Rule) appliesTo(scope Scope) bool {
	if len(r.Scopes) == 0 {
		return true
	}
	for _, s := range r.Scopes {
		if Scope(s) == scope {
			return true
		}
	}
	return false
}

// exempts reports whether the priority bypasses this rule.
func (r *Rule) exempts(pri types.Priority) bool {
	for _, p := range r.ExemptPriorities {
		if types.Priority(p) == pri {
			return true
		}
	}
	return false
}

// Set is an evaluated collection of rules.
type Set struct {
	rules []*Rule
}

// NewSet builds a set from validated rules.
func NewSet(rules ...*Rule) *Set {
	return &Set{rules: rules}
}

// DelayFor sums the delays of all rules active at now that apply to the
// scope and do not exempt the priority. Multiple open windows stack.
func (s *Set) DelayFor(now time.Time, pri types.Priority, scope Scope) time.Duration {
	if s == nil {
		return 0
	}
	var total time.Duration
	for _, r := range s.rules {
		if !r.appliesTo(scope) || r.exempts(pri) {
			continue
		}
		if r.ActiveAt(now) {
			total += r.delay
		}
	}
	return total
}

// SuppressExpiry reports whether any cache-scoped rule is active at now.
// While true, cache entries flagged as constraint-sensitive keep serving
// past their TTL.
func (s *Set) SuppressExpiry(now time.Time) bool {
	if s == nil {
		return false
	}
	for _, r := range s.rules {
		if r.appliesTo(ScopeCache) && r.ActiveAt(now) {
			return true
		}
	}
	return false
}

// Active returns the names of rules whose window is open at now.
func (s *Set) Active(now time.Time) []string {
	if s == nil {
		return nil
	}
	var names []string
	for _, r := range s.rules {
		if r.ActiveAt(now) {
			names = append(names, r.Name)
		}
	}
	return names
}

// Len returns the number of rules in the set.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rules)
}
