// Package decision turns raw feed events into normalized decision operations.
// It is a pure transformation: no I/O, no remote calls.
package decision

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"palisade/internal/domain"
)

// EventKind marks whether a feed event adds or deletes a decision.
type EventKind string

const (
	EventAdd    EventKind = "add"
	EventDelete EventKind = "delete"
)

// Event is one raw entry from the decision feed, before validation.
type Event struct {
	Kind     EventKind
	Scope    string
	Value    string
	Action   string
	Origin   string
	Scenario string
	Expiry   *time.Time
}

// Filters restricts which events become decisions. An empty Origins slice
// admits every origin. Scenario filters match substrings of the scenario name.
type Filters struct {
	Origins          []string
	IncludeScenarios []string
	ExcludeScenarios []string
}

func (f Filters) admits(origin, scenario string) bool {
	if len(f.Origins) > 0 {
		found := false
		for _, allowed := range f.Origins {
			if strings.EqualFold(allowed, origin) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, excluded := range f.ExcludeScenarios {
		if excluded != "" && strings.Contains(scenario, excluded) {
			return false
		}
	}
	if len(f.IncludeScenarios) > 0 {
		for _, included := range f.IncludeScenarios {
			if included != "" && strings.Contains(scenario, included) {
				return true
			}
		}
		return false
	}
	return true
}

// OpKind says how an operation changes the decision set.
type OpKind string

const (
	OpAdd    OpKind = "add"
	OpRemove OpKind = "remove"
)

// Op is a validated decision mutation ready for the reconciler.
type Op struct {
	Kind     OpKind
	Decision domain.Decision
}

// Normalize validates and filters a batch of raw events. Events that fail the
// configured filters are dropped silently; malformed events are logged and
// skipped without failing the batch. Add events whose expiry already passed
// are emitted as removals so a stale feed entry can still clear state.
func Normalize(events []Event, filters Filters, now time.Time) []Op {
	ops := make([]Op, 0, len(events))
	for _, ev := range events {
		d, err := normalizeOne(ev, now)
		if err != nil {
			log.Warn("Skipping malformed decision event",
				"scope", ev.Scope, "value", ev.Value, "error", err)
			continue
		}
		if !filters.admits(d.Origin, d.Scenario) {
			continue
		}
		kind := OpAdd
		if ev.Kind == EventDelete || d.Expired(now) {
			kind = OpRemove
		}
		ops = append(ops, Op{Kind: kind, Decision: d})
	}
	return ops
}

func normalizeOne(ev Event, now time.Time) (domain.Decision, error) {
	// The classified scope is authoritative: it canonicalizes the value and
	// catches feeds that label a CIDR as a plain IP. An explicit scope that
	// does not parse still marks the event malformed.
	scope, value, err := domain.ClassifyValue(ev.Value)
	if err != nil {
		return domain.Decision{}, err
	}
	if strings.TrimSpace(ev.Scope) != "" {
		if _, scopeErr := domain.ParseScope(ev.Scope); scopeErr != nil {
			return domain.Decision{}, scopeErr
		}
	}

	action := domain.ActionBan
	if strings.TrimSpace(ev.Action) != "" {
		action, err = domain.ParseAction(ev.Action)
		if err != nil {
			return domain.Decision{}, err
		}
	} else if ev.Kind == EventAdd {
		return domain.Decision{}, fmt.Errorf("missing action")
	}

	return domain.Decision{
		Scope:      scope,
		Value:      value,
		Action:     action,
		Origin:     strings.TrimSpace(ev.Origin),
		Scenario:   strings.TrimSpace(ev.Scenario),
		Expiry:     ev.Expiry,
		ReceivedAt: now,
	}, nil
}
