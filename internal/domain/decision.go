package domain

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

// Action is the remediation a decision asks the edge to apply.
type Action string

const (
	ActionBan     Action = "ban"
	ActionCaptcha Action = "captcha"
)

func ParseAction(raw string) (Action, error) {
	switch Action(strings.ToLower(strings.TrimSpace(raw))) {
	case ActionBan:
		return ActionBan, nil
	case ActionCaptcha:
		return ActionCaptcha, nil
	}
	return "", fmt.Errorf("unknown action %q", raw)
}

// Scope describes what a decision's value identifies.
type Scope string

const (
	ScopeIP      Scope = "ip"
	ScopeRange   Scope = "range"
	ScopeCountry Scope = "country"
	ScopeAS      Scope = "as"
)

// ParseScope accepts the scope names used by decision feeds, including the
// capitalised variants some engines emit.
func ParseScope(raw string) (Scope, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "ip":
		return ScopeIP, nil
	case "range", "ip_range":
		return ScopeRange, nil
	case "country":
		return ScopeCountry, nil
	case "as", "asn", "as_number":
		return ScopeAS, nil
	}
	return "", fmt.Errorf("unknown scope %q", raw)
}

// ClassifyValue derives a scope from a bare value: an address, a CIDR, a
// two-letter country code, or a numeric AS number. Anything else is rejected
// so a garbled feed entry never lands in an enforcement container.
func ClassifyValue(raw string) (Scope, string, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return "", "", fmt.Errorf("empty decision value")
	}
	if addr, err := netip.ParseAddr(value); err == nil {
		return ScopeIP, addr.String(), nil
	}
	if prefix, err := netip.ParsePrefix(value); err == nil {
		return ScopeRange, prefix.Masked().String(), nil
	}
	if _, err := strconv.ParseUint(value, 10, 32); err == nil {
		return ScopeAS, value, nil
	}
	if len(value) == 2 && isAlpha(value) {
		return ScopeCountry, strings.ToUpper(value), nil
	}
	return "", "", fmt.Errorf("value %q is not an IP, CIDR, country code or AS number", raw)
}

func isAlpha(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return true
}

// Decision is one normalized enforcement instruction. Identity is
// (Scope, Value); a decision with a different action for the same identity
// replaces the previous one.
type Decision struct {
	Scope      Scope
	Value      string
	Action     Action
	Origin     string
	Scenario   string
	Expiry     *time.Time // nil means permanent
	ReceivedAt time.Time
}

// Key is the stable identifier used by containers and the cache.
func (d Decision) Key() string {
	return string(d.Scope) + ":" + d.Value
}

func (d Decision) Expired(now time.Time) bool {
	return d.Expiry != nil && !d.Expiry.After(now)
}

// DecisionSet holds the active decisions keyed by identity.
type DecisionSet map[string]Decision

func (s DecisionSet) Add(d Decision) {
	s[d.Key()] = d
}

func (s DecisionSet) Remove(d Decision) {
	delete(s, d.Key())
}

// DropExpired removes decisions whose expiry has passed and returns how many
// were dropped.
func (s DecisionSet) DropExpired(now time.Time) int {
	dropped := 0
	for key, d := range s {
		if d.Expired(now) {
			delete(s, key)
			dropped++
		}
	}
	return dropped
}
