// Package acl models the capacity-bounded access-control containers an edge
// service exposes, and partitions decision values across them.
package acl

import (
	"fmt"
	"sort"

	"palisade/internal/domain"
)

// Kind identifies one container group on a service: an action paired with the
// value family it holds. Address kinds map to remote ACLs; country and AS
// kinds only feed snippet conditions but obey the same capacity rules so a
// generated condition can never grow without bound.
type Kind string

const (
	KindBanAddress     Kind = "ban_address"
	KindCaptchaAddress Kind = "captcha_address"
	KindBanCountry     Kind = "ban_country"
	KindCaptchaCountry Kind = "captcha_country"
	KindBanAS          Kind = "ban_as"
	KindCaptchaAS      Kind = "captcha_as"
)

// Kinds lists every container kind in a stable order.
var Kinds = []Kind{
	KindBanAddress, KindCaptchaAddress,
	KindBanCountry, KindCaptchaCountry,
	KindBanAS, KindCaptchaAS,
}

// KindFor maps a decision onto the container kind that enforces it.
func KindFor(action domain.Action, scope domain.Scope) Kind {
	family := "address"
	switch scope {
	case domain.ScopeCountry:
		family = "country"
	case domain.ScopeAS:
		family = "as"
	}
	if action == domain.ActionCaptcha {
		return Kind("captcha_" + family)
	}
	return Kind("ban_" + family)
}

// Remote reports whether containers of this kind are provisioned as remote
// ACL objects. Country and AS kinds live purely in generated snippet logic.
func (k Kind) Remote() bool {
	return k == KindBanAddress || k == KindCaptchaAddress
}

// Action returns the remediation this kind enforces.
func (k Kind) Action() domain.Action {
	if k == KindCaptchaAddress || k == KindCaptchaCountry || k == KindCaptchaAS {
		return domain.ActionCaptcha
	}
	return domain.ActionBan
}

// Container is one capacity-bounded member list. Committed entries reflect
// what the agent believes the edge holds; staged additions and deletions are
// accumulated by the diff and cleared once a remote write succeeds.
type Container struct {
	ID       string
	Name     string
	Entries  map[string]struct{}
	ToAdd    map[string]struct{}
	ToDelete map[string]struct{}
	capacity int
}

func newContainer(name string, capacity int) *Container {
	return &Container{
		Name:     name,
		Entries:  make(map[string]struct{}),
		ToAdd:    make(map[string]struct{}),
		ToDelete: make(map[string]struct{}),
		capacity: capacity,
	}
}

// Size is the member count once staged changes are applied.
func (c *Container) Size() int {
	return len(c.Entries) + len(c.ToAdd) - len(c.ToDelete)
}

func (c *Container) Full() bool {
	return c.Size() >= c.capacity
}

// Holds reports whether the value is a member after staged changes.
func (c *Container) Holds(value string) bool {
	if _, staged := c.ToAdd[value]; staged {
		return true
	}
	if _, doomed := c.ToDelete[value]; doomed {
		return false
	}
	_, ok := c.Entries[value]
	return ok
}

// Dirty reports whether the container has uncommitted changes.
func (c *Container) Dirty() bool {
	return len(c.ToAdd) > 0 || len(c.ToDelete) > 0
}

func (c *Container) stageAdd(value string) {
	if _, doomed := c.ToDelete[value]; doomed {
		delete(c.ToDelete, value)
		return
	}
	if _, ok := c.Entries[value]; ok {
		return
	}
	c.ToAdd[value] = struct{}{}
}

func (c *Container) stageRemove(value string) {
	if _, staged := c.ToAdd[value]; staged {
		delete(c.ToAdd, value)
		return
	}
	if _, ok := c.Entries[value]; ok {
		c.ToDelete[value] = struct{}{}
	}
}

// Commit folds staged changes into the committed entries. Called after the
// remote write for this container succeeded.
func (c *Container) Commit() {
	for value := range c.ToDelete {
		delete(c.Entries, value)
	}
	for value := range c.ToAdd {
		c.Entries[value] = struct{}{}
	}
	c.ToAdd = make(map[string]struct{})
	c.ToDelete = make(map[string]struct{})
}

// Discard drops staged changes without applying them. Used when a cycle is
// abandoned and the next cycle re-derives the diff from scratch.
func (c *Container) Discard() {
	c.ToAdd = make(map[string]struct{})
	c.ToDelete = make(map[string]struct{})
}

// ResetEntries replaces the committed members wholesale, e.g. after a full
// reconciliation read of the remote container.
func (c *Container) ResetEntries(members map[string]struct{}) {
	c.Entries = make(map[string]struct{}, len(members))
	for value := range members {
		c.Entries[value] = struct{}{}
	}
}

// StagedAdditions returns the staged additions in sorted order.
func (c *Container) StagedAdditions() []string {
	return sortedKeys(c.ToAdd)
}

// StagedRemovals returns the staged deletions in sorted order.
func (c *Container) StagedRemovals() []string {
	return sortedKeys(c.ToDelete)
}

func (c *Container) String() string {
	return fmt.Sprintf("%s(%d/%d)", c.Name, c.Size(), c.capacity)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
