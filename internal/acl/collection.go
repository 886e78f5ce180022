package acl

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
)

// ErrCapacityExhausted is returned when every container of a kind is full and
// the configured container limit prevents creating another one.
var ErrCapacityExhausted = errors.New("acl: capacity exhausted")

// Collection owns the ordered containers of one kind on one service and
// assigns values to them, reusing existing placements to keep remote churn
// minimal.
type Collection struct {
	ServiceID     string
	Kind          Kind
	Capacity      int
	MaxContainers int
	Containers    []*Container
}

func NewCollection(serviceID string, kind Kind, capacity, maxContainers int) *Collection {
	return &Collection{
		ServiceID:     serviceID,
		Kind:          kind,
		Capacity:      capacity,
		MaxContainers: maxContainers,
	}
}

// containerName follows the fixed naming scheme so a container survives agent
// restarts and is recognizable in the edge UI.
func (col *Collection) containerName(index int) string {
	return fmt.Sprintf("palisade_%s_%d", col.Kind, index)
}

// Assign places a value in a container of this collection and returns the
// container that holds it. An existing placement is returned unchanged.
// Containers are scanned in creation order and the first with spare capacity
// wins; a new container is created only when all existing ones are full and
// the container limit allows it.
func (col *Collection) Assign(value string) (*Container, error) {
	for _, c := range col.Containers {
		if c.Holds(value) {
			return c, nil
		}
	}
	for _, c := range col.Containers {
		if !c.Full() {
			c.stageAdd(value)
			return c, nil
		}
	}
	if col.MaxContainers > 0 && len(col.Containers) >= col.MaxContainers {
		return nil, fmt.Errorf("%w: %s on service %s holds %d full containers",
			ErrCapacityExhausted, col.Kind, col.ServiceID, len(col.Containers))
	}
	c := newContainer(col.containerName(len(col.Containers)), col.Capacity)
	c.stageAdd(value)
	col.Containers = append(col.Containers, c)
	return c, nil
}

// RestoreContainer appends a container rebuilt from cached state, preserving
// creation order.
func (col *Collection) RestoreContainer(id, name string, members map[string]struct{}) *Container {
	c := newContainer(name, col.Capacity)
	c.ID = id
	c.ResetEntries(members)
	col.Containers = append(col.Containers, c)
	return c
}

// Release removes a value from whichever container holds it. Returns false
// when the value was not assigned anywhere.
func (col *Collection) Release(value string) bool {
	for _, c := range col.Containers {
		if c.Holds(value) {
			c.stageRemove(value)
			return true
		}
	}
	return false
}

// Members is the set of values this collection enforces once staged changes
// apply.
func (col *Collection) Members() map[string]struct{} {
	members := make(map[string]struct{})
	for _, c := range col.Containers {
		for value := range c.Entries {
			if _, doomed := c.ToDelete[value]; doomed {
				continue
			}
			members[value] = struct{}{}
		}
		for value := range c.ToAdd {
			members[value] = struct{}{}
		}
	}
	return members
}

// SortedMembers returns Members in sorted order, for deterministic snippet
// generation.
func (col *Collection) SortedMembers() []string {
	members := col.Members()
	return sortedKeys(members)
}

// Dirty reports whether any container has uncommitted changes.
func (col *Collection) Dirty() bool {
	for _, c := range col.Containers {
		if c.Dirty() {
			return true
		}
	}
	return false
}

// Transform stages the mutations that take the collection from its current
// members to the desired set. Removals are staged before additions so a full
// container frees slots for new members within the same cycle. Values that
// cannot be placed are returned in failed alongside ErrCapacityExhausted; the
// rest of the transform still applies.
func (col *Collection) Transform(desired map[string]struct{}) (failed []string, err error) {
	toAdd, toRemove := Diff(col.Members(), desired)

	if len(toRemove) > 0 || len(toAdd) > 0 {
		log.Debug("Transforming container collection",
			"service", col.ServiceID, "kind", col.Kind,
			"add", len(toAdd), "remove", len(toRemove))
	}

	for _, value := range toRemove {
		col.Release(value)
	}
	for _, value := range toAdd {
		if _, assignErr := col.Assign(value); assignErr != nil {
			failed = append(failed, value)
			err = assignErr
		}
	}
	return failed, err
}

// DiscardStaged drops all staged changes on every container.
func (col *Collection) DiscardStaged() {
	for _, c := range col.Containers {
		c.Discard()
	}
}
