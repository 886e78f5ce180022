package acl

// Diff computes the set difference between the members a container collection
// currently enforces and the members it should enforce. Both slices come back
// sorted so remote writes and logs are deterministic. Callers must apply
// removals before additions: freeing a slot in a full container is what makes
// room for a new member in the same cycle.
func Diff(old, desired map[string]struct{}) (toAdd, toRemove []string) {
	for value := range desired {
		if _, ok := old[value]; !ok {
			toAdd = append(toAdd, value)
		}
	}
	for value := range old {
		if _, ok := desired[value]; !ok {
			toRemove = append(toRemove, value)
		}
	}
	return sortedSlice(toAdd), sortedSlice(toRemove)
}

func sortedSlice(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return sortedKeys(set)
}
