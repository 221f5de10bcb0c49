package watch

import (
	"sort"

	"github.com/anstrom/portwatch/internal/scanning"
)

// Diff compares two port maps and returns the changed ports sorted by port
// number. A port missing from one side is treated as closed with an
// unknown service. Identical maps yield an empty result.
func Diff(old, new map[int]scanning.PortStatus) []PortUpdate {
	ports := make([]int, 0, len(old)+len(new))
	for p := range old {
		ports = append(ports, p)
	}
	for p := range new {
		if _, ok := old[p]; !ok {
			ports = append(ports, p)
		}
	}
	sort.Ints(ports)

	updates := make([]PortUpdate, 0)
	for _, p := range ports {
		before, inOld := old[p]
		after, inNew := new[p]
		if !inOld {
			before = scanning.ClosedStatus()
		}
		if !inNew {
			after = scanning.ClosedStatus()
		}
		if before == after {
			continue
		}
		prev := before
		updates = append(updates, PortUpdate{Port: p, Old: &prev, New: after})
	}
	return updates
}

// initialPorts reports every port of a snapshot as newly observed.
func initialPorts(snapshot *scanning.Snapshot) []PortUpdate {
	ports := snapshot.SortedPorts()
	updates := make([]PortUpdate, len(ports))
	for i, p := range ports {
		updates[i] = PortUpdate{Port: p, New: snapshot.Ports[p]}
	}
	return updates
}
