// Package watch turns per-host scan results into change events. The
// Tracker keeps a bounded history per host and classifies each new result
// as an initial report, a port change, the host going down or the host
// coming back up. Diff computes the port-level changes between two
// snapshots in a deterministic, port-ascending order.
package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/anstrom/portwatch/internal/scanning"
)

// UpdateType classifies a HostUpdate.
type UpdateType string

const (
	UpdateInitial UpdateType = "INITIAL"
	UpdateChange  UpdateType = "UPDATE"
	UpdateDown    UpdateType = "DOWN"
	UpdateUp      UpdateType = "UP"
)

// PortUpdate describes one port's change. Old is nil for a port reported
// as part of an initial observation.
type PortUpdate struct {
	Port int                  `json:"port"`
	Old  *scanning.PortStatus `json:"old,omitempty"`
	New  scanning.PortStatus  `json:"new"`
}

// Service returns the service name to display for the port, preferring
// the new status, then the old one.
func (u PortUpdate) Service() string {
	if u.New.Service != "" && u.New.Service != scanning.UnknownService {
		return u.New.Service
	}
	if u.Old != nil && u.Old.Service != "" && u.Old.Service != scanning.UnknownService {
		return u.Old.Service
	}
	return scanning.UnknownService
}

// String renders "80 (http) open" or "22 (ssh) closed -> open".
func (u PortUpdate) String() string {
	if u.Old == nil {
		return fmt.Sprintf("%d (%s) %s", u.Port, u.Service(), u.New.State)
	}
	return fmt.Sprintf("%d (%s) %s -> %s", u.Port, u.Service(), u.Old.State, u.New.State)
}

// HostUpdate is an immutable change event for one host. PortUpdates is
// sorted ascending by port and is empty for DOWN.
type HostUpdate struct {
	ID          uuid.UUID    `json:"id"`
	Type        UpdateType   `json:"type"`
	Host        string       `json:"host"`
	Cycle       uint64       `json:"cycle"`
	Timestamp   time.Time    `json:"timestamp"`
	PortUpdates []PortUpdate `json:"port_updates"`
}

func newHostUpdate(t UpdateType, host string, cycle uint64, ts time.Time, ports []PortUpdate) *HostUpdate {
	if ports == nil {
		ports = []PortUpdate{}
	}
	return &HostUpdate{
		ID:          uuid.New(),
		Type:        t,
		Host:        host,
		Cycle:       cycle,
		Timestamp:   ts,
		PortUpdates: ports,
	}
}

// Lines renders the update as human-readable log lines, one per port.
// Initial and up reports without ports produce a single "no ports open" line.
func (u *HostUpdate) Lines() []string {
	var prefix string
	switch u.Type {
	case UpdateDown:
		return []string{fmt.Sprintf("%s: host down", u.Host)}
	case UpdateInitial:
		prefix = fmt.Sprintf("%s initial: ", u.Host)
	case UpdateUp:
		prefix = fmt.Sprintf("%s is now up, initial: ", u.Host)
	default:
		prefix = fmt.Sprintf("%s update: ", u.Host)
	}

	if len(u.PortUpdates) == 0 {
		return []string{prefix + "no ports open"}
	}

	lines := make([]string, len(u.PortUpdates))
	for i, p := range u.PortUpdates {
		lines[i] = prefix + p.String()
	}
	return lines
}

// String joins Lines with newlines.
func (u *HostUpdate) String() string {
	return strings.Join(u.Lines(), "\n")
}
