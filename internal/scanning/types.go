package scanning

import (
	"sort"
	"strings"
	"time"

	"github.com/anstrom/portwatch/internal/profiles"
)

// UnknownService is the service descriptor used when none was detected.
const UnknownService = "unknown"

// PortState is the observed state of a single port.
type PortState string

const (
	StateOpen     PortState = "open"
	StateClosed   PortState = "closed"
	StateFiltered PortState = "filtered"
	StateUnknown  PortState = "unknown"
)

// ParsePortState maps a backend state string onto a PortState.
func ParsePortState(s string) PortState {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "open":
		return StateOpen
	case "closed":
		return StateClosed
	case "filtered", "open|filtered", "closed|filtered":
		return StateFiltered
	default:
		return StateUnknown
	}
}

// PortStatus is the state and service of one port. Values compare with ==.
type PortStatus struct {
	State   PortState `json:"state"`
	Service string    `json:"service"`
}

// NewPortStatus builds a PortStatus, substituting UnknownService for an
// empty service descriptor.
func NewPortStatus(state PortState, service string) PortStatus {
	service = strings.TrimSpace(service)
	if service == "" {
		service = UnknownService
	}
	return PortStatus{State: state, Service: service}
}

// ClosedStatus is the status assumed for a port absent from a snapshot.
func ClosedStatus() PortStatus {
	return PortStatus{State: StateClosed, Service: UnknownService}
}

// String renders the status as "state/service".
func (s PortStatus) String() string {
	return string(s.State) + "/" + s.Service
}

// Snapshot is the result of one scan of one host.
type Snapshot struct {
	Host      string             `json:"host"`
	Timestamp time.Time          `json:"timestamp"`
	Ports     map[int]PortStatus `json:"ports"`
	Reachable bool               `json:"reachable"`
}

// Unreachable builds a snapshot for a host that did not respond.
func Unreachable(host string, ts time.Time) *Snapshot {
	return &Snapshot{
		Host:      host,
		Timestamp: ts,
		Ports:     map[int]PortStatus{},
		Reachable: false,
	}
}

// SortedPorts returns the snapshot's port numbers in ascending order.
func (s *Snapshot) SortedPorts() []int {
	ports := make([]int, 0, len(s.Ports))
	for p := range s.Ports {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	return ports
}

// Clone returns a deep copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	c := *s
	c.Ports = make(map[int]PortStatus, len(s.Ports))
	for p, st := range s.Ports {
		c.Ports[p] = st
	}
	return &c
}

// Result is the terminal outcome of scanning one host in one cycle.
// A result with a non-nil Err carries no snapshot.
type Result struct {
	Profile  profiles.HostProfile
	Snapshot *Snapshot
	Err      error
	Cycle    uint64
	Slot     int
	Duration time.Duration
}

// Reachable reports whether the result represents a responsive host.
func (r Result) Reachable() bool {
	return r.Err == nil && r.Snapshot != nil && r.Snapshot.Reachable
}

// Options carries the per-scan backend settings.
type Options struct {
	Mode        profiles.ScanMode
	BackendPath string
	Timeout     time.Duration
}
