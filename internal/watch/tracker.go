package watch

import (
	"sort"
	"sync"
	"time"

	"github.com/anstrom/portwatch/internal/scanning"
)

const (
	// DefaultHistoryDepth keeps only the snapshot needed for the next diff.
	DefaultHistoryDepth = 1
	// MaxHistoryDepth bounds per-host memory on long-running watchers.
	MaxHistoryDepth = 16
)

// HostStatus is a copy of a host's latest known state.
type HostStatus struct {
	Host        string                      `json:"host"`
	Reachable   bool                        `json:"reachable"`
	LastScan    time.Time                   `json:"last_scan"`
	LastCycle   uint64                      `json:"last_cycle"`
	LastUpdate  UpdateType                  `json:"last_update,omitempty"`
	LastChanged time.Time                   `json:"last_changed,omitempty"`
	LastError   string                      `json:"last_error,omitempty"`
	Ports       map[int]scanning.PortStatus `json:"ports"`
}

type history struct {
	snapshots   []*scanning.Snapshot
	lastCycle   uint64
	lastUpdate  UpdateType
	lastChanged time.Time
	lastError   string
}

func (h *history) latest() *scanning.Snapshot {
	if len(h.snapshots) == 0 {
		return nil
	}
	return h.snapshots[len(h.snapshots)-1]
}

func (h *history) push(s *scanning.Snapshot, depth int) {
	h.snapshots = append(h.snapshots, s)
	if extra := len(h.snapshots) - depth; extra > 0 {
		copy(h.snapshots, h.snapshots[extra:])
		for i := len(h.snapshots) - extra; i < len(h.snapshots); i++ {
			h.snapshots[i] = nil
		}
		h.snapshots = h.snapshots[:depth]
	}
}

// Tracker owns the per-host scan history. All access goes through its
// methods, serialized by one mutex.
type Tracker struct {
	mu    sync.Mutex
	depth int
	hosts map[string]*history
	now   func() time.Time
}

// NewTracker creates a tracker keeping depth snapshots per host. Depth is
// clamped to [1, MaxHistoryDepth]; zero selects DefaultHistoryDepth.
func NewTracker(depth int) *Tracker {
	switch {
	case depth <= 0:
		depth = DefaultHistoryDepth
	case depth > MaxHistoryDepth:
		depth = MaxHistoryDepth
	}
	return &Tracker{
		depth: depth,
		hosts: make(map[string]*history),
		now:   time.Now,
	}
}

// Depth returns the number of snapshots kept per host.
func (t *Tracker) Depth() int {
	return t.depth
}

// Observe records a terminal scan result and returns the update it
// produces, or nil when nothing changed. A failed scan counts as the host
// being unreachable.
func (t *Tracker) Observe(result scanning.Result) *HostUpdate {
	host := result.Profile.Host

	var current *scanning.Snapshot
	if result.Reachable() {
		current = result.Snapshot.Clone()
	} else {
		ts := t.now()
		if result.Snapshot != nil && !result.Snapshot.Timestamp.IsZero() {
			ts = result.Snapshot.Timestamp
		}
		current = scanning.Unreachable(host, ts)
	}
	current.Host = host
	if current.Timestamp.IsZero() {
		current.Timestamp = t.now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.hosts[host]
	if !ok {
		h = &history{}
		t.hosts[host] = h
	}

	update := classify(h.latest(), current, result.Cycle)

	h.push(current, t.depth)
	h.lastCycle = result.Cycle
	h.lastError = ""
	if result.Err != nil {
		h.lastError = result.Err.Error()
	}
	if update != nil {
		h.lastUpdate = update.Type
		h.lastChanged = update.Timestamp
	}
	return update
}

// classify applies the host transition rules to the previous and current
// snapshots. previous is nil for a host seen for the first time.
func classify(previous, current *scanning.Snapshot, cycle uint64) *HostUpdate {
	host, ts := current.Host, current.Timestamp

	switch {
	case previous == nil && !current.Reachable:
		return newHostUpdate(UpdateDown, host, cycle, ts, nil)
	case previous == nil:
		return newHostUpdate(UpdateInitial, host, cycle, ts, initialPorts(current))
	case previous.Reachable && !current.Reachable:
		return newHostUpdate(UpdateDown, host, cycle, ts, nil)
	case !previous.Reachable && !current.Reachable:
		return nil
	case !previous.Reachable:
		return newHostUpdate(UpdateUp, host, cycle, ts, initialPorts(current))
	}

	changes := Diff(previous.Ports, current.Ports)
	if len(changes) == 0 {
		return nil
	}
	return newHostUpdate(UpdateChange, host, cycle, ts, changes)
}

// Status returns a copy of every host's latest state, sorted by host.
func (t *Tracker) Status() []HostStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]HostStatus, 0, len(t.hosts))
	for host, h := range t.hosts {
		latest := h.latest()
		if latest == nil {
			continue
		}
		snap := latest.Clone()
		out = append(out, HostStatus{
			Host:        host,
			Reachable:   snap.Reachable,
			LastScan:    snap.Timestamp,
			LastCycle:   h.lastCycle,
			LastUpdate:  h.lastUpdate,
			LastChanged: h.lastChanged,
			LastError:   h.lastError,
			Ports:       snap.Ports,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}

// History returns copies of the snapshots kept for host, oldest first.
func (t *Tracker) History(host string) []*scanning.Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.hosts[host]
	if !ok {
		return nil
	}
	out := make([]*scanning.Snapshot, len(h.snapshots))
	for i, s := range h.snapshots {
		out[i] = s.Clone()
	}
	return out
}

// Counts returns how many tracked hosts are currently up and down.
func (t *Tracker) Counts() (up, down int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, h := range t.hosts {
		if latest := h.latest(); latest != nil && latest.Reachable {
			up++
		} else {
			down++
		}
	}
	return up, down
}
