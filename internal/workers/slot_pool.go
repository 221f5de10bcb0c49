// Package workers provides the fixed-size slot pool that bounds how many
// host scans run at once within a scan cycle. The pool tracks which slot
// holds which host profile, hands the next pending profile to a slot as
// soon as it frees up, and reports when every profile of the cycle has a
// terminal result.
package workers

import (
	"fmt"
	"sync"

	"github.com/anstrom/portwatch/internal/errors"
	"github.com/anstrom/portwatch/internal/profiles"
)

// Assignment binds one host profile to one slot for one cycle.
type Assignment struct {
	Slot    int
	Cycle   uint64
	Profile profiles.HostProfile
}

type slot struct {
	busy    bool
	profile profiles.HostProfile
}

// SlotPool is a fixed set of worker slots reused across cycles. Every state
// transition happens under one lock, so assign, complete and reassign are
// each atomic.
type SlotPool struct {
	mu        sync.Mutex
	slots     []slot
	pending   []profiles.HostProfile
	inFlight  map[string]int
	total     int
	completed int
	cycle     uint64
}

// NewSlotPool creates a pool with size slots. A size below one is raised to one.
func NewSlotPool(size int) *SlotPool {
	if size < 1 {
		size = 1
	}
	return &SlotPool{
		slots:    make([]slot, size),
		inFlight: make(map[string]int, size),
	}
}

// Size returns the number of slots.
func (p *SlotPool) Size() int {
	return len(p.slots)
}

// Begin starts a new cycle with the full ordered profile list as its
// pending queue and returns the cycle number. It fails if the previous
// cycle still has pending or active profiles.
func (p *SlotPool) Begin(list []profiles.HostProfile) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if active := p.activeLocked(); active > 0 || len(p.pending) > 0 {
		return p.cycle, errors.ErrPoolInvariant(
			"cycle %d still running: %d active, %d pending", p.cycle, active, len(p.pending))
	}

	p.cycle++
	p.pending = append(p.pending[:0], list...)
	p.total = len(list)
	p.completed = 0
	return p.cycle, nil
}

// Fill assigns pending profiles to idle slots in slot order, up to
// capacity, and returns the new assignments.
func (p *SlotPool) Fill() []Assignment {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []Assignment
	for i := range p.slots {
		if len(p.pending) == 0 {
			break
		}
		if p.slots[i].busy {
			continue
		}
		out = append(out, p.assignLocked(i))
	}
	return out
}

// Complete records the terminal result of the profile in slot, then hands
// the next pending profile to the same slot. cycleDone is true once every
// profile of the cycle has completed.
func (p *SlotPool) Complete(slotIdx int) (next Assignment, reassigned, cycleDone bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if slotIdx < 0 || slotIdx >= len(p.slots) {
		return Assignment{}, false, false, errors.ErrPoolInvariant("slot %d out of range [0,%d)", slotIdx, len(p.slots))
	}
	s := &p.slots[slotIdx]
	if !s.busy {
		return Assignment{}, false, false, errors.ErrPoolInvariant("slot %d completed while idle", slotIdx)
	}

	delete(p.inFlight, s.profile.Host)
	*s = slot{}
	p.completed++

	if len(p.pending) > 0 {
		return p.assignLocked(slotIdx), true, false, nil
	}
	return Assignment{}, false, p.activeLocked() == 0, nil
}

// Abort drops the pending queue. Profiles already in flight still complete
// through Complete.
func (p *SlotPool) Abort() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	dropped := len(p.pending)
	p.pending = p.pending[:0]
	p.total -= dropped
	return dropped
}

// Cycle returns the current cycle number.
func (p *SlotPool) Cycle() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cycle
}

// Active returns the number of busy slots.
func (p *SlotPool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activeLocked()
}

// Pending returns the number of profiles waiting for a slot.
func (p *SlotPool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Completed returns the number of profiles finished in the current cycle.
func (p *SlotPool) Completed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.completed
}

// Check verifies the pool invariants and returns an invariant error on
// the first violation found.
func (p *SlotPool) Check() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	active := 0
	hosts := make(map[string]int, len(p.slots))
	for i, s := range p.slots {
		if !s.busy {
			continue
		}
		active++
		if prev, dup := hosts[s.profile.Host]; dup {
			return errors.ErrPoolInvariant("host %s in flight in slots %d and %d", s.profile.Host, prev, i)
		}
		hosts[s.profile.Host] = i
		if got, ok := p.inFlight[s.profile.Host]; !ok || got != i {
			return errors.ErrPoolInvariant("slot %d holds %s but index says %d", i, s.profile.Host, got)
		}
	}
	if len(p.inFlight) != active {
		return errors.ErrPoolInvariant("%d hosts indexed in flight, %d slots busy", len(p.inFlight), active)
	}
	if active > len(p.slots) {
		return errors.ErrPoolInvariant("%d active exceeds %d slots", active, len(p.slots))
	}
	if p.completed+active+len(p.pending) != p.total {
		return errors.ErrPoolInvariant("completed %d + active %d + pending %d != total %d",
			p.completed, active, len(p.pending), p.total)
	}
	return nil
}

// String summarises the pool state for logging.
func (p *SlotPool) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fmt.Sprintf("cycle=%d active=%d pending=%d completed=%d/%d",
		p.cycle, p.activeLocked(), len(p.pending), p.completed, p.total)
}

func (p *SlotPool) assignLocked(slotIdx int) Assignment {
	profile := p.pending[0]
	p.pending = p.pending[1:]
	p.slots[slotIdx] = slot{busy: true, profile: profile}
	p.inFlight[profile.Host] = slotIdx
	return Assignment{Slot: slotIdx, Cycle: p.cycle, Profile: profile}
}

func (p *SlotPool) activeLocked() int {
	n := 0
	for _, s := range p.slots {
		if s.busy {
			n++
		}
	}
	return n
}
