package publisher

import (
	"sync"

	"github.com/google/uuid"

	"github.com/anstrom/portwatch/internal/watch"
)

// mailbox is a bounded FIFO of updates for one subscriber. When full, the
// oldest queued update is dropped to make room.
type mailbox struct {
	id       uuid.UUID
	sub      Subscriber
	capacity int

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []*watch.HostUpdate
	stopped   bool
	discarded bool
	delivered uint64
	failed    uint64
	dropped   uint64
}

func newMailbox(id uuid.UUID, sub Subscriber, capacity int) *mailbox {
	mb := &mailbox{
		id:       id,
		sub:      sub,
		capacity: capacity,
	}
	mb.cond = sync.NewCond(&mb.mu)
	return mb
}

// push appends update and reports whether an older update was dropped.
func (m *mailbox) push(update *watch.HostUpdate) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return false
	}

	dropped := false
	if len(m.queue) >= m.capacity {
		m.queue[0] = nil
		m.queue = m.queue[1:]
		m.dropped++
		dropped = true
	}
	m.queue = append(m.queue, update)
	m.cond.Signal()
	return dropped
}

// next blocks until an update is available. It returns false once the
// mailbox is stopped and has nothing left to deliver.
func (m *mailbox) next() (*watch.HostUpdate, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for len(m.queue) == 0 && !m.stopped {
		m.cond.Wait()
	}
	if len(m.queue) == 0 {
		return nil, false
	}

	update := m.queue[0]
	m.queue[0] = nil
	m.queue = m.queue[1:]
	return update, true
}

// stop ends intake. With discard set, queued updates are thrown away.
func (m *mailbox) stop(discard bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopped = true
	if discard {
		m.discarded = true
		m.queue = nil
	}
	m.cond.Broadcast()
}

func (m *mailbox) removed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.discarded
}

func (m *mailbox) recordDelivered() {
	m.mu.Lock()
	m.delivered++
	m.mu.Unlock()
}

func (m *mailbox) recordFailed() {
	m.mu.Lock()
	m.failed++
	m.mu.Unlock()
}

func (m *mailbox) stats() SubscriberStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return SubscriberStats{
		ID:        m.id,
		Name:      m.sub.Name(),
		Queued:    len(m.queue),
		Delivered: m.delivered,
		Failed:    m.failed,
		Dropped:   m.dropped,
	}
}
