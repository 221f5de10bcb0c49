// Package publisher fans host updates out to subscribers. Every subscriber
// owns a mailbox drained by its own goroutine, so delivery order per
// subscriber equals publish order and a slow or failing subscriber never
// blocks the scheduler or any other subscriber.
package publisher

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anstrom/portwatch/internal/errors"
	"github.com/anstrom/portwatch/internal/logging"
	"github.com/anstrom/portwatch/internal/metrics"
	"github.com/anstrom/portwatch/internal/watch"
)

const (
	// DefaultQueueSize is the mailbox backlog kept per subscriber.
	DefaultQueueSize = 1024
	// DefaultMaxRetries is the number of redeliveries after a failed attempt.
	DefaultMaxRetries = 3
	// DefaultRetryDelay is the pause between delivery attempts.
	DefaultRetryDelay = time.Second
)

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = stderrors.New("publisher is closed")

// Subscriber receives host updates. Deliver is called from one goroutine
// per subscriber, in publish order.
type Subscriber interface {
	Name() string
	Deliver(ctx context.Context, update *watch.HostUpdate) error
}

// Config holds publisher settings.
type Config struct {
	QueueSize  int
	MaxRetries int
	RetryDelay time.Duration
	Logger     *logging.Logger
}

// DefaultConfig returns the default publisher configuration.
func DefaultConfig() Config {
	return Config{
		QueueSize:  DefaultQueueSize,
		MaxRetries: DefaultMaxRetries,
		RetryDelay: DefaultRetryDelay,
	}
}

// SubscriberStats reports delivery counters for one subscriber.
type SubscriberStats struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Queued    int       `json:"queued"`
	Delivered uint64    `json:"delivered"`
	Failed    uint64    `json:"failed"`
	Dropped   uint64    `json:"dropped"`
}

// Publisher is the fan-out point between the watcher and subscribers.
//
// Delivery is at-least-once up to QueueSize and MaxRetries: a subscriber
// whose backlog exceeds QueueSize loses its oldest queued updates, and an
// update still failing after MaxRetries redeliveries is dropped. Errors
// whose code is not retryable are not redelivered at all. Dropped and
// failed updates are counted in Stats.
type Publisher struct {
	config Config
	logger *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	mailboxes map[uuid.UUID]*mailbox
	closed    bool
	wg        sync.WaitGroup
}

// New creates a publisher. Zero values in cfg fall back to defaults;
// a negative MaxRetries disables retries.
func New(cfg Config) *Publisher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Publisher{
		config:    cfg,
		logger:    cfg.Logger.WithComponent("publisher"),
		ctx:       ctx,
		cancel:    cancel,
		mailboxes: make(map[uuid.UUID]*mailbox),
	}
}

// Subscribe registers sub and starts its delivery goroutine. Updates
// published before the call are not replayed.
func (p *Publisher) Subscribe(sub Subscriber) (uuid.UUID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return uuid.Nil, ErrClosed
	}

	id := uuid.New()
	mb := newMailbox(id, sub, p.config.QueueSize)
	p.mailboxes[id] = mb

	p.wg.Add(1)
	go p.drain(mb)

	metrics.GetGlobalMetrics().SetSubscribers(len(p.mailboxes))
	p.logger.Info("Subscriber registered", "subscriber", sub.Name(), "id", id)
	return id, nil
}

// Unsubscribe removes the subscriber. Updates still queued for it are
// discarded; a delivery in progress is allowed to finish.
func (p *Publisher) Unsubscribe(id uuid.UUID) bool {
	p.mu.Lock()
	mb, ok := p.mailboxes[id]
	if ok {
		delete(p.mailboxes, id)
	}
	count := len(p.mailboxes)
	p.mu.Unlock()

	if !ok {
		return false
	}

	mb.stop(true)
	metrics.GetGlobalMetrics().SetSubscribers(count)
	p.logger.Info("Subscriber removed", "subscriber", mb.sub.Name(), "id", id)
	return true
}

// Publish queues update for every current subscriber. It never blocks on
// a subscriber.
func (p *Publisher) Publish(update *watch.HostUpdate) {
	if update == nil {
		return
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.logger.Warn("Dropping update published after close", "host", update.Host, "type", update.Type)
		return
	}

	for _, mb := range p.mailboxes {
		if mb.push(update) {
			metrics.GetGlobalMetrics().IncrementDropped(mb.sub.Name())
			p.logger.Warn("Subscriber queue full, dropped oldest update",
				"subscriber", mb.sub.Name(), "queue_size", p.config.QueueSize)
		}
	}
}

// Stats returns per-subscriber delivery counters ordered by name.
func (p *Publisher) Stats() []SubscriberStats {
	p.mu.RLock()
	out := make([]SubscriberStats, 0, len(p.mailboxes))
	for _, mb := range p.mailboxes {
		out = append(out, mb.stats())
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// Close stops accepting updates and waits for every mailbox to drain or
// for ctx to expire, whichever comes first. Deliveries still running when
// ctx expires are canceled.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	boxes := make([]*mailbox, 0, len(p.mailboxes))
	for _, mb := range p.mailboxes {
		boxes = append(boxes, mb)
	}
	p.mu.Unlock()

	for _, mb := range boxes {
		mb.stop(false)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.logger.Info("Publisher closed")
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return fmt.Errorf("publisher close: %w", ctx.Err())
	}
}

// drain delivers queued updates for one subscriber until its mailbox is
// stopped and empty.
func (p *Publisher) drain(mb *mailbox) {
	defer p.wg.Done()

	for {
		update, ok := mb.next()
		if !ok {
			return
		}
		if p.ctx.Err() != nil {
			mb.stop(true)
			return
		}
		p.deliver(mb, update)
	}
}

// deliver attempts one update with retries. Failures end up in the log.
func (p *Publisher) deliver(mb *mailbox, update *watch.HostUpdate) {
	name := mb.sub.Name()
	attempts := 0

	for {
		attempts++
		err := safeDeliver(p.ctx, mb.sub, update)
		if err == nil {
			mb.recordDelivered()
			metrics.GetGlobalMetrics().IncrementDeliveries(name, "success")
			return
		}

		if attempts > p.config.MaxRetries || !retryable(err) ||
			p.ctx.Err() != nil || mb.removed() {
			mb.recordFailed()
			metrics.GetGlobalMetrics().IncrementDeliveries(name, "error")
			subErr := errors.WrapSubscriberError(name, update.Host, attempts, err)
			p.logger.Error("Update delivery failed",
				"subscriber", name,
				"host", update.Host,
				"type", update.Type,
				"error", subErr)
			return
		}

		p.logger.Debug("Retrying update delivery", "subscriber", name, "attempt", attempts, "error", err)
		p.sleep(p.config.RetryDelay)
	}
}

// retryable reports whether a failed delivery may be attempted again.
// Uncoded errors are retried; coded ones only when their code says so.
func retryable(err error) bool {
	if errors.IsFatal(err) {
		return false
	}
	if errors.GetCode(err) == errors.CodeUnknown {
		return true
	}
	return errors.IsRetryable(err)
}

func (p *Publisher) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-p.ctx.Done():
	}
}

// safeDeliver calls Deliver and turns a panic into an error.
func safeDeliver(ctx context.Context, sub Subscriber, update *watch.HostUpdate) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v", r)
		}
	}()
	return sub.Deliver(ctx, update)
}
