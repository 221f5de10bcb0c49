package publisher

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/portwatch/internal/errors"
	"github.com/anstrom/portwatch/internal/watch"
)

type recordingSubscriber struct {
	name  string
	delay time.Duration
	fail  func(attempt int, u *watch.HostUpdate) error

	mu       sync.Mutex
	attempts int
	received []*watch.HostUpdate
}

func (s *recordingSubscriber) Name() string { return s.name }

func (s *recordingSubscriber) Deliver(ctx context.Context, u *watch.HostUpdate) error {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.fail != nil {
		if err := s.fail(s.attempts, u); err != nil {
			return err
		}
	}
	s.received = append(s.received, u)
	return nil
}

func (s *recordingSubscriber) hosts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.received))
	for i, u := range s.received {
		out[i] = u.Host
	}
	return out
}

type panickingSubscriber struct{ calls atomic.Int32 }

func (s *panickingSubscriber) Name() string { return "panics" }

func (s *panickingSubscriber) Deliver(context.Context, *watch.HostUpdate) error {
	s.calls.Add(1)
	panic("subscriber bug")
}

func update(host string) *watch.HostUpdate {
	return &watch.HostUpdate{Type: watch.UpdateInitial, Host: host, PortUpdates: []watch.PortUpdate{}}
}

func fastConfig() Config {
	return Config{QueueSize: 64, MaxRetries: 2, RetryDelay: time.Millisecond}
}

func closePublisher(t *testing.T, p *Publisher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Close(ctx))
}

func TestPublisher_DeliversInOrder(t *testing.T) {
	p := New(fastConfig())
	a := &recordingSubscriber{name: "a"}
	b := &recordingSubscriber{name: "b", delay: time.Millisecond}

	_, err := p.Subscribe(a)
	require.NoError(t, err)
	_, err = p.Subscribe(b)
	require.NoError(t, err)

	var want []string
	for i := 0; i < 30; i++ {
		host := fmt.Sprintf("h%d", i)
		want = append(want, host)
		p.Publish(update(host))
	}

	closePublisher(t, p)
	assert.Equal(t, want, a.hosts())
	assert.Equal(t, want, b.hosts())
}

func TestPublisher_PublishDoesNotBlock(t *testing.T) {
	p := New(fastConfig())
	slow := &recordingSubscriber{name: "slow", delay: time.Hour}
	_, err := p.Subscribe(slow)
	require.NoError(t, err)

	start := time.Now()
	for i := 0; i < 10; i++ {
		p.Publish(update("h1"))
	}
	assert.Less(t, time.Since(start), time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = p.Close(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPublisher_FailureIsolation(t *testing.T) {
	p := New(fastConfig())
	broken := &recordingSubscriber{name: "broken", fail: func(int, *watch.HostUpdate) error {
		return stderrors.New("webhook down")
	}}
	panics := &panickingSubscriber{}
	healthy := &recordingSubscriber{name: "healthy"}

	for _, s := range []Subscriber{broken, panics, healthy} {
		_, err := p.Subscribe(s)
		require.NoError(t, err)
	}

	p.Publish(update("h1"))
	p.Publish(update("h2"))
	closePublisher(t, p)

	assert.Equal(t, []string{"h1", "h2"}, healthy.hosts())
	assert.Empty(t, broken.hosts())
	assert.Equal(t, 6, broken.attempts, "1 attempt plus 2 retries per update")
	assert.Equal(t, int32(6), panics.calls.Load())
}

func TestPublisher_RetrySucceeds(t *testing.T) {
	p := New(fastConfig())
	flaky := &recordingSubscriber{name: "flaky", fail: func(attempt int, _ *watch.HostUpdate) error {
		if attempt == 1 {
			return stderrors.New("transient")
		}
		return nil
	}}
	_, err := p.Subscribe(flaky)
	require.NoError(t, err)

	p.Publish(update("h1"))
	p.Publish(update("h2"))
	closePublisher(t, p)

	assert.Equal(t, []string{"h1", "h2"}, flaky.hosts())
}

func TestPublisher_GoneSubscriberNotRetried(t *testing.T) {
	p := New(fastConfig())
	gone := &recordingSubscriber{name: "gone", fail: func(int, *watch.HostUpdate) error {
		return errors.ErrSubscriberGone("gone", stderrors.New("410"))
	}}
	_, err := p.Subscribe(gone)
	require.NoError(t, err)

	p.Publish(update("h1"))
	closePublisher(t, p)

	assert.Equal(t, 1, gone.attempts)
}

func TestPublisher_RetriesFollowErrorCode(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		wantAttempts int
	}{
		{"uncoded error retried", stderrors.New("connection reset"), 3},
		{"database connection retried",
			errors.WrapDatabaseError(errors.CodeDatabaseConnection, "lost", "insert", stderrors.New("EOF")), 3},
		{"database query not retried",
			errors.WrapDatabaseError(errors.CodeDatabaseQuery, "failed", "insert", stderrors.New("syntax")), 1},
		{"validation not retried", errors.ErrConfigInvalid("payload", "x"), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(fastConfig())
			sub := &recordingSubscriber{name: "sink", fail: func(int, *watch.HostUpdate) error {
				return tt.err
			}}
			_, err := p.Subscribe(sub)
			require.NoError(t, err)

			p.Publish(update("h1"))
			closePublisher(t, p)

			assert.Equal(t, tt.wantAttempts, sub.attempts)
			stats := p.Stats()
			require.Len(t, stats, 1)
			assert.Equal(t, uint64(1), stats[0].Failed)
		})
	}
}

func TestPublisher_DropsOldestWhenFull(t *testing.T) {
	p := New(Config{QueueSize: 2, MaxRetries: 0})
	release := make(chan struct{})
	started := make(chan struct{}, 1)

	blocked := &recordingSubscriber{name: "blocked", fail: func(attempt int, _ *watch.HostUpdate) error {
		if attempt == 1 {
			started <- struct{}{}
			<-release
		}
		return nil
	}}
	_, err := p.Subscribe(blocked)
	require.NoError(t, err)

	p.Publish(update("h0"))
	<-started

	// h0 is in flight; the queue holds two and must shed h1.
	p.Publish(update("h1"))
	p.Publish(update("h2"))
	p.Publish(update("h3"))

	stats := p.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, uint64(1), stats[0].Dropped)
	assert.Equal(t, 2, stats[0].Queued)

	close(release)
	closePublisher(t, p)
	assert.Equal(t, []string{"h0", "h2", "h3"}, blocked.hosts())
}

func TestPublisher_Unsubscribe(t *testing.T) {
	p := New(fastConfig())
	a := &recordingSubscriber{name: "a"}
	b := &recordingSubscriber{name: "b"}

	idA, err := p.Subscribe(a)
	require.NoError(t, err)
	_, err = p.Subscribe(b)
	require.NoError(t, err)

	p.Publish(update("h1"))
	require.Eventually(t, func() bool { return len(a.hosts()) == 1 }, time.Second, time.Millisecond)

	assert.True(t, p.Unsubscribe(idA))
	assert.False(t, p.Unsubscribe(idA))

	p.Publish(update("h2"))
	closePublisher(t, p)

	assert.Equal(t, []string{"h1"}, a.hosts())
	assert.Equal(t, []string{"h1", "h2"}, b.hosts())
}

func TestPublisher_ConcurrentSubscribeAndPublish(t *testing.T) {
	p := New(fastConfig())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				p.Publish(update("h"))
			}
		}()
		go func(i int) {
			defer wg.Done()
			id, err := p.Subscribe(&recordingSubscriber{name: fmt.Sprintf("s%d", i)})
			if err == nil && i%2 == 0 {
				p.Unsubscribe(id)
			}
		}(i)
	}
	wg.Wait()

	closePublisher(t, p)
	assert.Len(t, p.Stats(), 2)
}

func TestPublisher_ClosedRejectsSubscribe(t *testing.T) {
	p := New(Config{})
	closePublisher(t, p)
	closePublisher(t, p)

	_, err := p.Subscribe(&recordingSubscriber{name: "late"})
	assert.ErrorIs(t, err, ErrClosed)
	p.Publish(update("h1"))
}

func TestPublisher_ImplementsWatchPublisher(t *testing.T) {
	var _ watch.Publisher = New(Config{})
}
