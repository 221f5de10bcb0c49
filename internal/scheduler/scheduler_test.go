package scheduler

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
	"go.uber.org/mock/gomock"

	"github.com/anstrom/portwatch/internal/errors"
	"github.com/anstrom/portwatch/internal/profiles"
	"github.com/anstrom/portwatch/internal/scanning"
	"github.com/anstrom/portwatch/internal/scanning/mocks"
)

func testProfiles(n int) []profiles.HostProfile {
	out := make([]profiles.HostProfile, n)
	for i := range out {
		out[i] = profiles.HostProfile{
			Host:  fmt.Sprintf("h%d", i+1),
			Ports: profiles.PortRange{Lower: 1, Upper: 1024},
		}
	}
	return out
}

// trackingExecutor records concurrency while sleeping for a short time.
type trackingExecutor struct {
	delay    time.Duration
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	started  atomic.Int32
	onStart  func(index int)

	mu       sync.Mutex
	hostBusy map[string]bool
	overlap  []string
}

func newTrackingExecutor(delay time.Duration) *trackingExecutor {
	return &trackingExecutor{delay: delay, hostBusy: map[string]bool{}}
}

func (e *trackingExecutor) Scan(ctx context.Context, p profiles.HostProfile, _ scanning.Options) (*scanning.Snapshot, error) {
	idx := int(e.started.Add(1)) - 1
	if e.onStart != nil {
		e.onStart(idx)
	}

	e.mu.Lock()
	if e.hostBusy[p.Host] {
		e.overlap = append(e.overlap, p.Host)
	}
	e.hostBusy[p.Host] = true
	e.mu.Unlock()

	n := e.inFlight.Add(1)
	for {
		seen := e.maxSeen.Load()
		if n <= seen || e.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}

	select {
	case <-time.After(e.delay):
	case <-ctx.Done():
	}

	e.inFlight.Add(-1)
	e.mu.Lock()
	e.hostBusy[p.Host] = false
	e.mu.Unlock()

	if ctx.Err() != nil {
		return nil, errors.ErrScanCanceled(p.Host, ctx.Err())
	}
	return &scanning.Snapshot{
		Host:      p.Host,
		Timestamp: time.Now(),
		Ports:     map[int]scanning.PortStatus{80: scanning.NewPortStatus(scanning.StateOpen, "http")},
		Reachable: true,
	}, nil
}

type collector struct {
	mu      sync.Mutex
	results []scanning.Result
}

func (c *collector) HandleResult(r scanning.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, r)
}

func (c *collector) all() []scanning.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]scanning.Result(nil), c.results...)
}

func waitDone(t *testing.T, s *Scheduler) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not finish in time")
	}
}

func TestNew_Validation(t *testing.T) {
	exec := newTrackingExecutor(0)
	handler := &collector{}
	valid := Config{Profiles: testProfiles(2), MaxConcurrentScans: 2}

	tests := []struct {
		name    string
		cfg     Config
		exec    scanning.Executor
		handler ResultHandler
	}{
		{"nil executor", valid, nil, handler},
		{"nil handler", valid, exec, nil},
		{"zero concurrency", Config{Profiles: testProfiles(1)}, exec, handler},
		{"negative interval", Config{Profiles: testProfiles(1), MaxConcurrentScans: 1, Interval: -time.Second}, exec, handler},
		{"no profiles", Config{MaxConcurrentScans: 1}, exec, handler},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(tt.cfg, tt.exec, tt.handler)
			assert.Nil(t, s)
			assert.Error(t, err)
		})
	}

	s, err := New(valid, exec, handler)
	require.NoError(t, err)
	assert.NotNil(t, s)
}

func TestScheduler_StartTwiceRejected(t *testing.T) {
	s, err := New(Config{
		Profiles:           testProfiles(1),
		MaxConcurrentScans: 1,
		Interval:           time.Hour,
	}, newTrackingExecutor(0), &collector{})
	require.NoError(t, err)

	require.NoError(t, s.Start())
	err = s.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")

	s.Stop()
	assert.Error(t, s.Start(), "restart after stop")
}

func TestScheduler_ConcurrencyBound(t *testing.T) {
	const hosts, limit, cycles = 7, 3, 3

	exec := newTrackingExecutor(5 * time.Millisecond)
	handler := &collector{}
	s, err := New(Config{
		Profiles:           testProfiles(hosts),
		MaxConcurrentScans: limit,
		MaxCycles:          cycles,
	}, exec, handler)
	require.NoError(t, err)

	require.NoError(t, s.Start())
	waitDone(t, s)

	assert.LessOrEqual(t, int(exec.maxSeen.Load()), limit)
	assert.Equal(t, int32(limit), exec.maxSeen.Load(), "pool should be saturated")
	assert.Empty(t, exec.overlap, "a host was scanned twice concurrently")

	results := handler.all()
	require.Len(t, results, hosts*cycles)

	perCycle := map[uint64]map[string]int{}
	for _, r := range results {
		require.NoError(t, r.Err)
		assert.Less(t, r.Slot, limit)
		if perCycle[r.Cycle] == nil {
			perCycle[r.Cycle] = map[string]int{}
		}
		perCycle[r.Cycle][r.Profile.Host]++
	}
	for cycle := uint64(1); cycle <= cycles; cycle++ {
		assert.Len(t, perCycle[cycle], hosts, "cycle %d", cycle)
		for host, n := range perCycle[cycle] {
			assert.Equal(t, 1, n, "host %s in cycle %d", host, cycle)
		}
	}

	stats := s.Stats()
	assert.Equal(t, uint64(cycles), stats.Cycles)
	assert.Equal(t, uint64(hosts*cycles), stats.ScansTotal)
	assert.False(t, stats.Running)
}

func TestScheduler_CycleBarrier(t *testing.T) {
	const hosts = 5

	var handled atomic.Int32
	var violations atomic.Int32

	exec := newTrackingExecutor(time.Millisecond)
	exec.onStart = func(index int) {
		// The index-th scan belongs to cycle index/hosts, which may only
		// begin once every result of the earlier cycles was handled.
		required := int32((index / hosts) * hosts)
		if handled.Load() < required {
			violations.Add(1)
		}
	}

	handler := ResultHandlerFunc(func(r scanning.Result) {
		time.Sleep(time.Millisecond)
		handled.Add(1)
	})

	s, err := New(Config{
		Profiles:           testProfiles(hosts),
		MaxConcurrentScans: 2,
		MaxCycles:          4,
	}, exec, handler)
	require.NoError(t, err)

	require.NoError(t, s.Start())
	waitDone(t, s)

	assert.Equal(t, int32(hosts*4), handled.Load())
	assert.Zero(t, violations.Load(), "a cycle started before the previous barrier")
}

func TestScheduler_FailuresDoNotBlockCycle(t *testing.T) {
	ctrl := gomock.NewController(t)
	exec := mocks.NewMockExecutor(ctrl)

	exec.EXPECT().
		Scan(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, p profiles.HostProfile, _ scanning.Options) (*scanning.Snapshot, error) {
			switch p.Host {
			case "h2":
				return nil, errors.ErrScanTimeout(p.Host, context.DeadlineExceeded)
			case "h3":
				return scanning.Unreachable(p.Host, time.Now()), nil
			}
			return &scanning.Snapshot{Host: p.Host, Reachable: true, Ports: map[int]scanning.PortStatus{}}, nil
		}).
		Times(3)

	handler := &collector{}
	s, err := New(Config{
		Profiles:           testProfiles(3),
		MaxConcurrentScans: 1,
		MaxCycles:          1,
		ScanOptions:        scanning.Options{Mode: profiles.ModeStealth},
	}, exec, handler)
	require.NoError(t, err)

	require.NoError(t, s.Start())
	waitDone(t, s)

	results := handler.all()
	require.Len(t, results, 3)

	byHost := map[string]scanning.Result{}
	for _, r := range results {
		byHost[r.Profile.Host] = r
	}
	assert.True(t, byHost["h1"].Reachable())
	assert.True(t, errors.IsCode(byHost["h2"].Err, errors.CodeTimeout))
	assert.Nil(t, byHost["h2"].Snapshot)
	assert.False(t, byHost["h3"].Reachable())
	assert.NoError(t, byHost["h3"].Err)
	assert.Equal(t, uint64(1), s.Stats().ScanFailures)
}

func TestScheduler_StopQuiesces(t *testing.T) {
	exec := newTrackingExecutor(time.Hour)
	handler := &collector{}
	s, err := New(Config{
		Profiles:           testProfiles(4),
		MaxConcurrentScans: 2,
	}, exec, handler)
	require.NoError(t, err)

	require.NoError(t, s.Start())
	require.Eventually(t, func() bool { return exec.inFlight.Load() == 2 }, time.Second, time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}

	assert.Zero(t, exec.inFlight.Load(), "workers still running after Stop")
	assert.Equal(t, int32(2), exec.started.Load(), "no scan may start after Stop")
	assert.Empty(t, handler.all(), "canceled scans must not produce results")
	assert.Equal(t, uint64(0), s.Stats().Cycles)

	s.Stop()
}

func TestScheduler_StopBeforeStart(t *testing.T) {
	s, err := New(Config{Profiles: testProfiles(1), MaxConcurrentScans: 1}, newTrackingExecutor(0), &collector{})
	require.NoError(t, err)

	s.Stop()
	s.Stop()
	assert.Error(t, s.Start())
}

func TestScheduler_WaitsIntervalBetweenCycles(t *testing.T) {
	exec := newTrackingExecutor(0)
	s, err := New(Config{
		Profiles:           testProfiles(2),
		MaxConcurrentScans: 2,
		Interval:           time.Hour,
	}, exec, &collector{})
	require.NoError(t, err)

	require.NoError(t, s.Start())
	require.Eventually(t, func() bool { return s.Stats().Cycles == 1 }, time.Second, time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(2), exec.started.Load(), "second cycle started before interval elapsed")
	assert.False(t, s.Stats().NextCycle.IsZero())

	s.Stop()
	assert.Equal(t, uint64(1), s.Stats().Cycles)
}

func TestScheduler_ExecutorPanicIsTerminalFailure(t *testing.T) {
	exec := scanExecutorFunc(func(ctx context.Context, p profiles.HostProfile, _ scanning.Options) (*scanning.Snapshot, error) {
		if p.Host == "h1" {
			panic("boom")
		}
		return nil, nil
	})
	handler := &collector{}
	s, err := New(Config{Profiles: testProfiles(2), MaxConcurrentScans: 2, MaxCycles: 1}, exec, handler)
	require.NoError(t, err)

	require.NoError(t, s.Start())
	waitDone(t, s)

	results := handler.all()
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, errors.IsCode(r.Err, errors.CodeScanFailed), "host %s", r.Profile.Host)
	}
}

func TestScheduler_HandlerPanicRecovered(t *testing.T) {
	var calls atomic.Int32
	handler := ResultHandlerFunc(func(r scanning.Result) {
		calls.Add(1)
		panic(stderrors.New("handler failure"))
	})
	s, err := New(Config{Profiles: testProfiles(3), MaxConcurrentScans: 1, MaxCycles: 2}, newTrackingExecutor(0), handler)
	require.NoError(t, err)

	require.NoError(t, s.Start())
	waitDone(t, s)
	assert.Equal(t, int32(6), calls.Load())
}

func TestParseSchedule(t *testing.T) {
	schedule, err := ParseSchedule("*/5 * * * *")
	require.NoError(t, err)

	from := time.Date(2024, 1, 1, 10, 2, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 1, 1, 10, 5, 0, 0, time.UTC), schedule.Next(from))

	_, err = ParseSchedule("not a schedule")
	assert.True(t, errors.IsCode(err, errors.CodeValidation))

	_, err = ParseSchedule("0 0 30 2 *")
	assert.True(t, errors.IsCode(err, errors.CodeValidation), "February 30th never occurs")
}

// fixedSchedule returns a constant offset from now, or the zero time when
// never is set.
type fixedSchedule struct {
	after time.Duration
	never bool
}

func (f fixedSchedule) Next(t time.Time) time.Time {
	if f.never {
		return time.Time{}
	}
	return t.Add(f.after)
}

func TestScheduler_ScheduleDrivesCycles(t *testing.T) {
	exec := newTrackingExecutor(0)
	s, err := New(Config{
		Profiles:           testProfiles(1),
		MaxConcurrentScans: 1,
		Interval:           time.Hour,
		Schedule:           fixedSchedule{after: 10 * time.Millisecond},
		MaxCycles:          3,
	}, exec, &collector{})
	require.NoError(t, err)

	require.NoError(t, s.Start())
	waitDone(t, s)
	assert.Equal(t, uint64(3), s.Stats().Cycles, "schedule must replace the hour-long interval")
	assert.Equal(t, int32(3), exec.started.Load())
}

func TestScheduler_NeverFiringSchedulePauses(t *testing.T) {
	exec := newTrackingExecutor(0)
	s, err := New(Config{
		Profiles:           testProfiles(1),
		MaxConcurrentScans: 1,
		Schedule:           fixedSchedule{never: true},
	}, exec, &collector{})
	require.NoError(t, err)

	require.NoError(t, s.Start())
	require.Eventually(t, func() bool { return s.Stats().Cycles == 1 }, time.Second, time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, int32(1), exec.started.Load(), "no cycle may follow when the schedule never fires")
	assert.True(t, s.Stats().NextCycle.IsZero())

	s.Stop()
	waitDone(t, s)
}

type scanExecutorFunc func(ctx context.Context, p profiles.HostProfile, o scanning.Options) (*scanning.Snapshot, error)

func (f scanExecutorFunc) Scan(ctx context.Context, p profiles.HostProfile, o scanning.Options) (*scanning.Snapshot, error) {
	return f(ctx, p, o)
}
