package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/anstrom/portwatch/internal/config"
	"github.com/anstrom/portwatch/internal/logging"
	"github.com/anstrom/portwatch/internal/profiles"
	"github.com/anstrom/portwatch/internal/scanning"
	"github.com/anstrom/portwatch/internal/scanning/mocks"
	"github.com/anstrom/portwatch/internal/watch"
)

type captureSubscriber struct {
	mu      sync.Mutex
	updates []*watch.HostUpdate
}

func (c *captureSubscriber) Name() string { return "capture" }

func (c *captureSubscriber) Deliver(_ context.Context, u *watch.HostUpdate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = append(c.updates, u)
	return nil
}

func (c *captureSubscriber) types() []watch.UpdateType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]watch.UpdateType, len(c.updates))
	for i, u := range c.updates {
		out[i] = u.Type
	}
	return out
}

func testLogger() *logging.Logger {
	return logging.NewWithWriter(logging.DefaultConfig(), io.Discard)
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Scan.CycleInterval = 0
	cfg.Scan.Hosts = []config.HostConfig{
		{Host: "10.0.0.1", Ports: config.PortSpec{Type: config.PortsList, List: []int{22, 80}}},
	}
	cfg.Publisher.RetryDelay = time.Millisecond
	cfg.API.Enabled = false
	cfg.Integrations.Log.Enabled = false
	return cfg
}

func upSnapshot(host string, ports map[int]scanning.PortStatus) *scanning.Snapshot {
	return &scanning.Snapshot{Host: host, Timestamp: time.Now(), Reachable: true, Ports: ports}
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(context.Background(), config.Default(), WithLogger(testLogger()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration validation failed")
}

func TestDaemon_RunMaxCycles(t *testing.T) {
	ctrl := gomock.NewController(t)
	executor := mocks.NewMockExecutor(ctrl)

	var calls atomic.Int32
	executor.EXPECT().
		Scan(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, p profiles.HostProfile, opts scanning.Options) (*scanning.Snapshot, error) {
			assert.Equal(t, profiles.ModeStealth, opts.Mode)
			switch calls.Add(1) {
			case 1:
				return upSnapshot(p.Host, map[int]scanning.PortStatus{
					22: scanning.NewPortStatus(scanning.StateOpen, "ssh"),
				}), nil
			case 2:
				return upSnapshot(p.Host, map[int]scanning.PortStatus{
					22: scanning.NewPortStatus(scanning.StateOpen, "ssh"),
					80: scanning.NewPortStatus(scanning.StateOpen, "http"),
				}), nil
			default:
				return scanning.Unreachable(p.Host, time.Now()), nil
			}
		}).
		Times(3)

	capture := &captureSubscriber{}
	d, err := New(context.Background(), testConfig(),
		WithLogger(testLogger()),
		WithExecutor(executor),
		WithMaxCycles(3),
		WithSubscribers(capture))
	require.NoError(t, err)
	assert.Empty(t, d.APIAddress())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, d.Run(ctx))

	assert.Equal(t, []watch.UpdateType{watch.UpdateInitial, watch.UpdateChange, watch.UpdateDown}, capture.types())
	assert.Equal(t, uint64(3), d.Stats().Cycles)

	status := d.Tracker().Status()
	require.Len(t, status, 1)
	assert.False(t, status[0].Reachable)
}

func TestDaemon_RunServesAPIUntilCancelled(t *testing.T) {
	ctrl := gomock.NewController(t)
	executor := mocks.NewMockExecutor(ctrl)
	executor.EXPECT().
		Scan(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, p profiles.HostProfile, _ scanning.Options) (*scanning.Snapshot, error) {
			return upSnapshot(p.Host, map[int]scanning.PortStatus{
				22: scanning.NewPortStatus(scanning.StateOpen, "ssh"),
			}), nil
		}).
		AnyTimes()

	cfg := testConfig()
	cfg.Scan.CycleInterval = time.Hour
	cfg.API.Enabled = true
	cfg.API.Port = 0
	cfg.API.RateLimit.Enabled = false

	d, err := New(context.Background(), cfg, WithLogger(testLogger()), WithExecutor(executor))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		addr := d.APIAddress()
		return addr != "" && !strings.HasSuffix(addr, ":0") && d.Stats().Cycles == 1
	}, 5*time.Second, 10*time.Millisecond)

	resp, err := http.Get(fmt.Sprintf("http://%s/api/v1/hosts", d.APIAddress()))
	require.NoError(t, err)
	var body struct {
		Data []watch.HostStatus `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	_ = resp.Body.Close()
	require.Len(t, body.Data, 1)
	assert.Equal(t, "10.0.0.1", body.Data[0].Host)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestDaemon_HandleSignal(t *testing.T) {
	ctrl := gomock.NewController(t)
	d, err := New(context.Background(), testConfig(),
		WithLogger(testLogger()),
		WithExecutor(mocks.NewMockExecutor(ctrl)))
	require.NoError(t, err)
	defer d.abort()

	assert.False(t, d.IsDebugMode())
	assert.False(t, d.handleSignal(syscall.SIGUSR2))
	assert.True(t, d.IsDebugMode())
	assert.Equal(t, logging.LevelDebug, d.logger.Level())

	assert.False(t, d.handleSignal(syscall.SIGUSR2))
	assert.False(t, d.IsDebugMode())
	assert.Equal(t, logging.LevelInfo, d.logger.Level())

	assert.False(t, d.handleSignal(syscall.SIGUSR1))
	assert.True(t, d.handleSignal(syscall.SIGTERM))
	assert.True(t, d.handleSignal(syscall.SIGINT))
}

func TestDaemon_DebugToggleRestoresLoggerLevel(t *testing.T) {
	ctrl := gomock.NewController(t)
	logger := logging.NewWithWriter(logging.Config{Level: logging.LevelWarn}, io.Discard)
	d, err := New(context.Background(), testConfig(),
		WithLogger(logger),
		WithExecutor(mocks.NewMockExecutor(ctrl)))
	require.NoError(t, err)
	defer d.abort()

	d.toggleDebugMode()
	assert.Equal(t, logging.LevelDebug, logger.Level())

	d.toggleDebugMode()
	assert.Equal(t, logging.LevelWarn, logger.Level(), "toggling off restores the logger's own level")
}
