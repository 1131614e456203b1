package poller

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/mediamesh/flowmediator/internal/flowstate"
)

type mockPoller struct {
	PollFunc func(ctx context.Context) (*flowstate.Snapshot, error)
}

func (m *mockPoller) Poll(ctx context.Context) (*flowstate.Snapshot, error) {
	return m.PollFunc(ctx)
}

func newTestEngine(t *testing.T) *flowstate.Engine {
	t.Helper()
	engine, err := flowstate.NewEngine(&flowstate.Config{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Store:  flowstate.NewStore(),
	})
	require.NoError(t, err)
	return engine
}

func testSnapshot() *flowstate.Snapshot {
	return &flowstate.Snapshot{
		Interfaces: []flowstate.InterfaceObservation{
			{Index: "1", DisplayKey: "Ethernet1"},
		},
		Incoming: []flowstate.FlowObservation{{
			Instance:      "10.1.1.2/239.0.0.1/1",
			Direction:     flowstate.DirectionIncoming,
			Transport:     flowstate.TransportIP,
			DestinationIP: net.ParseIP("239.0.0.1"),
			SourceIP:      net.ParseIP("10.1.1.2"),
			Interface:     "1",
			Bitrate:       50,
		}},
	}
}

func TestPoller_Runner_ValidateConfig(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err := NewRunner(RunnerConfig{Devices: []*Device{}})
	require.Error(t, err)

	_, err = NewRunner(RunnerConfig{Logger: logger})
	require.Error(t, err)

	_, err = NewRunner(RunnerConfig{
		Logger:  logger,
		Devices: []*Device{{ID: "dev1"}},
	})
	require.Error(t, err)

	runner, err := NewRunner(RunnerConfig{
		Logger: logger,
		Devices: []*Device{{
			ID:     "dev1",
			Poller: &mockPoller{},
			Engine: newTestEngine(t),
		}},
	})
	require.NoError(t, err)
	require.Equal(t, defaultPollInterval, runner.cfg.Interval)
	require.Equal(t, defaultPoolSize, runner.cfg.PoolSize)
}

func TestPoller_Runner_PollsOnInterval(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClock()
	polled := make(chan struct{}, 16)
	engine := newTestEngine(t)

	runner, err := NewRunner(RunnerConfig{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Devices: []*Device{{
			ID: "dev1",
			Poller: &mockPoller{PollFunc: func(ctx context.Context) (*flowstate.Snapshot, error) {
				polled <- struct{}{}
				return testSnapshot(), nil
			}},
			Engine: engine,
		}},
		Interval: time.Minute,
		Clock:    clk,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	// First cycle fires immediately, before any interval elapses.
	select {
	case <-polled:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for initial poll")
	}

	// The ticker is the only waiter on the fake clock.
	clk.BlockUntil(1)
	clk.Advance(time.Minute)
	select {
	case <-polled:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for second poll")
	}

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	flows := engine.Store().Flows(flowstate.DirectionIncoming)
	require.Len(t, flows, 1)
	require.Equal(t, "10.1.1.2/239.0.0.1/1", flows[0].Instance)
}

func TestPoller_Runner_DeviceFailureDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClock()
	var healthyPolls atomic.Int64
	polled := make(chan struct{}, 16)

	runner, err := NewRunner(RunnerConfig{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Devices: []*Device{
			{
				ID: "broken",
				Poller: &mockPoller{PollFunc: func(ctx context.Context) (*flowstate.Snapshot, error) {
					return nil, errors.New("connection refused")
				}},
				Engine: newTestEngine(t),
			},
			{
				ID: "healthy",
				Poller: &mockPoller{PollFunc: func(ctx context.Context) (*flowstate.Snapshot, error) {
					healthyPolls.Add(1)
					polled <- struct{}{}
					return testSnapshot(), nil
				}},
				Engine: newTestEngine(t),
			},
		},
		Interval: time.Minute,
		Clock:    clk,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	select {
	case <-polled:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for healthy device poll")
	}

	clk.BlockUntil(1)
	clk.Advance(time.Minute)
	select {
	case <-polled:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for second healthy device poll")
	}

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	require.GreaterOrEqual(t, healthyPolls.Load(), int64(2))
}
