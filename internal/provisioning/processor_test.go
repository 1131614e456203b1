package provisioning

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mediamesh/flowmediator/internal/flowstate"
	"github.com/mediamesh/flowmediator/internal/tablesync"
)

type mockConsumer struct {
	batches [][]Message
	commits int
}

func (m *mockConsumer) Consume(ctx context.Context) ([]Message, error) {
	if len(m.batches) == 0 {
		return nil, ErrClientClosed
	}
	batch := m.batches[0]
	m.batches = m.batches[1:]
	return batch, nil
}

func (m *mockConsumer) Commit(ctx context.Context) error {
	m.commits++
	return nil
}

type mockWriter struct {
	upsertedFlows map[flowstate.Direction][]tablesync.FlowRow
}

func (m *mockWriter) UpsertInterfaces(ctx context.Context, rows []tablesync.InterfaceRow) error {
	return nil
}

func (m *mockWriter) DeleteInterfaces(ctx context.Context, instances []string) error {
	return nil
}

func (m *mockWriter) ReplaceInterfaces(ctx context.Context, rows []tablesync.InterfaceRow) error {
	return nil
}

func (m *mockWriter) UpsertFlows(ctx context.Context, dir flowstate.Direction, rows []tablesync.FlowRow) error {
	if m.upsertedFlows == nil {
		m.upsertedFlows = make(map[flowstate.Direction][]tablesync.FlowRow)
	}
	m.upsertedFlows[dir] = append(m.upsertedFlows[dir], rows...)
	return nil
}

func (m *mockWriter) DeleteFlows(ctx context.Context, dir flowstate.Direction, instances []string) error {
	return nil
}

func newTestTarget(t *testing.T) (*Target, *mockWriter) {
	t.Helper()
	engine, err := flowstate.NewEngine(&flowstate.Config{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Store:  flowstate.NewStore(),
	})
	require.NoError(t, err)

	writer := &mockWriter{}
	sync, err := tablesync.New(&tablesync.Config{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Writer: writer,
	})
	require.NoError(t, err)
	return &Target{Engine: engine, Synchronizer: sync}, writer
}

func provisioningMessage(t *testing.T, device string) Message {
	t.Helper()
	return Message{
		Device: device,
		Msg: &flowstate.ProvisionMessage{
			Intent: flowstate.IntentAdd,
			Flows: []flowstate.ProvisionFlow{
				{
					Direction:       flowstate.DirectionIncoming,
					Transport:       flowstate.TransportIP,
					SourceIP:        net.ParseIP("10.0.0.1"),
					DestinationIP:   net.ParseIP("239.1.1.1"),
					DestinationPort: 5004,
					Interface:       "1",
					ExpectedBitrate: 100,
				},
				{
					Direction:       flowstate.DirectionOutgoing,
					Transport:       flowstate.TransportIP,
					SourceIP:        net.ParseIP("10.0.0.1"),
					DestinationIP:   net.ParseIP("239.1.1.1"),
					DestinationPort: 5004,
					Interface:       "2",
					ExpectedBitrate: 100,
				},
			},
		},
	}
}

func TestProvisioning_Processor_AppliesAndLinksFlows(t *testing.T) {
	t.Parallel()

	target, writer := newTestTarget(t)
	consumer := &mockConsumer{batches: [][]Message{{provisioningMessage(t, "dev1")}}}

	processor, err := NewProcessor(ProcessorConfig{
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Consumer: consumer,
		Targets:  map[string]*Target{"dev1": target},
	})
	require.NoError(t, err)
	require.NoError(t, processor.Run(context.Background()))
	require.Equal(t, 1, consumer.commits)

	incoming := target.Engine.Store().Flows(flowstate.DirectionIncoming)
	require.Len(t, incoming, 1)
	require.Equal(t, flowstate.OwnerFlowEngineering, incoming[0].Owner)
	require.Equal(t, "10.0.0.1/239.1.1.1", incoming[0].LinkedFlow)
	require.Empty(t, incoming[0].FKIncoming)

	outgoing := target.Engine.Store().Flows(flowstate.DirectionOutgoing)
	require.Len(t, outgoing, 1)
	require.Equal(t, "10.0.0.1/239.1.1.1", outgoing[0].FKIncoming)

	// The synchronizer ran after the apply and pushed both new rows out.
	require.Len(t, writer.upsertedFlows[flowstate.DirectionIncoming], 1)
	require.Len(t, writer.upsertedFlows[flowstate.DirectionOutgoing], 1)
	require.Equal(t, "10.0.0.1/239.1.1.1", writer.upsertedFlows[flowstate.DirectionOutgoing][0].FKIncoming)
}

func TestProvisioning_Processor_UnknownDeviceDoesNotStopBatch(t *testing.T) {
	t.Parallel()

	target, _ := newTestTarget(t)
	consumer := &mockConsumer{batches: [][]Message{{
		provisioningMessage(t, "ghost"),
		provisioningMessage(t, "dev1"),
	}}}

	processor, err := NewProcessor(ProcessorConfig{
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Consumer: consumer,
		Targets:  map[string]*Target{"dev1": target},
	})
	require.NoError(t, err)
	require.NoError(t, processor.Run(context.Background()))

	// The known device's message still applied, and offsets committed so
	// the bad message is not replayed forever.
	require.Len(t, target.Engine.Store().Flows(flowstate.DirectionIncoming), 1)
	require.Equal(t, 1, consumer.commits)
}

func TestProvisioning_Processor_ValidateConfig(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	target, _ := newTestTarget(t)

	_, err := NewProcessor(ProcessorConfig{})
	require.Error(t, err)

	_, err = NewProcessor(ProcessorConfig{Logger: logger, Consumer: &mockConsumer{}})
	require.Error(t, err)

	_, err = NewProcessor(ProcessorConfig{
		Logger:   logger,
		Consumer: &mockConsumer{},
		Targets:  map[string]*Target{"dev1": target},
	})
	require.NoError(t, err)
}

func TestProvisioning_Processor_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	target, _ := newTestTarget(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	processor, err := NewProcessor(ProcessorConfig{
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Consumer: &mockConsumer{},
		Targets:  map[string]*Target{"dev1": target},
	})
	require.NoError(t, err)
	require.True(t, errors.Is(processor.Run(ctx), context.Canceled))
}
