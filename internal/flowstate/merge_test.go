package flowstate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func observationA(t *testing.T) FlowObservation {
	return FlowObservation{
		Instance:      "A",
		Direction:     DirectionIncoming,
		Transport:     TransportIP,
		DestinationIP: ip(t, "239.0.0.1"),
		SourceIP:      ip(t, "10.1.1.2"),
		Interface:     "1",
		Bitrate:       50,
	}
}

func snapshotWith(t *testing.T, incoming ...FlowObservation) *Snapshot {
	return &Snapshot{
		Interfaces: []InterfaceObservation{{Index: "1", Description: "uplink", Type: InterfaceEthernet}},
		Incoming:   incoming,
	}
}

func TestFlowState_Merge_NewObservedFlow(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	res, err := e.ApplySnapshot(context.Background(), snapshotWith(t, observationA(t)))
	require.NoError(t, err)
	require.Equal(t, MergeResult{Added: 1}, res)

	f := e.Store().Flow(DirectionIncoming, "A")
	require.NotNil(t, f)
	require.Equal(t, OwnerLocalSystem, f.Owner)
	require.True(t, f.Present)
	require.Equal(t, 50.0, f.BitrateActual)

	iface := e.Store().Interface("1")
	require.NotNil(t, iface)
	require.Equal(t, 50.0, iface.RxBitrate)
	require.Equal(t, 1, iface.RxFlows)
}

func TestFlowState_Merge_RepeatedSnapshotIsIdempotent(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	_, err := e.ApplySnapshot(context.Background(), snapshotWith(t, observationA(t)))
	require.NoError(t, err)

	res, err := e.ApplySnapshot(context.Background(), snapshotWith(t, observationA(t)))
	require.NoError(t, err)
	require.Equal(t, MergeResult{Updated: 1}, res)
	require.Len(t, e.Store().Flows(DirectionIncoming), 1)
	require.Equal(t, 50.0, e.Store().Interface("1").RxBitrate)
}

func TestFlowState_Merge_LocalFlowDeletedWhenUnobserved(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	_, err := e.ApplySnapshot(context.Background(), snapshotWith(t, observationA(t)))
	require.NoError(t, err)

	res, err := e.ApplySnapshot(context.Background(), snapshotWith(t))
	require.NoError(t, err)
	require.Equal(t, MergeResult{Removed: 1}, res)
	require.Nil(t, e.Store().Flow(DirectionIncoming, "A"))
	require.Equal(t, 0.0, e.Store().Interface("1").RxBitrate)
	require.Equal(t, 0, e.Store().Interface("1").RxFlows)
}

func TestFlowState_Merge_ProvisionedFlowRetainedWhenUnobserved(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	_, err := e.ApplySnapshot(context.Background(), snapshotWith(t, observationA(t)))
	require.NoError(t, err)

	msg := &ProvisionMessage{Intent: IntentAdd, Flows: []ProvisionFlow{{
		Direction:       DirectionIncoming,
		Transport:       TransportIP,
		DestinationIP:   ip(t, "239.0.0.1"),
		SourceIP:        ip(t, "10.1.1.2"),
		Interface:       "1",
		ExpectedBitrate: 100,
	}}}
	_, err = e.ApplyProvisioning(context.Background(), msg, MatchOptions{IgnoreDestinationPort: true})
	require.NoError(t, err)

	// Next poll omits the flow: the row persists as provisioned-absent and
	// the expected aggregates survive while the actual ones drop.
	_, err = e.ApplySnapshot(context.Background(), snapshotWith(t))
	require.NoError(t, err)

	f := e.Store().Flow(DirectionIncoming, "A")
	require.NotNil(t, f)
	require.Equal(t, OwnerFlowEngineering, f.Owner)
	require.False(t, f.Present)

	iface := e.Store().Interface("1")
	require.Equal(t, 0, iface.RxFlows)
	require.Equal(t, 100.0, iface.RxBitrateExpected)
	require.Equal(t, 1, iface.RxFlowsExpected)
}

func TestFlowState_Merge_FullLifecycleSequence(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	ctx := context.Background()
	provision := func(intent ProvisionIntent) ProvisionResult {
		msg := &ProvisionMessage{Intent: intent, Flows: []ProvisionFlow{{
			Direction:       DirectionIncoming,
			Transport:       TransportIP,
			DestinationIP:   ip(t, "239.0.0.1"),
			SourceIP:        ip(t, "10.1.1.2"),
			Interface:       "1",
			ExpectedBitrate: 100,
		}}}
		res, err := e.ApplyProvisioning(ctx, msg, MatchOptions{IgnoreDestinationPort: true})
		require.NoError(t, err)
		require.Zero(t, res.Rejected)
		return res
	}
	state := func() (Owner, bool) {
		flows := e.Store().Flows(DirectionIncoming)
		require.Len(t, flows, 1)
		return flows[0].Owner, flows[0].Present
	}

	// provisioning add: NoRow -> ProvisionedAbsent
	provision(IntentAdd)
	owner, present := state()
	require.Equal(t, OwnerFlowEngineering, owner)
	require.False(t, present)

	// device observes: ProvisionedAbsent -> ProvisionedPresent
	_, err := e.ApplySnapshot(ctx, snapshotWith(t, observationA(t)))
	require.NoError(t, err)
	owner, present = state()
	require.Equal(t, OwnerFlowEngineering, owner)
	require.True(t, present)

	// device stops observing: ProvisionedPresent -> ProvisionedAbsent
	_, err = e.ApplySnapshot(ctx, snapshotWith(t))
	require.NoError(t, err)
	owner, present = state()
	require.Equal(t, OwnerFlowEngineering, owner)
	require.False(t, present)

	// provisioning remove: ProvisionedAbsent -> NoRow
	provision(IntentRemove)
	require.Empty(t, e.Store().Flows(DirectionIncoming))
}

func TestFlowState_Merge_NoPersistedLocalAbsentRow(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	ctx := context.Background()

	obsB := observationA(t)
	obsB.Instance = "B"
	obsB.SourceIP = ip(t, "10.1.1.3")

	_, err := e.ApplySnapshot(ctx, snapshotWith(t, observationA(t), obsB))
	require.NoError(t, err)
	_, err = e.ApplySnapshot(ctx, snapshotWith(t, obsB))
	require.NoError(t, err)

	// After any merge, owner=LocalSystem implies presence.
	for _, dir := range []Direction{DirectionIncoming, DirectionOutgoing} {
		for _, f := range e.Store().Flows(dir) {
			if f.Owner == OwnerLocalSystem {
				require.True(t, f.Present, "flow %s persisted as local+absent", f.Instance)
			}
		}
	}
}

func TestFlowState_Merge_RejectsMalformedEntriesOnly(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	noTransport := observationA(t)
	noTransport.Instance = "bad1"
	noTransport.Transport = TransportUnknown
	noInstance := observationA(t)
	noInstance.Instance = ""
	noDest := observationA(t)
	noDest.Instance = "bad2"
	noDest.DestinationIP = nil

	res, err := e.ApplySnapshot(context.Background(), snapshotWith(t, observationA(t), noTransport, noInstance, noDest))
	require.NoError(t, err)
	require.Equal(t, 3, res.Rejected)
	require.Equal(t, 1, res.Added)
	require.Len(t, e.Store().Flows(DirectionIncoming), 1)
}

func TestFlowState_Merge_DanglingFlowExcludedFromAggregates(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	orphan := observationA(t)
	orphan.Instance = "orphan"
	orphan.Interface = "99"

	_, err := e.ApplySnapshot(context.Background(), snapshotWith(t, observationA(t), orphan))
	require.NoError(t, err)

	f := e.Store().Flow(DirectionIncoming, "orphan")
	require.NotNil(t, f, "observed data must not be dropped")
	require.True(t, f.Dangling)
	require.False(t, e.Store().Flow(DirectionIncoming, "A").Dangling)

	// Only the flow on a resolvable interface contributes to the rollups.
	require.Equal(t, 1, e.Store().Interface("1").RxFlows)
	require.Equal(t, 50.0, e.Store().Interface("1").RxBitrate)
}

func TestFlowState_Merge_InterfaceRemovalFlagsDanglingFlow(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	_, err := e.ApplySnapshot(context.Background(), snapshotWith(t, observationA(t)))
	require.NoError(t, err)

	msg := &ProvisionMessage{Intent: IntentAdd, Flows: []ProvisionFlow{{
		Direction:       DirectionIncoming,
		Transport:       TransportIP,
		DestinationIP:   ip(t, "239.0.0.1"),
		SourceIP:        ip(t, "10.1.1.2"),
		Interface:       "1",
		ExpectedBitrate: 100,
	}}}
	_, err = e.ApplyProvisioning(context.Background(), msg, MatchOptions{IgnoreDestinationPort: true})
	require.NoError(t, err)

	// The flow goes provisioned-absent while interface "1" still exists.
	_, err = e.ApplySnapshot(context.Background(), snapshotWith(t))
	require.NoError(t, err)
	require.False(t, e.Store().Flow(DirectionIncoming, "A").Present)

	// A later poll drops interface "1" from the bulk replace entirely. The
	// retained row now references a removed interface and must be flagged.
	snap := &Snapshot{Interfaces: []InterfaceObservation{{Index: "2", Description: "uplink", Type: InterfaceEthernet}}}
	_, err = e.ApplySnapshot(context.Background(), snap)
	require.NoError(t, err)

	require.Nil(t, e.Store().Interface("1"))
	f := e.Store().Flow(DirectionIncoming, "A")
	require.NotNil(t, f)
	require.True(t, f.Dangling, "flow referencing a removed interface must be flagged dangling")
}
