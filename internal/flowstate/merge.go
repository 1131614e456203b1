package flowstate

import (
	"context"
	"errors"
	"net"
)

// FlowObservation is a single flow as reported by a device poll.
type FlowObservation struct {
	Instance  string
	Direction Direction
	Transport TransportType

	DestinationIP   net.IP
	DestinationPort int
	SourceIP        net.IP

	Interface  string
	Bitrate    float64
	Label      string
	LinkedFlow string
}

// InterfaceObservation is a device port as reported by a device poll.
type InterfaceObservation struct {
	Index       string
	Description string
	DisplayKey  string
	Type        InterfaceType
	AdminStatus AdminStatus
	OperStatus  OperStatus
}

// Snapshot is the full observed state of one device for one polling cycle.
type Snapshot struct {
	Interfaces []InterfaceObservation
	Incoming   []FlowObservation
	Outgoing   []FlowObservation
}

// MergeResult summarizes what one snapshot merge did to the store.
type MergeResult struct {
	Added    int
	Updated  int
	Removed  int
	Rejected int
}

var (
	errNoInstance     = errors.New("observation has no instance key")
	errNoTransport    = errors.New("observation has no transport type")
	errNoDestination  = errors.New("ip observation has no destination ip")
	errNoInterfaceKey = errors.New("flow names no interface")
)

func validateObservation(obs *FlowObservation) error {
	if obs.Instance == "" {
		return errNoInstance
	}
	if obs.Transport == TransportUnknown {
		return errNoTransport
	}
	if obs.Transport == TransportIP && obs.DestinationIP == nil {
		return errNoDestination
	}
	return nil
}

// ApplySnapshot merges a freshly polled snapshot into the store and
// recomputes interface aggregates. The lifecycle asymmetry is deliberate:
// provisioned intent stays visible as "expected but not present" when the
// device stops reporting a flow, whereas purely observational rows are
// deleted outright once gone. Re-running the same snapshot is idempotent.
func (e *Engine) ApplySnapshot(ctx context.Context, snap *Snapshot) (MergeResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var res MergeResult
	if snap.Interfaces != nil {
		e.replaceInterfaces(ctx, snap.Interfaces)
	}
	e.mergeDirection(DirectionIncoming, snap.Incoming, &res)
	e.mergeDirection(DirectionOutgoing, snap.Outgoing, &res)
	e.recomputeAggregates()

	m := e.cfg.Metrics
	m.SnapshotsApplied.Inc()
	m.SnapshotRejects.Add(float64(res.Rejected))
	m.FlowsAdded.Add(float64(res.Added))
	m.FlowsRemoved.Add(float64(res.Removed))
	return res, nil
}

// replaceInterfaces swaps the interface table wholesale, resolving the
// external physical-interface reference for each row on a best-effort
// basis.
func (e *Engine) replaceInterfaces(ctx context.Context, observed []InterfaceObservation) {
	rows := make([]*Interface, 0, len(observed))
	for _, obs := range observed {
		if obs.Index == "" {
			e.cfg.Logger.Warn("dropping interface observation without index", "description", obs.Description)
			continue
		}
		row := &Interface{
			Index:       obs.Index,
			Description: obs.Description,
			DisplayKey:  obs.DisplayKey,
			Type:        obs.Type,
			AdminStatus: obs.AdminStatus,
			OperStatus:  obs.OperStatus,
		}
		if prev := e.cfg.Store.Interface(obs.Index); prev != nil {
			row.PhysicalRef = prev.PhysicalRef
		}
		if row.PhysicalRef == "" && e.cfg.Resolver != nil {
			ref, err := e.cfg.Resolver.Resolve(ctx, e.cfg.ResolverGroup, obs.Index)
			switch {
			case err == nil:
				row.PhysicalRef = ref
			case errors.Is(err, ErrPhysicalNotFound):
				// Leave unset; resolution is never required for correctness.
			default:
				e.cfg.Logger.Warn("physical interface resolution failed", "interface", obs.Index, "error", err)
			}
		}
		rows = append(rows, row)
	}
	e.cfg.Store.ReplaceInterfaces(rows)
}

func (e *Engine) mergeDirection(dir Direction, observed []FlowObservation, res *MergeResult) {
	store := e.cfg.Store
	seen := make(map[string]struct{}, len(observed))

	for i := range observed {
		obs := &observed[i]
		if obs.Direction != dir {
			// Caller routed the observation into the wrong list.
			e.cfg.Logger.Warn("observation direction mismatch", "instance", obs.Instance, "want", dir, "got", obs.Direction)
			res.Rejected++
			continue
		}
		if err := validateObservation(obs); err != nil {
			e.cfg.Logger.Warn("rejecting malformed flow observation", "direction", dir, "instance", obs.Instance, "error", err)
			res.Rejected++
			continue
		}
		seen[obs.Instance] = struct{}{}

		if existing := store.Flow(dir, obs.Instance); existing != nil {
			e.updateObserved(existing, obs)
			res.Updated++
			continue
		}
		store.UpsertFlow(&Flow{
			Instance:        obs.Instance,
			Direction:       dir,
			Transport:       obs.Transport,
			DestinationIP:   obs.DestinationIP,
			DestinationPort: obs.DestinationPort,
			SourceIP:        obs.SourceIP,
			Interface:       obs.Interface,
			BitrateActual:   obs.Bitrate,
			Label:           obs.Label,
			LinkedFlow:      obs.LinkedFlow,
			Owner:           OwnerLocalSystem,
			Present:         true,
		})
		res.Added++
	}

	// Absence pass: rows the device no longer reports.
	for _, f := range store.Flows(dir) {
		if _, ok := seen[f.Instance]; ok {
			continue
		}
		switch f.Owner {
		case OwnerFlowEngineering:
			if f.Present {
				f.Present = false
				store.UpsertFlow(f)
			}
		case OwnerLocalSystem:
			store.RemoveFlow(dir, f.Instance)
			res.Removed++
		}
	}
}

// updateObserved refreshes the mutable fields of a known row from a new
// observation. Ownership is untouched; presence always comes back true.
func (e *Engine) updateObserved(f *Flow, obs *FlowObservation) {
	f.Transport = obs.Transport
	if obs.DestinationIP != nil {
		f.DestinationIP = obs.DestinationIP
	}
	if obs.DestinationPort != 0 {
		f.DestinationPort = obs.DestinationPort
	}
	if obs.SourceIP != nil {
		f.SourceIP = obs.SourceIP
	}
	if obs.Interface != "" {
		f.Interface = obs.Interface
	}
	f.BitrateActual = obs.Bitrate
	if obs.Label != "" {
		f.Label = obs.Label
	}
	if obs.LinkedFlow != "" {
		f.LinkedFlow = obs.LinkedFlow
	}
	f.Present = true
	e.cfg.Store.UpsertFlow(f)
}
