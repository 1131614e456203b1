package flowstate

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ProvisionIntent is what a provisioning message wants done with the flows
// it names.
type ProvisionIntent int

const (
	IntentAdd ProvisionIntent = iota
	IntentRemove
)

func (i ProvisionIntent) String() string {
	switch i {
	case IntentAdd:
		return "add"
	case IntentRemove:
		return "remove"
	}
	return fmt.Sprintf("intent(%d)", int(i))
}

// ProvisionFlow names one flow inside a provisioning message by its
// defining attributes.
type ProvisionFlow struct {
	Direction Direction
	Transport TransportType

	DestinationIP   net.IP
	DestinationPort int
	SourceIP        net.IP

	Interface       string
	ExpectedBitrate float64
	Label           string
}

// ProvisionMessage is a decoded inter-application provisioning message.
type ProvisionMessage struct {
	Intent ProvisionIntent
	Flows  []ProvisionFlow
}

// MatchOptions controls how provisioned flows are matched against existing
// rows. IgnoreDestinationPort accommodates devices that omit port
// reporting.
type MatchOptions struct {
	IgnoreDestinationPort bool
}

// ProvisionResult reports which rows were newly added or changed by a
// provisioning message, partitioned by direction so the caller can
// populate cross-direction foreign keys. Rejected counts per-flow
// validation failures; the rest of the message is still processed.
type ProvisionResult struct {
	AddedIncoming   []*Flow
	AddedOutgoing   []*Flow
	ChangedIncoming []*Flow
	ChangedOutgoing []*Flow
	Rejected        int
}

func (r *ProvisionResult) added(f *Flow) {
	if f.Direction == DirectionIncoming {
		r.AddedIncoming = append(r.AddedIncoming, f)
	} else {
		r.AddedOutgoing = append(r.AddedOutgoing, f)
	}
}

func (r *ProvisionResult) changed(f *Flow) {
	if f.Direction == DirectionIncoming {
		r.ChangedIncoming = append(r.ChangedIncoming, f)
	} else {
		r.ChangedOutgoing = append(r.ChangedOutgoing, f)
	}
}

var (
	errNoSource       = errors.New("ip flow has no source ip")
	errNotProvisioned = errors.New("flow is not under provisioning ownership")
	errNoSuchFlow     = errors.New("no matching flow")
)

func validateProvisionFlow(pf *ProvisionFlow) error {
	if pf.Transport == TransportUnknown {
		return errNoTransport
	}
	if pf.Interface == "" {
		return errNoInterfaceKey
	}
	if pf.Transport == TransportIP {
		if pf.DestinationIP == nil {
			return errNoDestination
		}
		if pf.SourceIP == nil {
			return errNoSource
		}
	}
	return nil
}

// provisionInstance derives the stable instance key for a flow created by
// provisioning before the device has ever reported it.
func provisionInstance(pf *ProvisionFlow) string {
	if pf.Transport == TransportIP {
		return fmt.Sprintf("%s/%s/%s", pf.SourceIP, pf.DestinationIP, pf.Interface)
	}
	if pf.Label != "" {
		return fmt.Sprintf("%s/%s", pf.Label, pf.Interface)
	}
	return fmt.Sprintf("%s/%s", pf.Transport, pf.Interface)
}

// matches reports whether an existing row and a provisioned flow describe
// the same signal path.
func matches(f *Flow, pf *ProvisionFlow, opts MatchOptions) bool {
	if f.Transport != pf.Transport {
		return false
	}
	if pf.Transport != TransportIP {
		// SDI/ASI flows carry no endpoint addressing; the interface is
		// their only defining attribute.
		return f.Interface == pf.Interface
	}
	if !f.DestinationIP.Equal(pf.DestinationIP) {
		return false
	}
	if !f.SourceIP.Equal(pf.SourceIP) {
		return false
	}
	if !opts.IgnoreDestinationPort && f.DestinationPort != pf.DestinationPort {
		return false
	}
	return true
}

func (e *Engine) findMatch(dir Direction, pf *ProvisionFlow, opts MatchOptions) *Flow {
	for _, f := range e.cfg.Store.Flows(dir) {
		if matches(f, pf, opts) {
			return f
		}
	}
	return nil
}

// ApplyProvisioning applies a decoded provisioning message to the store
// and recomputes interface aggregates. Each named flow is validated and
// applied independently: one malformed entry rejects that entry only.
func (e *Engine) ApplyProvisioning(ctx context.Context, msg *ProvisionMessage, opts MatchOptions) (ProvisionResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var res ProvisionResult
	for i := range msg.Flows {
		pf := &msg.Flows[i]
		if err := validateProvisionFlow(pf); err != nil {
			e.cfg.Logger.Warn("rejecting provisioned flow", "intent", msg.Intent, "direction", pf.Direction, "error", err)
			res.Rejected++
			continue
		}
		var err error
		switch msg.Intent {
		case IntentAdd:
			e.provisionAdd(pf, opts, &res)
		case IntentRemove:
			err = e.provisionRemove(pf, opts, &res)
		default:
			err = fmt.Errorf("unknown intent %d", msg.Intent)
		}
		if err != nil {
			e.cfg.Logger.Warn("rejecting provisioned flow", "intent", msg.Intent, "direction", pf.Direction, "error", err)
			res.Rejected++
		}
	}
	e.recomputeAggregates()

	m := e.cfg.Metrics
	m.ProvisionMessages.Inc()
	m.ProvisionRejects.Add(float64(res.Rejected))
	m.FlowsAdded.Add(float64(len(res.AddedIncoming) + len(res.AddedOutgoing)))
	return res, nil
}

// provisionAdd claims an existing observed flow for flow engineering, or
// creates a provisioned-but-absent row when the device has not reported
// the flow yet.
func (e *Engine) provisionAdd(pf *ProvisionFlow, opts MatchOptions, res *ProvisionResult) {
	if f := e.findMatch(pf.Direction, pf, opts); f != nil {
		mutated := f.Owner != OwnerFlowEngineering ||
			f.BitrateExpected != pf.ExpectedBitrate ||
			(pf.Label != "" && f.Label != pf.Label)
		f.Owner = OwnerFlowEngineering
		f.BitrateExpected = pf.ExpectedBitrate
		if pf.Label != "" {
			f.Label = pf.Label
		}
		e.cfg.Store.UpsertFlow(f)
		if mutated {
			res.changed(f)
		}
		return
	}

	f := &Flow{
		Instance:        provisionInstance(pf),
		Direction:       pf.Direction,
		Transport:       pf.Transport,
		DestinationIP:   pf.DestinationIP,
		DestinationPort: pf.DestinationPort,
		SourceIP:        pf.SourceIP,
		Interface:       pf.Interface,
		BitrateExpected: pf.ExpectedBitrate,
		Label:           pf.Label,
		Owner:           OwnerFlowEngineering,
		Present:         false,
	}
	e.cfg.Store.UpsertFlow(f)
	res.added(f)
}

// provisionRemove withdraws provisioning intent. An absent provisioned row
// is deleted outright; a still-observed row reverts to local ownership and
// stays present.
func (e *Engine) provisionRemove(pf *ProvisionFlow, opts MatchOptions, res *ProvisionResult) error {
	f := e.findMatch(pf.Direction, pf, opts)
	if f == nil {
		return errNoSuchFlow
	}
	if f.Owner != OwnerFlowEngineering {
		return errNotProvisioned
	}
	if !f.Present {
		e.cfg.Store.RemoveFlow(f.Direction, f.Instance)
		return nil
	}
	f.Owner = OwnerLocalSystem
	f.BitrateExpected = 0
	e.cfg.Store.UpsertFlow(f)
	res.changed(f)
	return nil
}
