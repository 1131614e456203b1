package flowstate

import (
	"fmt"
	"net"
)

// Direction distinguishes flows entering a device from flows leaving it.
type Direction int

const (
	DirectionIncoming Direction = iota
	DirectionOutgoing
)

func (d Direction) String() string {
	switch d {
	case DirectionIncoming:
		return "incoming"
	case DirectionOutgoing:
		return "outgoing"
	}
	return fmt.Sprintf("direction(%d)", int(d))
}

// TransportType is the transport a flow travels over. IP flows carry
// endpoint addressing; SDI and ASI flows do not.
type TransportType int

const (
	TransportUnknown TransportType = iota
	TransportIP
	TransportSDI
	TransportASI
)

func (t TransportType) String() string {
	switch t {
	case TransportIP:
		return "ip"
	case TransportSDI:
		return "sdi"
	case TransportASI:
		return "asi"
	}
	return "unknown"
}

// ParseTransport maps the wire representation of a transport type back to
// its enum value. Unrecognized input yields TransportUnknown.
func ParseTransport(s string) TransportType {
	switch s {
	case "ip", "IP":
		return TransportIP
	case "sdi", "SDI":
		return TransportSDI
	case "asi", "ASI":
		return TransportASI
	}
	return TransportUnknown
}

// Owner is the authority that believes a flow should exist: the device
// itself (local system) or the flow-engineering provisioning system.
type Owner int

const (
	OwnerLocalSystem Owner = iota
	OwnerFlowEngineering
)

func (o Owner) String() string {
	switch o {
	case OwnerLocalSystem:
		return "local_system"
	case OwnerFlowEngineering:
		return "flow_engineering"
	}
	return fmt.Sprintf("owner(%d)", int(o))
}

// LevelStatus compares an actual value against its provisioned expectation.
type LevelStatus int

const (
	StatusNormal LevelStatus = iota
	StatusLow
	StatusHigh
)

func (s LevelStatus) String() string {
	switch s {
	case StatusNormal:
		return "normal"
	case StatusLow:
		return "low"
	case StatusHigh:
		return "high"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

type InterfaceType int

const (
	InterfaceEthernet InterfaceType = iota
	InterfaceSDI
	InterfaceASI
)

func (t InterfaceType) String() string {
	switch t {
	case InterfaceEthernet:
		return "ethernet"
	case InterfaceSDI:
		return "sdi"
	case InterfaceASI:
		return "asi"
	}
	return fmt.Sprintf("interface_type(%d)", int(t))
}

type AdminStatus int

const (
	AdminUp AdminStatus = iota
	AdminDown
	AdminTesting
)

func (s AdminStatus) String() string {
	switch s {
	case AdminUp:
		return "up"
	case AdminDown:
		return "down"
	case AdminTesting:
		return "testing"
	}
	return fmt.Sprintf("admin_status(%d)", int(s))
}

type OperStatus int

const (
	OperUp OperStatus = iota
	OperDown
	OperTesting
	OperUnknown
	OperDormant
	OperNotPresent
	OperLowerLayerDown
)

func (s OperStatus) String() string {
	switch s {
	case OperUp:
		return "up"
	case OperDown:
		return "down"
	case OperTesting:
		return "testing"
	case OperDormant:
		return "dormant"
	case OperNotPresent:
		return "not_present"
	case OperLowerLayerDown:
		return "lower_layer_down"
	}
	return "unknown"
}

// Flow is a single signal path entering or leaving a device. The Instance
// key is the only identity that is stable across reconciliation cycles.
type Flow struct {
	Instance  string
	Direction Direction
	Transport TransportType

	// Endpoint addressing; nil/zero for SDI and ASI transports.
	DestinationIP   net.IP
	DestinationPort int
	SourceIP        net.IP

	// Interface holds the index of the owning Interface row.
	Interface string

	BitrateActual   float64
	BitrateExpected float64
	BitrateStatus   LevelStatus

	Label string

	// FKIncoming links an outgoing flow to the incoming flow feeding it
	// (N:1); FKOutgoing links an incoming flow to outgoing flows derived
	// from it (1:N). A single link is only ever populated from one side.
	FKIncoming string
	FKOutgoing string

	// LinkedFlow correlates this flow with its counterpart on a different
	// device for cross-device path tracing.
	LinkedFlow string

	Owner   Owner
	Present bool

	// Dangling is set when the Interface reference cannot be resolved.
	// Dangling flows are kept in the store but excluded from aggregates
	// and withheld from the external tables.
	Dangling bool
}

// Clone returns a deep copy of the flow.
func (f *Flow) Clone() *Flow {
	c := *f
	if f.DestinationIP != nil {
		c.DestinationIP = append(net.IP(nil), f.DestinationIP...)
	}
	if f.SourceIP != nil {
		c.SourceIP = append(net.IP(nil), f.SourceIP...)
	}
	return &c
}

// Interface is a device port that flows reference. The aggregate fields are
// always a pure function of the current flow set; they are recomputed by the
// engine and never mutated independently.
type Interface struct {
	Index       string
	Description string
	DisplayKey  string
	Type        InterfaceType
	AdminStatus AdminStatus
	OperStatus  OperStatus

	// PhysicalRef is the externally resolved physical-interface identifier.
	PhysicalRef string

	// Derived aggregates.
	RxBitrate         float64
	TxBitrate         float64
	RxFlows           int
	TxFlows           int
	RxBitrateExpected float64
	TxBitrateExpected float64
	RxFlowsExpected   int
	TxFlowsExpected   int
	RxBitrateStatus   LevelStatus
	TxBitrateStatus   LevelStatus
	RxFlowsStatus     LevelStatus
	TxFlowsStatus     LevelStatus
}

// Clone returns a copy of the interface.
func (i *Interface) Clone() *Interface {
	c := *i
	return &c
}
