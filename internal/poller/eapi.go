package poller

import (
	"context"
	"fmt"
	"net"
	"slices"
	"strconv"

	"github.com/aristanetworks/goeapi"

	"github.com/mediamesh/flowmediator/internal/flowstate"
)

// Poller supplies one full observed-state snapshot per call. The engine
// has no knowledge of the polling protocol behind it.
type Poller interface {
	Poll(ctx context.Context) (*flowstate.Snapshot, error)
}

// showInterfaces models the subset of "show interfaces" we consume.
type showInterfaces struct {
	Interfaces map[string]eapiInterface `json:"interfaces"`
}

type eapiInterface struct {
	Description        string `json:"description"`
	InterfaceStatus    string `json:"interfaceStatus"`
	LineProtocolStatus string `json:"lineProtocolStatus"`
	Hardware           string `json:"hardware"`
}

func (s *showInterfaces) GetCmd() string {
	return "show interfaces"
}

// showIfIndex maps interface names to their SNMP ifIndex, which is the
// instance key the flow tables use.
type showIfIndex struct {
	IfIndex map[string]int `json:"ifIndex"`
}

func (s *showIfIndex) GetCmd() string {
	return "show snmp mib ifmib ifindex"
}

// showMulticastRoutes models the multicast routing table with per-source
// rate counters.
type showMulticastRoutes struct {
	Groups map[string]eapiMulticastGroup `json:"groups"`
}

type eapiMulticastGroup struct {
	Sources map[string]eapiMulticastSource `json:"groupSources"`
}

type eapiMulticastSource struct {
	IncomingInterface  string   `json:"incomingInterface"`
	OutgoingInterfaces []string `json:"outgoingInterfaceList"`
	BitRate            float64  `json:"bitRate"`
}

func (s *showMulticastRoutes) GetCmd() string {
	return "show ip mroute count rates"
}

type EAPIConfig struct {
	Transport string
	Host      string
	Username  string
	Password  string
	Port      int
}

// EAPIPoller polls an Arista device over eAPI and maps the JSON show
// command output onto the engine's snapshot model.
type EAPIPoller struct {
	node *goeapi.Node
}

func NewEAPIPoller(cfg EAPIConfig) (*EAPIPoller, error) {
	if cfg.Transport == "" {
		cfg.Transport = "https"
	}
	if cfg.Port == 0 {
		cfg.Port = 443
	}
	node, err := goeapi.Connect(cfg.Transport, cfg.Host, cfg.Username, cfg.Password, cfg.Port)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to device %s: %w", cfg.Host, err)
	}
	return &EAPIPoller{node: node}, nil
}

func (p *EAPIPoller) Poll(ctx context.Context) (*flowstate.Snapshot, error) {
	handle, err := p.node.GetHandle("json")
	if err != nil {
		return nil, fmt.Errorf("failed to get eapi handle: %w", err)
	}
	interfaces := &showInterfaces{}
	ifIndexes := &showIfIndex{}
	routes := &showMulticastRoutes{}
	handle.AddCommand(interfaces)
	handle.AddCommand(ifIndexes)
	handle.AddCommand(routes)
	if err := handle.Call(); err != nil {
		return nil, fmt.Errorf("eapi call failed: %w", err)
	}
	return buildSnapshot(interfaces, ifIndexes, routes), nil
}

func interfaceType(hardware string) flowstate.InterfaceType {
	switch hardware {
	case "sdi":
		return flowstate.InterfaceSDI
	case "asi":
		return flowstate.InterfaceASI
	}
	return flowstate.InterfaceEthernet
}

func adminStatus(s string) flowstate.AdminStatus {
	switch s {
	case "disabled", "adminDown":
		return flowstate.AdminDown
	case "testing":
		return flowstate.AdminTesting
	}
	return flowstate.AdminUp
}

func operStatus(s string) flowstate.OperStatus {
	switch s {
	case "up":
		return flowstate.OperUp
	case "down", "notconnect":
		return flowstate.OperDown
	case "testing":
		return flowstate.OperTesting
	case "dormant":
		return flowstate.OperDormant
	case "notPresent":
		return flowstate.OperNotPresent
	case "lowerLayerDown":
		return flowstate.OperLowerLayerDown
	}
	return flowstate.OperUnknown
}

// buildSnapshot joins the three command outputs into a snapshot. Flow
// instance keys follow the sourceIP/groupIP/ifIndex convention so they
// stay stable across polls.
func buildSnapshot(ifaces *showInterfaces, ifIndexes *showIfIndex, routes *showMulticastRoutes) *flowstate.Snapshot {
	indexOf := func(name string) string {
		if idx, ok := ifIndexes.IfIndex[name]; ok {
			return strconv.Itoa(idx)
		}
		return ""
	}

	snap := &flowstate.Snapshot{Interfaces: []flowstate.InterfaceObservation{}}
	for _, name := range sortedKeys(ifaces.Interfaces) {
		iface := ifaces.Interfaces[name]
		index := indexOf(name)
		if index == "" {
			continue
		}
		snap.Interfaces = append(snap.Interfaces, flowstate.InterfaceObservation{
			Index:       index,
			Description: iface.Description,
			DisplayKey:  name,
			Type:        interfaceType(iface.Hardware),
			AdminStatus: adminStatus(iface.InterfaceStatus),
			OperStatus:  operStatus(iface.LineProtocolStatus),
		})
	}

	for _, group := range sortedKeys(routes.Groups) {
		g := routes.Groups[group]
		for _, source := range sortedKeys(g.Sources) {
			src := g.Sources[source]
			groupIP := net.ParseIP(group)
			sourceIP := net.ParseIP(source)
			if inIndex := indexOf(src.IncomingInterface); inIndex != "" {
				snap.Incoming = append(snap.Incoming, flowstate.FlowObservation{
					Instance:      fmt.Sprintf("%s/%s/%s", source, group, inIndex),
					Direction:     flowstate.DirectionIncoming,
					Transport:     flowstate.TransportIP,
					DestinationIP: groupIP,
					SourceIP:      sourceIP,
					Interface:     inIndex,
					Bitrate:       src.BitRate / 1e6,
				})
			}
			for _, out := range src.OutgoingInterfaces {
				outIndex := indexOf(out)
				if outIndex == "" {
					continue
				}
				snap.Outgoing = append(snap.Outgoing, flowstate.FlowObservation{
					Instance:      fmt.Sprintf("%s/%s/%s", source, group, outIndex),
					Direction:     flowstate.DirectionOutgoing,
					Transport:     flowstate.TransportIP,
					DestinationIP: groupIP,
					SourceIP:      sourceIP,
					Interface:     outIndex,
					Bitrate:       src.BitRate / 1e6,
				})
			}
		}
	}
	return snap
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
