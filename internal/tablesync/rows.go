package tablesync

import (
	"github.com/mediamesh/flowmediator/internal/flowstate"
)

// InterfaceRow is the external interfaces-table representation of a device
// port. Column names and semantics are a contract other systems depend on;
// change them only in lockstep with the consumers.
type InterfaceRow struct {
	Instance    string `ch:"instance"`
	Description string `ch:"description"`
	DisplayKey  string `ch:"display_key"`
	Type        string `ch:"type"`
	AdminStatus string `ch:"admin_status"`
	OperStatus  string `ch:"oper_status"`
	PhysicalRef string `ch:"physical_ref"`

	RxBitrate         float64 `ch:"rx_bitrate"`
	TxBitrate         float64 `ch:"tx_bitrate"`
	RxFlows           int32   `ch:"rx_flows"`
	TxFlows           int32   `ch:"tx_flows"`
	RxBitrateExpected float64 `ch:"rx_bitrate_expected"`
	TxBitrateExpected float64 `ch:"tx_bitrate_expected"`
	RxFlowsExpected   int32   `ch:"rx_flows_expected"`
	TxFlowsExpected   int32   `ch:"tx_flows_expected"`
	RxBitrateStatus   string  `ch:"rx_bitrate_status"`
	TxBitrateStatus   string  `ch:"tx_bitrate_status"`
	RxFlowsStatus     string  `ch:"rx_flows_status"`
	TxFlowsStatus     string  `ch:"tx_flows_status"`
}

// FlowRow is the external flows-table representation of a flow. Incoming
// and outgoing flows share the shape; they live in separate tables.
type FlowRow struct {
	Instance        string  `ch:"instance"`
	Transport       string  `ch:"transport"`
	DestinationIP   string  `ch:"destination_ip"`
	DestinationPort int32   `ch:"destination_port"`
	SourceIP        string  `ch:"source_ip"`
	Interface       string  `ch:"interface"`
	BitrateActual   float64 `ch:"bitrate_actual"`
	BitrateExpected float64 `ch:"bitrate_expected"`
	BitrateStatus   string  `ch:"bitrate_status"`
	Label           string  `ch:"label"`
	FKIncoming      string  `ch:"fk_incoming"`
	FKOutgoing      string  `ch:"fk_outgoing"`
	LinkedFlow      string  `ch:"linked_flow"`
	Owner           string  `ch:"owner"`
	Present         bool    `ch:"present"`
}

func projectInterface(i *flowstate.Interface) InterfaceRow {
	return InterfaceRow{
		Instance:    i.Index,
		Description: i.Description,
		DisplayKey:  i.DisplayKey,
		Type:        i.Type.String(),
		AdminStatus: i.AdminStatus.String(),
		OperStatus:  i.OperStatus.String(),
		PhysicalRef: i.PhysicalRef,

		RxBitrate:         i.RxBitrate,
		TxBitrate:         i.TxBitrate,
		RxFlows:           int32(i.RxFlows),
		TxFlows:           int32(i.TxFlows),
		RxBitrateExpected: i.RxBitrateExpected,
		TxBitrateExpected: i.TxBitrateExpected,
		RxFlowsExpected:   int32(i.RxFlowsExpected),
		TxFlowsExpected:   int32(i.TxFlowsExpected),
		RxBitrateStatus:   i.RxBitrateStatus.String(),
		TxBitrateStatus:   i.TxBitrateStatus.String(),
		RxFlowsStatus:     i.RxFlowsStatus.String(),
		TxFlowsStatus:     i.TxFlowsStatus.String(),
	}
}

func projectFlow(f *flowstate.Flow) FlowRow {
	row := FlowRow{
		Instance:        f.Instance,
		Transport:       f.Transport.String(),
		DestinationPort: int32(f.DestinationPort),
		Interface:       f.Interface,
		BitrateActual:   f.BitrateActual,
		BitrateExpected: f.BitrateExpected,
		BitrateStatus:   f.BitrateStatus.String(),
		Label:           f.Label,
		FKIncoming:      f.FKIncoming,
		FKOutgoing:      f.FKOutgoing,
		LinkedFlow:      f.LinkedFlow,
		Owner:           f.Owner.String(),
		Present:         f.Present,
	}
	if f.DestinationIP != nil {
		row.DestinationIP = f.DestinationIP.String()
	}
	if f.SourceIP != nil {
		row.SourceIP = f.SourceIP.String()
	}
	return row
}
