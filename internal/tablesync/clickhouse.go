package tablesync

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"

	"github.com/mediamesh/flowmediator/internal/flowstate"
)

// The ClickHouse tables are ReplacingMergeTree keyed by (device, instance)
// with updated_at as the version column and a deleted tombstone flag. The
// interfaces table additionally carries a generation column: a bulk
// replace bumps the generation and rewrites the full set, and readers
// select the max generation per device, which makes the swap atomic from
// their side.
//
//	CREATE TABLE interfaces (
//	    device String, instance String, ..., generation UInt64,
//	    updated_at DateTime64(3), deleted UInt8
//	) ENGINE = ReplacingMergeTree(updated_at)
//	ORDER BY (device, generation, instance);
//
//	CREATE TABLE incoming_flows / outgoing_flows (
//	    device String, instance String, ..., updated_at DateTime64(3), deleted UInt8
//	) ENGINE = ReplacingMergeTree(updated_at)
//	ORDER BY (device, instance);

type ClickhouseOption func(*ClickhouseWriter)

type ClickhouseWriter struct {
	db         string
	device     string
	addr       string
	user       string
	pass       string
	disableTLS bool
	conn       clickhouse.Conn
	logger     *slog.Logger

	generation atomic.Uint64
}

func WithClickhouseLogger(logger *slog.Logger) ClickhouseOption {
	return func(cw *ClickhouseWriter) {
		cw.logger = logger
	}
}

// WithClickhouseDevice scopes every written row to one device. Writers
// for different devices can share the same tables.
func WithClickhouseDevice(device string) ClickhouseOption {
	return func(cw *ClickhouseWriter) {
		cw.device = device
	}
}

func WithClickhouseDB(db string) ClickhouseOption {
	return func(cw *ClickhouseWriter) {
		cw.db = db
	}
}

func WithClickhouseAddr(addr string) ClickhouseOption {
	return func(cw *ClickhouseWriter) {
		cw.addr = addr
	}
}

func WithClickhouseUser(user string) ClickhouseOption {
	return func(cw *ClickhouseWriter) {
		cw.user = user
	}
}

func WithClickhousePassword(pass string) ClickhouseOption {
	return func(cw *ClickhouseWriter) {
		cw.pass = pass
	}
}

func WithClickhouseTLSDisabled(disableTLS bool) ClickhouseOption {
	return func(cw *ClickhouseWriter) {
		cw.disableTLS = disableTLS
	}
}

// withClickhouseConn is used by tests to inject a mock connection.
func withClickhouseConn(conn clickhouse.Conn) ClickhouseOption {
	return func(cw *ClickhouseWriter) {
		cw.conn = conn
	}
}

func NewClickhouseWriter(opts ...ClickhouseOption) (*ClickhouseWriter, error) {
	cw := &ClickhouseWriter{
		db:   "flowmediator",
		addr: "localhost:9440",
		user: "default",
	}
	for _, opt := range opts {
		opt(cw)
	}
	if cw.logger == nil {
		cw.logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	cw.generation.Store(uint64(time.Now().UnixNano()))

	if cw.conn != nil {
		return cw, nil
	}

	chOpts := &clickhouse.Options{
		Addr: []string{cw.addr},
		Auth: clickhouse.Auth{
			Database: cw.db,
			Username: cw.user,
			Password: cw.pass,
		},
	}
	if !cw.disableTLS {
		chOpts.TLS = &tls.Config{}
	}
	conn, err := clickhouse.Open(chOpts)
	if err != nil {
		return nil, err
	}
	cw.conn = conn
	return cw, nil
}

func (cw *ClickhouseWriter) flowTable(dir flowstate.Direction) string {
	if dir == flowstate.DirectionIncoming {
		return "incoming_flows"
	}
	return "outgoing_flows"
}

const interfaceColumns = `
	device,
	instance,
	description,
	display_key,
	type,
	admin_status,
	oper_status,
	physical_ref,
	rx_bitrate,
	tx_bitrate,
	rx_flows,
	tx_flows,
	rx_bitrate_expected,
	tx_bitrate_expected,
	rx_flows_expected,
	tx_flows_expected,
	rx_bitrate_status,
	tx_bitrate_status,
	rx_flows_status,
	tx_flows_status,
	generation,
	updated_at,
	deleted`

func (cw *ClickhouseWriter) insertInterfaces(ctx context.Context, rows []InterfaceRow, deleted uint8) error {
	batch, err := cw.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s.interfaces (%s)", cw.db, interfaceColumns))
	if err != nil {
		return fmt.Errorf("error preparing interfaces batch: %w", err)
	}
	now := time.Now().UTC()
	gen := cw.generation.Load()
	for _, r := range rows {
		err := batch.Append(
			cw.device,
			r.Instance,
			r.Description,
			r.DisplayKey,
			r.Type,
			r.AdminStatus,
			r.OperStatus,
			r.PhysicalRef,
			r.RxBitrate,
			r.TxBitrate,
			r.RxFlows,
			r.TxFlows,
			r.RxBitrateExpected,
			r.TxBitrateExpected,
			r.RxFlowsExpected,
			r.TxFlowsExpected,
			r.RxBitrateStatus,
			r.TxBitrateStatus,
			r.RxFlowsStatus,
			r.TxFlowsStatus,
			gen,
			now,
			deleted,
		)
		if err != nil {
			return fmt.Errorf("error appending interface row %s: %w", r.Instance, err)
		}
	}
	return batch.Send()
}

func (cw *ClickhouseWriter) UpsertInterfaces(ctx context.Context, rows []InterfaceRow) error {
	return cw.insertInterfaces(ctx, rows, 0)
}

func (cw *ClickhouseWriter) DeleteInterfaces(ctx context.Context, instances []string) error {
	rows := make([]InterfaceRow, 0, len(instances))
	for _, instance := range instances {
		rows = append(rows, InterfaceRow{Instance: instance})
	}
	return cw.insertInterfaces(ctx, rows, 1)
}

func (cw *ClickhouseWriter) ReplaceInterfaces(ctx context.Context, rows []InterfaceRow) error {
	cw.generation.Store(uint64(time.Now().UnixNano()))
	return cw.insertInterfaces(ctx, rows, 0)
}

const flowColumns = `
	device,
	instance,
	transport,
	destination_ip,
	destination_port,
	source_ip,
	interface,
	bitrate_actual,
	bitrate_expected,
	bitrate_status,
	label,
	fk_incoming,
	fk_outgoing,
	linked_flow,
	owner,
	present,
	updated_at,
	deleted`

func (cw *ClickhouseWriter) insertFlows(ctx context.Context, table string, rows []FlowRow, deleted uint8) error {
	batch, err := cw.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s.%s (%s)", cw.db, table, flowColumns))
	if err != nil {
		return fmt.Errorf("error preparing %s batch: %w", table, err)
	}
	now := time.Now().UTC()
	for _, r := range rows {
		err := batch.Append(
			cw.device,
			r.Instance,
			r.Transport,
			r.DestinationIP,
			r.DestinationPort,
			r.SourceIP,
			r.Interface,
			r.BitrateActual,
			r.BitrateExpected,
			r.BitrateStatus,
			r.Label,
			r.FKIncoming,
			r.FKOutgoing,
			r.LinkedFlow,
			r.Owner,
			r.Present,
			now,
			deleted,
		)
		if err != nil {
			return fmt.Errorf("error appending flow row %s: %w", r.Instance, err)
		}
	}
	return batch.Send()
}

func (cw *ClickhouseWriter) UpsertFlows(ctx context.Context, dir flowstate.Direction, rows []FlowRow) error {
	return cw.insertFlows(ctx, cw.flowTable(dir), rows, 0)
}

func (cw *ClickhouseWriter) DeleteFlows(ctx context.Context, dir flowstate.Direction, instances []string) error {
	rows := make([]FlowRow, 0, len(instances))
	for _, instance := range instances {
		rows = append(rows, FlowRow{Instance: instance})
	}
	return cw.insertFlows(ctx, cw.flowTable(dir), rows, 1)
}

func (cw *ClickhouseWriter) Close() error {
	return cw.conn.Close()
}
