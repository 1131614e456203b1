package tablesync

import (
	"context"
	"errors"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mediamesh/flowmediator/internal/flowstate"
)

// TableWriter persists rows to the external table storage. Implementations
// must treat each call as independent: a failed call is retried on a later
// cycle with the same (or newer) rows.
type TableWriter interface {
	UpsertInterfaces(ctx context.Context, rows []InterfaceRow) error
	DeleteInterfaces(ctx context.Context, instances []string) error
	// ReplaceInterfaces atomically swaps the whole interface set.
	ReplaceInterfaces(ctx context.Context, rows []InterfaceRow) error
	UpsertFlows(ctx context.Context, dir flowstate.Direction, rows []FlowRow) error
	DeleteFlows(ctx context.Context, dir flowstate.Direction, instances []string) error
}

type Config struct {
	Logger *slog.Logger
	Writer TableWriter

	// Optional with defaults.
	Metrics *Metrics
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Writer == nil {
		return errors.New("writer is required")
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics(prometheus.NewRegistry())
	}
	return nil
}

// Synchronizer projects the flow entity store onto the external tables,
// writing only rows that changed since the last successful write. The
// last-written cache is updated per table only when that table's write
// succeeds, so a failure leaves the diff in place and the next cycle
// retries it; in-memory engine state is never rolled back.
type Synchronizer struct {
	cfg Config

	lastInterfaces map[string]InterfaceRow
	lastIncoming   map[string]FlowRow
	lastOutgoing   map[string]FlowRow

	// pendingReplace is set when the engine bulk-replaced the interface
	// table and sticks until the replace write succeeds.
	pendingReplace bool
}

func New(cfg *Config) (*Synchronizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Synchronizer{
		cfg:            *cfg,
		lastInterfaces: make(map[string]InterfaceRow),
		lastIncoming:   make(map[string]FlowRow),
		lastOutgoing:   make(map[string]FlowRow),
	}, nil
}

// projection is the store state captured under the engine lock. Writes
// happen against this copy after the lock is released so slow storage
// never blocks reconciliation.
type projection struct {
	interfaces []InterfaceRow
	incoming   []FlowRow
	outgoing   []FlowRow
	replaced   bool
}

func capture(store *flowstate.Store) projection {
	var p projection
	p.replaced = store.TakeInterfacesReplaced()
	for _, iface := range store.Interfaces() {
		p.interfaces = append(p.interfaces, projectInterface(iface))
	}
	for _, f := range store.Flows(flowstate.DirectionIncoming) {
		if f.Dangling {
			// Never write a dangling interface reference.
			continue
		}
		p.incoming = append(p.incoming, projectFlow(f))
	}
	for _, f := range store.Flows(flowstate.DirectionOutgoing) {
		if f.Dangling {
			continue
		}
		p.outgoing = append(p.outgoing, projectFlow(f))
	}
	return p
}

// Sync diffs the engine's store against the last-written state and writes
// the difference. Invoking it with no changes is a no-op. Per-table write
// failures are collected; the remaining tables are still synced.
func (s *Synchronizer) Sync(ctx context.Context, engine *flowstate.Engine) error {
	var p projection
	engine.View(func(store *flowstate.Store) {
		p = capture(store)
	})
	if p.replaced {
		s.pendingReplace = true
	}

	var errs []error
	errs = append(errs, s.syncInterfaces(ctx, &p))
	errs = append(errs, s.syncFlows(ctx, flowstate.DirectionIncoming, p.incoming))
	errs = append(errs, s.syncFlows(ctx, flowstate.DirectionOutgoing, p.outgoing))
	return errors.Join(errs...)
}

func (s *Synchronizer) syncInterfaces(ctx context.Context, p *projection) error {
	current := make(map[string]InterfaceRow, len(p.interfaces))
	for _, row := range p.interfaces {
		current[row.Instance] = row
	}

	var upserts []InterfaceRow
	for _, row := range p.interfaces {
		if last, ok := s.lastInterfaces[row.Instance]; !ok || last != row {
			upserts = append(upserts, row)
		}
	}
	var deletes []string
	for instance := range s.lastInterfaces {
		if _, ok := current[instance]; !ok {
			deletes = append(deletes, instance)
		}
	}

	m := s.cfg.Metrics
	if s.pendingReplace {
		if len(upserts) == 0 && len(deletes) == 0 {
			// Replace marker with nothing actually changed; drop it.
			s.pendingReplace = false
			return nil
		}
		if err := s.cfg.Writer.ReplaceInterfaces(ctx, p.interfaces); err != nil {
			m.WriteErrors.WithLabelValues("interfaces").Inc()
			s.cfg.Logger.Error("interface table replace failed", "rows", len(p.interfaces), "error", err)
			return err
		}
		s.pendingReplace = false
		s.lastInterfaces = current
		m.RowsWritten.WithLabelValues("interfaces").Add(float64(len(p.interfaces)))
		return nil
	}

	if len(upserts) == 0 && len(deletes) == 0 {
		return nil
	}
	if len(upserts) > 0 {
		if err := s.cfg.Writer.UpsertInterfaces(ctx, upserts); err != nil {
			m.WriteErrors.WithLabelValues("interfaces").Inc()
			s.cfg.Logger.Error("interface table upsert failed", "rows", len(upserts), "error", err)
			return err
		}
	}
	if len(deletes) > 0 {
		if err := s.cfg.Writer.DeleteInterfaces(ctx, deletes); err != nil {
			// The upserts above landed; record them so only the deletes
			// are retried next cycle.
			for _, row := range upserts {
				s.lastInterfaces[row.Instance] = row
			}
			m.WriteErrors.WithLabelValues("interfaces").Inc()
			s.cfg.Logger.Error("interface table delete failed", "rows", len(deletes), "error", err)
			return err
		}
	}
	s.lastInterfaces = current
	m.RowsWritten.WithLabelValues("interfaces").Add(float64(len(upserts)))
	m.RowsDeleted.WithLabelValues("interfaces").Add(float64(len(deletes)))
	return nil
}

func (s *Synchronizer) syncFlows(ctx context.Context, dir flowstate.Direction, rows []FlowRow) error {
	last := s.lastIncoming
	table := "incoming_flows"
	if dir == flowstate.DirectionOutgoing {
		last = s.lastOutgoing
		table = "outgoing_flows"
	}

	current := make(map[string]FlowRow, len(rows))
	for _, row := range rows {
		current[row.Instance] = row
	}
	var upserts []FlowRow
	for _, row := range rows {
		if prev, ok := last[row.Instance]; !ok || prev != row {
			upserts = append(upserts, row)
		}
	}
	var deletes []string
	for instance := range last {
		if _, ok := current[instance]; !ok {
			deletes = append(deletes, instance)
		}
	}
	if len(upserts) == 0 && len(deletes) == 0 {
		return nil
	}

	m := s.cfg.Metrics
	if len(upserts) > 0 {
		if err := s.cfg.Writer.UpsertFlows(ctx, dir, upserts); err != nil {
			m.WriteErrors.WithLabelValues(table).Inc()
			s.cfg.Logger.Error("flow table upsert failed", "table", table, "rows", len(upserts), "error", err)
			return err
		}
		for _, row := range upserts {
			last[row.Instance] = row
		}
	}
	if len(deletes) > 0 {
		if err := s.cfg.Writer.DeleteFlows(ctx, dir, deletes); err != nil {
			m.WriteErrors.WithLabelValues(table).Inc()
			s.cfg.Logger.Error("flow table delete failed", "table", table, "rows", len(deletes), "error", err)
			return err
		}
		for _, instance := range deletes {
			delete(last, instance)
		}
	}
	m.RowsWritten.WithLabelValues(table).Add(float64(len(upserts)))
	m.RowsDeleted.WithLabelValues(table).Add(float64(len(deletes)))
	return nil
}
