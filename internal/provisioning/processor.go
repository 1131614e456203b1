package provisioning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mediamesh/flowmediator/internal/flowstate"
	"github.com/mediamesh/flowmediator/internal/tablesync"
)

// consumer is the message source the processor drains. Satisfied by
// KafkaConsumer and by mocks in tests.
type consumer interface {
	Consume(ctx context.Context) ([]Message, error)
	Commit(ctx context.Context) error
}

// Target is the reconciliation surface for one device.
type Target struct {
	Engine       *flowstate.Engine
	Synchronizer *tablesync.Synchronizer
}

type ProcessorConfig struct {
	Logger   *slog.Logger
	Consumer consumer
	Targets  map[string]*Target
	Metrics  *Metrics
}

func (c *ProcessorConfig) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.Consumer == nil {
		return fmt.Errorf("consumer is required")
	}
	if len(c.Targets) == 0 {
		return fmt.Errorf("at least one target device is required")
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics(prometheus.NewRegistry())
	}
	return nil
}

// Processor drains provisioning messages and applies each one to the
// engine of the device it names, then pushes the resulting state out
// through that device's synchronizer.
type Processor struct {
	cfg ProcessorConfig
}

func NewProcessor(cfg ProcessorConfig) (*Processor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Processor{cfg: cfg}, nil
}

// Run blocks until ctx is canceled or the consumer client closes.
func (p *Processor) Run(ctx context.Context) error {
	p.cfg.Logger.Info("Starting provisioning processor", "devices", len(p.cfg.Targets))
	for {
		select {
		case <-ctx.Done():
			p.cfg.Logger.Info("Provisioning processor shutting down")
			return ctx.Err()
		default:
			messages, err := p.cfg.Consumer.Consume(ctx)
			if err != nil {
				if errors.Is(err, ErrClientClosed) {
					p.cfg.Logger.Info("Consumer client closed, shutting down")
					return nil
				}
				p.cfg.Logger.Error("Failed to consume provisioning messages", "error", err)
				continue
			}
			if len(messages) == 0 {
				continue
			}

			for i := range messages {
				if err := p.process(ctx, &messages[i]); err != nil {
					p.cfg.Metrics.ProcessErrors.Inc()
					p.cfg.Logger.Error("Failed to process provisioning message",
						"device", messages[i].Device,
						"error", err,
					)
				}
			}

			if err := p.cfg.Consumer.Commit(ctx); err != nil {
				p.cfg.Logger.Error("Failed to commit offsets", "error", err)
				p.cfg.Metrics.CommitErrors.Inc()
				continue
			}
			p.cfg.Metrics.MessagesProcessed.Add(float64(len(messages)))
		}
	}
}

func (p *Processor) process(ctx context.Context, msg *Message) error {
	target, ok := p.cfg.Targets[msg.Device]
	if !ok {
		return fmt.Errorf("message names unknown device %q", msg.Device)
	}

	res, err := target.Engine.ApplyProvisioning(ctx, msg.Msg, msg.Options)
	if err != nil {
		return fmt.Errorf("failed to apply provisioning: %w", err)
	}
	linkFlows(target.Engine, &res)

	if res.Rejected > 0 {
		p.cfg.Logger.Warn("Provisioning message partially rejected",
			"device", msg.Device,
			"rejected", res.Rejected,
		)
	}
	p.cfg.Logger.Debug("Applied provisioning message",
		"device", msg.Device,
		"intent", msg.Msg.Intent,
		"added", len(res.AddedIncoming)+len(res.AddedOutgoing),
		"changed", len(res.ChangedIncoming)+len(res.ChangedOutgoing),
	)

	if target.Synchronizer != nil {
		if err := target.Synchronizer.Sync(ctx, target.Engine); err != nil {
			return fmt.Errorf("failed to sync tables: %w", err)
		}
	}
	return nil
}

// linkFlows populates the cross-direction foreign keys on rows a message
// just added. Outgoing rows point back at the incoming flow that feeds
// them; incoming rows carry the same key as their cross-device
// correlation handle. Rows without endpoint addressing stay unlinked.
func linkFlows(engine *flowstate.Engine, res *flowstate.ProvisionResult) {
	if len(res.AddedIncoming) == 0 && len(res.AddedOutgoing) == 0 {
		return
	}
	engine.View(func(_ *flowstate.Store) {
		for _, f := range res.AddedOutgoing {
			if key := correlationKey(f); key != "" {
				f.FKIncoming = key
			}
		}
		for _, f := range res.AddedIncoming {
			if key := correlationKey(f); key != "" {
				f.LinkedFlow = key
			}
		}
	})
}

func correlationKey(f *flowstate.Flow) string {
	if f.SourceIP == nil || f.DestinationIP == nil {
		return ""
	}
	return f.SourceIP.String() + "/" + f.DestinationIP.String()
}
