package provisioning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/scram"

	"github.com/mediamesh/flowmediator/internal/flowstate"
)

// ErrClientClosed signals that the underlying Kafka client was closed and
// consumption should stop.
var ErrClientClosed = errors.New("kafka client closed")

// kafkaClient is an interface for the subset of kgo.Client methods we use.
// This allows for mocking in tests.
type kafkaClient interface {
	PollFetches(ctx context.Context) kgo.Fetches
	CommitUncommittedOffsets(ctx context.Context) error
	Close()
}

// Message is one decoded provisioning request routed to a single device.
type Message struct {
	Device  string
	Msg     *flowstate.ProvisionMessage
	Options flowstate.MatchOptions
}

// wireMessage is the JSON schema the flow-engineering system publishes.
type wireMessage struct {
	Device                string     `json:"device"`
	Intent                string     `json:"intent"`
	IgnoreDestinationPort bool       `json:"ignoreDestinationPort"`
	Flows                 []wireFlow `json:"flows"`
}

type wireFlow struct {
	Direction       string  `json:"direction"`
	Transport       string  `json:"transport"`
	SourceIP        string  `json:"sourceIP"`
	DestinationIP   string  `json:"destinationIP"`
	DestinationPort int     `json:"destinationPort"`
	Interface       string  `json:"interface"`
	ExpectedBitrate float64 `json:"expectedBitrate"`
	Label           string  `json:"label"`
}

func decodeMessage(data []byte) (Message, error) {
	var wire wireMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return Message{}, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	if wire.Device == "" {
		return Message{}, errors.New("message names no device")
	}

	msg := &flowstate.ProvisionMessage{}
	switch wire.Intent {
	case "add":
		msg.Intent = flowstate.IntentAdd
	case "remove":
		msg.Intent = flowstate.IntentRemove
	default:
		return Message{}, fmt.Errorf("unknown intent %q", wire.Intent)
	}

	for _, wf := range wire.Flows {
		pf := flowstate.ProvisionFlow{
			Transport:       flowstate.ParseTransport(wf.Transport),
			DestinationPort: wf.DestinationPort,
			Interface:       wf.Interface,
			ExpectedBitrate: wf.ExpectedBitrate,
			Label:           wf.Label,
		}
		switch wf.Direction {
		case "incoming":
			pf.Direction = flowstate.DirectionIncoming
		case "outgoing":
			pf.Direction = flowstate.DirectionOutgoing
		default:
			return Message{}, fmt.Errorf("unknown direction %q", wf.Direction)
		}
		if wf.SourceIP != "" {
			pf.SourceIP = net.ParseIP(wf.SourceIP)
		}
		if wf.DestinationIP != "" {
			pf.DestinationIP = net.ParseIP(wf.DestinationIP)
		}
		msg.Flows = append(msg.Flows, pf)
	}

	return Message{
		Device:  wire.Device,
		Msg:     msg,
		Options: flowstate.MatchOptions{IgnoreDestinationPort: wire.IgnoreDestinationPort},
	}, nil
}

// KafkaConsumer consumes provisioning messages from a Kafka topic.
type KafkaConsumer struct {
	brokers    []string
	user       string
	pass       string
	topic      string
	group      string
	disableTLS bool
	client     kafkaClient
	logger     *slog.Logger
	metrics    *Metrics
}

type KafkaConsumerOption func(*KafkaConsumer)

func WithKafkaLogger(logger *slog.Logger) KafkaConsumerOption {
	return func(kc *KafkaConsumer) {
		kc.logger = logger
	}
}

func WithKafkaBrokers(brokers []string) KafkaConsumerOption {
	return func(kc *KafkaConsumer) {
		kc.brokers = brokers
	}
}

func WithKafkaUser(user string) KafkaConsumerOption {
	return func(kc *KafkaConsumer) {
		kc.user = user
	}
}

func WithKafkaPassword(pass string) KafkaConsumerOption {
	return func(kc *KafkaConsumer) {
		kc.pass = pass
	}
}

func WithKafkaTopic(topic string) KafkaConsumerOption {
	return func(kc *KafkaConsumer) {
		kc.topic = topic
	}
}

func WithKafkaGroup(group string) KafkaConsumerOption {
	return func(kc *KafkaConsumer) {
		kc.group = group
	}
}

func WithKafkaTLSDisabled(disableTLS bool) KafkaConsumerOption {
	return func(kc *KafkaConsumer) {
		kc.disableTLS = disableTLS
	}
}

func WithKafkaMetrics(metrics *Metrics) KafkaConsumerOption {
	return func(kc *KafkaConsumer) {
		kc.metrics = metrics
	}
}

// withKafkaClient is used for testing to inject a mock client.
func withKafkaClient(client kafkaClient) KafkaConsumerOption {
	return func(kc *KafkaConsumer) {
		kc.client = client
	}
}

func NewKafkaConsumer(opts ...KafkaConsumerOption) (*KafkaConsumer, error) {
	kc := &KafkaConsumer{}
	for _, opt := range opts {
		opt(kc)
	}
	if kc.logger == nil {
		kc.logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if kc.metrics == nil {
		kc.metrics = NewMetrics(prometheus.NewRegistry())
	}

	// If a client was injected (for testing), skip creating a real one
	if kc.client != nil {
		return kc, nil
	}

	kOpts := []kgo.Opt{
		kgo.SeedBrokers(kc.brokers...),
		kgo.ConsumeTopics(kc.topic),
		kgo.ConsumerGroup(kc.group),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	}
	if kc.user != "" {
		kOpts = append(kOpts, kgo.SASL(scram.Auth{
			User: kc.user,
			Pass: kc.pass,
		}.AsSha256Mechanism()))
	}
	if !kc.disableTLS {
		kOpts = append(kOpts, kgo.DialTLS())
	}
	client, err := kgo.NewClient(kOpts...)
	if err != nil {
		return nil, fmt.Errorf("error creating kafka client: %w", err)
	}
	kc.client = client
	return kc, nil
}

// Consume polls the topic once and decodes every fetched record. Records
// that fail to decode are counted and skipped so one malformed message
// cannot wedge the partition.
func (kc *KafkaConsumer) Consume(ctx context.Context) ([]Message, error) {
	fetches := kc.client.PollFetches(ctx)
	if fetches.IsClientClosed() {
		return nil, ErrClientClosed
	}
	if fetches.Empty() {
		return nil, nil
	}
	fetches.EachError(func(topic string, partition int32, err error) {
		kc.logger.Error("error during fetching", "topic", topic, "partition", partition, "error", err)
	})
	var messages []Message
	fetches.EachRecord(func(rec *kgo.Record) {
		msg, err := decodeMessage(rec.Value)
		if err != nil {
			kc.logger.Error("error decoding provisioning message", "error", err)
			kc.metrics.DecodeErrors.Inc()
			return
		}
		messages = append(messages, msg)
	})
	return messages, nil
}

// Commit commits the consumed offsets.
func (kc *KafkaConsumer) Commit(ctx context.Context) error {
	return kc.client.CommitUncommittedOffsets(ctx)
}

// Close closes the Kafka client.
func (kc *KafkaConsumer) Close() error {
	kc.client.Close()
	return nil
}
