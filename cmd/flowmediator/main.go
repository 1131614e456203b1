package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/mediamesh/flowmediator/internal/flowstate"
	"github.com/mediamesh/flowmediator/internal/ifresolver"
	"github.com/mediamesh/flowmediator/internal/poller"
	"github.com/mediamesh/flowmediator/internal/provisioning"
	"github.com/mediamesh/flowmediator/internal/tablesync"

	_ "net/http/pprof"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultMetricsAddr  = ":8080"
	defaultPollInterval = 10 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cfg.ShowVersion {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		return nil
	}

	log := newLogger(cfg.Verbose)

	inventory, err := loadInventory(cfg.InventoryPath)
	if err != nil {
		return fmt.Errorf("failed to load device inventory: %w", err)
	}

	// Start pprof server
	if cfg.EnablePprof {
		go func() {
			log.Info("starting pprof server", "address", "localhost:6060")
			err := http.ListenAndServe("localhost:6060", nil)
			if err != nil {
				log.Error("failed to start pprof server", "error", err)
			}
		}()
	}

	reg := prometheus.NewRegistry()

	// Start prometheus metrics server
	if cfg.MetricsAddr != "" {
		buildInfo := promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "flowmediator_build_info",
			Help: "Build information.",
		}, []string{"version", "commit", "date"})
		buildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", cfg.MetricsAddr)
			if err != nil {
				log.Error("Failed to start prometheus metrics server listener", "error", err)
				os.Exit(1)
			}
			log.Info("Prometheus metrics server listening", "address", listener.Addr().String())
			http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			if err := http.Serve(listener, nil); err != nil {
				log.Error("Failed to start prometheus metrics server", "error", err)
				os.Exit(1)
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var resolver flowstate.PhysicalResolver
	if cfg.ClickhouseAddr != "" {
		r, err := ifresolver.New(
			ifresolver.WithResolverLogger(log),
			ifresolver.WithResolverAddr(cfg.ClickhouseAddr),
			ifresolver.WithResolverDB(cfg.ClickhouseDB),
			ifresolver.WithResolverUser(cfg.ClickhouseUser),
			ifresolver.WithResolverPassword(cfg.ClickhousePassword),
			ifresolver.WithResolverTLSDisabled(cfg.ClickhouseTLSDisabled),
			ifresolver.WithResolverCacheTTL(cfg.ResolverCacheTTL),
		)
		if err != nil {
			return fmt.Errorf("failed to create interface resolver: %w", err)
		}
		resolver = r
	}

	engineMetrics := flowstate.NewMetrics(reg)
	syncMetrics := tablesync.NewMetrics(reg)
	pollerMetrics := poller.NewMetrics(reg)

	// Any state cached for a device in a previous life of this process is
	// discarded at startup.
	registry := flowstate.NewRegistry()

	devices := make([]*poller.Device, 0, len(inventory.Devices))
	targets := make(map[string]*provisioning.Target, len(inventory.Devices))
	for _, spec := range inventory.Devices {
		registry.Reset(spec.ID)

		engine, err := flowstate.NewEngine(&flowstate.Config{
			Logger:        log.With("device", spec.ID),
			Store:         registry.Store(spec.ID),
			Tolerance:     flowstate.TolerancePolicy{BitrateTolerancePercent: cfg.BitrateTolerancePercent},
			Metrics:       engineMetrics,
			Resolver:      resolver,
			ResolverGroup: spec.ResolverGroup,
		})
		if err != nil {
			return fmt.Errorf("failed to create engine for device %s: %w", spec.ID, err)
		}

		var synchronizer *tablesync.Synchronizer
		if cfg.ClickhouseAddr != "" {
			writer, err := tablesync.NewClickhouseWriter(
				tablesync.WithClickhouseLogger(log.With("device", spec.ID)),
				tablesync.WithClickhouseDevice(spec.ID),
				tablesync.WithClickhouseAddr(cfg.ClickhouseAddr),
				tablesync.WithClickhouseDB(cfg.ClickhouseDB),
				tablesync.WithClickhouseUser(cfg.ClickhouseUser),
				tablesync.WithClickhousePassword(cfg.ClickhousePassword),
				tablesync.WithClickhouseTLSDisabled(cfg.ClickhouseTLSDisabled),
			)
			if err != nil {
				return fmt.Errorf("failed to create table writer for device %s: %w", spec.ID, err)
			}
			synchronizer, err = tablesync.New(&tablesync.Config{
				Logger:  log.With("device", spec.ID),
				Writer:  writer,
				Metrics: syncMetrics,
			})
			if err != nil {
				return fmt.Errorf("failed to create synchronizer for device %s: %w", spec.ID, err)
			}
		}

		devicePoller, err := poller.NewEAPIPoller(poller.EAPIConfig{
			Transport: spec.Transport,
			Host:      spec.Host,
			Username:  spec.Username,
			Password:  spec.Password,
			Port:      spec.Port,
		})
		if err != nil {
			return fmt.Errorf("failed to create poller for device %s: %w", spec.ID, err)
		}

		devices = append(devices, &poller.Device{
			ID:           spec.ID,
			Poller:       devicePoller,
			Engine:       engine,
			Synchronizer: synchronizer,
		})
		targets[spec.ID] = &provisioning.Target{Engine: engine, Synchronizer: synchronizer}
	}

	runner, err := poller.NewRunner(poller.RunnerConfig{
		Logger:   log,
		Devices:  devices,
		Interval: cfg.PollInterval,
		PoolSize: cfg.PollPoolSize,
		Metrics:  pollerMetrics,
	})
	if err != nil {
		return fmt.Errorf("failed to create poll runner: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		errCh <- runner.Run(ctx)
	}()

	if len(cfg.KafkaBrokers) > 0 {
		provisioningMetrics := provisioning.NewMetrics(reg)
		consumer, err := provisioning.NewKafkaConsumer(
			provisioning.WithKafkaLogger(log),
			provisioning.WithKafkaBrokers(cfg.KafkaBrokers),
			provisioning.WithKafkaTopic(cfg.KafkaTopic),
			provisioning.WithKafkaGroup(cfg.KafkaGroup),
			provisioning.WithKafkaUser(cfg.KafkaUser),
			provisioning.WithKafkaPassword(cfg.KafkaPassword),
			provisioning.WithKafkaTLSDisabled(cfg.KafkaTLSDisabled),
			provisioning.WithKafkaMetrics(provisioningMetrics),
		)
		if err != nil {
			return fmt.Errorf("failed to create provisioning consumer: %w", err)
		}
		defer consumer.Close()

		processor, err := provisioning.NewProcessor(provisioning.ProcessorConfig{
			Logger:   log,
			Consumer: consumer,
			Targets:  targets,
			Metrics:  provisioningMetrics,
		})
		if err != nil {
			return fmt.Errorf("failed to create provisioning processor: %w", err)
		}
		go func() {
			errCh <- processor.Run(ctx)
		}()
	}

	select {
	case <-ctx.Done():
		log.Info("context cancelled, shutting down")
		return nil
	case err := <-errCh:
		if err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	}
}

type Config struct {
	ShowVersion bool
	Verbose     bool
	EnablePprof bool
	MetricsAddr string

	InventoryPath           string
	PollInterval            time.Duration
	PollPoolSize            int
	BitrateTolerancePercent float64

	KafkaBrokers     []string
	KafkaTopic       string
	KafkaGroup       string
	KafkaUser        string
	KafkaPassword    string
	KafkaTLSDisabled bool

	ClickhouseAddr        string
	ClickhouseDB          string
	ClickhouseUser        string
	ClickhousePassword    string
	ClickhouseTLSDisabled bool
	ResolverCacheTTL      time.Duration
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}
func getenvBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func loadConfig() (Config, error) {
	var cfg Config
	var kafkaBrokersCSV string

	flag.BoolVar(&cfg.ShowVersion, "version", false, "show version and exit")
	flag.BoolVar(&cfg.Verbose, "verbose", false, "verbose mode - show debug logs")
	flag.BoolVar(&cfg.EnablePprof, "enable-pprof", false, "enable pprof server")

	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", getenv("METRICS_ADDR", defaultMetricsAddr), "address to listen on for prometheus metrics (env: METRICS_ADDR)")
	flag.StringVar(&cfg.InventoryPath, "inventory", getenv("INVENTORY", "devices.yaml"), "path to the device inventory file (env: INVENTORY)")
	flag.DurationVar(&cfg.PollInterval, "poll-interval", defaultPollInterval, "device poll interval")
	flag.IntVar(&cfg.PollPoolSize, "poll-pool-size", 0, "max concurrent device cycles (0 = default)")
	flag.Float64Var(&cfg.BitrateTolerancePercent, "bitrate-tolerance-percent", 0, "bitrate deviation tolerance in percent (0 = default)")

	flag.StringVar(&kafkaBrokersCSV, "kafka-brokers", getenv("KAFKA_BROKERS", ""), "kafka brokers csv; empty disables provisioning intake (env: KAFKA_BROKERS)")
	flag.StringVar(&cfg.KafkaTopic, "kafka-topic", getenv("KAFKA_TOPIC", "flow-provisioning"), "kafka provisioning topic (env: KAFKA_TOPIC)")
	flag.StringVar(&cfg.KafkaGroup, "kafka-group", getenv("KAFKA_GROUP", "flowmediator"), "kafka consumer group (env: KAFKA_GROUP)")
	flag.StringVar(&cfg.KafkaUser, "kafka-user", getenv("KAFKA_USER", ""), "kafka SASL user (env: KAFKA_USER)")
	flag.StringVar(&cfg.KafkaPassword, "kafka-password", getenv("KAFKA_PASSWORD", ""), "kafka SASL password (env: KAFKA_PASSWORD)")
	flag.BoolVar(&cfg.KafkaTLSDisabled, "kafka-tls-disabled", getenvBool("KAFKA_TLS_DISABLED", false), "disable kafka TLS (env: KAFKA_TLS_DISABLED)")

	flag.StringVar(&cfg.ClickhouseAddr, "clickhouse-addr", getenv("CLICKHOUSE_ADDR", ""), "clickhouse address; empty disables table sync (env: CLICKHOUSE_ADDR)")
	flag.StringVar(&cfg.ClickhouseDB, "clickhouse-db", getenv("CLICKHOUSE_DB", "flowmediator"), "clickhouse database (env: CLICKHOUSE_DB)")
	flag.StringVar(&cfg.ClickhouseUser, "clickhouse-user", getenv("CLICKHOUSE_USER", "default"), "clickhouse user (env: CLICKHOUSE_USER)")
	flag.StringVar(&cfg.ClickhousePassword, "clickhouse-password", getenv("CLICKHOUSE_PASSWORD", ""), "clickhouse password (env: CLICKHOUSE_PASSWORD)")
	flag.BoolVar(&cfg.ClickhouseTLSDisabled, "clickhouse-tls-disabled", getenvBool("CLICKHOUSE_TLS_DISABLED", false), "disable clickhouse TLS (env: CLICKHOUSE_TLS_DISABLED)")
	flag.DurationVar(&cfg.ResolverCacheTTL, "resolver-cache-ttl", 5*time.Minute, "physical interface resolver cache TTL")

	flag.Parse()

	if cfg.ShowVersion {
		return cfg, nil
	}

	cfg.KafkaBrokers = splitCSV(kafkaBrokersCSV)
	return cfg, nil
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				t := a.Value.Time().UTC()
				a.Value = slog.StringValue(formatRFC3339Millis(t))
			}
			if s, ok := a.Value.Any().(string); ok && s == "" {
				return slog.Attr{}
			}
			return a
		},
	}))
}

func formatRFC3339Millis(t time.Time) string {
	t = t.UTC()
	base := t.Format("2006-01-02T15:04:05")
	ms := t.Nanosecond() / 1_000_000
	return fmt.Sprintf("%s.%03dZ", base, ms)
}
