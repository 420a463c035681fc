package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/net/netutil"

	"omniverse/config"
	"omniverse/core/ledger"
	"omniverse/core/omniverse"
	"omniverse/core/types"
	"omniverse/observability"
	"omniverse/observability/logging"
	"omniverse/observability/metrics"
	omniotel "omniverse/observability/otel"
	"omniverse/rpc"
	"omniverse/storage"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	env := strings.TrimSpace(os.Getenv("OMNI_ENV"))
	if env == "" {
		env = cfg.LogEnv
	}
	logger := logging.Setup("omnid", env, logging.Options{
		Level:      logging.ParseLevel(cfg.LogLevel),
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	listener, err := net.Listen("tcp", cfg.RPCAddress)
	if err != nil {
		logger.Error("failed to bind rpc address", slog.String("addr", cfg.RPCAddress), slog.Any("error", err))
		os.Exit(1)
	}
	if err := run(ctx, cfg, env, listener, logger, prometheus.DefaultRegisterer, prometheus.DefaultGatherer); err != nil {
		logger.Error("omnid stopped with error", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("omnid stopped")
}

// run wires storage, the protocol, the drainer and the RPC server and blocks
// until ctx is cancelled or a component fails.
func run(ctx context.Context, cfg *config.Config, env string, listener net.Listener, logger *slog.Logger,
	reg prometheus.Registerer, gatherer prometheus.Gatherer) error {
	shutdownTelemetry, err := omniotel.Init(ctx, omniotel.Config{
		ServiceName: "omnid",
		Environment: env,
		ChainID:     cfg.ChainID,
		Endpoint:    cfg.TelemetryEndpoint,
		Insecure:    cfg.TelemetryInsecure,
		Headers:     omniotel.ParseHeaders(cfg.TelemetryHeaders),
		Traces:      cfg.TelemetryTraces,
		Metrics:     cfg.TelemetryMetrics,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.Any("error", err))
		}
	}()

	db, err := openDatabase(cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	var protoMetrics *metrics.ProtocolMetrics
	metricsReg := reg
	if cfg.MetricsEnabled {
		protoMetrics = metrics.NewProtocolMetrics(reg)
	} else {
		metricsReg = nil
	}
	emitter := observability.NewEventSink(metricsReg, logger.With(slog.String("component", "events")), nil)

	protocol, err := omniverse.New(db, omniverse.Config{
		ChainID:       cfg.ChainID,
		Cooldown:      cfg.CooldownSeconds,
		Scheme:        types.SignatureScheme(cfg.SignatureScheme),
		QueuePerScope: cfg.QueuePerScope,
	},
		omniverse.WithLogger(logger.With(slog.String("component", "omniverse"))),
		omniverse.WithEmitter(emitter),
		omniverse.WithMetrics(protoMetrics))
	if err != nil {
		return err
	}

	server := rpc.NewServer(protocol, rpc.ServerConfig{
		RateLimitPerMinute:   cfg.RateLimitPerMinute,
		RateBurst:            cfg.RateBurst,
		SubmitLimitPerMinute: cfg.SubmitPerMinute,
		SubmitBurst:          cfg.SubmitBurst,
		LogRequests:          cfg.LogRequests,
		Registerer:           reg,
		Gatherer:             gatherer,
	}, logger.With(slog.String("component", "rpc")))

	sink, err := buildLedger(cfg, db, server, logger.With(slog.String("component", "ledger")))
	if err != nil {
		return err
	}
	drainer := omniverse.NewDrainer(protocol, sink, cfg.DrainInterval, cfg.DrainBatch)

	logger.Info("omnid starting",
		slog.Uint64("chainId", uint64(cfg.ChainID)),
		slog.Uint64("cooldown", cfg.CooldownSeconds),
		slog.String("scheme", cfg.SignatureScheme),
		slog.Bool("queuePerScope", cfg.QueuePerScope),
		slog.String("ledger", cfg.Ledger),
		slog.String("storage", cfg.Storage))

	if cfg.MaxConnections > 0 {
		listener = netutil.LimitListener(listener, cfg.MaxConnections)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 2)
	go func() { errCh <- drainer.Run(ctx) }()
	go func() { errCh <- server.Serve(ctx, listener) }()

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) && firstErr == nil {
			firstErr = err
		}
		cancel()
	}
	return firstErr
}

func openDatabase(cfg *config.Config) (storage.Database, error) {
	if cfg.Storage == "bolt" {
		return storage.NewBoltDB(filepath.Join(cfg.DataDir, "omni.db"))
	}
	return storage.NewLevelDB(cfg.DataDir)
}

// ownedLedger is a ledger that enforces a minting account per scope.
type ownedLedger interface {
	omniverse.Ledger
	rpc.OwnerReader
	SetOwner(scope []byte, pk types.PublicKey) error
}

// buildLedger constructs the configured ledger, pins configured scope owners
// and exposes the ledger's read side over RPC.
func buildLedger(cfg *config.Config, db storage.Database, server *rpc.Server, logger *slog.Logger) (omniverse.Ledger, error) {
	var owned ownedLedger
	switch cfg.Ledger {
	case "log":
		return loggingLedger(logger), nil
	case "collection":
		collection := ledger.NewCollection(db, logger)
		server.SetItemReader(collection)
		owned = collection
	default:
		fungible := ledger.NewFungible(db, logger)
		server.SetBalanceReader(fungible)
		owned = fungible
	}
	server.SetOwnerReader(owned)

	owners, err := cfg.Owners()
	if err != nil {
		return nil, err
	}
	for scope, pk := range owners {
		if err := owned.SetOwner([]byte(scope), pk); err != nil {
			return nil, fmt.Errorf("set owner of scope %x: %w", scope, err)
		}
	}
	return owned, nil
}

// loggingLedger records every drained transaction without touching balances.
func loggingLedger(logger *slog.Logger) omniverse.Ledger {
	return omniverse.LedgerFunc(func(_ context.Context, entry *types.DelayedEntry, rec *types.TransactionRecord) error {
		attrs := []any{
			slog.String("from", entry.Sender.Address()),
			slog.Uint64("nonce", entry.Nonce),
			slog.Int("payloadBytes", len(rec.Data.Payload)),
		}
		if p, err := types.DecodeFungiblePayload(rec.Data.Payload); err == nil {
			attrs = append(attrs, slog.Int("op", int(p.Op)), slog.String("amount", p.Amount.Dec()))
		}
		logger.Info("delayed transaction executed", attrs...)
		return nil
	})
}
