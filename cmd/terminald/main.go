// Command terminald is the market-data terminal backend: it keeps a quote
// cache fresh through polling and push feeds, tracks orders optimistically,
// and serves browsers over REST and WebSocket.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/database/manager"
	"github.com/luxfi/log"

	"github.com/yoniassia/etoroterminal-sub000/pkg/api"
	"github.com/yoniassia/etoroterminal-sub000/pkg/feed"
	"github.com/yoniassia/etoroterminal-sub000/pkg/metrics"
	"github.com/yoniassia/etoroterminal-sub000/pkg/orders"
	"github.com/yoniassia/etoroterminal-sub000/pkg/poller"
	"github.com/yoniassia/etoroterminal-sub000/pkg/quote"
	"github.com/yoniassia/etoroterminal-sub000/pkg/transport"
)

const (
	defaultDataDir     = ".terminald"
	defaultPort        = 8080
	defaultMetricsPort = 9090
)

type Config struct {
	// Paths
	DataDir  string
	LogLevel string

	// Upstream
	APIURL    string
	APIKey    string
	APISecret string

	// Network
	ListenPort  int
	MetricsPort int

	// Feeds
	FeedURL string
	NATSURL string

	// Tuning
	PollInterval time.Duration
	StaleAfter   time.Duration

	EnableMetrics bool
}

// Terminal wires the transport, cache, poller, feeds, ledger and API server
// into one process.
type Terminal struct {
	config *Config
	db     database.Database
	logger log.Logger

	metrics *metrics.Metrics
	cache   *quote.Cache
	ledger  *orders.Ledger
	poll    *poller.Synchronizer
	stream  *feed.Stream
	nats    *feed.NATSFeed
	server  *api.Server

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewTerminal(config *Config) (*Terminal, error) {
	level, _ := log.ToLevel(config.LogLevel)
	logger := log.NewTestLogger(level)
	logger.Info("Initializing terminal backend")

	// Ensure data directory exists
	dataPath := filepath.Join(os.Getenv("HOME"), config.DataDir)
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	// Order journal storage, BadgerDB with in-memory fallback
	dbManager := manager.NewManager(dataPath, nil)
	dbConfig := manager.DefaultBadgerDBConfig("badgerdb")
	dbConfig.Namespace = "terminald"

	db, err := dbManager.New(dbConfig)
	if err != nil {
		logger.Warn("Failed to open BadgerDB", "error", err)
		memConfig := manager.DefaultMemoryConfig()
		db, err = dbManager.New(memConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
		logger.Info("Using in-memory database")
	} else {
		logger.Info("BadgerDB initialized", "path", filepath.Join(dataPath, "badgerdb"))
	}

	var m *metrics.Metrics
	if config.EnableMetrics {
		m = metrics.New("terminald", logger)
	}

	client := transport.NewClient(transport.Config{
		BaseURL:   config.APIURL,
		APIKey:    config.APIKey,
		APISecret: config.APISecret,
	}, logger)
	client.SetHooks(instrumentedHooks(logger, m))

	cache := quote.NewCache(quote.CacheParams{
		StaleAfter: config.StaleAfter,
		Metrics:    m,
	}, logger)

	ledger := orders.NewLedger(orders.LedgerParams{
		Journal: orders.NewJournal(db),
		Metrics: m,
	}, logger)
	executor := orders.NewExecutor(orders.ExecutorConfig{}, ledger, client, logger)

	poll := poller.NewSynchronizer(poller.Config{
		Interval: config.PollInterval,
		Metrics:  m,
	}, client, cache, logger)

	var stream *feed.Stream
	if config.FeedURL != "" {
		stream = feed.NewStream(feed.StreamConfig{URL: config.FeedURL}, cache, logger)
	}
	var natsFeed *feed.NATSFeed
	if config.NATSURL != "" {
		natsFeed = feed.NewNATSFeed(feed.NATSConfig{URL: config.NATSURL}, cache, logger)
	}

	server := api.NewServer(api.Config{Port: config.ListenPort}, cache, ledger, executor, poll, logger)

	ctx, cancel := context.WithCancel(context.Background())
	return &Terminal{
		config:  config,
		db:      db,
		logger:  logger,
		metrics: m,
		cache:   cache,
		ledger:  ledger,
		poll:    poll,
		stream:  stream,
		nats:    natsFeed,
		server:  server,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// instrumentedHooks layers request metrics on top of the standard logging
// hooks. Metrics may be nil.
func instrumentedHooks(logger log.Logger, m *metrics.Metrics) transport.Hooks {
	base := transport.DefaultHooks(logger)
	return transport.Hooks{
		BeforeSend: func(info transport.RequestInfo) {
			if info.Attempt > 0 {
				m.RecordRetry()
			}
			base.BeforeSend(info)
		},
		AfterSuccess: func(info transport.RequestInfo, status int, elapsed time.Duration) {
			m.RecordRequest(info.Method, "success", elapsed)
			base.AfterSuccess(info, status, elapsed)
		},
		AfterError: func(info transport.RequestInfo, apiErr *transport.Error, elapsed time.Duration) {
			m.RecordRequest(info.Method, "error", elapsed)
			base.AfterError(info, apiErr, elapsed)
		},
	}
}

func (t *Terminal) Start() error {
	t.logger.Info("Starting terminal backend",
		"apiURL", t.config.APIURL,
		"listenPort", t.config.ListenPort,
		"pollInterval", t.config.PollInterval,
		"staleAfter", t.config.StaleAfter)

	if t.stream != nil {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.stream.Run(t.ctx)
		}()
	}

	if t.nats != nil {
		if err := t.nats.Start(); err != nil {
			t.logger.Warn("NATS feed unavailable", "error", err)
			t.nats = nil
		}
	}

	if t.metrics != nil {
		t.metrics.Start(t.config.MetricsPort)
	}

	t.wg.Add(1)
	go t.printStats()

	// The API server owns the foreground; it returns on Shutdown.
	errCh := make(chan error, 1)
	go func() {
		errCh <- t.server.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
		t.logger.Info("Terminal backend started successfully")
		return nil
	}
}

func (t *Terminal) printStats() {
	defer t.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			fields := []interface{}{
				"watched", len(t.poll.Watched()),
				"cachedQuotes", t.cache.Len(),
				"orders", len(t.ledger.Orders()),
			}
			if t.stream != nil {
				fields = append(fields, "streamTicks", t.stream.Received())
			}
			t.logger.Info("Terminal stats", fields...)
		}
	}
}

func (t *Terminal) Shutdown() {
	t.logger.Info("Shutting down terminal backend")

	t.server.Stop()
	t.poll.Close()
	if t.nats != nil {
		t.nats.Stop()
	}
	if t.metrics != nil {
		t.metrics.Stop()
	}

	t.cancel()
	t.wg.Wait()

	if err := t.db.Close(); err != nil {
		t.logger.Error("Failed to close database", "error", err)
	}
	t.logger.Info("Terminal backend stopped")
}

// envOr falls back to an environment variable when the flag was left empty.
func envOr(flagVal, key string) string {
	if flagVal != "" {
		return flagVal
	}
	return os.Getenv(key)
}

func main() {
	config := &Config{}

	flag.StringVar(&config.DataDir, "data-dir", defaultDataDir, "Data directory (relative to $HOME)")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")

	flag.StringVar(&config.APIURL, "api-url", "https://api.etoro.com", "Upstream trading API base URL")
	apiKey := flag.String("api-key", "", "Upstream API key (or TERMINAL_API_KEY)")
	apiSecret := flag.String("api-secret", "", "Upstream API secret (or TERMINAL_API_SECRET)")

	flag.IntVar(&config.ListenPort, "listen-port", defaultPort, "HTTP/WebSocket listen port")
	flag.IntVar(&config.MetricsPort, "metrics-port", defaultMetricsPort, "Prometheus metrics port")

	flag.StringVar(&config.FeedURL, "feed-url", "", "Upstream WebSocket quote feed URL (optional)")
	flag.StringVar(&config.NATSURL, "nats-url", "", "NATS server URL for the quote feed (optional)")

	pollInterval := flag.Duration("poll-interval", 3*time.Second, "Quote polling interval")
	staleAfter := flag.Duration("stale-after", 10*time.Second, "Quote staleness threshold")

	flag.BoolVar(&config.EnableMetrics, "enable-metrics", true, "Enable Prometheus metrics")

	flag.Parse()

	config.LogLevel = *logLevel
	config.PollInterval = *pollInterval
	config.StaleAfter = *staleAfter
	config.APIKey = envOr(*apiKey, "TERMINAL_API_KEY")
	config.APISecret = envOr(*apiSecret, "TERMINAL_API_SECRET")

	rootLogger := log.Root()
	rootLogger.Info("System information",
		"platform", fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
		"cpus", runtime.NumCPU(),
		"dataDir", filepath.Join(os.Getenv("HOME"), config.DataDir))

	terminal, err := NewTerminal(config)
	if err != nil {
		rootLogger.Crit("Failed to create terminal backend", "error", err)
		os.Exit(1)
	}

	if err := terminal.Start(); err != nil {
		rootLogger.Crit("Failed to start terminal backend", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	rootLogger.Info("Received shutdown signal", "signal", sig)

	terminal.Shutdown()
}
