// Package main provides the ting-engine executable: a single-process
// relay-pair RTT measurement worker pool.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/opd-ai/go-ting/pkg/cache"
	"github.com/opd-ai/go-ting/pkg/config"
	"github.com/opd-ai/go-ting/pkg/controller"
	"github.com/opd-ai/go-ting/pkg/dialer"
	"github.com/opd-ai/go-ting/pkg/engine"
	"github.com/opd-ai/go-ting/pkg/fingerprint"
	"github.com/opd-ai/go-ting/pkg/health"
	"github.com/opd-ai/go-ting/pkg/httpmetrics"
	"github.com/opd-ai/go-ting/pkg/logger"
	"github.com/opd-ai/go-ting/pkg/metrics"
	"github.com/opd-ai/go-ting/pkg/pairsource"
	"github.com/opd-ai/go-ting/pkg/results"
	"github.com/opd-ai/go-ting/pkg/workerpool"
)

var version = "0.1.0-dev"

func main() {
	cfg := config.DefaultEngineConfig()

	wRelay := flag.String("w-relay", "", "W anchor relay fingerprint")
	zRelay := flag.String("z-relay", "", "Z anchor relay fingerprint")
	ctrlHost := flag.String("ctrl-host", cfg.CtrlHost, "Control protocol host")
	ctrlPort := flag.Int("ctrl-port", cfg.CtrlPort, "Control protocol port")
	socksHost := flag.String("socks-host", cfg.SocksHost, "SOCKS5 proxy host")
	socksPort := flag.Int("socks-port", cfg.SocksPort, "SOCKS5 proxy port")
	socksTimeout := flag.Int("socks-timeout", int(cfg.SocksTimeout.Seconds()), "SOCKS5 connect timeout, seconds")
	circBuildAttempts := flag.Int("circ-build-attempts", cfg.CircBuildAttempts, "Circuit build attempts per path")
	measurementAttempts := flag.Int("measurement-attempts", cfg.MeasurementAttempts, "Ting attempts per circuit")
	samples := flag.Int("samples", cfg.Samples, "Echo samples per circuit")
	targetHost := flag.String("target-host", cfg.TargetHost, "Ting echo listener host on the exit relay")
	targetPort := flag.Int("target-port", cfg.TargetPort, "Ting echo listener port")
	threads := flag.Int("threads", cfg.Threads, "Concurrent measurement workers")
	relaySource := flag.String("relay-source", cfg.RelaySource, "Pair source: internet, file, or stdin")
	relaySourceFile := flag.String("relay-source-file", "", "Pair list file, required when relay-source=file")
	relayMaxPairs := flag.Int("relay-max-pairs", cfg.RelayMaxPairs, "Cap on pairs sampled from relay-source=internet, 0 for unbounded")
	outCacheFile := flag.String("out-cache-file", cfg.OutCacheFile, "Path to the persisted RTT cache")
	outResultFile := flag.String("out-result-file", cfg.OutResultFile, "Path to the results journal")
	cache3Hop := flag.Bool("cache-3hop", cfg.Cache3Hop, "Enable the 3-hop cache")
	cache4Hop := flag.Bool("cache-4hop", cfg.Cache4Hop, "Enable the 4-hop cache")
	cache3HopLife := flag.Int("cache-3hop-life", int(cfg.Cache3HopLife.Seconds()), "3-hop cache entry lifetime, seconds")
	cache4HopLife := flag.Int("cache-4hop-life", int(cfg.Cache4HopLife.Seconds()), "4-hop cache entry lifetime, seconds")
	resultLife := flag.Int("result-life", int(cfg.ResultLife.Seconds()), "Result journal freshness window, seconds")
	writeResultsEvery := flag.Int("write-results-every", cfg.WriteResultsEvery, "Flush the results journal every N records")
	writeCacheEvery := flag.Int("write-cache-every", cfg.WriteCacheEvery, "Flush the cache file every N measurements")
	statsInterval := flag.Int("stats-interval", int(cfg.StatsInterval.Seconds()), "Progress log interval, seconds")
	logLevel := flag.String("log-level", cfg.LogLevel, "Log level: debug, info, warn, error")
	logFormat := flag.String("log-format", cfg.LogFormat, "Log format: text or json")
	metricsPort := flag.Int("metrics-port", cfg.MetricsPort, "Prometheus/health HTTP port, 0 disables it")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("ting-engine version %s\n", version)
		os.Exit(0)
	}

	cfg.WRelay = fingerprint.Fingerprint(*wRelay).Normalize()
	cfg.ZRelay = fingerprint.Fingerprint(*zRelay).Normalize()
	cfg.CtrlHost = *ctrlHost
	cfg.CtrlPort = *ctrlPort
	cfg.SocksHost = *socksHost
	cfg.SocksPort = *socksPort
	cfg.SocksTimeout = time.Duration(*socksTimeout) * time.Second
	cfg.CircBuildAttempts = *circBuildAttempts
	cfg.MeasurementAttempts = *measurementAttempts
	cfg.Samples = *samples
	cfg.TargetHost = *targetHost
	cfg.TargetPort = *targetPort
	cfg.Threads = *threads
	cfg.RelaySource = *relaySource
	cfg.RelaySourceFile = *relaySourceFile
	cfg.RelayMaxPairs = *relayMaxPairs
	cfg.OutCacheFile = *outCacheFile
	cfg.OutResultFile = *outResultFile
	cfg.Cache3Hop = *cache3Hop
	cfg.Cache4Hop = *cache4Hop
	cfg.Cache3HopLife = time.Duration(*cache3HopLife) * time.Second
	cfg.Cache4HopLife = time.Duration(*cache4HopLife) * time.Second
	cfg.ResultLife = time.Duration(*resultLife) * time.Second
	cfg.WriteResultsEvery = *writeResultsEvery
	cfg.WriteCacheEvery = *writeCacheEvery
	cfg.StatsInterval = time.Duration(*statsInterval) * time.Second
	cfg.LogLevel = *logLevel
	cfg.LogFormat = *logFormat
	cfg.MetricsPort = *metricsPort

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level: %v\n", err)
		os.Exit(1)
	}
	log := logger.NewFormatted(level, cfg.LogFormat, os.Stdout)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	if err := run(ctx, cfg, log); err != nil {
		log.Error("engine error", "error", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.EngineConfig, log *logger.Logger) error {
	log.Info("starting ting-engine", "version", version, "w", cfg.WRelay, "z", cfg.ZRelay, "threads", cfg.Threads)

	met := metrics.New()

	var healthMonitor *health.Monitor
	if cfg.MetricsPort != 0 {
		healthMonitor = health.NewMonitor()
		httpSrv := httpmetrics.NewServer(fmt.Sprintf(":%d", cfg.MetricsPort), met.Registry, healthMonitor, log)
		if err := httpSrv.Start(); err != nil {
			return fmt.Errorf("starting metrics server: %w", err)
		}
		defer httpSrv.Stop()
	}

	c, err := cache.Load(cfg.OutCacheFile, cache.Options{
		Enable3Hop: cfg.Cache3Hop,
		Enable4Hop: cfg.Cache4Hop,
		Life3Hop:   cfg.Cache3HopLife,
		Life4Hop:   cfg.Cache4HopLife,
	})
	if err != nil {
		return fmt.Errorf("loading cache: %w", err)
	}

	clients := make([]*controller.Client, cfg.Threads)
	for i := range clients {
		clients[i], err = controller.Connect(ctx, controller.Options{
			Host:             cfg.CtrlHost,
			Port:             cfg.CtrlPort,
			DialTimeout:      10 * time.Second,
			CircuitBuildSecs: 10,
		}, log)
		if err != nil {
			return fmt.Errorf("connecting worker %d control session: %w", i, err)
		}
		defer clients[i].Close()
	}

	src, err := buildPairSource(cfg, clients[0], log)
	if err != nil {
		return fmt.Errorf("building pair source: %w", err)
	}
	if err := src.PruneRecent(cfg.OutResultFile, cfg.ResultLife, log); err != nil {
		log.Warn("pruning recently-measured pairs failed, continuing with full pair list", "error", err)
	}

	resultsMgr := results.New(clients[0], results.Options{
		JournalPath: cfg.OutResultFile,
		FlushEvery:  cfg.WriteResultsEvery,
	}, log)

	dialers := make([]*dialer.Dialer, cfg.Threads)
	for i := range dialers {
		dialers[i], err = dialer.New(dialer.Options{
			SocksHost: cfg.SocksHost,
			SocksPort: cfg.SocksPort,
			Timeout:   cfg.SocksTimeout,
		})
		if err != nil {
			return fmt.Errorf("constructing SOCKS dialer for worker %d: %w", i, err)
		}
	}

	attachMu := &sync.Mutex{}
	newEngine := func(id int) *engine.Engine {
		opts := engine.DefaultOptions()
		opts.W = cfg.WRelay
		opts.Z = cfg.ZRelay
		opts.TargetHost = cfg.TargetHost
		opts.TargetPort = cfg.TargetPort
		opts.Samples = cfg.Samples
		opts.CircBuildAttempts = cfg.CircBuildAttempts
		opts.MeasurementAttempts = cfg.MeasurementAttempts
		opts.SampleReadTimeout = cfg.SocksTimeout
		return engine.New(opts, clients[id], dialers[id], c, attachMu, log).WithRecorder(met)
	}

	var pairsMeasured, pairsFailed atomic.Int64
	if healthMonitor != nil {
		healthMonitor.RegisterChecker(health.NewControllerHealthChecker("controller", clients[0].Ping))
		healthMonitor.RegisterChecker(health.NewWorkerPoolHealthChecker(func() health.WorkerPoolStats {
			return health.WorkerPoolStats{
				Workers:       cfg.Threads,
				PairsMeasured: int(pairsMeasured.Load()),
				PairsFailed:   int(pairsFailed.Load()),
			}
		}))
	}

	persister := workerpool.NewCachePersister(c, cfg.OutCacheFile, cfg.WriteCacheEvery, log)

	out := make(chan results.Raw, cfg.Threads*2)
	resultsDone := make(chan struct{})
	go func() {
		defer close(resultsDone)
		if err := resultsMgr.Run(); err != nil {
			log.Error("results manager exited with error", "error", err)
		}
	}()
	go func() {
		for raw := range out {
			if raw.RTT != nil {
				pairsMeasured.Add(1)
			} else {
				pairsFailed.Add(1)
			}
			met.RecordPair(raw.RTT)
			persister.Tick()
			resultsMgr.Enqueue(raw)
		}
		resultsMgr.Stop()
	}()

	pool := workerpool.New(cfg.Threads, newEngine, out, log)

	statsStop := make(chan struct{})
	go logProgress(ctx, cfg.StatsInterval, log, statsStop)

	pool.Run(ctx, src)
	close(out)
	close(statsStop)

	<-resultsDone
	persister.Flush()

	log.Info("engine run complete")
	return nil
}

// buildPairSource resolves cfg.RelaySource into a concrete pair source.
// lister is used only by the "internet" source, which samples pairs
// directly from the control connection's live consensus view.
func buildPairSource(cfg *config.EngineConfig, lister pairsource.MeasuredRelayLister, log *logger.Logger) (pairsource.PrunableSource, error) {
	switch cfg.RelaySource {
	case "file":
		return pairsource.FromFile(cfg.RelaySourceFile, log)
	case "stdin":
		return pairsource.FromReader(os.Stdin, log), nil
	case "internet":
		return pairsource.FromNetworkStatus(lister, cfg.RelayMaxPairs, log)
	default:
		return nil, fmt.Errorf("unsupported relay-source: %s", cfg.RelaySource)
	}
}

func logProgress(ctx context.Context, interval time.Duration, log *logger.Logger, stop <-chan struct{}) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			log.Info("ting-engine progress check-in")
		}
	}
}
