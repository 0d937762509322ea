// Package main provides the ting-dispatch executable: fan-out of relay-pair
// measurement across multiple ting-engine subprocesses, each talking to its
// own overlay daemon instance.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/opd-ai/go-ting/pkg/config"
	"github.com/opd-ai/go-ting/pkg/dispatcher"
	"github.com/opd-ai/go-ting/pkg/fingerprint"
	"github.com/opd-ai/go-ting/pkg/logger"
	"github.com/opd-ai/go-ting/pkg/pairsource"
)

var version = "0.1.0-dev"

// portList collects a repeatable integer port flag. The number of times
// --ctrl-port and --socks-port are given determines how many engine
// subprocesses run, one per daemon instance.
type portList []int

func (p *portList) String() string {
	return fmt.Sprint(*p)
}

func (p *portList) Set(s string) error {
	v, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid port %q: %w", s, err)
	}
	*p = append(*p, v)
	return nil
}

func main() {
	cfg := config.DefaultDispatcherConfig()

	var ctrlPorts, socksPorts portList

	enginePath := flag.String("engine-path", "", "Path to the ting-engine binary")
	relayPairFile := flag.String("relay-pair-file", "", "File of \"FP1 FP2\" pair lines to distribute across engines")
	tmpDir := flag.String("tmpdir", cfg.TmpDir, "Working directory for chunk files and per-engine state")
	flag.Var(&ctrlPorts, "ctrl-port", "Control port of one daemon instance; repeat once per engine")
	flag.Var(&socksPorts, "socks-port", "SOCKS port of one daemon instance; repeat once per engine, matching --ctrl-port count")
	chunkSize := flag.Int("chunk-size", cfg.ChunkSize, "Pairs per chunk file")
	globalCache := flag.String("out-cache-file", cfg.GlobalCache, "Merged cache file path")
	globalJournal := flag.String("out-result-file", cfg.GlobalJournal, "Merged results journal path")
	logLevel := flag.String("log-level", cfg.LogLevel, "Log level: debug, info, warn, error")

	wRelay := flag.String("w-relay", "", "W anchor relay fingerprint, forwarded to every engine")
	zRelay := flag.String("z-relay", "", "Z anchor relay fingerprint, forwarded to every engine")
	samples := flag.Int("samples", 200, "Echo samples per circuit, forwarded to every engine")
	circBuildAttempts := flag.Int("circ-build-attempts", 3, "Circuit build attempts, forwarded to every engine")
	measurementAttempts := flag.Int("measurement-attempts", 3, "Ting attempts, forwarded to every engine")
	targetHost := flag.String("target-host", "127.0.0.1", "Ting echo listener host, forwarded to every engine")
	targetPort := flag.Int("target-port", 16667, "Ting echo listener port, forwarded to every engine")
	threads := flag.Int("threads", 1, "Measurement workers per engine, forwarded to every engine")
	statsInterval := flag.Int("stats-interval", 60, "Progress log interval in seconds, forwarded to every engine")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("ting-dispatch version %s\n", version)
		os.Exit(0)
	}

	cfg.EnginePath = *enginePath
	cfg.RelayPairFile = *relayPairFile
	cfg.TmpDir = *tmpDir
	cfg.CtrlPorts = ctrlPorts
	cfg.SocksPorts = socksPorts
	cfg.ChunkSize = *chunkSize
	cfg.GlobalCache = *globalCache
	cfg.GlobalJournal = *globalJournal
	cfg.LogLevel = *logLevel

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if !fingerprint.Fingerprint(*wRelay).Normalize().Valid() || !fingerprint.Fingerprint(*zRelay).Normalize().Valid() {
		fmt.Fprintln(os.Stderr, "w-relay and z-relay must be 40-character hex fingerprints")
		os.Exit(1)
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(level, os.Stdout)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	go func() {
		<-ctx.Done()
		log.Warn("shutdown signal received, waiting for in-flight engine subprocesses to exit")
	}()

	engineArgs := []string{
		"--w-relay", *wRelay,
		"--z-relay", *zRelay,
		"--samples", strconv.Itoa(*samples),
		"--circ-build-attempts", strconv.Itoa(*circBuildAttempts),
		"--measurement-attempts", strconv.Itoa(*measurementAttempts),
		"--target-host", *targetHost,
		"--target-port", strconv.Itoa(*targetPort),
		"--threads", strconv.Itoa(*threads),
		"--stats-interval", strconv.Itoa(*statsInterval),
	}

	pairs, err := loadPairs(cfg.RelayPairFile, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading pair file: %v\n", err)
		os.Exit(1)
	}

	d := dispatcher.New(dispatcher.Options{
		EnginePath:    cfg.EnginePath,
		EngineArgs:    engineArgs,
		WorkDir:       cfg.TmpDir,
		CtrlPorts:     cfg.CtrlPorts,
		SocksPorts:    cfg.SocksPorts,
		ChunkSize:     cfg.ChunkSize,
		GlobalCache:   cfg.GlobalCache,
		GlobalJournal: cfg.GlobalJournal,
	}, log)

	log.Info("starting ting-dispatch", "version", version, "pairs", len(pairs), "engines", len(cfg.CtrlPorts))

	if err := d.Run(pairs); err != nil {
		log.Error("dispatch run failed", "error", err)
		os.Exit(1)
	}

	log.Info("dispatch complete")
}

func loadPairs(path string, log *logger.Logger) ([]fingerprint.Pair, error) {
	src, err := pairsource.FromFile(path, log)
	if err != nil {
		return nil, err
	}

	var pairs []fingerprint.Pair
	for {
		p, ok := src.Next()
		if !ok {
			break
		}
		pairs = append(pairs, p)
	}
	return pairs, nil
}
