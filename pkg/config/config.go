// Package config provides configuration management for a ting measurement
// engine or dispatcher process.
package config

import (
	"fmt"
	"time"

	"github.com/opd-ai/go-ting/pkg/fingerprint"
)

// EngineConfig is one ting-engine process's full configuration, covering
// the control/SOCKS endpoints, the measurement protocol parameters, the
// pair source, and on-disk output paths.
type EngineConfig struct {
	// Anchors
	WRelay fingerprint.Fingerprint
	ZRelay fingerprint.Fingerprint

	// Control protocol
	CtrlHost string
	CtrlPort int

	// SOCKS5 proxy
	SocksHost    string
	SocksPort    int
	SocksTimeout time.Duration

	// Measurement protocol
	CircBuildAttempts   int
	MeasurementAttempts int
	Samples             int
	TargetHost          string
	TargetPort          int
	Threads             int

	// Pair source: "internet", "file", or "stdin"
	RelaySource     string
	RelaySourceFile string
	RelayMaxPairs   int

	// Output
	OutCacheFile  string
	OutResultFile string

	// Cache
	Cache3Hop     bool
	Cache4Hop     bool
	Cache3HopLife time.Duration
	Cache4HopLife time.Duration
	ResultLife    time.Duration

	// Flush cadence
	WriteResultsEvery int
	WriteCacheEvery   int
	StatsInterval     time.Duration

	// Logging and metrics
	LogLevel    string
	LogFormat   string // "text" or "json"
	MetricsPort int    // 0 disables the metrics server
}

// DefaultEngineConfig returns the engine's default flag values. WRelay and
// ZRelay have no default and must always be supplied by the caller.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		CtrlHost:            "127.0.0.1",
		CtrlPort:            9051,
		SocksHost:           "127.0.0.1",
		SocksPort:           9050,
		SocksTimeout:        10 * time.Second,
		CircBuildAttempts:   3,
		MeasurementAttempts: 3,
		Samples:             200,
		TargetHost:          "127.0.0.1",
		TargetPort:          16667,
		Threads:             1,
		RelaySource:         "internet",
		RelayMaxPairs:       0,
		OutCacheFile:        "ting-cache.json",
		OutResultFile:       "ting-results.ndjson",
		Cache3Hop:           true,
		Cache4Hop:           true,
		Cache3HopLife:       24 * time.Hour,
		Cache4HopLife:       24 * time.Hour,
		ResultLife:          24 * time.Hour,
		WriteResultsEvery:   10,
		WriteCacheEvery:     10,
		StatsInterval:       60 * time.Second,
		LogLevel:            "info",
		LogFormat:           "text",
		MetricsPort:         0,
	}
}

// Validate checks that the configuration is internally consistent.
func (c *EngineConfig) Validate() error {
	if c.WRelay == "" || c.ZRelay == "" {
		return fmt.Errorf("WRelay and ZRelay anchors are required")
	}
	if !c.WRelay.Valid() {
		return fmt.Errorf("invalid WRelay fingerprint: %s", c.WRelay)
	}
	if !c.ZRelay.Valid() {
		return fmt.Errorf("invalid ZRelay fingerprint: %s", c.ZRelay)
	}
	if c.WRelay.Normalize() == c.ZRelay.Normalize() {
		return fmt.Errorf("WRelay and ZRelay must be distinct anchors")
	}

	if err := validatePort(c.CtrlPort, "CtrlPort"); err != nil {
		return err
	}
	if err := validatePort(c.SocksPort, "SocksPort"); err != nil {
		return err
	}
	if err := validatePort(c.TargetPort, "TargetPort"); err != nil {
		return err
	}
	if c.MetricsPort != 0 {
		if err := validatePort(c.MetricsPort, "MetricsPort"); err != nil {
			return err
		}
	}

	if c.Samples < 1 {
		return fmt.Errorf("Samples must be at least 1")
	}
	if c.CircBuildAttempts < 1 {
		return fmt.Errorf("CircBuildAttempts must be at least 1")
	}
	if c.MeasurementAttempts < 1 {
		return fmt.Errorf("MeasurementAttempts must be at least 1")
	}
	if c.Threads < 1 {
		return fmt.Errorf("Threads must be at least 1")
	}

	switch c.RelaySource {
	case "internet", "file", "stdin":
	default:
		return fmt.Errorf("invalid RelaySource: %s (must be internet, file, or stdin)", c.RelaySource)
	}
	if c.RelaySource == "file" && c.RelaySourceFile == "" {
		return fmt.Errorf("RelaySourceFile is required when RelaySource is file")
	}
	if c.RelayMaxPairs < 0 {
		return fmt.Errorf("RelayMaxPairs must be non-negative")
	}

	if c.OutCacheFile == "" {
		return fmt.Errorf("OutCacheFile is required")
	}
	if c.OutResultFile == "" {
		return fmt.Errorf("OutResultFile is required")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid LogLevel: %s (must be debug, info, warn, or error)", c.LogLevel)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid LogFormat: %s (must be text or json)", c.LogFormat)
	}

	return nil
}

func validatePort(port int, name string) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid %s: %d", name, port)
	}
	return nil
}

// DispatcherConfig is one ting-dispatch process's configuration: where the
// engine binary lives, the per-daemon control/SOCKS port pairs (one engine
// subprocess per pair), and the global cache/journal files their
// per-process outputs merge into.
type DispatcherConfig struct {
	EnginePath    string
	RelayPairFile string
	TmpDir        string
	CtrlPorts     []int
	SocksPorts    []int
	ChunkSize     int
	GlobalCache   string
	GlobalJournal string

	LogLevel string
}

// DefaultDispatcherConfig returns the dispatcher defaults; the port lists
// have no default and must be given once per daemon instance.
func DefaultDispatcherConfig() *DispatcherConfig {
	return &DispatcherConfig{
		TmpDir:        "./ting-dispatch",
		ChunkSize:     100,
		GlobalCache:   "ting-cache.json",
		GlobalJournal: "ting-results.ndjson",
		LogLevel:      "info",
	}
}

// Validate checks that the dispatcher configuration is usable.
func (c *DispatcherConfig) Validate() error {
	if c.EnginePath == "" {
		return fmt.Errorf("EnginePath is required")
	}
	if c.RelayPairFile == "" {
		return fmt.Errorf("RelayPairFile is required")
	}
	if len(c.CtrlPorts) == 0 {
		return fmt.Errorf("at least one CtrlPort/SocksPort pair is required")
	}
	if len(c.CtrlPorts) != len(c.SocksPorts) {
		return fmt.Errorf("CtrlPorts and SocksPorts counts must match, got %d and %d",
			len(c.CtrlPorts), len(c.SocksPorts))
	}
	for _, p := range c.CtrlPorts {
		if err := validatePort(p, "CtrlPort"); err != nil {
			return err
		}
	}
	for _, p := range c.SocksPorts {
		if err := validatePort(p, "SocksPort"); err != nil {
			return err
		}
	}
	if c.ChunkSize < 1 {
		return fmt.Errorf("ChunkSize must be at least 1")
	}
	if c.GlobalCache == "" || c.GlobalJournal == "" {
		return fmt.Errorf("GlobalCache and GlobalJournal are required")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid LogLevel: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}
