package config

import (
	"testing"

	"github.com/opd-ai/go-ting/pkg/fingerprint"
)

const (
	fpW = fingerprint.Fingerprint("AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
	fpZ = fingerprint.Fingerprint("BBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB")
)

func validEngineConfig() *EngineConfig {
	c := DefaultEngineConfig()
	c.WRelay = fpW
	c.ZRelay = fpZ
	return c
}

func TestDefaultEngineConfig(t *testing.T) {
	c := DefaultEngineConfig()
	if c.CtrlPort != 9051 {
		t.Errorf("CtrlPort = %d, want 9051", c.CtrlPort)
	}
	if c.SocksPort != 9050 {
		t.Errorf("SocksPort = %d, want 9050", c.SocksPort)
	}
	if c.TargetPort != 16667 {
		t.Errorf("TargetPort = %d, want 16667", c.TargetPort)
	}
	if c.Samples != 200 {
		t.Errorf("Samples = %d, want 200", c.Samples)
	}
	if c.RelaySource != "internet" {
		t.Errorf("RelaySource = %s, want internet", c.RelaySource)
	}
}

func TestEngineConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*EngineConfig)
		wantErr bool
	}{
		{"valid config", func(c *EngineConfig) {}, false},
		{"missing anchors", func(c *EngineConfig) { c.WRelay = "" }, true},
		{"identical anchors", func(c *EngineConfig) { c.ZRelay = c.WRelay }, true},
		{"bad fingerprint", func(c *EngineConfig) { c.WRelay = "not-hex" }, true},
		{"invalid ctrl port", func(c *EngineConfig) { c.CtrlPort = 70000 }, true},
		{"zero samples", func(c *EngineConfig) { c.Samples = 0 }, true},
		{"bad relay source", func(c *EngineConfig) { c.RelaySource = "carrier-pigeon" }, true},
		{"file source without path", func(c *EngineConfig) { c.RelaySource = "file" }, true},
		{"file source with path", func(c *EngineConfig) {
			c.RelaySource = "file"
			c.RelaySourceFile = "relays.txt"
		}, false},
		{"bad log level", func(c *EngineConfig) { c.LogLevel = "verbose" }, true},
		{"bad log format", func(c *EngineConfig) { c.LogFormat = "xml" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validEngineConfig()
			tt.modify(c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultDispatcherConfig(t *testing.T) {
	c := DefaultDispatcherConfig()
	if c.ChunkSize != 100 {
		t.Errorf("ChunkSize = %d, want 100", c.ChunkSize)
	}
	if len(c.CtrlPorts) != 0 {
		t.Errorf("CtrlPorts should have no default, got %v", c.CtrlPorts)
	}
}

func TestDispatcherConfigValidate(t *testing.T) {
	valid := func() *DispatcherConfig {
		c := DefaultDispatcherConfig()
		c.EnginePath = "/usr/local/bin/ting-engine"
		c.RelayPairFile = "pairs.txt"
		c.CtrlPorts = []int{8720, 8721}
		c.SocksPorts = []int{8730, 8731}
		return c
	}

	if err := valid().Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}

	tests := []struct {
		name   string
		modify func(*DispatcherConfig)
	}{
		{"missing engine path", func(c *DispatcherConfig) { c.EnginePath = "" }},
		{"missing pair file", func(c *DispatcherConfig) { c.RelayPairFile = "" }},
		{"no ports", func(c *DispatcherConfig) { c.CtrlPorts = nil; c.SocksPorts = nil }},
		{"mismatched port counts", func(c *DispatcherConfig) { c.SocksPorts = []int{8730} }},
		{"invalid ctrl port", func(c *DispatcherConfig) { c.CtrlPorts = []int{8720, 70000} }},
		{"zero chunk size", func(c *DispatcherConfig) { c.ChunkSize = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.modify(c)
			if err := c.Validate(); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}
