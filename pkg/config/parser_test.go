package config

import (
	"testing"
	"time"

	"github.com/anshi233/xvc-server-d2xx/pkg/ftdi"
)

const sampleConfig = `# two HS2 adapters
[instance_management]
enabled = true
base_port = 2542

[instance_mappings]
1 = SN:210249A85D06
2 = IDX:1   ; second dongle by index

[instance_settings]
1.frequency = 15000000
1.client_lock_timeout = 30
2.port = 3000
2.vector_cap = 4096
2.latency = 4

[ip_whitelist_per_instance]
1.allow = 10.0.0.0/24, 192.168.1.20
1.block = 10.0.0.13
`

func TestParseSample(t *testing.T) {
	cfg, err := ParseString(sampleConfig)
	if err != nil {
		t.Fatalf("ParseString(): %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate(): %v", err)
	}
	if !cfg.Enabled || cfg.BasePort != 2542 {
		t.Errorf("management = enabled %v base %d, want true 2542", cfg.Enabled, cfg.BasePort)
	}
	if len(cfg.Instances) != 2 {
		t.Fatalf("got %d instances, want 2", len(cfg.Instances))
	}

	one := cfg.Instances[0]
	if one.ID != 1 || !one.Enabled {
		t.Errorf("instance 1 = %+v, want enabled id 1", one)
	}
	if one.Port != 2542 {
		t.Errorf("instance 1 port = %d, want base port 2542", one.Port)
	}
	if one.Device != (ftdi.Selector{Kind: ftdi.SelectSerial, Serial: "210249A85D06"}) {
		t.Errorf("instance 1 device = %+v", one.Device)
	}
	if one.FrequencyHz != 15_000_000 {
		t.Errorf("instance 1 frequency = %d, want 15000000", one.FrequencyHz)
	}
	if one.ClientLockTimeout != 30*time.Second {
		t.Errorf("instance 1 lock timeout = %s, want 30s", one.ClientLockTimeout)
	}
	if len(one.Allow) != 2 || one.Allow[0] != "10.0.0.0/24" || one.Allow[1] != "192.168.1.20" {
		t.Errorf("instance 1 allow = %v", one.Allow)
	}
	if len(one.Block) != 1 || one.Block[0] != "10.0.0.13" {
		t.Errorf("instance 1 block = %v", one.Block)
	}
	// Defaults that were not overridden.
	if one.LatencyMS != DefaultLatencyMS || one.VectorCapBytes != DefaultVectorCap {
		t.Errorf("instance 1 defaults = latency %d cap %d", one.LatencyMS, one.VectorCapBytes)
	}

	two := cfg.Instances[1]
	if two.Device != (ftdi.Selector{Kind: ftdi.SelectIndex, Index: 1}) {
		t.Errorf("instance 2 device = %+v", two.Device)
	}
	if two.Port != 3000 || two.VectorCapBytes != 4096 || two.LatencyMS != 4 {
		t.Errorf("instance 2 = %+v", two)
	}
	if two.FrequencyHz != 0 {
		t.Errorf("instance 2 frequency = %d, want 0 (client controlled)", two.FrequencyHz)
	}
	if two.InitialFrequencyHz() != DefaultFrequencyHz {
		t.Errorf("instance 2 initial frequency = %d, want default", two.InitialFrequencyHz())
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"unknown section", "[bogus]\nx = 1\n"},
		{"bad selector", "[instance_mappings]\n1 = USB:nope\n"},
		{"bad instance id", "[instance_mappings]\nzero = auto\n"},
		{"bad frequency", "[instance_mappings]\n1 = auto\n[instance_settings]\n1.frequency = fast\n"},
		{"bad port", "[instance_management]\nbase_port = 99999\n"},
		{"unqualified setting", "[instance_settings]\nfrequency = 1000\n"},
		{"unknown setting", "[instance_settings]\n1.color = red\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseString(tt.in); err == nil {
				t.Errorf("ParseString(%q) succeeded, want error", tt.in)
			}
		})
	}
}

func TestVectorCapClamped(t *testing.T) {
	cfg, err := ParseString("[instance_mappings]\n1 = auto\n[instance_settings]\n1.vector_cap = 99999999\n")
	if err != nil {
		t.Fatalf("ParseString(): %v", err)
	}
	if got := cfg.Instances[0].VectorCapBytes; got != MaxVectorCap {
		t.Errorf("vector cap = %d, want clamped to %d", got, MaxVectorCap)
	}
}

func TestValidateDuplicatePorts(t *testing.T) {
	cfg, err := ParseString("[instance_mappings]\n1 = auto\n2 = IDX:1\n[instance_settings]\n2.port = 2542\n")
	if err != nil {
		t.Fatalf("ParseString(): %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() accepted duplicate ports")
	}
}

func TestValidateNoInstances(t *testing.T) {
	cfg, err := ParseString("[instance_management]\nenabled = true\n")
	if err != nil {
		t.Fatalf("ParseString(): %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() accepted empty mapping")
	}
}

func TestParseNoTrailingNewline(t *testing.T) {
	cfg, err := ParseString("[instance_mappings]\n1 = auto")
	if err != nil {
		t.Fatalf("ParseString(): %v", err)
	}
	if len(cfg.Instances) != 1 || cfg.Instances[0].Device.Kind != ftdi.SelectAuto {
		t.Fatalf("instances = %+v", cfg.Instances)
	}
}
