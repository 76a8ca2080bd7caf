package gc

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// ============================================================================
// 配置测试
// ============================================================================

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should be valid: %v", err)
	}
	test := testConfig()
	if err := test.Validate(); err != nil {
		t.Errorf("Test config should be valid: %v", err)
	}
}

func TestConfigSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFileName)

	cfg := DefaultConfig()
	cfg.Concurrent.CardCleaningPasses = 3
	cfg.Concurrent.HelperThreads = 2
	cfg.Heap.NurserySize = 512 << 10
	cfg.Log.Level = "debug"
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if loaded.Concurrent.CardCleaningPasses != 3 {
		t.Errorf("Expected 3 passes, got %d", loaded.Concurrent.CardCleaningPasses)
	}
	if loaded.Concurrent.HelperThreads != 2 {
		t.Errorf("Expected 2 helpers, got %d", loaded.Concurrent.HelperThreads)
	}
	if loaded.Heap.NurserySize != 512<<10 {
		t.Errorf("Expected nursery %d, got %d", 512<<10, loaded.Heap.NurserySize)
	}
	if loaded.Log.Level != "debug" {
		t.Errorf("Expected log level debug, got %q", loaded.Log.Level)
	}
}

func TestLoadPartialConfigKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.toml")
	data := "[concurrent]\nhelper_threads = 3\n"
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	def := DefaultConfig()
	if cfg.Concurrent.HelperThreads != 3 {
		t.Errorf("Expected 3 helpers, got %d", cfg.Concurrent.HelperThreads)
	}
	if cfg.Heap.MaxSize != def.Heap.MaxSize {
		t.Errorf("Expected default max size %d, got %d", def.Heap.MaxSize, cfg.Heap.MaxSize)
	}
	if cfg.Concurrent.AllocToTraceRate != def.Concurrent.AllocToTraceRate {
		t.Errorf("Expected default trace rate, got %v", cfg.Concurrent.AllocToTraceRate)
	}
}

func TestConfigValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		field  string
	}{
		{"passes too high", func(c *Config) { c.Concurrent.CardCleaningPasses = 4 }, "card_cleaning_passes"},
		{"passes zero", func(c *Config) { c.Concurrent.CardCleaningPasses = 0 }, "card_cleaning_passes"},
		{"tiny packets", func(c *Config) { c.Marking.PacketCapacity = 1 }, "packet_capacity"},
		{"odd region", func(c *Config) { c.Heap.RegionSize = 1000 }, "region_size"},
		{"initial over max", func(c *Config) { c.Heap.InitialSize = c.Heap.MaxSize * 2 }, "initial_size"},
		{"rate above max", func(c *Config) { c.Concurrent.AllocToTraceRate = 100 }, "max_alloc_to_trace_rate"},
		{"weight out of unit", func(c *Config) { c.Concurrent.LivePartHistoryWeight = 1.5 }, "live_part_history_weight"},
		{"trace rate weight negative", func(c *Config) { c.Concurrent.TraceRateHistoryWeight = -0.1 }, "trace_rate_history_weight"},
		{"zero trace rate floor", func(c *Config) { c.Concurrent.MinTraceRateFraction = 0 }, "min_trace_rate_fraction"},
		{"small init chunk", func(c *Config) { c.Concurrent.InitChunkSize = 128 }, "init_chunk_size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Expected ErrInvalidConfig, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("Expected error to mention %q, got %v", tt.field, err)
			}
		})
	}
}

func TestLoadConfigErrors(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("Expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "bad.toml")
	os.WriteFile(path, []byte("[heap\nmax_size = "), 0644)
	if _, err := LoadConfig(path); err == nil {
		t.Error("Expected parse error")
	}

	path = filepath.Join(t.TempDir(), "invalid.toml")
	os.WriteFile(path, []byte("[marking]\npacket_capacity = 1\n"), 0644)
	if _, err := LoadConfig(path); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig, got %v", err)
	}
}

func TestFindConfigFile(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(root, ConfigFileName)
	if err := os.WriteFile(want, []byte(""), 0644); err != nil {
		t.Fatal(err)
	}

	got := FindConfigFile(nested)
	if got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
	if FindConfigFile(filepath.Join(root, "does-not-exist")) != "" {
		t.Error("Expected empty result for a missing start path")
	}
}

func TestDerivedThreadAndPacketCounts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Marking.GCThreads = 3
	if cfg.gcThreads() != 3 {
		t.Errorf("Expected 3 threads, got %d", cfg.gcThreads())
	}
	cfg.Marking.PacketCount = 17
	if cfg.packetCount() != 17 {
		t.Errorf("Expected explicit packet count 17, got %d", cfg.packetCount())
	}
	cfg.Marking.PacketCount = 0
	if cfg.packetCount() < 4*cfg.gcThreads() {
		t.Errorf("Derived packet count %d too small for %d threads", cfg.packetCount(), cfg.gcThreads())
	}
}
