package fwdproxy

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Addr() != "localhost:8888" {
		t.Fatalf("addr %s", cfg.Addr())
	}
	if cfg.Cache.Dir != "cache" || cfg.Cache.Index != IndexJSON || cfg.Blacklist.File != "blacklist.json" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.OriginTimeout() != 10*time.Second || cfg.clientIdle != 30*time.Second {
		t.Fatalf("timeouts %s %s", cfg.OriginTimeout(), cfg.clientIdle)
	}
	if cfg.Logging.File != "logs/proxy.log" || cfg.Logging.Level != "info" {
		t.Fatalf("logging %+v", cfg.Logging)
	}
	if cfg.maxRequestBytes != 1<<20 || cfg.statsEvery != 0 {
		t.Fatalf("maxRequest %d statsEvery %s", cfg.maxRequestBytes, cfg.statsEvery)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fwdproxy.yaml")
	yml := `
server:
  host: 0.0.0.0
  port: 3128
  maxRequest: 64k
origin:
  timeout: 2s
cache:
  dir: /var/cache/fwdproxy
  index: SQLite
  dedupeFetches: true
blacklist:
  rules: [doubleclick, "/ads/"]
logging:
  statsEvery: 1m
`
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr() != "0.0.0.0:3128" || cfg.maxRequestBytes != 64<<10 {
		t.Fatalf("server %+v", cfg.Server)
	}
	if cfg.OriginTimeout() != 2*time.Second || cfg.clientIdle != 30*time.Second {
		t.Fatalf("timeouts %s %s", cfg.OriginTimeout(), cfg.clientIdle)
	}
	if cfg.Cache.Index != IndexSQLite || !cfg.Cache.DedupeFetches || cfg.Cache.Dir != "/var/cache/fwdproxy" {
		t.Fatalf("cache %+v", cfg.Cache)
	}
	if len(cfg.Blacklist.Rules) != 2 || cfg.Blacklist.File != "blacklist.json" {
		t.Fatalf("blacklist %+v", cfg.Blacklist)
	}
	if cfg.statsEvery != time.Minute {
		t.Fatalf("statsEvery %s", cfg.statsEvery)
	}
}

func TestLoadConfigRejects(t *testing.T) {
	bad := map[string]string{
		"index":   "cache:\n  index: redis\n",
		"port":    "server:\n  port: 70000\n",
		"size":    "server:\n  maxRequest: lots\n",
		"timeout": "origin:\n  timeout: -1s\n",
		"yaml":    "server: [",
	}
	dir := t.TempDir()
	for name, body := range bad {
		path := filepath.Join(dir, name+".yaml")
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadConfig(path); err == nil {
			t.Fatalf("%s: expected an error", name)
		}
	}
	if _, err := LoadConfig(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatal("missing config file must fail")
	}
}

func TestParseBytes(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"4096", 4096},
		{"512k", 512 << 10},
		{"1m", 1 << 20},
		{"1.5MB", 3 << 19},
		{" 2 g ", 2 << 30},
		{"10b", 10},
	}
	for _, tt := range tests {
		got, err := parseBytes(tt.in)
		if err != nil || got != tt.want {
			t.Fatalf("%q: got %d, %v", tt.in, got, err)
		}
	}
	for _, in := range []string{"", "k", "abc", "-1k"} {
		if _, err := parseBytes(in); err == nil {
			t.Fatalf("%q: expected an error", in)
		}
	}
}
