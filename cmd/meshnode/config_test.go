package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"mesh-rpc/codec"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meshnode.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatal(err)
	}

	want := defaultConfig()
	if cfg.Listen != want.Listen {
		t.Errorf("Listen: got %s, want %s", cfg.Listen, want.Listen)
	}
	if cfg.Mesh != "default" {
		t.Errorf("Mesh: got %s", cfg.Mesh)
	}
	if cfg.Codec != codec.CodecTypeCBOR {
		t.Errorf("Codec: got %d", cfg.Codec)
	}
	if cfg.HandshakeTimeout != 10*time.Second {
		t.Errorf("HandshakeTimeout: got %s", cfg.HandshakeTimeout)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	path := writeConfig(t, `
listen = "0.0.0.0:5900"
advertise_addr = "10.1.2.3:5900"
mesh = "calc"
codec = "json"
handshake_timeout = "2s"
etcd_endpoints = ["127.0.0.1:2379", "127.0.0.1:2380"]
debug = true
rate_limit = 100.0
rate_burst = 50
`)

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Listen != "0.0.0.0:5900" {
		t.Errorf("Listen: got %s", cfg.Listen)
	}
	if cfg.AdvertiseAddr != "10.1.2.3:5900" {
		t.Errorf("AdvertiseAddr: got %s", cfg.AdvertiseAddr)
	}
	if cfg.Mesh != "calc" {
		t.Errorf("Mesh: got %s", cfg.Mesh)
	}
	if cfg.Codec != codec.CodecTypeJSON {
		t.Errorf("Codec: got %d", cfg.Codec)
	}
	if cfg.HandshakeTimeout != 2*time.Second {
		t.Errorf("HandshakeTimeout: got %s", cfg.HandshakeTimeout)
	}
	if len(cfg.EtcdEndpoints) != 2 {
		t.Errorf("EtcdEndpoints: got %v", cfg.EtcdEndpoints)
	}
	if !cfg.Debug {
		t.Error("Debug not set")
	}
	if cfg.RateLimit != 100.0 || cfg.RateBurst != 50 {
		t.Errorf("rate settings: got %v / %v", cfg.RateLimit, cfg.RateBurst)
	}
}

func TestLoadConfigAdvertiseFollowsListen(t *testing.T) {
	path := writeConfig(t, `listen = "127.0.0.1:6100"`)

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.AdvertiseAddr != "127.0.0.1:6100" {
		t.Errorf("AdvertiseAddr should follow listen, got %s", cfg.AdvertiseAddr)
	}
}

func TestLoadConfigRejectsUnknownCodec(t *testing.T) {
	path := writeConfig(t, `codec = "xml"`)
	if _, err := loadConfig(path); err == nil {
		t.Fatal("expect error for unknown codec")
	}
}

func TestLoadConfigRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, `handshake_timeout = "soon"`)
	if _, err := loadConfig(path); err == nil {
		t.Fatal("expect error for unparsable duration")
	}
}
