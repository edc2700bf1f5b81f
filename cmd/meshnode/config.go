package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"mesh-rpc/codec"
)

type fileConfig struct {
	Listen           string   `toml:"listen"`
	AdvertiseAddr    string   `toml:"advertise_addr"`
	Mesh             string   `toml:"mesh"`
	Codec            string   `toml:"codec"`
	HandshakeTimeout string   `toml:"handshake_timeout"`
	EtcdEndpoints    []string `toml:"etcd_endpoints"`
	Debug            bool     `toml:"debug"`
	RateLimit        float64  `toml:"rate_limit"`
	RateBurst        int      `toml:"rate_burst"`
}

type nodeConfig struct {
	Listen           string
	AdvertiseAddr    string
	Mesh             string
	Codec            codec.CodecType
	HandshakeTimeout time.Duration
	EtcdEndpoints    []string
	Debug            bool
	RateLimit        float64
	RateBurst        int
}

func defaultConfig() nodeConfig {
	return nodeConfig{
		Listen:           "127.0.0.1:4800",
		AdvertiseAddr:    "127.0.0.1:4800",
		Mesh:             "default",
		Codec:            codec.CodecTypeCBOR,
		HandshakeTimeout: 10 * time.Second,
	}
}

func loadConfig(path string) (nodeConfig, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nodeConfig{}, fmt.Errorf("load node config: %w", err)
	}

	if meta.IsDefined("listen") && strings.TrimSpace(raw.Listen) != "" {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}

	if meta.IsDefined("advertise_addr") && strings.TrimSpace(raw.AdvertiseAddr) != "" {
		cfg.AdvertiseAddr = strings.TrimSpace(raw.AdvertiseAddr)
	} else if meta.IsDefined("listen") {
		cfg.AdvertiseAddr = cfg.Listen
	}

	if meta.IsDefined("mesh") && strings.TrimSpace(raw.Mesh) != "" {
		cfg.Mesh = strings.TrimSpace(raw.Mesh)
	}

	if meta.IsDefined("codec") {
		switch strings.ToLower(strings.TrimSpace(raw.Codec)) {
		case "cbor":
			cfg.Codec = codec.CodecTypeCBOR
		case "json":
			cfg.Codec = codec.CodecTypeJSON
		default:
			return nodeConfig{}, fmt.Errorf("unknown codec %q", raw.Codec)
		}
	}

	if meta.IsDefined("handshake_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.HandshakeTimeout))
		if err != nil {
			return nodeConfig{}, fmt.Errorf("parse handshake_timeout: %w", err)
		}
		cfg.HandshakeTimeout = d
	}

	if meta.IsDefined("etcd_endpoints") {
		cfg.EtcdEndpoints = raw.EtcdEndpoints
	}

	if meta.IsDefined("debug") {
		cfg.Debug = raw.Debug
	}

	if meta.IsDefined("rate_limit") {
		cfg.RateLimit = raw.RateLimit
	}
	if meta.IsDefined("rate_burst") {
		cfg.RateBurst = raw.RateBurst
	}

	return cfg, nil
}
