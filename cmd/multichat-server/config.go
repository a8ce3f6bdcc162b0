// Copyright 2026 The Multichat Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"crypto/tls"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/htrefil/multichat/server"
	"github.com/htrefil/multichat/wire"
)

// fileConfig is the on-disk YAML layout. Tokens appear only as BLAKE3
// digests (from multichat-token); the config file never holds a raw
// token.
type fileConfig struct {
	Listen        string `yaml:"listen"`
	ServerName    string `yaml:"server_name"`
	MetricsListen string `yaml:"metrics_listen"`

	TLS struct {
		Cert string `yaml:"cert"`
		Key  string `yaml:"key"`
	} `yaml:"tls"`

	// AccessTokenDigests are hex BLAKE3 digests of authorized tokens.
	AccessTokenDigests []string `yaml:"access_token_digests"`

	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	PongTimeout      time.Duration `yaml:"pong_timeout"`
	CloseGrace       time.Duration `yaml:"close_grace"`

	QueueCapacity int    `yaml:"queue_capacity"`
	MaxFrameSize  uint32 `yaml:"max_frame_size"`
}

func loadConfig(path string) (fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, fmt.Errorf("read config: %w", err)
	}
	var config fileConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return fileConfig{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if config.Listen == "" {
		return fileConfig{}, fmt.Errorf("config %s: listen is required", path)
	}
	if (config.TLS.Cert == "") != (config.TLS.Key == "") {
		return fileConfig{}, fmt.Errorf("config %s: tls cert and key must be set together", path)
	}
	return config, nil
}

// serverConfig translates the file into a server.Config, parsing
// token digests and loading the TLS keypair.
func (c fileConfig) serverConfig() (server.Config, error) {
	digests := make([]wire.TokenDigest, 0, len(c.AccessTokenDigests))
	for i, hexDigest := range c.AccessTokenDigests {
		digest, err := wire.ParseTokenDigest(hexDigest)
		if err != nil {
			return server.Config{}, fmt.Errorf("access token digest %d: %w", i, err)
		}
		digests = append(digests, digest)
	}

	config := server.Config{
		ServerName:       c.ServerName,
		TokenDigests:     digests,
		MaxFrameSize:     c.MaxFrameSize,
		QueueCapacity:    c.QueueCapacity,
		HandshakeTimeout: c.HandshakeTimeout,
		PingInterval:     c.PingInterval,
		PongTimeout:      c.PongTimeout,
		CloseGrace:       c.CloseGrace,
	}

	if c.TLS.Cert != "" {
		certificate, err := tls.LoadX509KeyPair(c.TLS.Cert, c.TLS.Key)
		if err != nil {
			return server.Config{}, fmt.Errorf("load tls keypair: %w", err)
		}
		config.Certificates = []tls.Certificate{certificate}
	}
	return config, nil
}
