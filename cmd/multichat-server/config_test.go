// Copyright 2026 The Multichat Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/htrefil/multichat/wire"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "multichat.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	token, err := wire.NewToken()
	if err != nil {
		t.Fatal(err)
	}
	path := writeConfig(t, `
listen: "127.0.0.1:7667"
server_name: "hub-1"
metrics_listen: "127.0.0.1:9100"
access_token_digests:
  - "`+token.Digest().String()+`"
ping_interval: 45s
queue_capacity: 512
`)

	config, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if config.Listen != "127.0.0.1:7667" {
		t.Errorf("Listen: got %q", config.Listen)
	}
	if config.PingInterval != 45*time.Second {
		t.Errorf("PingInterval: got %v", config.PingInterval)
	}

	serverConfig, err := config.serverConfig()
	if err != nil {
		t.Fatalf("serverConfig: %v", err)
	}
	if serverConfig.ServerName != "hub-1" {
		t.Errorf("ServerName: got %q", serverConfig.ServerName)
	}
	if len(serverConfig.TokenDigests) != 1 || !serverConfig.TokenDigests[0].Equal(token.Digest()) {
		t.Error("token digest did not survive parsing")
	}
	if serverConfig.QueueCapacity != 512 {
		t.Errorf("QueueCapacity: got %d", serverConfig.QueueCapacity)
	}
	if len(serverConfig.Certificates) != 0 {
		t.Error("Certificates: got some without tls config")
	}
}

func TestLoadConfigRequiresListen(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `server_name: "hub"`)
	if _, err := loadConfig(path); err == nil {
		t.Error("loadConfig without listen: accepted")
	}
}

func TestLoadConfigRejectsHalfTLS(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
listen: ":7667"
tls:
  cert: "/etc/multichat/cert.pem"
`)
	if _, err := loadConfig(path); err == nil {
		t.Error("loadConfig with cert but no key: accepted")
	}
}

func TestServerConfigRejectsBadDigest(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
listen: ":7667"
server_name: "hub"
access_token_digests:
  - "not-a-digest"
`)
	config, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if _, err := config.serverConfig(); err == nil {
		t.Error("serverConfig with malformed digest: accepted")
	}
}
