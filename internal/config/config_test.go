// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigFile(t *testing.T) {
	path := writeConfig(t, `
log:
  level: DEBUG
  file: /var/log/datarouter.log
  compress: true
router:
  protocol: LWM2M
  listen: 0.0.0.0:9000
mqtt:
  keep_alive: 30s
  queue_capacity: 50
lwm2m:
  broker: broker.local
persistence:
  tree:
    type: mmap
    path: /data/tree.mmap
  secure:
    type: file
    path: /data/secure
    key_file: /data/key
metrics:
  listen: :9100
`)
	cfg, err := LoadConfig(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "/var/log/datarouter.log", cfg.Log.File)
	assert.True(t, cfg.Log.Compress)
	assert.Equal(t, 10, cfg.Log.MaxSizeMB)
	assert.Equal(t, "lwm2m", cfg.Router.Protocol)
	assert.Equal(t, "0.0.0.0:9000", cfg.Router.Listen)
	assert.Equal(t, 30*time.Second, cfg.MQTT.KeepAlive)
	assert.Equal(t, 50, cfg.MQTT.QueueCapacity)
	assert.Equal(t, 1883, cfg.MQTT.Port)
	assert.Equal(t, 5*time.Second, cfg.MQTT.ReconnectInterval)
	assert.Equal(t, "broker.local", cfg.LWM2M.Broker)
	assert.Equal(t, "avdata", cfg.LWM2M.Prefix)
	assert.Equal(t, TreeConfig{Type: "mmap", Path: "/data/tree.mmap"}, cfg.Persistence.Tree)
	assert.Equal(t, SecureConfig{Type: "file", Path: "/data/secure", KeyFile: "/data/key"}, cfg.Persistence.Secure)
	assert.Equal(t, ":9100", cfg.Metrics.Listen)
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := LoadConfig("", nil)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "mqtt", cfg.Router.Protocol)
	assert.Equal(t, 30, cfg.MQTT.QueueCapacity)
	assert.Equal(t, 20*time.Second, cfg.MQTT.KeepAlive)
	assert.Equal(t, "%s/tasks/json", cfg.MQTT.TasksTopic)
	assert.Equal(t, "memory", cfg.Persistence.Tree.Type)
}

func TestLoadConfigFlagsOverrideFile(t *testing.T) {
	path := writeConfig(t, "router:\n  protocol: lwm2m\nlog:\n  level: warn\n")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.StringP("protocol", "p", "", "")
	flags.StringP("log-level", "v", "", "")
	require.NoError(t, flags.Parse([]string{"-p", "none"}))

	cfg, err := LoadConfig(path, flags)
	require.NoError(t, err)
	assert.Equal(t, "none", cfg.Router.Protocol)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.Error(t, err)

	path := writeConfig(t, "persistence:\n  tree:\n    type: file\n")
	_, err = LoadConfig(path, nil)
	assert.Error(t, err)

	path = writeConfig(t, "mqtt:\n  qos: 3\n")
	_, err = LoadConfig(path, nil)
	assert.Error(t, err)
}
