package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swproxy/internal/swproxy"
)

func TestNewLogger(t *testing.T) {
	log, err := newLogger(swproxy.LoggingConfig{Level: "debug", Format: "json"})
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, log.Formatter)

	_, err = newLogger(swproxy.LoggingConfig{Level: "loud"})
	require.Error(t, err)
	_, err = newLogger(swproxy.LoggingConfig{Format: "xml"})
	require.Error(t, err)
}

func TestGenerationsCommands(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "db")
	cfgPath := filepath.Join(dir, "swproxy.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(fmt.Sprintf(`
server:
  origin: https://site.test
cache:
  generation: portfolio-v2
storage:
  type: leveldb
  path: %s
logging:
  level: error
`, dbPath)), 0o644))

	cfg, err := swproxy.LoadConfig(cfgPath)
	require.NoError(t, err)
	store, err := swproxy.OpenStore(cfg.Storage, nil)
	require.NoError(t, err)
	ctx := context.Background()
	for _, gen := range []string{"portfolio-v1", "portfolio-v2"} {
		require.NoError(t, store.Put(ctx, gen, "GET https://site.test/", swproxy.Snapshot{Status: 200, Body: []byte("x")}))
	}
	require.NoError(t, store.Close())

	run := func(args ...string) string {
		t.Helper()
		var out bytes.Buffer
		cmd := newRootCmd()
		cmd.SetOut(&out)
		cmd.SetErr(&out)
		cmd.SetArgs(append([]string{"--config", cfgPath}, args...))
		require.NoError(t, cmd.Execute(), out.String())
		return out.String()
	}

	out := run("generations", "list")
	assert.Contains(t, out, "portfolio-v1\t1\n")
	assert.Contains(t, out, "portfolio-v2\t1 (current)\n")

	out = run("generations", "purge")
	assert.Equal(t, "deleted portfolio-v1\n", out)

	out = run("generations", "list")
	assert.NotContains(t, out, "portfolio-v1")
}

func TestLoadConfigFlagOverrides(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "swproxy.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("server:\n  origin: https://site.test\n"), 0o644))

	v := viper.New()
	v.Set("config", cfgPath)
	v.Set("log-level", "warn")
	v.Set("log-format", "json")
	cfg, log, err := loadConfig(v)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, logrus.WarnLevel, log.GetLevel())

	t.Setenv("SWPROXY_CONFIG", cfgPath)
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"generations", "list"})
	err = cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configure leveldb or redis")
}
