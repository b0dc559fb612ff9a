package main

import (
	"bytes"
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestParseConfig_Defaults(t *testing.T) {
	cfg, err := parseConfig(nil, env(nil))
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8080", cfg.baseURL)
	assert.Equal(t, defaultScenarios, cfg.scenarios)
	assert.Equal(t, modeCreate, cfg.mode)
	assert.Equal(t, defaultJWTSecret, cfg.jwtSecret)
	assert.Equal(t, 5*time.Second, cfg.timeout)
}

func TestParseConfig_Flags(t *testing.T) {
	cfg, err := parseConfig([]string{
		"-url", "http://sales:8080", "-mode", "create-pay", "-cancel-rate", "25",
		"-duration", "30s", "-concurrency", "8", "-output", "out.json",
	}, env(map[string]string{envJWTSecret: "from-env"}))
	require.NoError(t, err)

	assert.Equal(t, modeCreatePay, cfg.mode)
	assert.Equal(t, 25, cfg.cancelRate)
	assert.Equal(t, 30*time.Second, cfg.duration)
	assert.Zero(t, cfg.scenarios)
	assert.Equal(t, "30s", cfg.target())
	assert.Equal(t, "from-env", cfg.jwtSecret)
	assert.Equal(t, "out.json", cfg.reportPath)
}

func TestParseConfig_SecretFlagWins(t *testing.T) {
	cfg, err := parseConfig([]string{"-jwt-secret", "flag"}, env(map[string]string{envJWTSecret: "env"}))
	require.NoError(t, err)
	assert.Equal(t, "flag", cfg.jwtSecret)
}

func TestParseConfig_Rejects(t *testing.T) {
	tests := map[string][]string{
		"mode":         {"-mode", "refund"},
		"total":        {"-total", "-1"},
		"duration":     {"-duration", "-1s"},
		"concurrency":  {"-concurrency", "0"},
		"timeout":      {"-timeout", "0s"},
		"cancel rate":  {"-cancel-rate", "101"},
		"empty course": {"-course", " "},
		"unknown flag": {"-bogus"},
	}
	for name, args := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := parseConfig(args, env(nil))
			assert.Error(t, err)
		})
	}

	_, err := parseConfig([]string{"-h"}, env(nil))
	assert.ErrorIs(t, err, flag.ErrHelp)
}

func TestConfigTarget(t *testing.T) {
	assert.Equal(t, "10 scenarios", config{scenarios: 10}.target())
	assert.Equal(t, "1m0s or 10 scenarios", config{scenarios: 10, duration: time.Minute}.target())
}

func TestExecute_AgainstFakeAPI(t *testing.T) {
	_, srv := newFakeSalesAPI(t, "load-secret")
	report := filepath.Join(t.TempDir(), "report.json")

	var out bytes.Buffer
	code := execute([]string{
		"-url", srv.URL, "-mode", "create-pay", "-total", "6", "-concurrency", "3", "-output", report,
	}, env(map[string]string{envJWTSecret: "load-secret"}), &out)

	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), "scenarios: 6 ok, 0 failed")
	_, err := os.Stat(report)
	assert.NoError(t, err)
}

func TestExecute_ExitCodes(t *testing.T) {
	_, srv := newFakeSalesAPI(t, "load-secret")
	var out bytes.Buffer

	assert.Equal(t, 2, execute([]string{"-mode", "nope"}, env(nil), &out))
	assert.Equal(t, 0, execute([]string{"-help"}, env(nil), &out))
	// неверный секрет: каждый сценарий получает 401
	assert.Equal(t, 1, execute([]string{"-url", srv.URL, "-total", "2"}, env(nil), &out))
}
