package main

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

func parseArgs(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	app := newApp()

	var cfg *Config
	var cfgErr error
	app.Action = func(cctx *cli.Context) error {
		cfg, cfgErr = configFromCLI(cctx)
		return nil
	}
	require.NoError(t, app.Run(append([]string{"feedrelay"}, args...)))
	return cfg, cfgErr
}

func TestParseEndpoint(t *testing.T) {
	for endpoint, want := range map[string]string{
		"":                "0.0.0.0:34590",
		"4000":            "0.0.0.0:4000",
		":4000":           "0.0.0.0:4000",
		"127.0.0.1:4000":  "127.0.0.1:4000",
		"localhost:4000":  "localhost:4000",
		"[::1]:4000":      "[::1]:4000",
		" 10.0.0.1:4000 ": "10.0.0.1:4000",
	} {
		got, err := parseEndpoint(endpoint, defaultFeedPort)
		require.NoError(t, err, endpoint)
		require.Equal(t, want, got, endpoint)
	}
}

func TestParseEndpointMalformed(t *testing.T) {
	for _, endpoint := range []string{"host", "host:port", "127.0.0.1:0", "127.0.0.1:70000", ":-1", "a:b:c"} {
		_, err := parseEndpoint(endpoint, defaultFeedPort)
		require.Error(t, err, endpoint)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg, err := parseArgs(t)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:34580", cfg.WebAddr)
	require.Equal(t, []string{"0.0.0.0:34590"}, cfg.FeedAddrs)
	require.Equal(t, 64<<10, cfg.ReadBuffer)
	require.Equal(t, 256, cfg.SessionBuffer)
	require.Equal(t, 50, cfg.History)
	require.True(t, cfg.Metrics)
	require.False(t, cfg.TLS())
	require.Empty(t, cfg.RedisURL)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, "text", cfg.LogFormat)
}

func TestConfigFlags(t *testing.T) {
	cfg, err := parseArgs(t,
		"--webhost", "8080",
		"--feedhost", "127.0.0.1:9000",
		"--feedhost", ":9001",
		"--read-buffer", "1024",
		"--redis-url", "redis://localhost:6379/0",
		"--log-level", "DEBUG",
		"--log-format", "json",
		"--metrics=false",
	)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:8080", cfg.WebAddr)
	require.Equal(t, []string{"127.0.0.1:9000", "0.0.0.0:9001"}, cfg.FeedAddrs)
	require.Equal(t, 1024, cfg.ReadBuffer)
	require.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, "json", cfg.LogFormat)
	require.False(t, cfg.Metrics)
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("FEEDRELAY_WEBHOST", "127.0.0.1:8081")
	t.Setenv("FEEDRELAY_SESSION_BUFFER", "8")

	cfg, err := parseArgs(t)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:8081", cfg.WebAddr)
	require.Equal(t, 8, cfg.SessionBuffer)
}

func TestConfigValidationErrors(t *testing.T) {
	for name, args := range map[string][]string{
		"bad webhost":        {"--webhost", "nope"},
		"bad feedhost":       {"--feedhost", "127.0.0.1:99999"},
		"webhost bad host":   {"--webhost", "bad host:8080"},
		"feedhost bad host":  {"--feedhost", "under_score!:9000"},
		"zero read buffer":   {"--read-buffer", "0"},
		"zero history":       {"--history", "0"},
		"cert without key":   {"--tls-cert", "cert.pem"},
		"key without cert":   {"--tls-key", "key.pem"},
		"bad redis url":      {"--redis-url", "::not a url"},
		"unknown log level":  {"--log-level", "loud"},
		"unknown log format": {"--log-format", "xml"},
	} {
		cfg, err := parseArgs(t, args...)
		require.Error(t, err, name)
		require.Nil(t, cfg, name)
	}
}

func TestConfigIPv6Endpoints(t *testing.T) {
	cfg, err := parseArgs(t, "--webhost", "[::1]:8080", "--feedhost", "[::]:9000")
	require.NoError(t, err)
	require.Equal(t, "[::1]:8080", cfg.WebAddr)
	require.Equal(t, []string{"[::]:9000"}, cfg.FeedAddrs)
}

func TestConfigTLS(t *testing.T) {
	cfg, err := parseArgs(t, "--tls-cert", "cert.pem", "--tls-key", "key.pem")
	require.NoError(t, err)
	require.True(t, cfg.TLS())
}
