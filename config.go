package main

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/urfave/cli/v2"
)

const (
	defaultHost     = "0.0.0.0"
	defaultWebPort  = 34580
	defaultFeedPort = 34590
)

type Config struct {
	WebAddr   string   `validate:"required,hostname_port|tcp_addr"`
	FeedAddrs []string `validate:"min=1,dive,required,hostname_port|tcp_addr"`

	ReadBuffer    int `validate:"min=1,max=16777216"`
	SessionBuffer int `validate:"min=1"`
	History       int `validate:"min=1"`

	TLSCert string `validate:"required_with=TLSKey"`
	TLSKey  string `validate:"required_with=TLSCert"`

	RedisURL string `validate:"omitempty,url"`
	Metrics  bool

	LogLevel  string `validate:"oneof=debug info warn error"`
	LogFormat string `validate:"oneof=text json"`
}

func (c *Config) TLS() bool {
	return c.TLSCert != ""
}

// parseEndpoint accepts "port", "host:port" or ":port". A missing host
// means all interfaces.
func parseEndpoint(endpoint string, defaultPort int) (string, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return net.JoinHostPort(defaultHost, strconv.Itoa(defaultPort)), nil
	}

	host, port, err := net.SplitHostPort(endpoint)
	if err != nil {
		// given port only
		host, port = "", endpoint
	}
	if host == "" {
		host = defaultHost
	}

	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return "", fmt.Errorf("invalid endpoint %q: port must be a number between 1 and 65535", endpoint)
	}
	return net.JoinHostPort(host, strconv.Itoa(n)), nil
}

func configFromCLI(cctx *cli.Context) (*Config, error) {
	cfg := &Config{
		ReadBuffer:    cctx.Int("read-buffer"),
		SessionBuffer: cctx.Int("session-buffer"),
		History:       cctx.Int("history"),
		TLSCert:       cctx.String("tls-cert"),
		TLSKey:        cctx.String("tls-key"),
		RedisURL:      cctx.String("redis-url"),
		Metrics:       cctx.Bool("metrics"),
		LogLevel:      strings.ToLower(cctx.String("log-level")),
		LogFormat:     strings.ToLower(cctx.String("log-format")),
	}

	var err error
	cfg.WebAddr, err = parseEndpoint(cctx.String("webhost"), defaultWebPort)
	if err != nil {
		return nil, fmt.Errorf("--webhost: %w", err)
	}

	feedhosts := cctx.StringSlice("feedhost")
	if len(feedhosts) == 0 {
		feedhosts = []string{""}
	}
	for _, endpoint := range feedhosts {
		addr, err := parseEndpoint(endpoint, defaultFeedPort)
		if err != nil {
			return nil, fmt.Errorf("--feedhost: %w", err)
		}
		cfg.FeedAddrs = append(cfg.FeedAddrs, addr)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func setupLogging(level, format string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
