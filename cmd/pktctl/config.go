package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/pktlink/internal/protocol/session"
	"github.com/danmuck/pktlink/internal/sink"
)

type fileConfig struct {
	Addr                string  `toml:"addr"`
	ConnectTimeout      string  `toml:"connect_timeout"`
	ReadTimeout         string  `toml:"read_timeout"`
	WriteTimeout        string  `toml:"write_timeout"`
	AllowedCommands     []int64 `toml:"allowed_commands"`
	MaxConnectAttempts  int     `toml:"max_connect_attempts"`
	BackoffInitialDelay string  `toml:"backoff_initial_delay"`
	BackoffMultiplier   float64 `toml:"backoff_multiplier"`
	BackoffMaxDelay     string  `toml:"backoff_max_delay"`
	BackoffJitter       bool    `toml:"backoff_jitter"`
	SinkID              string  `toml:"sink_id"`
	SinkListenAddr      string  `toml:"sink_listen_addr"`
	SinkAdminAddr       string  `toml:"sink_admin_addr"`
	SinkEcho            bool    `toml:"sink_echo"`
	SinkHistory         int     `toml:"sink_history"`
	LogLevel            string  `toml:"log_level"`
}

// appConfig is the resolved CLI configuration.
type appConfig struct {
	Addr               string
	Session            session.Config
	MaxConnectAttempts int
	Sink               sink.Config
	LogLevel           string
}

func defaultAppConfig() appConfig {
	return appConfig{
		MaxConnectAttempts: 1,
		Session:            session.DefaultConfig(),
		Sink:               sink.DefaultConfig(),
	}
}

// loadConfig returns defaults when path is empty.
func loadConfig(path string) (appConfig, error) {
	cfg := defaultAppConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return appConfig{}, fmt.Errorf("load pktctl config: %w", err)
	}

	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"connect_timeout", raw.ConnectTimeout, &cfg.Session.ConnectTimeout},
		{"read_timeout", raw.ReadTimeout, &cfg.Session.ReadTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.Session.WriteTimeout},
		{"backoff_initial_delay", raw.BackoffInitialDelay, &cfg.Session.Backoff.InitialDelay},
		{"backoff_max_delay", raw.BackoffMaxDelay, &cfg.Session.Backoff.MaxDelay},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return appConfig{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}
	if meta.IsDefined("allowed_commands") {
		cmds := make([]uint8, 0, len(raw.AllowedCommands))
		for i, v := range raw.AllowedCommands {
			if v < 0 || v > 0xFF {
				return appConfig{}, fmt.Errorf("allowed_commands[%d]=%d out of byte range", i, v)
			}
			cmds = append(cmds, uint8(v))
		}
		cfg.Session.AllowedCommands = cmds
	}
	if meta.IsDefined("max_connect_attempts") {
		if raw.MaxConnectAttempts < 0 {
			return appConfig{}, fmt.Errorf("max_connect_attempts=%d must be >= 0", raw.MaxConnectAttempts)
		}
		cfg.MaxConnectAttempts = raw.MaxConnectAttempts
	}
	if meta.IsDefined("backoff_multiplier") {
		cfg.Session.Backoff.Multiplier = raw.BackoffMultiplier
	}
	if meta.IsDefined("backoff_jitter") {
		cfg.Session.Backoff.Jitter = raw.BackoffJitter
	}
	if meta.IsDefined("sink_id") {
		cfg.Sink.NodeID = strings.TrimSpace(raw.SinkID)
	}
	if meta.IsDefined("sink_listen_addr") {
		cfg.Sink.ListenAddr = strings.TrimSpace(raw.SinkListenAddr)
	}
	if meta.IsDefined("sink_admin_addr") {
		cfg.Sink.AdminAddr = strings.TrimSpace(raw.SinkAdminAddr)
	}
	if meta.IsDefined("sink_echo") {
		cfg.Sink.Echo = raw.SinkEcho
	}
	if meta.IsDefined("sink_history") {
		cfg.Sink.History = raw.SinkHistory
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return appConfig{}, fmt.Errorf("load pktctl config: unknown key %q", undecoded[0].String())
	}

	cfg.Session = cfg.Session.WithDefaults()
	cfg.Sink.Session = cfg.Session
	return cfg, nil
}
