package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/pktlink/internal/testutil/testlog"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pktctl.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaultsWithoutPath(t *testing.T) {
	testlog.Start(t)

	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.MaxConnectAttempts != 1 {
		t.Fatalf("unexpected attempts: %d", cfg.MaxConnectAttempts)
	}
	if cfg.Session.ConnectTimeout != 5*time.Second {
		t.Fatalf("unexpected connect timeout: %v", cfg.Session.ConnectTimeout)
	}
	if cfg.Sink.ListenAddr != "127.0.0.1:1000" {
		t.Fatalf("unexpected sink listen: %q", cfg.Sink.ListenAddr)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	testlog.Start(t)

	path := writeConfig(t, `
addr = "192.168.1.43:1000"
connect_timeout = "2s"
read_timeout = "750ms"
write_timeout = "1s"
allowed_commands = [27, 21]
max_connect_attempts = 4
backoff_initial_delay = "100ms"
backoff_multiplier = 1.5
backoff_max_delay = "2s"
backoff_jitter = false
sink_id = "bench-sink"
sink_listen_addr = ":1000"
sink_admin_addr = "127.0.0.1:9090"
sink_echo = true
sink_history = 16
log_level = "debug"
`)
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Addr != "192.168.1.43:1000" {
		t.Fatalf("unexpected addr: %q", cfg.Addr)
	}
	if cfg.Session.ConnectTimeout != 2*time.Second || cfg.Session.ReadTimeout != 750*time.Millisecond || cfg.Session.WriteTimeout != time.Second {
		t.Fatalf("unexpected timeouts: %+v", cfg.Session)
	}
	if len(cfg.Session.AllowedCommands) != 2 || cfg.Session.AllowedCommands[0] != 0x1B || cfg.Session.AllowedCommands[1] != 0x15 {
		t.Fatalf("unexpected allowed commands: %v", cfg.Session.AllowedCommands)
	}
	if cfg.MaxConnectAttempts != 4 {
		t.Fatalf("unexpected attempts: %d", cfg.MaxConnectAttempts)
	}
	b := cfg.Session.Backoff
	if b.InitialDelay != 100*time.Millisecond || b.Multiplier != 1.5 || b.MaxDelay != 2*time.Second || b.Jitter {
		t.Fatalf("unexpected backoff: %+v", b)
	}
	if cfg.Sink.NodeID != "bench-sink" || cfg.Sink.ListenAddr != ":1000" || cfg.Sink.AdminAddr != "127.0.0.1:9090" {
		t.Fatalf("unexpected sink: %+v", cfg.Sink)
	}
	if !cfg.Sink.Echo || cfg.Sink.History != 16 {
		t.Fatalf("unexpected sink echo/history: %+v", cfg.Sink)
	}
	if len(cfg.Sink.Session.AllowedCommands) != 2 {
		t.Fatalf("sink must inherit session config: %+v", cfg.Sink.Session)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("unexpected log level: %q", cfg.LogLevel)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	testlog.Start(t)

	cases := map[string]string{
		"bad duration":      `connect_timeout = "soon"`,
		"command range":     `allowed_commands = [300]`,
		"unknown key":       `adress = "typo:1000"`,
		"invalid toml":      `addr = `,
		"negative command":  `allowed_commands = [-1]`,
		"negative attempts": `max_connect_attempts = -1`,
	}
	for name, body := range cases {
		if _, err := loadConfig(writeConfig(t, body)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	if _, err := loadConfig(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("missing file: expected error")
	}
}
