package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/pktlink/internal/logging"
	"github.com/danmuck/pktlink/internal/protocol/frame"
	"github.com/danmuck/pktlink/internal/protocol/session"
	"github.com/danmuck/pktlink/internal/sink"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// set at build time via -ldflags "-X main.version=x.y.z"
var version = "0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "pktctl: %v\n", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	logLevel   string
	cfg        appConfig
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "pktctl",
		Short:         "Send, receive and inspect fixed-header link packets",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logging.ConfigureRuntime()
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			level := cfg.LogLevel
			if strings.TrimSpace(opts.logLevel) != "" {
				level = opts.logLevel
			}
			if level != "" {
				lvl, ok := logging.ParseLevel(level)
				if !ok {
					return fmt.Errorf("unknown log level %q", level)
				}
				zerolog.SetGlobalLevel(lvl)
			}
			opts.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a TOML config file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "trace|debug|info|warn|error|off")

	root.AddCommand(
		newSendCmd(opts),
		newListenCmd(opts),
		newEncodeCmd(),
		newDecodeCmd(),
		newVersionCmd(),
	)
	return root
}

func newSendCmd(opts *rootOptions) *cobra.Command {
	var (
		pf           packetFlags
		addr         string
		timeout      time.Duration
		attempts     int
		waitReply    bool
		replyTimeout time.Duration
		linger       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Connect, send one packet, optionally wait for a reply, then disconnect",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, raw, err := pf.build()
			if err != nil {
				return err
			}
			cfg := opts.cfg
			if cmd.Flags().Changed("addr") {
				cfg.Addr = addr
			}
			if strings.TrimSpace(cfg.Addr) == "" {
				return errors.New("send: --addr or config addr required")
			}
			if cmd.Flags().Changed("timeout") {
				cfg.Session.ConnectTimeout = timeout
			}
			if cmd.Flags().Changed("attempts") {
				if attempts < 0 {
					return fmt.Errorf("send: --attempts must be >= 0, got %d", attempts)
				}
				cfg.MaxConnectAttempts = attempts
			}

			ctx := cmd.Context()
			c, err := session.DialWithBackoff(ctx, cfg.Addr, cfg.Session, cfg.MaxConnectAttempts)
			if err != nil {
				return err
			}
			defer c.Close()

			if raw {
				err = c.SendRaw(ctx, p)
			} else {
				err = c.Send(ctx, p)
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "sent %s\n", p)

			if waitReply {
				rctx, cancel := context.WithTimeout(ctx, replyTimeout)
				reply, err := c.Receive(rctx)
				cancel()
				if err != nil {
					return fmt.Errorf("wait reply: %w", err)
				}
				fmt.Fprintf(out, "received %s\n", reply)
			}

			if linger > 0 {
				timer := time.NewTimer(linger)
				defer timer.Stop()
				select {
				case <-ctx.Done():
				case <-timer.C:
				}
			}
			return c.Close()
		},
	}
	pf.bind(cmd)
	cmd.Flags().StringVar(&addr, "addr", "", "device address host:port")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "connect timeout")
	cmd.Flags().IntVar(&attempts, "attempts", 1, "connect attempts with backoff (0 retries until interrupted)")
	cmd.Flags().BoolVar(&waitReply, "wait-reply", false, "wait for one packet after sending")
	cmd.Flags().DurationVar(&replyTimeout, "reply-timeout", 5*time.Second, "how long --wait-reply waits")
	cmd.Flags().DurationVar(&linger, "linger", 0, "keep the connection open this long before closing")
	return cmd
}

func newListenCmd(opts *rootOptions) *cobra.Command {
	var (
		addr      string
		adminAddr string
		echo      bool
		history   int
	)
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Run a packet sink that logs (and optionally echoes) every packet",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg.Sink
			if cmd.Flags().Changed("addr") {
				cfg.ListenAddr = addr
			}
			if cmd.Flags().Changed("admin-addr") {
				cfg.AdminAddr = adminAddr
			}
			if cmd.Flags().Changed("echo") {
				cfg.Echo = echo
			}
			if cmd.Flags().Changed("history") {
				cfg.History = history
			}
			return sink.NewServer(cfg).Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config, 127.0.0.1:1000)")
	cmd.Flags().StringVar(&adminAddr, "admin-addr", "", "admin HTTP address for /health, /metrics, /packets")
	cmd.Flags().BoolVar(&echo, "echo", false, "echo every packet back to its sender")
	cmd.Flags().IntVar(&history, "history", 0, "recent packets kept for /packets")
	return cmd
}

func newEncodeCmd() *cobra.Command {
	var pf packetFlags
	cmd := &cobra.Command{
		Use:   "encode",
		Short: "Print the wire bytes of a packet",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, raw, err := pf.build()
			if err != nil {
				return err
			}
			var b []byte
			if raw {
				b, err = frame.EncodeRaw(p)
			} else {
				b, err = frame.Encode(p)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "% X\n", b)
			return nil
		},
	}
	pf.bind(cmd)
	return cmd
}

func newDecodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decode [hex]...",
		Short: "Decode concatenated packets from hex arguments, or raw bytes on stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if len(args) == 0 {
				return decodeStream(cmd.InOrStdin(), out)
			}
			buf, err := parseHexBytes(strings.Join(args, " "))
			if err != nil {
				return fmt.Errorf("parse hex: %w", err)
			}
			for len(buf) > 0 {
				p, n, err := frame.Decode(buf)
				if err != nil {
					return fmt.Errorf("%d trailing bytes: %w", len(buf), err)
				}
				fmt.Fprintln(out, p)
				buf = buf[n:]
			}
			return nil
		},
	}
}

// decodeStream prints packets read from r until a clean EOF.
func decodeStream(r io.Reader, out io.Writer) error {
	for n := 0; ; n++ {
		p, err := frame.ReadPacket(r)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("packet %d: %w", n, err)
		}
		fmt.Fprintln(out, p)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show pktctl version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "pktctl version %s\n", version)
			return nil
		},
	}
}
