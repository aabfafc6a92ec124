package sink

import (
	"context"
	"encoding/hex"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/pktlink/internal/protocol/frame"
	"github.com/danmuck/pktlink/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

var ErrListenAddrRequired = errors.New("sink: listen address required")

// Config configures a packet sink.
type Config struct {
	NodeID     string
	ListenAddr string
	// AdminAddr enables the HTTP admin surface when set.
	AdminAddr string
	// Echo writes every received packet back to its sender.
	Echo bool
	// History bounds the recent-packet ring served at /packets.
	History int
	Session session.Config
}

func DefaultConfig() Config {
	return Config{
		NodeID:     "sink",
		ListenAddr: "127.0.0.1:1000",
		History:    64,
		Session:    session.DefaultConfig(),
	}
}

// Record is one observed packet.
type Record struct {
	Remote     string    `json:"remote"`
	Command    uint8     `json:"command"`
	Reserved   uint8     `json:"reserved"`
	Sequence   uint16    `json:"sequence"`
	Length     int       `json:"length"`
	Payload    string    `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
}

// Server accepts link connections and records every packet it decodes.
type Server struct {
	cfg     Config
	started time.Time

	mu      sync.Mutex
	recent  []Record
	clients map[*session.Client]struct{}

	active   atomic.Int64
	received atomic.Uint64
}

func NewServer(cfg Config) *Server {
	if cfg.History <= 0 {
		cfg.History = DefaultConfig().History
	}
	if strings.TrimSpace(cfg.NodeID) == "" {
		cfg.NodeID = DefaultConfig().NodeID
	}
	cfg.Session = cfg.Session.WithDefaults()
	return &Server{
		cfg:     cfg,
		started: time.Now(),
		clients: make(map[*session.Client]struct{}),
	}
}

// Run listens on cfg.ListenAddr (and cfg.AdminAddr if set) until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	addr := strings.TrimSpace(s.cfg.ListenAddr)
	if addr == "" {
		return ErrListenAddrRequired
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	log.Info().Str("node", s.cfg.NodeID).Str("addr", ln.Addr().String()).Bool("echo", s.cfg.Echo).Msg("sink listening")

	adminErr := make(chan error, 1)
	if admin := strings.TrimSpace(s.cfg.AdminAddr); admin != "" {
		go func() {
			adminErr <- s.ServeAdmin(ctx, admin)
		}()
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.Serve(ctx, ln)
	}()
	select {
	case err := <-serveErr:
		return err
	case err := <-adminErr:
		if err != nil {
			return err
		}
		return <-serveErr
	}
}

// Serve runs the accept loop on ln until ctx ends or ln fails.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	go func() {
		<-ctx.Done()
		s.closeAll()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		client := session.Wrap(conn, s.cfg.Session)
		s.track(client)
		go s.handle(ctx, client)
	}
}

func (s *Server) handle(ctx context.Context, c *session.Client) {
	defer s.untrack(c)
	defer c.Close()
	remote := c.RemoteAddr()
	active := s.active.Add(1)
	log.Info().Str("remote", remote).Int64("active", active).Msg("sink client connected")
	defer func() {
		remaining := s.active.Add(-1)
		log.Info().Str("remote", remote).Int64("active", remaining).Msg("sink client disconnected")
	}()

	for {
		p, err := c.Receive(ctx)
		if err != nil {
			if errors.Is(err, session.ErrMalformedPacket) {
				log.Warn().Str("remote", remote).Err(err).Msg("sink dropped packet")
				continue
			}
			if errors.Is(err, session.ErrTimedOut) && ctx.Err() == nil {
				log.Info().Str("remote", remote).Msg("sink client idle")
			}
			return
		}
		s.record(remote, p)
		log.Debug().Str("remote", remote).Stringer("packet", p).Msg("sink packet")

		if s.cfg.Echo {
			if err := c.Send(ctx, p); err != nil {
				log.Warn().Str("remote", remote).Err(err).Msg("sink echo failed")
				return
			}
		}
	}
}

func (s *Server) record(remote string, p frame.Packet) {
	s.received.Add(1)
	rec := Record{
		Remote:     remote,
		Command:    p.Command,
		Reserved:   p.Reserved,
		Sequence:   p.Sequence,
		Length:     len(p.Payload),
		Payload:    hex.EncodeToString(p.Payload),
		ReceivedAt: time.Now(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recent = append(s.recent, rec)
	if over := len(s.recent) - s.cfg.History; over > 0 {
		s.recent = append(s.recent[:0], s.recent[over:]...)
	}
}

// Recent returns the retained packet records, oldest first.
func (s *Server) Recent() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.recent))
	copy(out, s.recent)
	return out
}

// Received is the total packet count since start.
func (s *Server) Received() uint64 {
	return s.received.Load()
}

func (s *Server) ActiveClients() int64 {
	return s.active.Load()
}

func (s *Server) track(c *session.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) untrack(c *session.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c)
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		_ = c.Close()
	}
}
