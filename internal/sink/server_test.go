package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/danmuck/pktlink/internal/protocol/frame"
	"github.com/danmuck/pktlink/internal/protocol/session"
	"github.com/danmuck/pktlink/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
)

var samplePacket = frame.Packet{Command: 0x1B, Sequence: 0x0024, Payload: []byte{0x01, 0x02, 0x03, 0x04}}

func startSink(t *testing.T, cfg Config) (*Server, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := NewServer(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("serve exit: %v", err)
		}
	})
	return srv, ln.Addr().String()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestSinkRecordsPackets(t *testing.T) {
	testlog.Start(t)

	cfg := DefaultConfig()
	cfg.History = 2
	srv, addr := startSink(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := session.Dial(ctx, addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	for seq := uint16(1); seq <= 3; seq++ {
		p := samplePacket
		p.Sequence = seq
		if err := c.Send(ctx, p); err != nil {
			t.Fatalf("send seq=%d: %v", seq, err)
		}
	}
	waitFor(t, func() bool { return srv.Received() == 3 })

	recent := srv.Recent()
	if len(recent) != 2 {
		t.Fatalf("history must be bounded to 2, got %d", len(recent))
	}
	if recent[0].Sequence != 2 || recent[1].Sequence != 3 {
		t.Fatalf("unexpected retained sequences: %+v", recent)
	}
	if recent[1].Payload != "01020304" || recent[1].Length != 4 || recent[1].Command != 0x1B {
		t.Fatalf("unexpected record: %+v", recent[1])
	}
}

func TestSinkEcho(t *testing.T) {
	testlog.Start(t)

	cfg := DefaultConfig()
	cfg.Echo = true
	_, addr := startSink(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := session.Dial(ctx, addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	if err := c.Send(ctx, samplePacket); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, err := c.Receive(ctx)
	if err != nil {
		t.Fatalf("receive echo: %v", err)
	}
	if got.Command != samplePacket.Command || got.Sequence != samplePacket.Sequence || !bytes.Equal(got.Payload, samplePacket.Payload) {
		t.Fatalf("echo mismatch: got=%s want=%s", got, samplePacket)
	}
}

func TestSinkShutdownClosesClients(t *testing.T) {
	testlog.Start(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := NewServer(DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(ctx, ln)
	}()

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer dialCancel()
	c, err := session.Dial(dialCtx, ln.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	waitFor(t, func() bool { return srv.ActiveClients() == 1 })

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("serve exit: %v", err)
	}
	waitFor(t, func() bool { return srv.ActiveClients() == 0 })
}

func TestAdminRoutes(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)

	srv := NewServer(Config{NodeID: "sink-test", History: 4})
	srv.record("127.0.0.1:5000", samplePacket)
	srv.record("127.0.0.1:5000", frame.Packet{Command: 0x15, Sequence: 2})
	r := srv.Router()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("health status: %d", w.Code)
	}
	var health map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health["node"] != "sink-test" || health["received"] != float64(2) {
		t.Fatalf("unexpected health body: %v", health)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/packets?limit=1", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("packets status: %d", w.Code)
	}
	var body struct {
		Packets []Record `json:"packets"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode packets: %v", err)
	}
	if len(body.Packets) != 1 || body.Packets[0].Command != 0x15 {
		t.Fatalf("unexpected packets: %+v", body.Packets)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/packets?limit=x", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request for invalid limit, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte("pktlink_http_requests_total")) {
		t.Fatalf("metrics endpoint missing http counters: code=%d", w.Code)
	}
}

func TestRunRequiresListenAddr(t *testing.T) {
	testlog.Start(t)

	srv := NewServer(Config{})
	if err := srv.Run(context.Background()); err != ErrListenAddrRequired {
		t.Fatalf("expected ErrListenAddrRequired, got %v", err)
	}
}
