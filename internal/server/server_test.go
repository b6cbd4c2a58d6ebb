package server

import (
	"bufio"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/xtxerr/streamd/internal/errors"
	"github.com/xtxerr/streamd/internal/protocol"
	"github.com/xtxerr/streamd/internal/registry"
	"github.com/xtxerr/streamd/internal/replication"
	"github.com/xtxerr/streamd/internal/storage/engine"
	"github.com/xtxerr/streamd/internal/storage/types"
	"github.com/xtxerr/streamd/internal/stream"
	"github.com/xtxerr/streamd/internal/testutil"
)

const (
	parentGUID = "11111111-2222-3333-4444-555555555555"
	childGUID  = "aaaaaaaa-1111-2222-3333-444444444444"
)

func testRegistry(t *testing.T, guid, hostname string) *registry.Registry {
	t.Helper()
	cfg := engine.DefaultConfig()
	cfg.BackfillWorkers = 1
	e, err := engine.Open(cfg)
	if err != nil {
		t.Fatalf("engine.Open: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return registry.New(e, registry.Options{LocalGUID: guid, Hostname: hostname})
}

// startServer serves on a loopback port until the test ends.
func startServer(t *testing.T, reg *registry.Registry, mutate func(*Config)) (*Server, string) {
	t.Helper()
	rc := replication.DefaultConfig()
	cfg := &Config{
		Registry:     reg,
		ReadTimeout:  5 * time.Second,
		DisableLimit: 3,
		Replication:  &rc,
	}
	if mutate != nil {
		mutate(cfg)
	}
	srv := New(cfg)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	testutil.Go(t, func(ctx context.Context) error { return srv.Serve(ctx, ln) })
	return srv, ln.Addr().String()
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	t.Cleanup(func() { conn.Close() })
	return conn
}

// =============================================================================
// RateLimiter
// =============================================================================

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	defer rl.Stop()

	if rl.IsBlocked("10.0.0.1") {
		t.Error("unknown IP is blocked")
	}
	rl.RecordFailure("10.0.0.1")
	if rl.IsBlocked("10.0.0.1") {
		t.Error("blocked after one failure")
	}
	rl.RecordFailure("10.0.0.1")
	if !rl.IsBlocked("10.0.0.1") {
		t.Error("not blocked at the limit")
	}
	if rl.IsBlocked("10.0.0.2") {
		t.Error("other IP is blocked")
	}
	if n := rl.GetFailureCount("10.0.0.1"); n != 2 {
		t.Errorf("GetFailureCount = %d, want 2", n)
	}

	rl.Reset("10.0.0.1")
	if rl.IsBlocked("10.0.0.1") {
		t.Error("blocked after Reset")
	}
}

func TestRateLimiter_WindowExpires(t *testing.T) {
	rl := NewRateLimiter(1, 10*time.Millisecond)
	defer rl.Stop()

	rl.RecordFailure("10.0.0.1")
	if !rl.IsBlocked("10.0.0.1") {
		t.Fatal("not blocked at the limit")
	}
	time.Sleep(20 * time.Millisecond)
	if rl.IsBlocked("10.0.0.1") {
		t.Error("still blocked after the window")
	}
	rl.cleanup()
	if n := rl.GetFailureCount("10.0.0.1"); n != 0 {
		t.Errorf("GetFailureCount after cleanup = %d", n)
	}
}

func TestRateLimiter_NoLimit(t *testing.T) {
	rl := NewRateLimiter(0, time.Minute)
	defer rl.Stop()
	rl.RecordFailure("10.0.0.1")
	if rl.IsBlocked("10.0.0.1") {
		t.Error("limit 0 must never block")
	}
}

// =============================================================================
// Collectors
// =============================================================================

func TestServer_Collector(t *testing.T) {
	reg := testRegistry(t, parentGUID, "parent")
	srv, addr := startServer(t, reg, nil)

	conn := dial(t, addr)
	io.WriteString(conn, "CHART sys.load '' 'Load' 'load' '' '' line 100 1\n"+
		"DIMENSION load1 '' absolute 1 1\n"+
		"EXIT\n")

	// The server closes the connection after EXIT.
	if _, err := io.ReadAll(conn); err != nil {
		t.Fatalf("read until close: %v", err)
	}

	ch, err := reg.Localhost().Chart("sys.load")
	if err != nil {
		t.Fatalf("chart not defined on localhost: %v", err)
	}
	if _, err := ch.Dimension("load1"); err != nil {
		t.Errorf("dimension not defined: %v", err)
	}
	testutil.WaitFor(t, "connection released", func() bool { return srv.Stats().Active == 0 })
	if st := srv.Stats(); st.Accepted != 1 || st.Children != 0 {
		t.Errorf("Stats = %+v", st)
	}
}

func TestServer_DisabledPeersAreRefused(t *testing.T) {
	reg := testRegistry(t, parentGUID, "parent")
	srv, addr := startServer(t, reg, func(c *Config) { c.DisableLimit = 1 })

	conn := dial(t, addr)
	io.WriteString(conn, "BOGUS keyword\n")
	io.ReadAll(conn)

	conn = dial(t, addr)
	hello := stream.Hello{GUID: childGUID, Hostname: "child", Capabilities: protocol.CapV2}
	io.WriteString(conn, hello.Line())
	if _, err := stream.ReadReply(bufio.NewReader(conn)); !errors.Is(err, errors.ErrDenied) {
		t.Errorf("ReadReply = %v, want ErrDenied", err)
	}
	if st := srv.Stats(); st.Refused != 1 {
		t.Errorf("Refused = %d, want 1", st.Refused)
	}
}

// =============================================================================
// Children
// =============================================================================

func TestServer_ChildHandshake(t *testing.T) {
	reg := testRegistry(t, parentGUID, "parent")
	_, addr := startServer(t, reg, nil)

	conn := dial(t, addr)
	hello := stream.Hello{
		GUID:         childGUID,
		Hostname:     "child",
		Capabilities: protocol.CapV2 | protocol.CapReplication | protocol.CapZSTD,
	}
	io.WriteString(conn, hello.Line())

	caps, err := stream.ReadReply(bufio.NewReader(conn))
	if err != nil {
		t.Fatalf("ReadReply: %v", err)
	}
	if caps != hello.Capabilities {
		t.Errorf("shared capabilities = %v, want %v", caps, hello.Capabilities)
	}
	host, err := reg.Host(childGUID)
	if err != nil {
		t.Fatalf("child host not defined: %v", err)
	}
	if host.Hostname() != "child" {
		t.Errorf("hostname = %q", host.Hostname())
	}
}

func TestServer_ChildWithoutReplication(t *testing.T) {
	reg := testRegistry(t, parentGUID, "parent")
	_, addr := startServer(t, reg, func(c *Config) { c.Replication = nil })

	conn := dial(t, addr)
	hello := stream.Hello{GUID: childGUID, Hostname: "child", Capabilities: protocol.CapV2 | protocol.CapReplication}
	io.WriteString(conn, hello.Line())
	caps, err := stream.ReadReply(bufio.NewReader(conn))
	if err != nil {
		t.Fatalf("ReadReply: %v", err)
	}
	if caps.Has(protocol.CapReplication) {
		t.Errorf("replication offered without a controller: %v", caps)
	}
}

func TestServer_ChildDenied(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"bad guid", "STREAM not-a-guid 'child' v2\n"},
		{"our guid", "STREAM " + parentGUID + " 'impostor' v2\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := testRegistry(t, parentGUID, "parent")
			_, addr := startServer(t, reg, nil)

			conn := dial(t, addr)
			io.WriteString(conn, tt.line)
			if _, err := stream.ReadReply(bufio.NewReader(conn)); !errors.Is(err, errors.ErrDenied) {
				t.Errorf("ReadReply = %v, want ErrDenied", err)
			}
		})
	}
}

// TestServer_ChildReplicates runs a real sender against the server: the
// parent learns the chart from the announcement and replicates the
// child's history.
func TestServer_ChildReplicates(t *testing.T) {
	parent := testRegistry(t, parentGUID, "parent")
	_, addr := startServer(t, parent, nil)

	child := testRegistry(t, childGUID, "child")
	ch, _ := child.Localhost().CreateChart(registry.ChartDef{ID: "sys.cpu", Title: "CPU", Units: "%", UpdateEvery: 1})
	user, _ := ch.AddDimension(registry.DimensionDef{ID: "user"})
	base := time.Now().Unix() - 10
	for i := int64(1); i <= 3; i++ {
		if err := user.Series().Store(types.Sample{EndTime: base + i, UpdateEvery: 1, Value: float64(i)}); err != nil {
			t.Fatalf("Store: %v", err)
		}
	}

	cfg := stream.DefaultSenderConfig()
	cfg.Destination = addr
	cfg.Capabilities |= protocol.CapZSTD
	cfg.ReconnectDelay = time.Hour
	sender := stream.NewSender(cfg, child.Localhost())

	stop := testutil.Go(t, sender.Run)
	defer stop()

	testutil.WaitFor(t, "sender connected", sender.Enabled)

	var dim *registry.Dimension
	testutil.WaitFor(t, "chart replicated", func() bool {
		host, err := parent.Host(childGUID)
		if err != nil {
			return false
		}
		pc, err := host.Chart("sys.cpu")
		if err != nil {
			return false
		}
		dim, err = pc.Dimension("user")
		return err == nil && dim.Series().LastTime(0) == base+3
	})

	p, ok := dim.Series().At(0, base+2)
	if !ok || p.Average() != 2 {
		t.Errorf("replicated point at %d = %+v, %v", base+2, p, ok)
	}
	if got := sender.Capabilities(); !got.Has(protocol.CapZSTD) || !got.Has(protocol.CapReplication) {
		t.Errorf("negotiated capabilities = %v", got)
	}
}
