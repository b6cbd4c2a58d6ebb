package stream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/xtxerr/streamd/internal/protocol"
	"github.com/xtxerr/streamd/internal/registry"
	"github.com/xtxerr/streamd/internal/storage/engine"
	"github.com/xtxerr/streamd/internal/storage/types"
	"github.com/xtxerr/streamd/internal/testutil"
)

const childGUID = "aaaaaaaa-1111-2222-3333-444444444444"

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	cfg := engine.DefaultConfig()
	cfg.BackfillWorkers = 1
	e, err := engine.Open(cfg)
	if err != nil {
		t.Fatalf("engine.Open: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return registry.New(e, registry.Options{LocalGUID: childGUID, Hostname: "child"})
}

// cpuChart defines sys.cpu with user and system, where system misses the
// sample ending at 1002.
func cpuChart(t *testing.T, reg *registry.Registry) *registry.Chart {
	t.Helper()
	ch, _ := reg.Localhost().CreateChart(registry.ChartDef{ID: "sys.cpu", Title: "CPU", Units: "%", UpdateEvery: 1})
	user, _ := ch.AddDimension(registry.DimensionDef{ID: "user"})
	system, _ := ch.AddDimension(registry.DimensionDef{ID: "system"})

	store := func(d *registry.Dimension, end int64, v float64) {
		if err := d.Series().Store(types.Sample{EndTime: end, UpdateEvery: 1, Value: v}); err != nil {
			t.Fatalf("Store: %v", err)
		}
	}
	store(user, 1001, 1)
	store(user, 1002, 2)
	store(user, 1003, 3)
	store(system, 1001, 10)
	store(system, 1003, 30)
	return ch
}

func TestAppendReplay(t *testing.T) {
	reg := testRegistry(t)
	cpuChart(t, reg)

	b := protocol.NewBuffer(0)
	req := ReplayRequest{Chart: "sys.cpu", After: 1000, Before: 1003}
	if err := AppendReplay(b, reg.Localhost(), req, 2000); err != nil {
		t.Fatalf("AppendReplay: %v", err)
	}

	want := []string{
		"RBEGIN 'sys.cpu'",
		"RBEGIN '' 1000 1001 2000",
		"RSET 'user' 1 ''",
		"RSET 'system' 10 ''",
		"RBEGIN '' 1001 1002 2000",
		"RSET 'user' 2 ''",
		"RSET 'system' '' 'E'",
		"RBEGIN '' 1002 1003 2000",
		"RSET 'user' 3 ''",
		"RSET 'system' 30 ''",
		"RDSTATE 'user' 0 0 0 0",
		"RDSTATE 'system' 0 0 0 0",
		"RSSTATE 0 0",
		"REND 1 1000 1003 false 1000 1003 2000",
	}
	got := strings.Split(strings.TrimSuffix(string(b.Bytes()), "\n"), "\n")
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("replay batch mismatch (-want +got):\n%s", diff)
	}
}

func TestAppendReplay_Window(t *testing.T) {
	reg := testRegistry(t)
	cpuChart(t, reg)

	b := protocol.NewBuffer(0)
	req := ReplayRequest{Chart: "sys.cpu", StartStreaming: true, After: 1002, Before: 1010}
	if err := AppendReplay(b, reg.Localhost(), req, 2000); err != nil {
		t.Fatalf("AppendReplay: %v", err)
	}
	out := string(b.Bytes())
	if strings.Contains(out, "RBEGIN '' 1000 1001") || strings.Contains(out, "RBEGIN '' 1001 1002") {
		t.Errorf("points at or before after were replayed:\n%s", out)
	}
	if !strings.Contains(out, "RBEGIN '' 1002 1003 2000\n") {
		t.Errorf("point ending at 1003 missing:\n%s", out)
	}
	if !strings.HasSuffix(out, "REND 1 1000 1003 true 1002 1010 2000\n") {
		t.Errorf("unexpected REND:\n%s", out)
	}
}

func TestAppendReplay_BusyChartSkipsState(t *testing.T) {
	reg := testRegistry(t)
	ch := cpuChart(t, reg)
	if !ch.Enter() {
		t.Fatal("Enter failed")
	}
	defer ch.Leave()

	b := protocol.NewBuffer(0)
	AppendReplay(b, reg.Localhost(), ReplayRequest{Chart: "sys.cpu", After: 1000, Before: 1003}, 2000)
	out := string(b.Bytes())
	if strings.Contains(out, "RDSTATE") || strings.Contains(out, "RSSTATE") {
		t.Errorf("collector state sent for a busy chart:\n%s", out)
	}
	if !strings.Contains(out, "REND ") {
		t.Errorf("batch not closed:\n%s", out)
	}
}

func TestAppendReplay_UnknownChart(t *testing.T) {
	reg := testRegistry(t)

	b := protocol.NewBuffer(0)
	err := AppendReplay(b, reg.Localhost(), ReplayRequest{Chart: "nope", After: 5, Before: 10}, 2000)
	if err == nil {
		t.Error("unknown chart should report an error")
	}
	want := "RBEGIN 'nope'\nREND 0 0 0 true 5 10 2000\n"
	if got := string(b.Bytes()); got != want {
		t.Errorf("answer = %q, want %q", got, want)
	}
}

func TestParseReplayRequest(t *testing.T) {
	req, err := ParseReplayRequest([]string{"sys.cpu", "true", "0x3e8", "1000"})
	if err != nil {
		t.Fatalf("ParseReplayRequest: %v", err)
	}
	want := ReplayRequest{Chart: "sys.cpu", StartStreaming: true, After: 1000, Before: 1000}
	if req != want {
		t.Errorf("request = %+v, want %+v", req, want)
	}

	for _, args := range [][]string{
		{"sys.cpu", "true", "1"},
		{"sys.cpu", "true", "x", "2"},
	} {
		if _, err := ParseReplayRequest(args); err == nil {
			t.Errorf("ParseReplayRequest(%q) should fail", args)
		}
	}
}

// =============================================================================
// Sender
// =============================================================================

// fakeParent is the parent end of a piped link.
type fakeParent struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func (p *fakeParent) line() string {
	p.t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	s, err := p.r.ReadString('\n')
	if err != nil {
		p.t.Fatalf("parent read: %v", err)
	}
	return strings.TrimSuffix(s, "\n")
}

// until reads lines up to and including the first one starting with prefix.
func (p *fakeParent) until(prefix string) []string {
	p.t.Helper()
	var lines []string
	for {
		l := p.line()
		lines = append(lines, l)
		if strings.HasPrefix(l, prefix) {
			return lines
		}
	}
}

func pipeDialer(conn net.Conn) (func(context.Context, string, string) (net.Conn, error), *atomic.Int32) {
	var dials atomic.Int32
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if dials.Add(1) > 1 {
			return nil, fmt.Errorf("dial %s: refused", addr)
		}
		return conn, nil
	}, &dials
}

func TestSender_Link(t *testing.T) {
	reg := testRegistry(t)
	cpuChart(t, reg)

	parentSide, childSide := net.Pipe()
	defer parentSide.Close()
	dial, _ := pipeDialer(childSide)

	cfg := DefaultSenderConfig()
	cfg.Destination = "parent:19999"
	cfg.Capabilities = protocol.CapV2 | protocol.CapReplication | protocol.CapLZ4
	cfg.ReconnectDelay = time.Hour
	cfg.Dial = dial
	cfg.Now = func() time.Time { return time.Unix(2000, 0) }
	s := NewSender(cfg, reg.Localhost())

	if s.Enabled() || s.Send([]byte("END2\n")) {
		t.Fatal("sender accepts data before connecting")
	}

	stop := testutil.Go(t, s.Run)

	p := &fakeParent{t: t, conn: parentSide, r: bufio.NewReader(parentSide)}
	hello, err := ParseHello(p.line())
	if err != nil {
		t.Fatalf("ParseHello: %v", err)
	}
	if hello.GUID != childGUID || hello.Hostname != "child" || hello.Capabilities != cfg.Capabilities {
		t.Errorf("hello = %+v", hello)
	}
	// The parent does not offer lz4, so the link stays uncompressed.
	if err := Accept(parentSide, protocol.CapV2|protocol.CapReplication|protocol.CapSlots); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	announced := p.until("CHART_DEFINITION_END")
	wantAnnounce := []string{
		"CHART 'sys.cpu' '' 'CPU' '%' '' '' '' '0' '1' '' '' ''",
		"DIMENSION 'user' 'user' 'absolute' '1' '1' ''",
		"DIMENSION 'system' 'system' 'absolute' '1' '1' ''",
		"CHART_DEFINITION_END 0x3e8 0x3eb 0x7d0",
	}
	if diff := cmp.Diff(wantAnnounce, announced); diff != "" {
		t.Errorf("announcement mismatch (-want +got):\n%s", diff)
	}

	testutil.WaitFor(t, "connected", s.Enabled)
	if got := s.Capabilities(); got != protocol.CapV2|protocol.CapReplication {
		t.Errorf("negotiated capabilities = %v", got)
	}

	if !s.Send([]byte("BEGIN2 'sys.cpu' 0x1 0x3ec #\nEND2\n")) {
		t.Fatal("Send refused while connected")
	}
	if got := p.until("END2"); len(got) != 2 || got[0] != "BEGIN2 'sys.cpu' 0x1 0x3ec #" {
		t.Errorf("relayed lines = %q", got)
	}

	if _, err := io.WriteString(parentSide, "REPLAY_CHART 'sys.cpu' 'true' 1002 1003\n"); err != nil {
		t.Fatalf("write request: %v", err)
	}
	answer := p.until("REND")
	if answer[0] != "RBEGIN 'sys.cpu'" || answer[len(answer)-1] != "REND 0x1 0x3e8 0x3eb true 0x3ea 0x3eb 0x7d0" {
		t.Errorf("replay answer = %q", answer)
	}

	if err := stop(); err != nil {
		t.Errorf("Run = %v", err)
	}
	if st := s.State(); st != StateClosed {
		t.Errorf("state after Run = %v, want closed", st)
	}
	if st := s.Stats(); st.Connects != 1 {
		t.Errorf("Connects = %d, want 1", st.Connects)
	}
}

func TestSender_Denied(t *testing.T) {
	reg := testRegistry(t)

	parentSide, childSide := net.Pipe()
	defer parentSide.Close()
	dial, dials := pipeDialer(childSide)

	cfg := DefaultSenderConfig()
	cfg.Destination = "parent:19999"
	cfg.ReconnectDelay = time.Millisecond
	cfg.Dial = dial
	s := NewSender(cfg, reg.Localhost())

	stop := testutil.Go(t, s.Run)

	p := &fakeParent{t: t, conn: parentSide, r: bufio.NewReader(parentSide)}
	p.line()
	Deny(parentSide, "busy")

	// The sender keeps redialing.
	testutil.WaitFor(t, "redial", func() bool { return dials.Load() >= 3 })
	if s.Enabled() {
		t.Error("denied sender is enabled")
	}
	stop()
}

func TestPool(t *testing.T) {
	reg := testRegistry(t)
	child, err := reg.DefineHost(registry.HostDef{GUID: "bbbbbbbb-1111-2222-3333-444444444444", Hostname: "grandchild"})
	if err != nil {
		t.Fatalf("DefineHost: %v", err)
	}

	cfg := DefaultSenderConfig()
	cfg.Destination = "parent:19999"
	cfg.ReconnectDelay = time.Hour
	var dials atomic.Int32
	cfg.Dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
		dials.Add(1)
		return nil, fmt.Errorf("dial %s: refused", addr)
	}
	pool := NewPool(cfg, 1)

	local := pool.For(reg.Localhost())
	if pool.For(reg.Localhost()) != local {
		t.Error("For returned a second sender for the same host")
	}

	stop := testutil.Go(t, pool.Run)

	// A sender created while running starts at once.
	pool.For(child)
	testutil.WaitFor(t, "both senders dialing", func() bool { return dials.Load() >= 2 })

	stats := pool.Stats()
	if len(stats) != 2 || stats[0].Host != "child" || stats[1].Host != "grandchild" {
		t.Errorf("Stats = %+v", stats)
	}

	if err := stop(); err != nil {
		t.Errorf("Run = %v", err)
	}
}

func TestPool_StatsWhileSendersDrain(t *testing.T) {
	reg := testRegistry(t)

	cfg := DefaultSenderConfig()
	cfg.Destination = "parent:19999"
	dialing := make(chan struct{})
	release := make(chan struct{})
	cfg.Dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
		close(dialing)
		<-release
		return nil, fmt.Errorf("dial %s: refused", addr)
	}
	pool := NewPool(cfg, 1)
	pool.For(reg.Localhost())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	<-dialing
	cancel()

	// The sender is stuck in its dial; the pool must still answer.
	err := testutil.WithTimeout(time.Second, func() error {
		if n := len(pool.Stats()); n != 1 {
			return fmt.Errorf("Stats returned %d senders", n)
		}
		pool.For(reg.Localhost())
		return nil
	})
	if err != nil {
		t.Errorf("pool blocked while its senders drain: %v", err)
	}

	close(release)
	if err := testutil.WithTimeout(5*time.Second, func() error { return <-done }); err != nil {
		t.Errorf("Run = %v", err)
	}
}
