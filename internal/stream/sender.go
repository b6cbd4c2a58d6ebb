// Package stream relays hosts to an upstream parent.
//
// A Sender owns the link of one host: it dials the parent, introduces
// the host with a handshake, announces every chart and then forwards the
// chunks its dispatchers queue. Lines coming back from the parent are
// replication requests, answered from local tier 0 storage. A lost link
// is redialed after a delay; what was queued for the old link is dropped
// and the parent catches up through replication.
package stream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/xtxerr/streamd/config"
	"github.com/xtxerr/streamd/internal/errors"
	"github.com/xtxerr/streamd/internal/logging"
	"github.com/xtxerr/streamd/internal/metrics"
	"github.com/xtxerr/streamd/internal/protocol"
	"github.com/xtxerr/streamd/internal/registry"
)

// maxRequestLine bounds a line received from the parent.
const maxRequestLine = 64 * 1024

// SenderConfig configures a sender.
type SenderConfig struct {
	// Destination is the parent's address.
	Destination string

	// Capabilities offered to the parent, including the codec bits.
	Capabilities protocol.Capabilities

	QueueSize      int
	ReconnectDelay time.Duration
	DialTimeout    time.Duration
	WriteTimeout   time.Duration

	// FlushInterval is the longest a queued chunk waits when no wakeup
	// arrives.
	FlushInterval time.Duration

	Thresholds Thresholds

	// Dial opens the connection. Defaults to a net.Dialer.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)

	// Now returns the wall clock. Defaults to time.Now.
	Now func() time.Time

	// dials bounds concurrent connects across a pool.
	dials *semaphore.Weighted
}

// DefaultSenderConfig returns default sender settings.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		Capabilities:   protocol.CapV1 | protocol.CapV2 | protocol.CapSlots | protocol.CapIEEE754 | protocol.CapReplication,
		QueueSize:      config.DefaultRelayQueueSize,
		ReconnectDelay: config.DefaultRelayReconnectDelay,
		DialTimeout:    10 * time.Second,
		WriteTimeout:   time.Minute,
		FlushInterval:  100 * time.Millisecond,
		Thresholds:     DefaultThresholds(),
	}
}

// Sender streams one host to the parent. It implements the relay a
// dispatcher forwards to.
type Sender struct {
	cfg       SenderConfig
	host      *registry.Host
	log       *slog.Logger
	anomalies *logging.Limited

	state    atomic.Int32
	caps     atomic.Uint32
	connects atomic.Int64

	queue    *Queue
	pressure *Pressure
	wake     chan struct{}
}

// NewSender creates a sender for host. Nothing is dialed until Run.
func NewSender(cfg SenderConfig, host *registry.Host) *Sender {
	def := DefaultSenderConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = def.Thresholds
	}
	if cfg.Dial == nil {
		var d net.Dialer
		cfg.Dial = d.DialContext
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &Sender{
		cfg:       cfg,
		host:      host,
		log:       logging.Component("stream").With("host", host.Hostname(), "destination", cfg.Destination),
		anomalies: logging.LimitedComponent("stream"),
		queue:     NewQueue(cfg.QueueSize),
		wake:      make(chan struct{}, 1),
	}
	s.pressure = NewPressure(cfg.Thresholds, s.queue)
	s.pressure.SetOnLevelChange(func(old, new Level) {
		s.log.Warn("upstream backpressure changed", "from", old, "to", new)
	})
	return s
}

// Host returns the host this sender streams.
func (s *Sender) Host() *registry.Host {
	return s.host
}

// =============================================================================
// Relay
// =============================================================================

// Capabilities returns those negotiated with the parent.
func (s *Sender) Capabilities() protocol.Capabilities {
	return protocol.Capabilities(s.caps.Load())
}

// Enabled reports whether the parent is connected and announced to.
func (s *Sender) Enabled() bool {
	return s.State() == StateConnected
}

// Send queues a chunk of complete lines. Chunks are dropped while the
// link is down or the queue is in emergency.
func (s *Sender) Send(p []byte) bool {
	if !s.Enabled() {
		return false
	}
	if s.pressure.Check() == LevelEmergency {
		s.pressure.RecordDrop()
		metrics.RelayDropped.Inc()
		return false
	}
	if !s.queue.Push(p) {
		s.pressure.RecordDrop()
		metrics.RelayDropped.Inc()
		return false
	}
	metrics.RelayBytes.Add(float64(len(p)))
	s.notify()
	return true
}

func (s *Sender) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// =============================================================================
// Link
// =============================================================================

// Run keeps the link to the parent up until ctx is done.
func (s *Sender) Run(ctx context.Context) error {
	defer s.finish()

	for {
		err := s.serve(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, errors.ErrDenied) {
			s.log.Warn("parent refused stream", "error", err, "retry_in", s.cfg.ReconnectDelay)
		} else {
			s.log.Warn("upstream link lost", "error", err, "retry_in", s.cfg.ReconnectDelay)
		}

		t := time.NewTimer(s.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// finish moves the sender to its terminal state.
func (s *Sender) finish() {
	if s.transitionFrom(StateConnected, StateClosing) {
		s.transitionFrom(StateClosing, StateClosed)
		return
	}
	s.transitionFrom(StateConnecting, StateDisconnected)
	s.transitionFrom(StateDisconnected, StateClosed)
}

// serve runs one connection to the parent.
func (s *Sender) serve(ctx context.Context) error {
	if err := s.transitionTo(StateConnecting); err != nil {
		return err
	}
	conn, br, caps, err := s.connect(ctx)
	if err != nil {
		s.transitionFrom(StateConnecting, StateDisconnected)
		return err
	}
	defer conn.Close()

	codec := Negotiate(caps)
	fw, err := NewFrameWriter(conn, codec)
	if err != nil {
		s.transitionFrom(StateConnecting, StateDisconnected)
		return err
	}
	defer fw.Close()

	if n := s.queue.Clear(); n > 0 {
		s.log.Debug("chunks of the previous link dropped", "chunks", n)
	}
	s.caps.Store(uint32(caps))

	if err := s.announce(conn, fw, caps); err != nil {
		s.transitionFrom(StateConnecting, StateDisconnected)
		return err
	}
	if err := s.transitionTo(StateConnected); err != nil {
		return err
	}
	s.connects.Add(1)
	s.log.Info("upstream connected", "capabilities", caps.String(), "compression", codec)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.writeLoop(gctx, conn, fw)
	})
	g.Go(func() error {
		return s.readLoop(br)
	})
	g.Go(func() error {
		<-gctx.Done()
		conn.Close()
		return nil
	})
	err = g.Wait()

	s.transitionFrom(StateConnected, StateDisconnected)
	return err
}

// connect dials the parent and performs the handshake. It returns the
// capabilities both sides share.
func (s *Sender) connect(ctx context.Context) (net.Conn, *bufio.Reader, protocol.Capabilities, error) {
	if s.cfg.dials != nil {
		if err := s.cfg.dials.Acquire(ctx, 1); err != nil {
			return nil, nil, 0, err
		}
		defer s.cfg.dials.Release(1)
	}

	dctx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()
	conn, err := s.cfg.Dial(dctx, "tcp", s.cfg.Destination)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("dial %s: %w", s.cfg.Destination, err)
	}

	conn.SetDeadline(time.Now().Add(s.cfg.DialTimeout))
	hello := Hello{
		GUID:         s.host.GUID(),
		Hostname:     s.host.Hostname(),
		Capabilities: s.cfg.Capabilities,
	}
	if _, err := io.WriteString(conn, hello.Line()); err != nil {
		conn.Close()
		return nil, nil, 0, fmt.Errorf("%w: write hello: %w", errors.ErrHandshake, err)
	}
	br := bufio.NewReader(conn)
	shared, err := ReadReply(br)
	if err != nil {
		conn.Close()
		return nil, nil, 0, err
	}
	conn.SetDeadline(time.Time{})

	return conn, br, shared.Intersect(s.cfg.Capabilities), nil
}

// announce sends the definition of every live chart of the host.
func (s *Sender) announce(conn net.Conn, fw *FrameWriter, caps protocol.Capabilities) error {
	b := protocol.NewBuffer(caps)
	now := s.cfg.Now().Unix()
	for _, ch := range s.host.Charts() {
		if ch.Obsolete() {
			continue
		}
		AppendDefinition(b, ch, now)
	}
	if b.Len() == 0 {
		return nil
	}

	conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if _, err := fw.Write(b.Bytes()); err != nil {
		return fmt.Errorf("announce charts: %w", err)
	}
	if err := fw.Flush(); err != nil {
		return fmt.Errorf("announce charts: %w", err)
	}
	metrics.RelayBytes.Add(float64(b.Len()))
	return nil
}

// writeLoop drains the queue into the connection.
func (s *Sender) writeLoop(ctx context.Context, conn net.Conn, fw *FrameWriter) error {
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	var batch []byte
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		case <-ticker.C:
		}

		chunks := s.queue.PopAll()
		if len(chunks) == 0 {
			continue
		}
		batch = batch[:0]
		for _, c := range chunks {
			batch = append(batch, c...)
		}

		conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		if _, err := fw.Write(batch); err != nil {
			return fmt.Errorf("write upstream: %w", err)
		}
		if err := fw.Flush(); err != nil {
			return fmt.Errorf("write upstream: %w", err)
		}
		s.pressure.Check()
	}
}

// readLoop answers the parent's replication requests.
func (s *Sender) readLoop(r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxRequestLine)

	var words []string
	for sc.Scan() {
		words = protocol.Split(sc.Text(), words[:0])
		if len(words) == 0 {
			continue
		}
		if k, ok := protocol.Lookup(words[0]); !ok || k != protocol.KeywordReplayChart {
			s.log.Debug("ignoring line from parent", "keyword", words[0])
			continue
		}
		s.replay(words[1:])
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read upstream: %w", err)
	}
	return fmt.Errorf("parent closed the stream: %w", io.EOF)
}

func (s *Sender) replay(args []string) {
	req, err := ParseReplayRequest(args)
	if err != nil {
		s.anomalies.Warn("malformed replication request", "error", err)
		return
	}

	b := protocol.NewBuffer(s.Capabilities())
	if err := AppendReplay(b, s.host, req, s.cfg.Now().Unix()); err != nil {
		s.anomalies.Warn("replication request not served from storage", "chart", req.Chart, "error", err)
	}
	// Answers bypass the emergency level; the parent waits for them.
	if !s.queue.Push(b.Bytes()) {
		s.anomalies.Warn("replication answer dropped", "chart", req.Chart, "error", errors.ErrQueueFull)
		metrics.RelayDropped.Inc()
		return
	}
	metrics.RelayBytes.Add(float64(b.Len()))
	s.notify()
}

// =============================================================================
// Stats
// =============================================================================

// SenderStats describes one sender.
type SenderStats struct {
	Host         string
	Destination  string
	State        State
	Capabilities protocol.Capabilities
	Connects     int64
	Queue        QueueStats
	Pressure     PressureStats
}

// Stats returns current statistics.
func (s *Sender) Stats() SenderStats {
	return SenderStats{
		Host:         s.host.Hostname(),
		Destination:  s.cfg.Destination,
		State:        s.State(),
		Capabilities: s.Capabilities(),
		Connects:     s.connects.Load(),
		Queue:        s.queue.Stats(),
		Pressure:     s.pressure.Stats(),
	}
}
