// Package server accepts collector and child connections.
//
// Every connection gets its own goroutine and dispatcher. A connection
// whose first line is a stream hello belongs to a child agent: it is
// answered, switched to the negotiated codec and served with the receiver
// repertoire and a replication controller. Anything else is a local
// collector feeding localhost.
package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/streamd/config"
	"github.com/xtxerr/streamd/internal/errors"
	"github.com/xtxerr/streamd/internal/logging"
	"github.com/xtxerr/streamd/internal/metrics"
	"github.com/xtxerr/streamd/internal/ml"
	"github.com/xtxerr/streamd/internal/parser"
	"github.com/xtxerr/streamd/internal/protocol"
	"github.com/xtxerr/streamd/internal/registry"
	"github.com/xtxerr/streamd/internal/replication"
	"github.com/xtxerr/streamd/internal/stream"
)

var log = logging.Component("server")

// =============================================================================
// Rate Limiter for Disabled Connections
// =============================================================================

// RateLimiter counts connections disabled for protocol violations per IP
// address and time window. A peer over the limit is refused until its
// window expires.
//
// Flow:
//  1. Peer connects
//  2. Check IsBlocked() - if true, refuse
//  3. Serve the connection
//  4. If the dispatcher disabled it: call RecordFailure()
type RateLimiter struct {
	mu       sync.RWMutex
	failures map[string]*rateLimitEntry
	limit    int           // max disables before blocking
	window   time.Duration // time window for counting disables

	stop     chan struct{}
	stopOnce sync.Once
}

type rateLimitEntry struct {
	count     int       // number of disabled connections
	resetTime time.Time // when this entry expires
}

// NewRateLimiter creates a new rate limiter. A limit of zero or less
// never blocks.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		failures: make(map[string]*rateLimitEntry),
		limit:    limit,
		window:   window,
		stop:     make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// IsBlocked returns true if the IP has exceeded the disable limit.
func (rl *RateLimiter) IsBlocked(ip string) bool {
	if rl.limit <= 0 {
		return false
	}

	rl.mu.RLock()
	defer rl.mu.RUnlock()

	entry, ok := rl.failures[ip]
	if !ok {
		return false
	}

	if time.Now().After(entry.resetTime) {
		return false
	}

	return entry.count >= rl.limit
}

// RecordFailure records a disabled connection.
func (rl *RateLimiter) RecordFailure(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	entry, ok := rl.failures[ip]

	if !ok || now.After(entry.resetTime) {
		rl.failures[ip] = &rateLimitEntry{
			count:     1,
			resetTime: now.Add(rl.window),
		}
		return
	}

	entry.count++
}

// Reset clears the count of an IP.
func (rl *RateLimiter) Reset(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.failures, ip)
}

// GetFailureCount returns the current disable count for an IP.
func (rl *RateLimiter) GetFailureCount(ip string) int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	entry, ok := rl.failures[ip]
	if !ok {
		return 0
	}

	if time.Now().After(entry.resetTime) {
		return 0
	}

	return entry.count
}

// Stop ends the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stop:
			return
		}
	}
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for ip, entry := range rl.failures {
		if now.After(entry.resetTime) {
			delete(rl.failures, ip)
		}
	}
}

// =============================================================================
// Server Configuration
// =============================================================================

// Config holds server configuration.
type Config struct {
	// Registry receives everything the connections define (required).
	Registry *registry.Registry

	// Listen is the address to listen on (e.g., "0.0.0.0:19999").
	Listen string

	// TLS configuration (optional).
	TLSCertFile string
	TLSKeyFile  string

	// ReadTimeout drops a connection that stays silent this long.
	ReadTimeout time.Duration

	// MaxLineSize bounds one protocol line.
	MaxLineSize int

	// DisableLimit and DisableWindow refuse peers that keep getting
	// disabled.
	DisableLimit  int
	DisableWindow time.Duration

	// Capabilities accepted from children, codec bits included.
	Capabilities protocol.Capabilities

	// Replication configures the controller of child connections. Nil
	// leaves children without replication.
	Replication *replication.Config

	// Relays returns the upstream of a host. Optional.
	Relays func(host *registry.Host) parser.Relay

	// NewDetector creates anomaly detectors for collected dimensions.
	NewDetector func() ml.Detector

	// Payloads receives JSON payloads of children by kind.
	Payloads map[string]parser.PayloadFunc
}

// DefaultCapabilities is what a parent accepts from its children.
const DefaultCapabilities = protocol.CapV1 | protocol.CapV2 | protocol.CapSlots |
	protocol.CapIEEE754 | protocol.CapReplication | protocol.CapMLModels |
	protocol.CapLZ4 | protocol.CapZSTD

// =============================================================================
// Server
// =============================================================================

// Server accepts and serves inbound connections.
type Server struct {
	cfg      *Config
	reg      *registry.Registry
	listener net.Listener

	disableLimiter *RateLimiter

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup

	accepted atomic.Int64
	refused  atomic.Int64
	children atomic.Int64
}

// Stats holds server statistics.
type Stats struct {
	Active   int
	Accepted int64
	Refused  int64
	Children int64
}

// New creates a new server.
func New(cfg *Config) *Server {
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = config.DefaultReadTimeout
	}
	if cfg.MaxLineSize == 0 {
		cfg.MaxLineSize = config.DefaultMaxLineSize
	}
	if cfg.DisableWindow == 0 {
		cfg.DisableWindow = config.DefaultDisableWindow
	}
	if cfg.Capabilities == 0 {
		cfg.Capabilities = DefaultCapabilities
	}

	return &Server{
		cfg:            cfg,
		reg:            cfg.Registry,
		conns:          make(map[net.Conn]struct{}),
		disableLimiter: NewRateLimiter(cfg.DisableLimit, cfg.DisableWindow),
	}
}

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	var (
		ln  net.Listener
		err error
	)

	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		if err != nil {
			return fmt.Errorf("load TLS cert: %w", err)
		}
		tlsCfg := &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		ln, err = tls.Listen("tcp", s.cfg.Listen, tlsCfg)
		if err != nil {
			return fmt.Errorf("TLS listen: %w", err)
		}
		log.Info("listening with TLS", "address", s.cfg.Listen)
	} else {
		ln, err = net.Listen("tcp", s.cfg.Listen)
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		log.Info("listening without TLS", "address", s.cfg.Listen)
	}

	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then closes every
// open connection and waits for their goroutines.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer s.disableLimiter.Stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.shutdown()
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				s.shutdown()
				return err
			}
			log.Error("accept error", "error", err)
			continue
		}
		s.accepted.Add(1)

		s.track(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.track(conn, false)
			s.handleConn(ctx, conn)
		}()
	}
}

// shutdown closes every open connection and waits for their handlers.
func (s *Server) shutdown() {
	log.Info("shutting down")

	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	log.Info("shutdown complete")
}

func (s *Server) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if add {
		s.conns[conn] = struct{}{}
		metrics.ActiveConnections.Inc()
		return
	}
	delete(s.conns, conn)
	conn.Close()
	metrics.ActiveConnections.Dec()
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stats returns current statistics.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	active := len(s.conns)
	s.mu.Unlock()

	return Stats{
		Active:   active,
		Accepted: s.accepted.Load(),
		Refused:  s.refused.Load(),
		Children: s.children.Load(),
	}
}

// =============================================================================
// Connection Handling
// =============================================================================

// deadlineConn pushes the read deadline forward before every read.
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c deadlineConn) Read(p []byte) (int, error) {
	if c.timeout > 0 {
		c.Conn.SetReadDeadline(time.Now().Add(c.timeout))
	}
	return c.Conn.Read(p)
}

// handleConn serves one connection until it ends.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	remoteIP := extractIP(remote)

	log.Debug("connection from", "remote", remote)

	br := bufio.NewReaderSize(deadlineConn{Conn: conn, timeout: s.cfg.ReadTimeout}, 4096)
	first, err := readFirstLine(br, s.cfg.MaxLineSize)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			log.Debug("no first line", "remote", remote, "error", err)
		}
		return
	}

	isChild := stream.IsHello(first)
	if s.disableLimiter.IsBlocked(remoteIP) {
		s.refused.Add(1)
		log.Warn("refused after too many disabled connections", "remote", remote,
			"disabled", s.disableLimiter.GetFailureCount(remoteIP))
		if isChild {
			stream.Deny(conn, "too many protocol violations")
		}
		return
	}

	if isChild {
		err = s.serveChild(ctx, conn, br, first, remote)
	} else {
		err = s.serveCollector(ctx, br, first, remote)
	}

	switch {
	case err == nil, errors.Is(err, context.Canceled):
		log.Debug("connection closed", "remote", remote)
	case errors.Is(err, errors.ErrDisabled) && err != errors.ErrDisabled:
		s.disableLimiter.RecordFailure(remoteIP)
		log.Warn("connection disabled", "remote", remote, "error", err,
			"disabled", s.disableLimiter.GetFailureCount(remoteIP))
	default:
		log.Info("connection ended", "remote", remote, "error", err)
	}
}

// readFirstLine reads one line without its terminator.
func readFirstLine(br *bufio.Reader, limit int) (string, error) {
	var sb strings.Builder
	for {
		chunk, err := br.ReadSlice('\n')
		sb.Write(chunk)
		if sb.Len() > limit {
			return "", errors.NewProtocol("line", errors.ErrLineTooLong, fmt.Sprintf("limit %d bytes", limit))
		}
		if err == nil {
			break
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err == io.EOF && sb.Len() > 0 {
			break
		}
		return "", err
	}
	return strings.TrimRight(sb.String(), "\r\n"), nil
}

// serveCollector runs a local collector feeding localhost.
func (s *Server) serveCollector(ctx context.Context, r io.Reader, first, remote string) error {
	d := parser.New(parser.Config{
		Registry:    s.reg,
		Relays:      s.cfg.Relays,
		Repertoire:  protocol.CollectorRepertoire,
		NewDetector: s.cfg.NewDetector,
		MaxLineSize: s.cfg.MaxLineSize,
		Remote:      remote,
	})
	return s.dispatch(ctx, d, r, first)
}

// serveChild answers the hello of a child agent and runs its stream.
func (s *Server) serveChild(ctx context.Context, conn net.Conn, r io.Reader, first, remote string) error {
	hello, err := stream.ParseHello(first)
	if err != nil {
		stream.Deny(conn, err.Error())
		return err
	}
	if strings.EqualFold(hello.GUID, s.reg.Localhost().GUID()) {
		stream.Deny(conn, "machine guid is ours")
		return fmt.Errorf("%w: child %s claims our machine guid", errors.ErrDenied, hello.Hostname)
	}

	host, err := s.reg.DefineHost(registry.HostDef{GUID: hello.GUID, Hostname: hello.Hostname})
	if err != nil {
		stream.Deny(conn, err.Error())
		return err
	}

	shared := hello.Capabilities.Intersect(s.cfg.Capabilities)
	if s.cfg.Replication == nil {
		shared &^= protocol.CapReplication
	}
	if err := stream.Accept(conn, shared); err != nil {
		return err
	}

	fr, err := stream.NewFrameReader(r, stream.Negotiate(shared))
	if err != nil {
		return err
	}
	defer fr.Close()

	s.children.Add(1)
	log.Info("child connected", "remote", remote, "host", hello.Hostname, "guid", hello.GUID,
		"capabilities", shared.String())

	var ctrl *replication.Controller
	if shared.Has(protocol.CapReplication) {
		ctrl = replication.New(*s.cfg.Replication, s.reg.Engine(), protocol.NewWriter(conn))
	}

	d := parser.New(parser.Config{
		Registry:     s.reg,
		Host:         host,
		Replication:  ctrl,
		Relays:       s.cfg.Relays,
		Capabilities: shared,
		Repertoire:   protocol.ReceiverRepertoire,
		NewDetector:  s.cfg.NewDetector,
		Payloads:     s.cfg.Payloads,
		MaxLineSize:  s.cfg.MaxLineSize,
		Remote:       remote,
	})
	return s.dispatch(ctx, d, fr, "")
}

// dispatch feeds first, when set, and then the rest of r to d.
func (s *Server) dispatch(ctx context.Context, d *parser.Dispatcher, r io.Reader, first string) error {
	if first != "" {
		if err := d.Process(first); err != nil {
			d.Close()
			if errors.Is(err, errors.ErrStop) {
				return nil
			}
			return err
		}
	}
	return d.Run(ctx, r)
}

// extractIP extracts the IP address from a remote address string.
func extractIP(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}
