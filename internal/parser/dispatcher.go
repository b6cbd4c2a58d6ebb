// Package parser turns protocol lines into registry, storage and
// replication operations.
//
// One Dispatcher serves one connection. It owns the connection scope: the
// host and chart the following lines refer to, the open collection cycle
// and a pending multi-line payload. Lines are handled strictly in arrival
// order. A protocol violation disables the connection; anomalies such as
// out-of-order samples or replay windows outside the child's retention are
// logged through a rate limiter and the connection continues.
package parser

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/xtxerr/streamd/config"
	"github.com/xtxerr/streamd/internal/errors"
	"github.com/xtxerr/streamd/internal/logging"
	"github.com/xtxerr/streamd/internal/metrics"
	"github.com/xtxerr/streamd/internal/ml"
	"github.com/xtxerr/streamd/internal/protocol"
	"github.com/xtxerr/streamd/internal/registry"
	"github.com/xtxerr/streamd/internal/replication"
)

// maxPayloadSize bounds a captured JSON payload.
const maxPayloadSize = 16 << 20

// PayloadFunc receives a captured multi-line payload.
type PayloadFunc func(host *registry.Host, payload []byte) error

// Config configures a dispatcher.
type Config struct {
	// Registry resolves hosts, charts and dimensions. Required.
	Registry *registry.Registry

	// Host is the initial host scope. Defaults to the registry's localhost.
	Host *registry.Host

	// Replication handles CHART_DEFINITION_END and replay batches. When
	// nil those lines are accepted but ignored.
	Replication *replication.Controller

	// Relays returns the upstream of a host, or nil when the host is not
	// relayed. Optional.
	Relays func(host *registry.Host) Relay

	// Capabilities are those negotiated with the peer.
	Capabilities protocol.Capabilities

	// Repertoire is the set of keywords the peer may send. Defaults to
	// protocol.CollectorRepertoire.
	Repertoire protocol.Repertoire

	// NewDetector creates anomaly detectors for dimensions collected from
	// peers that do not run their own. Nil disables detection.
	NewDetector func() ml.Detector

	// Payloads receives JSON payloads by kind.
	Payloads map[string]PayloadFunc

	// MaxLineSize bounds one line in Run.
	MaxLineSize int

	// Now returns the wall clock. Defaults to time.Now.
	Now func() time.Time

	// Remote names the peer in log lines.
	Remote string
}

// Scope is what the next line refers to.
type Scope struct {
	Host        *registry.Host
	Chart       registry.ChartID
	LastCommand protocol.Keyword
}

type cycleKind uint8

const (
	cycleNone cycleKind = iota
	cycleV1
	cycleV2
	cycleReplay
	// cycleDiscard follows BEGIN on an obsolete chart. Its lines are
	// accepted and dropped.
	cycleDiscard
)

func (k cycleKind) String() string {
	switch k {
	case cycleV1:
		return "v1"
	case cycleV2:
		return "v2"
	case cycleReplay:
		return "replay"
	case cycleDiscard:
		return "discard"
	default:
		return "none"
	}
}

// cycle is an open collection or replay cycle. The chart stays entered
// until the cycle closes.
type cycle struct {
	kind  cycleKind
	chart *registry.Chart

	// v1
	elapsedUS int64

	// v2
	updateEvery int64
	endTime     int64
	wallClock   int64
	relayV1     bool
}

type capture struct {
	kind string
	buf  bytes.Buffer
}

// Dispatcher processes the lines of one connection.
//
// A Dispatcher is not safe for concurrent use.
type Dispatcher struct {
	cfg       Config
	reg       *registry.Registry
	log       *slog.Logger
	anomalies *logging.Limited

	scope    Scope
	cycle    cycle
	hostDef  *registry.HostDef

	// Slots are assigned by the peer, so they are scoped to this
	// connection: chart slots per host, dimension slots per chart.
	chartSlots map[*registry.Host]*registry.SlotTable[registry.ChartID]
	dimSlots   map[registry.ChartID]*registry.SlotTable[registry.DimensionID]

	capture  *capture
	args     []string
	relay    Relay
	out      *protocol.Buffer
	outCaps  protocol.Capabilities
	disabled bool
	closed   bool
}

// New creates a dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.Host == nil {
		cfg.Host = cfg.Registry.Localhost()
	}
	if cfg.Repertoire == 0 {
		cfg.Repertoire = protocol.CollectorRepertoire
	}
	if cfg.MaxLineSize <= 0 {
		cfg.MaxLineSize = config.DefaultMaxLineSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	log := logging.Component("parser")
	if cfg.Remote != "" {
		log = log.With("remote", cfg.Remote)
	}
	d := &Dispatcher{
		cfg:       cfg,
		reg:       cfg.Registry,
		log:       log,
		anomalies: logging.LimitedComponent("parser"),
		scope:     Scope{Host: cfg.Host},
		args:      make([]string, 0, 16),

		chartSlots: make(map[*registry.Host]*registry.SlotTable[registry.ChartID]),
		dimSlots:   make(map[registry.ChartID]*registry.SlotTable[registry.DimensionID]),
	}
	d.relay = d.relayFor(cfg.Host)
	return d
}

// Scope returns the current connection scope.
func (d *Dispatcher) Scope() Scope {
	return d.scope
}

// Disabled reports whether the connection has been disabled.
func (d *Dispatcher) Disabled() bool {
	return d.disabled
}

// Run reads lines from r until EOF, EXIT, a fatal error or ctx is done.
// The dispatcher is closed on return. EXIT and EOF return nil.
func (d *Dispatcher) Run(ctx context.Context, r io.Reader) error {
	defer d.Close()

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, min(4096, d.cfg.MaxLineSize)), d.cfg.MaxLineSize)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.Process(sc.Text()); err != nil {
			if errors.Is(err, errors.ErrStop) {
				return nil
			}
			return err
		}
	}
	if err := sc.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return d.result("", errors.NewProtocol("line", errors.ErrLineTooLong,
				fmt.Sprintf("limit %d bytes", d.cfg.MaxLineSize)))
		}
		return fmt.Errorf("read: %w", err)
	}
	return nil
}

// Process handles one line. It returns nil when the connection may
// continue, ErrStop after EXIT and an error wrapping ErrDisabled once the
// connection has been disabled.
func (d *Dispatcher) Process(line string) error {
	if d.disabled {
		return errors.ErrDisabled
	}
	if d.capture != nil {
		return d.result(line, d.captureLine(line))
	}

	d.args = protocol.Split(line, d.args[:0])
	if len(d.args) == 0 {
		return nil
	}

	k, ok := protocol.Lookup(d.args[0])
	var err error
	switch {
	case !ok:
		err = errors.NewProtocol(d.args[0], errors.ErrUnknownKeyword, "")
	case !d.cfg.Repertoire.Has(k):
		err = errors.NewProtocol(k.String(), errors.ErrNotAllowed, "")
	default:
		metrics.LinesProcessed.WithLabelValues(k.String()).Inc()
		err = d.execute(k, d.args[1:])
		d.scope.LastCommand = k
	}
	return d.result(line, err)
}

func (d *Dispatcher) execute(k protocol.Keyword, args []string) error {
	switch k {
	case protocol.KeywordHost:
		return d.host(args)
	case protocol.KeywordHostDefine:
		return d.hostDefine(args)
	case protocol.KeywordHostLabel:
		return d.hostLabel(args)
	case protocol.KeywordHostDefineEnd:
		return d.hostDefineEnd()
	case protocol.KeywordChart:
		return d.chart(args)
	case protocol.KeywordDimension:
		return d.dimension(args)
	case protocol.KeywordChartDefinitionEnd:
		return d.chartDefinitionEnd(args)
	case protocol.KeywordBegin:
		return d.begin(args)
	case protocol.KeywordSet:
		return d.set(args)
	case protocol.KeywordEnd:
		return d.end(args)
	case protocol.KeywordBegin2:
		return d.begin2(args)
	case protocol.KeywordSet2:
		return d.set2(args)
	case protocol.KeywordEnd2:
		return d.end2()
	case protocol.KeywordReplayChart:
		return errors.NewProtocol(k.String(), errors.ErrNotAllowed, "only parents send REPLAY_CHART")
	case protocol.KeywordReplayBegin:
		return d.replayBegin(args)
	case protocol.KeywordReplaySet:
		return d.replaySet(args)
	case protocol.KeywordReplayDimState:
		return d.replayDimState(args)
	case protocol.KeywordReplayChartState:
		return d.replayChartState(args)
	case protocol.KeywordReplayEnd:
		return d.replayEnd(args)
	case protocol.KeywordLabel:
		return d.label(args)
	case protocol.KeywordOverwrite:
		return d.overwrite()
	case protocol.KeywordChartLabel:
		return d.chartLabel(args)
	case protocol.KeywordChartLabelCommit:
		return d.chartLabelCommit()
	case protocol.KeywordVariable:
		return d.variable(args)
	case protocol.KeywordFlush:
		return d.flush()
	case protocol.KeywordDisable:
		return errors.ErrDisabled
	case protocol.KeywordExit:
		return errors.ErrStop
	case protocol.KeywordClaimedID:
		return d.claimedID(args)
	case protocol.KeywordJSON:
		return d.json(args)
	case protocol.KeywordJSONPayloadEnd:
		return errors.NewProtocol(k.String(), errors.ErrProtocol, "no payload open")
	}
	return errors.NewProtocol(k.String(), errors.ErrUnknownKeyword, "")
}

// result classifies a handler error and applies its consequence.
func (d *Dispatcher) result(line string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errors.ErrStop):
		d.log.Debug("peer requested exit")
		return errors.ErrStop
	case !errors.IsFatalForConnection(err):
		d.anomalies.Warn("line ignored", "remote", d.cfg.Remote, "line", truncate(line), "error", err)
		return nil
	}

	d.disabled = true
	metrics.ConnectionsDisabled.Inc()
	if err == errors.ErrDisabled {
		d.log.Info("peer disabled the connection")
		return errors.ErrDisabled
	}
	d.log.Error("connection disabled", "line", truncate(line), "error", err)
	return fmt.Errorf("%w: %w", errors.ErrDisabled, err)
}

// Close releases every chart the connection holds. It is safe to call
// more than once.
func (d *Dispatcher) Close() {
	if d.closed {
		return
	}
	d.closed = true
	if d.cycle.kind != cycleNone {
		d.log.Debug("releasing open cycle", "chart", d.cycle.chart.ID(), "kind", d.cycle.kind.String())
	}
	d.closeCycle()
	d.capture = nil
	if d.cfg.Replication != nil {
		d.cfg.Replication.Close()
	}
}

// =============================================================================
// Scope helpers
// =============================================================================

func (d *Dispatcher) openCycle(kind cycleKind, ch *registry.Chart) {
	d.cycle = cycle{kind: kind, chart: ch}
	d.scope.Chart = ch.Handle()
}

func (d *Dispatcher) closeCycle() {
	if d.cycle.chart != nil && d.cycle.kind != cycleDiscard {
		d.cycle.chart.Leave()
	}
	d.cycle = cycle{}
}

func (d *Dispatcher) requireCycle(keyword string, kind cycleKind) error {
	if d.cycle.kind != kind {
		return errors.NewProtocol(keyword, errors.ErrNotCollecting,
			fmt.Sprintf("open cycle is %s, want %s", d.cycle.kind, kind))
	}
	return nil
}

// scopeChart returns the chart in scope. With strict set obsolete charts
// are refused.
func (d *Dispatcher) scopeChart(keyword string, strict bool) (*registry.Chart, error) {
	if d.scope.Chart == 0 {
		return nil, errors.NewProtocol(keyword, errors.ErrNoChartScope, "")
	}
	if strict {
		return d.reg.Chart(d.scope.Chart)
	}
	ch := d.reg.ChartAny(d.scope.Chart)
	if ch == nil {
		return nil, errors.NewProtocol(keyword, errors.ErrNoChartScope, "")
	}
	return ch, nil
}

// chartSlotTable returns the chart slots this connection assigned on host.
func (d *Dispatcher) chartSlotTable(host *registry.Host) *registry.SlotTable[registry.ChartID] {
	t, ok := d.chartSlots[host]
	if !ok {
		t = &registry.SlotTable[registry.ChartID]{}
		d.chartSlots[host] = t
	}
	return t
}

// dimSlotTable returns the dimension slots this connection assigned in a
// chart.
func (d *Dispatcher) dimSlotTable(chart registry.ChartID) *registry.SlotTable[registry.DimensionID] {
	t, ok := d.dimSlots[chart]
	if !ok {
		t = &registry.SlotTable[registry.DimensionID]{}
		d.dimSlots[chart] = t
	}
	return t
}

// resolveChart finds a chart of the scope host through its slot, falling
// back to the id and caching the result in the slot. A slot naming a
// chart other than id is a miss.
func (d *Dispatcher) resolveChart(slot int, id string, strict bool) (*registry.Chart, error) {
	host := d.scope.Host
	if host == nil {
		return nil, errors.NewProtocol("chart", errors.ErrNoHostScope, "")
	}
	slots := d.chartSlotTable(host)
	if h, ok := slots.Get(slot); ok {
		if ch := d.reg.ChartAny(h); ch != nil && (id == "" || ch.ID() == id) {
			if strict {
				return d.reg.Chart(h)
			}
			return ch, nil
		}
	}

	var ch *registry.Chart
	var err error
	if strict {
		ch, err = host.Chart(id)
	} else {
		ch, err = host.ChartAny(id)
	}
	if err != nil {
		return nil, err
	}
	slots.Put(slot, ch.Handle())
	return ch, nil
}

// resolveDimension finds a dimension of ch through its slot or its id.
func (d *Dispatcher) resolveDimension(ch *registry.Chart, slot int, id string, strict bool) (*registry.Dimension, error) {
	slots := d.dimSlotTable(ch.Handle())
	if h, ok := slots.Get(slot); ok {
		if dim := d.reg.DimensionAny(h); dim != nil && dim.Chart() == ch.Handle() && (id == "" || dim.ID() == id) {
			if strict {
				return d.reg.Dimension(h)
			}
			return dim, nil
		}
	}

	var dim *registry.Dimension
	var err error
	if strict {
		dim, err = ch.Dimension(id)
	} else {
		dim, err = ch.DimensionAny(id)
	}
	if err != nil {
		return nil, err
	}
	slots.Put(slot, dim.Handle())
	return dim, nil
}

// =============================================================================
// Deferred payloads
// =============================================================================

func (d *Dispatcher) json(args []string) error {
	if len(args) < 1 || args[0] == "" {
		return errors.NewProtocol("JSON", errors.ErrMissingParam, "payload kind")
	}
	d.capture = &capture{kind: args[0]}
	return nil
}

func (d *Dispatcher) captureLine(line string) error {
	c := d.capture
	if strings.TrimSpace(line) != protocol.KeywordJSONPayloadEnd.String() {
		if c.buf.Len()+len(line) > maxPayloadSize {
			d.capture = nil
			return errors.NewProtocol("JSON", errors.ErrLineTooLong, "payload exceeds limit")
		}
		c.buf.WriteString(line)
		c.buf.WriteByte('\n')
		return nil
	}

	d.capture = nil
	fn, ok := d.cfg.Payloads[c.kind]
	if !ok {
		d.log.Debug("payload without consumer dropped", "kind", c.kind, "bytes", c.buf.Len())
		return nil
	}
	if err := fn(d.scope.Host, c.buf.Bytes()); err != nil {
		d.anomalies.Warn("payload rejected", "kind", c.kind, "error", err)
	}
	return nil
}

func truncate(line string) string {
	const limit = 200
	if len(line) <= limit {
		return line
	}
	return line[:limit] + "..."
}
