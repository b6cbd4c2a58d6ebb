package parser

import (
	"github.com/xtxerr/streamd/internal/protocol"
	"github.com/xtxerr/streamd/internal/registry"
)

// Relay forwards lines to an upstream parent.
type Relay interface {
	// Capabilities are those negotiated with the upstream.
	Capabilities() protocol.Capabilities

	// Enabled reports whether the upstream currently accepts data.
	Enabled() bool

	// Send queues one chunk of complete lines. It must not retain p and
	// reports whether the chunk was accepted.
	Send(p []byte) bool
}

// relayFor returns the upstream of h, or nil.
func (d *Dispatcher) relayFor(h *registry.Host) Relay {
	if d.cfg.Relays == nil || h == nil {
		return nil
	}
	return d.cfg.Relays(h)
}

// upstream returns the relay buffer, or nil when nothing is relayed.
func (d *Dispatcher) upstream() *protocol.Buffer {
	if d.relay == nil || !d.relay.Enabled() {
		return nil
	}
	// A reconnected upstream may have negotiated other encodings.
	if caps := d.relay.Capabilities(); d.out == nil || caps != d.outCaps {
		d.out = protocol.NewBuffer(caps)
		d.outCaps = caps
	}
	return d.out
}

// upstreamCaps returns the upstream's capabilities, or zero when nothing
// is relayed.
func (d *Dispatcher) upstreamCaps() protocol.Capabilities {
	if d.relay == nil {
		return 0
	}
	return d.relay.Capabilities()
}

// flushRelay sends what the relay buffer holds.
func (d *Dispatcher) flushRelay() {
	if d.out == nil || d.out.Len() == 0 {
		return
	}
	if d.relay != nil && !d.relay.Send(d.out.Bytes()) {
		d.anomalies.Warn("relay queue full, chunk dropped", "bytes", d.out.Len())
	}
	d.out.Reset()
}

// relayWords forwards a definition line, quoting every argument.
func (d *Dispatcher) relayWords(k protocol.Keyword, slot int, args ...string) {
	b := d.upstream()
	if b == nil {
		return
	}
	b.Keyword(k).Slot(slot)
	for _, a := range args {
		b.Quoted(a)
	}
	b.End()
	d.flushDefinition()
}

// flushDefinition sends a definition line unless a cycle is open.
// Definitions sent in the middle of a cycle travel with it.
func (d *Dispatcher) flushDefinition() {
	if d.cycle.kind == cycleNone {
		d.flushRelay()
	}
}
