package protocol

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/xtxerr/streamd/internal/storage/types"
)

// Buffer builds protocol lines for a peer with a given capability set.
// Numbers are rendered in the peer's encodings and slot words are only
// written when the peer understands them.
//
// A Buffer is not safe for concurrent use.
type Buffer struct {
	b       []byte
	ints    Encoding
	doubles Encoding
	slots   bool
}

// NewBuffer returns a buffer rendering for a peer with caps.
func NewBuffer(caps Capabilities) *Buffer {
	return &Buffer{
		ints:    caps.IntegerEncoding(),
		doubles: caps.DoubleEncoding(),
		slots:   caps.Has(CapSlots),
	}
}

// Keyword starts a new line.
func (b *Buffer) Keyword(k Keyword) *Buffer {
	b.b = append(b.b, k.String()...)
	return b
}

// Slot appends a SLOT word if the peer supports slots and slot is set.
func (b *Buffer) Slot(slot int) *Buffer {
	if !b.slots || slot < 0 {
		return b
	}
	b.b = append(b.b, ' ')
	b.b = append(b.b, SlotPrefix...)
	b.b = AppendUint64(b.b, b.ints, uint64(slot))
	return b
}

// Quoted appends s as one quoted word.
func (b *Buffer) Quoted(s string) *Buffer {
	q := byte('\'')
	if strings.IndexByte(s, '\'') >= 0 {
		q = '"'
	}
	b.b = append(b.b, ' ', q)
	b.b = append(b.b, s...)
	b.b = append(b.b, q)
	return b
}

// Word appends s unquoted.
func (b *Buffer) Word(s string) *Buffer {
	b.b = append(b.b, ' ')
	b.b = append(b.b, s...)
	return b
}

// Int appends v in the peer's integer encoding.
func (b *Buffer) Int(v int64) *Buffer {
	b.b = append(b.b, ' ')
	b.b = AppendInt64(b.b, b.ints, v)
	return b
}

// Uint appends v in the peer's integer encoding.
func (b *Buffer) Uint(v uint64) *Buffer {
	b.b = append(b.b, ' ')
	b.b = AppendUint64(b.b, b.ints, v)
	return b
}

// Float appends v in the peer's double encoding.
func (b *Buffer) Float(v float64) *Buffer {
	b.b = append(b.b, ' ')
	b.b = AppendFloat(b.b, b.doubles, v)
	return b
}

// Flags appends a quoted flags word.
func (b *Buffer) Flags(f types.Flags) *Buffer {
	b.b = append(b.b, ' ')
	b.b = AppendFlags(b.b, f)
	return b
}

// End terminates the current line.
func (b *Buffer) End() *Buffer {
	b.b = append(b.b, '\n')
	return b
}

// Bytes returns the buffered lines. The slice is reused after Reset.
func (b *Buffer) Bytes() []byte {
	return b.b
}

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int {
	return len(b.b)
}

// Reset empties the buffer keeping its storage.
func (b *Buffer) Reset() {
	b.b = b.b[:0]
}

// =============================================================================
// Writer
// =============================================================================

// Writer sends protocol lines back to a peer. It is safe for concurrent use.
type Writer struct {
	w  io.Writer
	mu sync.Mutex
}

// NewWriter creates a Writer wrapping the given io.Writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write writes whole lines.
func (w *Writer) Write(p []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.w.Write(p); err != nil {
		return fmt.Errorf("write line: %w", err)
	}
	return nil
}

// ReplayChart asks the peer for the samples of chartID in (after, before].
// startStreaming tells the peer to resume live streaming of the chart once
// the answer is complete.
func (w *Writer) ReplayChart(chartID string, startStreaming bool, after, before int64) error {
	var b Buffer
	start := "false"
	if startStreaming {
		start = "true"
	}
	b.Keyword(KeywordReplayChart).Quoted(chartID).Quoted(start).Int(after).Int(before).End()
	return w.Write(b.Bytes())
}
