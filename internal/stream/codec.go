package stream

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/xtxerr/streamd/internal/protocol"
)

// Compression identifies the codec of a compressed stream. Tags are
// written in every frame header.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZstd Compression = 2
)

// frameHeaderSize is tag(1) + raw size(4) + payload size(4).
const frameHeaderSize = 9

// maxFrameSize bounds the uncompressed size of one frame.
const maxFrameSize = 16 << 20

var errIncompressible = errors.New("incompressible")

// String returns the name of the codec.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", c)
	}
}

// ParseCompression parses a codec name. An empty name means none.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", name)
	}
}

// Capability returns the capability bit advertising the codec.
func (c Compression) Capability() protocol.Capabilities {
	switch c {
	case CompressionLZ4:
		return protocol.CapLZ4
	case CompressionZstd:
		return protocol.CapZSTD
	default:
		return 0
	}
}

// Negotiate picks the codec for a link with caps, preferring zstd.
func Negotiate(caps protocol.Capabilities) Compression {
	switch {
	case caps.Has(protocol.CapZSTD):
		return CompressionZstd
	case caps.Has(protocol.CapLZ4):
		return CompressionLZ4
	default:
		return CompressionNone
	}
}

// =============================================================================
// Frame writer
// =============================================================================

// FrameWriter compresses each Write into one self-contained frame.
// Frames that do not shrink are stored raw.
type FrameWriter struct {
	w     *bufio.Writer
	codec Compression
	zenc  *zstd.Encoder
	buf   []byte
	hdr   [frameHeaderSize]byte
}

// NewFrameWriter returns a writer compressing with codec. A nil error is
// guaranteed for CompressionNone.
func NewFrameWriter(w io.Writer, codec Compression) (*FrameWriter, error) {
	fw := &FrameWriter{w: bufio.NewWriter(w), codec: codec}
	if codec == CompressionZstd {
		enc, err := zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedDefault),
			zstd.WithEncoderConcurrency(1),
		)
		if err != nil {
			return nil, fmt.Errorf("zstd encoder: %w", err)
		}
		fw.zenc = enc
	}
	return fw, nil
}

// Write frames p. With CompressionNone the bytes pass through unframed.
func (fw *FrameWriter) Write(p []byte) (int, error) {
	if fw.codec == CompressionNone {
		return fw.w.Write(p)
	}
	if len(p) > maxFrameSize {
		n := 0
		for len(p) > 0 {
			chunk := p[:min(len(p), maxFrameSize)]
			m, err := fw.Write(chunk)
			n += m
			if err != nil {
				return n, err
			}
			p = p[len(chunk):]
		}
		return n, nil
	}

	tag := fw.codec
	payload, err := fw.compress(p)
	if errors.Is(err, errIncompressible) {
		tag, payload = CompressionNone, p
	} else if err != nil {
		return 0, err
	}

	fw.hdr[0] = byte(tag)
	binary.BigEndian.PutUint32(fw.hdr[1:5], uint32(len(p)))
	binary.BigEndian.PutUint32(fw.hdr[5:9], uint32(len(payload)))
	if _, err := fw.w.Write(fw.hdr[:]); err != nil {
		return 0, err
	}
	if _, err := fw.w.Write(payload); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (fw *FrameWriter) compress(p []byte) ([]byte, error) {
	switch fw.codec {
	case CompressionLZ4:
		bound := lz4.CompressBlockBound(len(p))
		if cap(fw.buf) < bound {
			fw.buf = make([]byte, bound)
		}
		n, err := lz4.CompressBlock(p, fw.buf[:bound], nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 || n >= len(p) {
			return nil, errIncompressible
		}
		return fw.buf[:n], nil
	case CompressionZstd:
		fw.buf = fw.zenc.EncodeAll(p, fw.buf[:0])
		if len(fw.buf) >= len(p) {
			return nil, errIncompressible
		}
		return fw.buf, nil
	default:
		return nil, errIncompressible
	}
}

// Flush writes buffered frames to the underlying writer.
func (fw *FrameWriter) Flush() error {
	return fw.w.Flush()
}

// Close flushes and releases the encoder. The underlying writer is not
// closed.
func (fw *FrameWriter) Close() error {
	err := fw.w.Flush()
	if fw.zenc != nil {
		if cerr := fw.zenc.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// =============================================================================
// Frame reader
// =============================================================================

// FrameReader undoes a FrameWriter.
type FrameReader struct {
	r    io.Reader
	zdec *zstd.Decoder
	hdr  [frameHeaderSize]byte
	in   []byte
	out  []byte
	pos  int
}

// NewFrameReader returns a reader for a stream compressed with codec.
// With CompressionNone r is read as is.
func NewFrameReader(r io.Reader, codec Compression) (io.ReadCloser, error) {
	if codec == CompressionNone {
		return io.NopCloser(r), nil
	}
	fr := &FrameReader{r: r}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	fr.zdec = dec
	return fr, nil
}

// Read returns decompressed bytes, reading the next frame when the
// current one is used up.
func (fr *FrameReader) Read(p []byte) (int, error) {
	for fr.pos >= len(fr.out) {
		if err := fr.next(); err != nil {
			return 0, err
		}
	}
	n := copy(p, fr.out[fr.pos:])
	fr.pos += n
	return n, nil
}

func (fr *FrameReader) next() error {
	if _, err := io.ReadFull(fr.r, fr.hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("frame header: %w", err)
		}
		return err
	}
	tag := Compression(fr.hdr[0])
	raw := int(binary.BigEndian.Uint32(fr.hdr[1:5]))
	size := int(binary.BigEndian.Uint32(fr.hdr[5:9]))
	if raw > maxFrameSize || size > maxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", max(raw, size))
	}

	if cap(fr.in) < size {
		fr.in = make([]byte, size)
	}
	fr.in = fr.in[:size]
	if _, err := io.ReadFull(fr.r, fr.in); err != nil {
		return fmt.Errorf("frame payload: %w", err)
	}

	fr.pos = 0
	switch tag {
	case CompressionNone:
		if size != raw {
			return fmt.Errorf("raw frame: got %d bytes, expected %d", size, raw)
		}
		fr.out = append(fr.out[:0], fr.in...)
	case CompressionLZ4:
		if cap(fr.out) < raw {
			fr.out = make([]byte, raw)
		}
		fr.out = fr.out[:raw]
		n, err := lz4.UncompressBlock(fr.in, fr.out)
		if err != nil {
			return fmt.Errorf("lz4 decompress: %w", err)
		}
		if n != raw {
			return fmt.Errorf("lz4 decompress: got %d bytes, expected %d", n, raw)
		}
	case CompressionZstd:
		out, err := fr.zdec.DecodeAll(fr.in, fr.out[:0])
		if err != nil {
			return fmt.Errorf("zstd decompress: %w", err)
		}
		if len(out) != raw {
			return fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), raw)
		}
		fr.out = out
	default:
		return fmt.Errorf("unsupported frame codec %d", tag)
	}
	return nil
}

// Close releases the decoder. The underlying reader is not closed.
func (fr *FrameReader) Close() error {
	if fr.zdec != nil {
		fr.zdec.Close()
	}
	return nil
}
