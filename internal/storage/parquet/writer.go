package parquet

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/xtxerr/streamd/internal/storage/types"
)

// Options configures the Parquet writer.
type Options struct {
	// Compression algorithm
	Compression CompressionType

	// RowGroupSize is the maximum number of rows per row group
	RowGroupSize int64
}

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

// DefaultOptions returns default Parquet options.
func DefaultOptions() Options {
	return Options{
		Compression:  CompressionZstd,
		RowGroupSize: 100000,
	}
}

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "zstd":
		return CompressionZstd
	case "lz4":
		return CompressionLZ4
	case "gzip":
		return CompressionGzip
	case "none", "":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

// getCompression returns the parquet-go compression codec.
func getCompression(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// PointRow is one tier point of one series in Parquet format.
type PointRow struct {
	Series       string   `parquet:"series,zstd,dict"`
	Tier         int32    `parquet:"tier"`
	StartTime    int64    `parquet:"start_time"`
	EndTime      int64    `parquet:"end_time"`
	Sum          float64  `parquet:"sum"`
	Min          float64  `parquet:"min"`
	Max          float64  `parquet:"max"`
	Count        int64    `parquet:"count"`
	AnomalyCount int64    `parquet:"anomaly_count"`
	Flags        int32    `parquet:"flags"`
	P50          *float64 `parquet:"p50,optional"`
	P95          *float64 `parquet:"p95,optional"`
	P99          *float64 `parquet:"p99,optional"`
}

// Record is a decoded archive row.
type Record struct {
	Series string
	Tier   types.Tier
	Point  types.StoragePoint
}

// PointToRow converts a tier point of a series to a row.
func PointToRow(series string, tier types.Tier, p *types.StoragePoint) PointRow {
	return PointRow{
		Series:       series,
		Tier:         int32(tier),
		StartTime:    p.StartTime,
		EndTime:      p.EndTime,
		Sum:          p.Sum,
		Min:          p.Min,
		Max:          p.Max,
		Count:        int64(p.Count),
		AnomalyCount: int64(p.AnomalyCount),
		Flags:        int32(p.Flags),
		P50:          p.P50,
		P95:          p.P95,
		P99:          p.P99,
	}
}

// RowToRecord converts a row back to a record.
func RowToRecord(r *PointRow) Record {
	return Record{
		Series: r.Series,
		Tier:   types.Tier(r.Tier),
		Point: types.StoragePoint{
			StartTime:    r.StartTime,
			EndTime:      r.EndTime,
			Sum:          r.Sum,
			Min:          r.Min,
			Max:          r.Max,
			Count:        uint32(r.Count),
			AnomalyCount: uint32(r.AnomalyCount),
			Flags:        types.Flags(r.Flags),
			P50:          r.P50,
			P95:          r.P95,
			P99:          r.P99,
		},
	}
}

// PointWriter writes tier points to a Parquet file.
type PointWriter struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	writer   *parquet.GenericWriter[PointRow]
	rowCount int64
	closed   bool
}

// NewPointWriter creates a new Parquet writer at path.
func NewPointWriter(path string, opts Options) (*PointWriter, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	writerOpts := []parquet.WriterOption{
		parquet.Compression(getCompression(opts.Compression)),
	}
	if opts.RowGroupSize > 0 {
		writerOpts = append(writerOpts, parquet.MaxRowsPerRowGroup(opts.RowGroupSize))
	}

	return &PointWriter{
		path:   path,
		file:   f,
		writer: parquet.NewGenericWriter[PointRow](f, writerOpts...),
	}, nil
}

// Write writes the points of one tier of one series.
func (w *PointWriter) Write(series string, tier types.Tier, points []types.StoragePoint) error {
	if len(points) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	rows := make([]PointRow, len(points))
	for i := range points {
		rows[i] = PointToRow(series, tier, &points[i])
	}

	n, err := w.writer.Write(rows)
	if err != nil {
		return fmt.Errorf("write rows: %w", err)
	}

	w.rowCount += int64(n)
	return nil
}

// Close flushes the footer and closes the file.
func (w *PointWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("close writer: %w", err)
	}

	return w.file.Close()
}

// RowCount returns the number of rows written.
func (w *PointWriter) RowCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rowCount
}

// Path returns the file path.
func (w *PointWriter) Path() string {
	return w.path
}

// ErrWriterClosed is returned when writing to a closed writer.
var ErrWriterClosed = fmt.Errorf("parquet writer is closed")
