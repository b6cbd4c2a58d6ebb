package parquet

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/xtxerr/streamd/internal/storage/types"
)

func testPoints() []types.StoragePoint {
	p := types.StoragePoint{StartTime: 60, EndTime: 120, Sum: 30, Min: 0, Max: 1, Count: 60, AnomalyCount: 2, Flags: types.FlagAnomalous}
	p.SetPercentiles(0.5, 0.95, 0.99)
	return []types.StoragePoint{
		{StartTime: 0, EndTime: 60, Sum: 1830, Min: 1, Max: 60, Count: 60},
		p,
		{StartTime: 120, EndTime: 180, Flags: types.FlagEmpty},
	}
}

func TestPointWriterBasic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "tier1.parquet")

	w, err := NewPointWriter(path, DefaultOptions())
	if err != nil {
		t.Fatalf("NewPointWriter: %v", err)
	}
	if err := w.Write("h/sys.cpu/user", 1, testPoints()); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Write("h/sys.cpu/user", 1, nil); err != nil {
		t.Fatalf("empty Write: %v", err)
	}
	if w.RowCount() != 3 {
		t.Errorf("expected 3 rows, got %d", w.RowCount())
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Write("x", 0, testPoints()); err != ErrWriterClosed {
		t.Errorf("expected ErrWriterClosed, got %v", err)
	}

	stat, err := os.Stat(path)
	if err != nil {
		t.Fatalf("file should exist: %v", err)
	}
	if stat.Size() == 0 {
		t.Error("file should not be empty")
	}
}

func TestPointWriteAndRead(t *testing.T) {
	tests := []struct {
		name        string
		compression CompressionType
	}{
		{"none", CompressionNone},
		{"snappy", CompressionSnappy},
		{"zstd", CompressionZstd},
		{"lz4", CompressionLZ4},
		{"gzip", CompressionGzip},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "points.parquet")

			w, err := NewPointWriter(path, Options{Compression: tt.compression})
			if err != nil {
				t.Fatalf("NewPointWriter: %v", err)
			}
			if err := w.Write("h/c/a", 1, testPoints()); err != nil {
				t.Fatalf("Write: %v", err)
			}
			if err := w.Write("h/c/b", 2, testPoints()[:1]); err != nil {
				t.Fatalf("Write: %v", err)
			}
			if err := w.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			r, err := NewPointReader(path)
			if err != nil {
				t.Fatalf("NewPointReader: %v", err)
			}
			defer r.Close()

			if r.NumRows() != 4 {
				t.Fatalf("expected 4 rows, got %d", r.NumRows())
			}

			got, err := r.ReadAll()
			if err != nil {
				t.Fatalf("ReadAll: %v", err)
			}

			var want []Record
			for _, p := range testPoints() {
				want = append(want, Record{Series: "h/c/a", Tier: 1, Point: p})
			}
			want = append(want, Record{Series: "h/c/b", Tier: 2, Point: testPoints()[0]})

			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("records mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseCompressionType(t *testing.T) {
	tests := []struct {
		in   string
		want CompressionType
	}{
		{"snappy", CompressionSnappy},
		{"zstd", CompressionZstd},
		{"lz4", CompressionLZ4},
		{"gzip", CompressionGzip},
		{"none", CompressionNone},
		{"", CompressionNone},
		{"brotli", CompressionZstd},
	}
	for _, tt := range tests {
		if got := ParseCompressionType(tt.in); got != tt.want {
			t.Errorf("ParseCompressionType(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestGetFileInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "info.parquet")
	w, err := NewPointWriter(path, DefaultOptions())
	if err != nil {
		t.Fatalf("NewPointWriter: %v", err)
	}
	w.Write("h/c/d", 0, testPoints())
	w.Close()

	info, err := GetFileInfo(path)
	if err != nil {
		t.Fatalf("GetFileInfo: %v", err)
	}
	if info.NumRows != 3 || info.Size == 0 {
		t.Errorf("unexpected info: %+v", info)
	}
}
