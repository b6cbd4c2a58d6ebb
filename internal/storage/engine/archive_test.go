package engine

import (
	"testing"

	"github.com/xtxerr/streamd/internal/storage/parquet"
	"github.com/xtxerr/streamd/internal/storage/types"
)

func TestEngine_ExportImport(t *testing.T) {
	src := testEngine(t, Config{Tiers: types.Specs([]int{1, 60})})
	for _, key := range []string{"h/c/a", "h/c/b"} {
		s := src.Series(key, 1)
		for i := int64(1); i <= 90; i++ {
			if err := s.Store(sample(i, float64(i))); err != nil {
				t.Fatalf("Store: %v", err)
			}
		}
	}

	dir := t.TempDir()
	path, rows, err := src.Export(dir, 0, parquet.DefaultOptions())
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	// 90 raw points and one tier1 point per series.
	if rows != 2*(90+1) {
		t.Errorf("exported %d rows, want %d", rows, 2*(90+1))
	}

	dst := testEngine(t, Config{Tiers: types.Specs([]int{1, 60})})
	n, err := dst.Import(path, 1)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if int64(n) != rows {
		t.Errorf("imported %d points, want %d", n, rows)
	}

	s, ok := dst.Lookup("h/c/b")
	if !ok {
		t.Fatal("imported series missing")
	}
	if s.LastTime(0) != 90 || s.LastTime(1) != 60 {
		t.Errorf("retention = %d/%d, want 90/60", s.LastTime(0), s.LastTime(1))
	}

	// A second import adds nothing.
	if n, _ := dst.Import(path, 1); n != 0 {
		t.Errorf("second import restored %d points, want 0", n)
	}
}

func TestEngine_ExportSince(t *testing.T) {
	e := testEngine(t, Config{Tiers: types.Specs([]int{1, 60})})
	s := e.Series("h/c/d", 1)
	for i := int64(1); i <= 30; i++ {
		s.Store(sample(i, 1))
	}

	_, rows, err := e.Export(t.TempDir(), 20, parquet.DefaultOptions())
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if rows != 10 {
		t.Errorf("exported %d rows, want 10", rows)
	}
}
