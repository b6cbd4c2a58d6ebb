package engine

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/xtxerr/streamd/internal/storage/parquet"
	"github.com/xtxerr/streamd/internal/storage/types"
)

// ArchiveName returns the archive file name for an export at t.
func ArchiveName(t time.Time) string {
	return fmt.Sprintf("points-%s.parquet", t.UTC().Format("20060102T150405"))
}

// Export writes every tier point of every series with end time after
// since into one Parquet file in dir. It returns the file path and the
// number of rows written.
func (e *Engine) Export(dir string, since int64, opts parquet.Options) (string, int64, error) {
	path := filepath.Join(dir, ArchiveName(time.Now()))

	w, err := parquet.NewPointWriter(path, opts)
	if err != nil {
		return "", 0, err
	}

	for _, key := range e.Keys() {
		s, ok := e.Lookup(key)
		if !ok {
			continue
		}
		for t, st := range s.tiers {
			latest := st.store.LatestTime()
			if latest <= since {
				continue
			}
			if err := w.Write(key, types.Tier(t), st.store.Points(since, latest)); err != nil {
				w.Close()
				return "", 0, fmt.Errorf("export %s: %w", key, err)
			}
		}
	}

	if err := w.Close(); err != nil {
		return "", 0, err
	}
	return path, w.RowCount(), nil
}

// Import restores archived points into their series. Points that are not
// after a series' latest point are skipped. It returns the number of
// points restored.
func (e *Engine) Import(path string, updateEvery int64) (int, error) {
	r, err := parquet.NewPointReader(path)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	records, err := r.ReadAll()
	if err != nil {
		return 0, fmt.Errorf("read archive: %w", err)
	}

	var n int
	for _, rec := range records {
		if int(rec.Tier) >= len(e.cfg.Tiers) {
			continue
		}
		s := e.Series(rec.Series, updateEvery)
		s.mu.Lock()
		err := s.tiers[rec.Tier].store.Append(rec.Point)
		s.mu.Unlock()
		if err == nil {
			n++
		}
	}
	return n, nil
}
