package parquet

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/parquet-go/parquet-go"
)

// PointReader reads tier points from a Parquet file.
type PointReader struct {
	file   *os.File
	reader *parquet.GenericReader[PointRow]
	path   string
}

// NewPointReader opens an archive for reading.
func NewPointReader(path string) (*PointReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	return &PointReader{
		file:   f,
		reader: parquet.NewGenericReader[PointRow](f, parquet.ReadBufferSize(1024*1024)),
		path:   path,
	}, nil
}

// Read reads up to n records. It returns io.EOF once the file is
// exhausted and no records were read.
func (r *PointReader) Read(n int) ([]Record, error) {
	rows := make([]PointRow, n)
	count, err := r.reader.Read(rows)
	if err != nil && !(errors.Is(err, io.EOF) && count > 0) {
		return nil, err
	}

	records := make([]Record, count)
	for i := 0; i < count; i++ {
		records[i] = RowToRecord(&rows[i])
	}
	return records, nil
}

// ReadAll reads every record of the file.
func (r *PointReader) ReadAll() ([]Record, error) {
	records := make([]Record, 0, r.reader.NumRows())
	for {
		batch, err := r.Read(1024)
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return nil, err
		}
		records = append(records, batch...)
	}
}

// NumRows returns the total number of rows in the file.
func (r *PointReader) NumRows() int64 {
	return r.reader.NumRows()
}

// Close closes the reader.
func (r *PointReader) Close() error {
	if err := r.reader.Close(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}

// Path returns the file path.
func (r *PointReader) Path() string {
	return r.path
}

// FileInfo holds information about an archive file.
type FileInfo struct {
	Path    string
	Size    int64
	NumRows int64
}

// GetFileInfo returns information about an archive file.
func GetFileInfo(path string) (*FileInfo, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	r, err := NewPointReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return &FileInfo{
		Path:    path,
		Size:    stat.Size(),
		NumRows: r.NumRows(),
	}, nil
}
