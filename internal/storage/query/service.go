// Package query answers retention and point queries over tier archives.
//
// Archives written by the storage engine are Parquet files; the service
// reads them with DuckDB so ad-hoc SQL works on the same files.
package query

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/xtxerr/streamd/internal/storage/types"
)

// Options configures the query service.
type Options struct {
	// Dir holds the *.parquet archives.
	Dir string

	// MemoryLimit caps DuckDB memory, e.g. "512MB". Empty keeps the default.
	MemoryLimit string
}

// Service provides query capabilities over archived tier points.
type Service struct {
	mu sync.RWMutex

	opts Options
	db   *sql.DB

	// Statistics
	stats ServiceStats
}

// ServiceStats holds service statistics.
type ServiceStats struct {
	QueriesExecuted int64
	RowsReturned    int64
	Errors          int64
}

// Retention describes what an archive holds for one tier of one series.
type Retention struct {
	Series string
	Tier   types.Tier
	First  int64 // start of the oldest point
	Last   int64 // end of the newest point
	Points int64
	Gaps   int64
}

// PointQuery selects points of one tier of one series with
// After < end_time <= Before.
type PointQuery struct {
	Series string
	Tier   types.Tier
	After  int64
	Before int64
	Limit  int
}

// New creates a new query service.
func New(opts Options) (*Service, error) {
	// Open in-memory DuckDB database
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	if opts.MemoryLimit != "" {
		_, err = db.Exec(fmt.Sprintf("SET memory_limit='%s'", opts.MemoryLimit))
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("set memory limit: %w", err)
		}
	}

	return &Service{
		opts: opts,
		db:   db,
	}, nil
}

// Close closes the query service.
func (s *Service) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// pattern returns the archive glob, or "" if no archive exists yet.
// read_parquet fails on a glob without matches.
func (s *Service) pattern() string {
	pattern := filepath.Join(s.opts.Dir, "*.parquet")
	matches, err := filepath.Glob(pattern)
	if err != nil || len(matches) == 0 {
		return ""
	}
	return pattern
}

// Archives lists the archive files.
func (s *Service) Archives() ([]string, error) {
	if _, err := os.Stat(s.opts.Dir); err != nil {
		return nil, err
	}
	return filepath.Glob(filepath.Join(s.opts.Dir, "*.parquet"))
}

// Retention returns per series and tier retention. An empty series
// matches all series.
func (s *Service) Retention(ctx context.Context, series string) ([]Retention, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pattern := s.pattern()
	if pattern == "" {
		return nil, nil
	}

	query := `
		SELECT
			series, tier,
			min(start_time), max(end_time),
			count(*), count(*) FILTER (WHERE "count" = 0)
		FROM read_parquet($1)
		WHERE $2 = '' OR series = $2
		GROUP BY series, tier
		ORDER BY series, tier
	`

	rows, err := s.db.QueryContext(ctx, query, pattern, series)
	if err != nil {
		s.stats.Errors++
		return nil, fmt.Errorf("retention query: %w", err)
	}
	defer rows.Close()

	var results []Retention
	for rows.Next() {
		var r Retention
		var tier int32
		if err := rows.Scan(&r.Series, &tier, &r.First, &r.Last, &r.Points, &r.Gaps); err != nil {
			s.stats.Errors++
			return nil, fmt.Errorf("scan row: %w", err)
		}
		r.Tier = types.Tier(tier)
		results = append(results, r)
	}

	s.stats.QueriesExecuted++
	s.stats.RowsReturned += int64(len(results))
	return results, rows.Err()
}

// Points returns archived points ordered by end time. Points present in
// more than one archive are returned once.
func (s *Service) Points(ctx context.Context, q PointQuery) ([]types.StoragePoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pattern := s.pattern()
	if pattern == "" {
		return nil, nil
	}

	query := `
		SELECT DISTINCT ON (end_time)
			start_time, end_time,
			sum, min, max, "count", anomaly_count, flags,
			p50, p95, p99
		FROM read_parquet($1)
		WHERE series = $2
		  AND tier = $3
		  AND end_time > $4
		  AND end_time <= $5
		ORDER BY end_time
	`
	args := []interface{}{pattern, q.Series, int32(q.Tier), q.After, q.Before}
	if q.Limit > 0 {
		query += " LIMIT $6"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.stats.Errors++
		return nil, fmt.Errorf("points query: %w", err)
	}
	defer rows.Close()

	var results []types.StoragePoint
	for rows.Next() {
		var (
			p                types.StoragePoint
			count, anomalies int64
			flags            int32
			p50, p95, p99    sql.NullFloat64
		)
		err := rows.Scan(
			&p.StartTime, &p.EndTime,
			&p.Sum, &p.Min, &p.Max, &count, &anomalies, &flags,
			&p50, &p95, &p99,
		)
		if err != nil {
			s.stats.Errors++
			return nil, fmt.Errorf("scan row: %w", err)
		}
		p.Count = uint32(count)
		p.AnomalyCount = uint32(anomalies)
		p.Flags = types.Flags(flags)
		if p50.Valid {
			p.SetPercentiles(p50.Float64, p95.Float64, p99.Float64)
		}
		results = append(results, p)
	}

	s.stats.QueriesExecuted++
	s.stats.RowsReturned += int64(len(results))
	return results, rows.Err()
}

// Stats returns query statistics.
func (s *Service) Stats() ServiceStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// ExecuteSQL executes a raw SQL query using DuckDB. The placeholder
// {archive} is replaced by a read_parquet over the archive directory.
// This is useful for ad-hoc queries and debugging.
func (s *Service) ExecuteSQL(ctx context.Context, query string) ([]map[string]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query = expandArchive(query, filepath.Join(s.opts.Dir, "*.parquet"))

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		s.stats.Errors++
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var results []map[string]interface{}

	for rows.Next() {
		values := make([]interface{}, len(columns))
		valuePtrs := make([]interface{}, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, err
		}

		row := make(map[string]interface{})
		for i, col := range columns {
			row[col] = values[i]
		}
		results = append(results, row)
	}

	s.stats.QueriesExecuted++
	s.stats.RowsReturned += int64(len(results))

	return results, rows.Err()
}
