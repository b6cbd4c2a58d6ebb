// Package parquet archives tier points as Parquet files.
//
// The package provides:
//   - PointWriter/PointReader for tier point archives
//   - Support for multiple compression algorithms (snappy, zstd, lz4, gzip)
//   - Conversion between storage points and Parquet rows
//
// Archives are read back by the query service through DuckDB's
// read_parquet, so column names are part of the on-disk contract.
package parquet
