// Package types defines the core data types used throughout the storage engine.
//
// Key types:
//   - Sample: One collected value of a dimension, as handed to tier 0
//   - StoragePoint: An aggregated point of any tier (count == 0 is a gap)
//   - Flags: Per-point storage flags (anomalous, reset, empty)
//   - Tier: Resolution level index with its grouping factor
//
// All timestamps are Unix seconds.
package types
