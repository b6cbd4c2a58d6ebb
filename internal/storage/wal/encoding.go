package wal

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/xtxerr/streamd/internal/storage/types"
)

// Entry is one persisted tier point of one series.
type Entry struct {
	Series string     // Series key ("host/chart/dimension")
	Tier   types.Tier // Tier the point belongs to
	Point  types.StoragePoint
}

// Entry encoding format (binary, little-endian):
// - Series length (2 bytes) + Series string
// - Tier (1 byte)
// - StartTime (8 bytes)
// - EndTime (8 bytes)
// - Sum, Min, Max (8 bytes each, float64)
// - Count (4 bytes)
// - AnomalyCount (4 bytes)
// - Flags (1 byte)
//
// Percentiles are not persisted; they are rebuilt only for new windows.

const entryFixedSize = 1 + 8 + 8 + 3*8 + 4 + 4 + 1

// encodeEntries encodes a slice of entries into a binary format.
func encodeEntries(entries []Entry) ([]byte, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	buf := make([]byte, 0, len(entries)*(entryFixedSize+32))

	// Write entry count
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(entries)))

	for _, e := range entries {
		if len(e.Series) > math.MaxUint16 {
			return nil, fmt.Errorf("series key too long: %d bytes", len(e.Series))
		}
		if e.Tier < 0 || e.Tier > math.MaxUint8 {
			return nil, fmt.Errorf("tier out of range: %d", e.Tier)
		}

		p := e.Point
		buf = appendString(buf, e.Series)
		buf = append(buf, uint8(e.Tier))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(p.StartTime))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(p.EndTime))
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(p.Sum))
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(p.Min))
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(p.Max))
		buf = binary.LittleEndian.AppendUint32(buf, p.Count)
		buf = binary.LittleEndian.AppendUint32(buf, p.AnomalyCount)
		buf = append(buf, uint8(p.Flags))
	}

	return buf, nil
}

// decodeEntries decodes a binary format into a slice of entries.
func decodeEntries(data []byte) ([]Entry, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("data too short for entry count")
	}

	count := int(binary.LittleEndian.Uint32(data[0:4]))
	if count == 0 {
		return nil, nil
	}

	entries := make([]Entry, count)
	offset := 4

	for i := 0; i < count; i++ {
		var e Entry
		var err error

		e.Series, offset, err = readString(data, offset)
		if err != nil {
			return nil, fmt.Errorf("entry %d series: %w", i, err)
		}

		if offset+entryFixedSize > len(data) {
			return nil, fmt.Errorf("entry %d: data too short for point", i)
		}

		e.Tier = types.Tier(data[offset])
		offset++

		p := &e.Point
		p.StartTime = int64(binary.LittleEndian.Uint64(data[offset:]))
		offset += 8
		p.EndTime = int64(binary.LittleEndian.Uint64(data[offset:]))
		offset += 8
		p.Sum = math.Float64frombits(binary.LittleEndian.Uint64(data[offset:]))
		offset += 8
		p.Min = math.Float64frombits(binary.LittleEndian.Uint64(data[offset:]))
		offset += 8
		p.Max = math.Float64frombits(binary.LittleEndian.Uint64(data[offset:]))
		offset += 8
		p.Count = binary.LittleEndian.Uint32(data[offset:])
		offset += 4
		p.AnomalyCount = binary.LittleEndian.Uint32(data[offset:])
		offset += 4
		p.Flags = types.Flags(data[offset])
		offset++

		entries[i] = e
	}

	return entries, nil
}

// appendString appends a length-prefixed string to the buffer.
func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// readString reads a length-prefixed string from the buffer.
func readString(data []byte, offset int) (string, int, error) {
	if offset+2 > len(data) {
		return "", offset, fmt.Errorf("data too short for string length")
	}

	length := int(binary.LittleEndian.Uint16(data[offset:]))
	offset += 2

	if offset+length > len(data) {
		return "", offset, fmt.Errorf("data too short for string content")
	}

	s := string(data[offset : offset+length])
	return s, offset + length, nil
}
