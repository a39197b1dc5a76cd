package whisper

import (
	"encoding/binary"
	"fmt"
	"math"
)

// On-disk layout. All integers are big-endian.
//
//	file     = metadata ‖ archiveInfo[archiveCount] ‖ archiveData...
//	metadata = aggregation(u32) ‖ maxRetention(u32) ‖ xFilesFactor(f32) ‖ archiveCount(u32)
//	archive  = offset(u32) ‖ secondsPerPoint(u32) ‖ points(u32)
//	point    = timestamp(u32) ‖ value(f64)
//
// A point timestamp of 0 marks an empty slot.
const (
	metadataSize    = 16
	archiveInfoSize = 12
	pointSize       = 12
)

// Metadata field offsets (bytes from file start).
const (
	offAggregation  = 0x00 // uint32
	offMaxRetention = 0x04 // uint32
	offXFilesFactor = 0x08 // float32
	offArchiveCount = 0x0C // uint32
)

// Metadata is the fixed 16-byte file header.
type Metadata struct {
	Aggregation  AggregationMethod
	MaxRetention uint32
	XFilesFactor float32
	ArchiveCount uint32
}

// ArchiveInfo describes one archive's placement and resolution.
type ArchiveInfo struct {
	Offset          uint32
	SecondsPerPoint uint32
	Points          uint32
}

// Retention returns the archive's time span in seconds.
func (a ArchiveInfo) Retention() uint32 {
	return a.SecondsPerPoint * a.Points
}

// size returns the archive's data region length in bytes.
func (a ArchiveInfo) size() uint32 {
	return a.Points * pointSize
}

// end returns the byte offset one past the archive's data region.
func (a ArchiveInfo) end() uint32 {
	return a.Offset + a.size()
}

// Header is the parsed self-description of a whisper file.
type Header struct {
	Metadata Metadata
	Archives []ArchiveInfo
}

// fileSize returns the total byte size the header implies.
func (h Header) fileSize() int64 {
	size := int64(metadataSize) + int64(archiveInfoSize)*int64(len(h.Archives))
	for _, a := range h.Archives {
		size += int64(a.size())
	}

	return size
}

// headerSize returns the byte offset where archive data begins.
func (h Header) headerSize() uint32 {
	return metadataSize + archiveInfoSize*uint32(len(h.Archives))
}

// Point is one (timestamp, value) record.
type Point struct {
	Timestamp uint32
	Value     float64
}

func encodeMetadata(m Metadata) []byte {
	buf := make([]byte, metadataSize)
	binary.BigEndian.PutUint32(buf[offAggregation:], uint32(m.Aggregation))
	binary.BigEndian.PutUint32(buf[offMaxRetention:], m.MaxRetention)
	binary.BigEndian.PutUint32(buf[offXFilesFactor:], math.Float32bits(m.XFilesFactor))
	binary.BigEndian.PutUint32(buf[offArchiveCount:], m.ArchiveCount)

	return buf
}

func decodeMetadata(buf []byte) Metadata {
	return Metadata{
		Aggregation:  AggregationMethod(binary.BigEndian.Uint32(buf[offAggregation:])),
		MaxRetention: binary.BigEndian.Uint32(buf[offMaxRetention:]),
		XFilesFactor: math.Float32frombits(binary.BigEndian.Uint32(buf[offXFilesFactor:])),
		ArchiveCount: binary.BigEndian.Uint32(buf[offArchiveCount:]),
	}
}

func encodeArchiveInfo(a ArchiveInfo) []byte {
	buf := make([]byte, archiveInfoSize)
	binary.BigEndian.PutUint32(buf[0:], a.Offset)
	binary.BigEndian.PutUint32(buf[4:], a.SecondsPerPoint)
	binary.BigEndian.PutUint32(buf[8:], a.Points)

	return buf
}

func decodeArchiveInfo(buf []byte) ArchiveInfo {
	return ArchiveInfo{
		Offset:          binary.BigEndian.Uint32(buf[0:]),
		SecondsPerPoint: binary.BigEndian.Uint32(buf[4:]),
		Points:          binary.BigEndian.Uint32(buf[8:]),
	}
}

// encodePoints packs points into a contiguous big-endian buffer.
func encodePoints(points []Point) []byte {
	buf := make([]byte, len(points)*pointSize)
	for i, p := range points {
		encodePointInto(buf[i*pointSize:], p)
	}

	return buf
}

func encodePointInto(buf []byte, p Point) {
	binary.BigEndian.PutUint32(buf[0:], p.Timestamp)
	binary.BigEndian.PutUint64(buf[4:], math.Float64bits(p.Value))
}

// decodePoints unpacks a buffer of consecutive point records.
// The buffer length must be a multiple of pointSize.
func decodePoints(buf []byte) []Point {
	points := make([]Point, len(buf)/pointSize)
	for i := range points {
		points[i] = decodePoint(buf[i*pointSize:])
	}

	return points
}

func decodePoint(buf []byte) Point {
	return Point{
		Timestamp: binary.BigEndian.Uint32(buf[0:]),
		Value:     math.Float64frombits(binary.BigEndian.Uint64(buf[4:])),
	}
}

// validateHeader checks the self-description of a file against its actual
// size. Every violation is reported as [ErrCorrupt].
func validateHeader(h Header, actualSize int64) error {
	if h.Metadata.ArchiveCount == 0 {
		return fmt.Errorf("%w: archive count is zero", ErrCorrupt)
	}

	if uint32(len(h.Archives)) != h.Metadata.ArchiveCount {
		return fmt.Errorf("%w: archive table truncated", ErrCorrupt)
	}

	if !h.Metadata.Aggregation.valid() {
		return fmt.Errorf("%w: unknown aggregation code %d", ErrCorrupt, uint32(h.Metadata.Aggregation))
	}

	xff := h.Metadata.XFilesFactor
	if math.IsNaN(float64(xff)) || xff < 0 || xff > 1 {
		return fmt.Errorf("%w: x-files-factor %v outside [0,1]", ErrCorrupt, xff)
	}

	if h.fileSize() != actualSize {
		return fmt.Errorf("%w: header implies %d bytes, file has %d", ErrCorrupt, h.fileSize(), actualSize)
	}

	next := h.headerSize()

	for i, a := range h.Archives {
		if a.SecondsPerPoint == 0 || a.Points == 0 {
			return fmt.Errorf("%w: archive %d has zero step or capacity", ErrCorrupt, i)
		}

		if a.Offset != next {
			return fmt.Errorf("%w: archive %d offset %d, want %d", ErrCorrupt, i, a.Offset, next)
		}

		if int64(a.end()) > actualSize {
			return fmt.Errorf("%w: archive %d escapes file", ErrCorrupt, i)
		}

		if i > 0 && a.SecondsPerPoint <= h.Archives[i-1].SecondsPerPoint {
			return fmt.Errorf("%w: archive steps not ascending", ErrCorrupt)
		}

		next = a.end()
	}

	return nil
}

// layoutArchives assigns contiguous offsets following the archive-info table
// and returns the archive list for a new file.
func layoutArchives(retentions []Retention) []ArchiveInfo {
	archives := make([]ArchiveInfo, len(retentions))
	offset := metadataSize + archiveInfoSize*uint32(len(retentions))

	for i, r := range retentions {
		archives[i] = ArchiveInfo{
			Offset:          offset,
			SecondsPerPoint: r.SecondsPerPoint,
			Points:          r.Points,
		}
		offset += archives[i].size()
	}

	return archives
}
