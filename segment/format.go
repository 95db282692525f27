// Package segment implements the columnar file format produced by
// compaction: a header, a sequence of compressed, checksummed row groups
// in time order, a row-group index, and a fixed-size footer.
package segment

import "errors"

// Magic identifies a strata segment file in its FileHeader.
const Magic uint32 = 0x53545247 // "STRG"

// MagicString is placed at the very end of a segment file and is used for
// basic corruption detection before the footer is trusted.
const MagicString = "STRATA-SEG-V1"

const MagicStringLen = len(MagicString)

// Size constants for the on-disk encoding (little endian).
const (
	SeriesKeyLenSize = 2 // uint16 for series key length
	TimestampSize    = 8 // int64 Unix nanoseconds
	SequenceSize     = 8 // uint64 WAL sequence
	ValueLenSize     = 4 // uint32 for value length

	BlockLenSize      = 4 // uint32 compressed block length
	BlockChecksumSize = 8 // uint64 xxhash of the compressed block

	// Footer component sizes
	IndexOffsetSize = 8 // uint64 offset of the row-group index
	IndexCountSize  = 4 // uint32 number of row groups
	RowCountSize    = 8 // uint64 total rows
	MinTimeSize     = 8 // int64
	MaxTimeSize     = 8 // int64
)

// FooterSize is the total fixed size of the footer including the magic string.
const FooterSize = IndexOffsetSize + IndexCountSize + RowCountSize + MinTimeSize + MaxTimeSize + MagicStringLen

// DefaultRowGroupRows is the target number of rows per row group when the
// caller does not configure one.
const DefaultRowGroupRows = 8192

var (
	// ErrCorrupted is returned when a segment fails magic, structure or
	// checksum validation.
	ErrCorrupted = errors.New("segment data is corrupted")
	// ErrEmptySegment is returned by Finish when no rows were appended.
	ErrEmptySegment = errors.New("segment contains no rows")
)

// rowGroupMeta is one entry of the row-group index.
type rowGroupMeta struct {
	Offset   uint64
	Length   uint32
	MinTime  int64
	MaxTime  int64
	RowCount uint32
}
