package segment

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/stratadb/strata/compressors"
	"github.com/stratadb/strata/core"
)

// indexEntrySize is the encoded size of one rowGroupMeta in the index.
const indexEntrySize = 8 + 4 + 8 + 8 + 4

// Reader decodes an in-memory segment. It validates the header, footer
// and magic up front; row-group checksums are validated lazily as groups
// are read.
type Reader struct {
	data       []byte
	compressor core.Compressor
	groups     []rowGroupMeta
	rowCount   uint64
	minTime    int64
	maxTime    int64
}

// OpenReader parses and validates the segment's framing.
func OpenReader(data []byte) (*Reader, error) {
	var header core.FileHeader
	headerSize := header.Size()
	if len(data) < headerSize+FooterSize {
		return nil, fmt.Errorf("%w: file too small (%d bytes)", ErrCorrupted, len(data))
	}
	if string(data[len(data)-MagicStringLen:]) != MagicString {
		return nil, fmt.Errorf("%w: bad trailing magic", ErrCorrupted)
	}
	if err := binary.Read(bytes.NewReader(data[:headerSize]), binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("%w: unreadable header: %v", ErrCorrupted, err)
	}
	if header.Magic != Magic {
		return nil, fmt.Errorf("%w: bad header magic 0x%x", ErrCorrupted, header.Magic)
	}
	if header.Version != core.FormatVersion {
		return nil, fmt.Errorf("unsupported segment format version %d", header.Version)
	}
	compressor, err := compressors.ForType(header.CompressorType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}

	footer := data[len(data)-FooterSize:]
	indexOffset := binary.LittleEndian.Uint64(footer[0:8])
	groupCount := binary.LittleEndian.Uint32(footer[8:12])
	rowCount := binary.LittleEndian.Uint64(footer[12:20])
	minTime := int64(binary.LittleEndian.Uint64(footer[20:28]))
	maxTime := int64(binary.LittleEndian.Uint64(footer[28:36]))

	// Bound the count before any index arithmetic: a crafted footer must
	// not be able to wrap indexEnd around or size an allocation.
	maxGroups := uint64(len(data)-headerSize-FooterSize) / indexEntrySize
	if uint64(groupCount) > maxGroups {
		return nil, fmt.Errorf("%w: group count %d exceeds file capacity", ErrCorrupted, groupCount)
	}
	if indexOffset < uint64(headerSize) || indexOffset > uint64(len(data)-FooterSize) {
		return nil, fmt.Errorf("%w: index offset %d out of range", ErrCorrupted, indexOffset)
	}
	indexEnd := indexOffset + uint64(groupCount)*indexEntrySize
	if indexEnd != uint64(len(data)-FooterSize) {
		return nil, fmt.Errorf("%w: index bounds [%d,%d) out of range", ErrCorrupted, indexOffset, indexEnd)
	}

	groups := make([]rowGroupMeta, 0, groupCount)
	idx := data[indexOffset:indexEnd]
	for i := uint32(0); i < groupCount; i++ {
		e := idx[i*indexEntrySize : (i+1)*indexEntrySize]
		g := rowGroupMeta{
			Offset:   binary.LittleEndian.Uint64(e[0:8]),
			Length:   binary.LittleEndian.Uint32(e[8:12]),
			MinTime:  int64(binary.LittleEndian.Uint64(e[12:20])),
			MaxTime:  int64(binary.LittleEndian.Uint64(e[20:28])),
			RowCount: binary.LittleEndian.Uint32(e[28:32]),
		}
		if g.Offset+uint64(g.Length) > indexOffset {
			return nil, fmt.Errorf("%w: row group %d overruns index", ErrCorrupted, i)
		}
		groups = append(groups, g)
	}

	return &Reader{
		data:       data,
		compressor: compressor,
		groups:     groups,
		rowCount:   rowCount,
		minTime:    minTime,
		maxTime:    maxTime,
	}, nil
}

// RowCount returns the total number of rows in the segment.
func (r *Reader) RowCount() uint64 { return r.rowCount }

// MinTime returns the smallest row timestamp in the segment.
func (r *Reader) MinTime() int64 { return r.minTime }

// MaxTime returns the largest row timestamp in the segment.
func (r *Reader) MaxTime() int64 { return r.maxTime }

// decodeRowGroup checksums, decompresses and decodes one row group.
func (r *Reader) decodeRowGroup(g rowGroupMeta) ([]core.Row, error) {
	block := r.data[g.Offset : g.Offset+uint64(g.Length)]
	compressedLen := binary.LittleEndian.Uint32(block[0:4])
	checksum := binary.LittleEndian.Uint64(block[4:12])
	if uint64(BlockLenSize+BlockChecksumSize)+uint64(compressedLen) != uint64(g.Length) {
		return nil, fmt.Errorf("%w: row group length mismatch", ErrCorrupted)
	}
	payload := block[BlockLenSize+BlockChecksumSize:]
	if xxhash.Sum64(payload) != checksum {
		return nil, fmt.Errorf("%w: row group checksum mismatch at offset %d", ErrCorrupted, g.Offset)
	}

	rc, err := r.compressor.Decompress(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress: %v", ErrCorrupted, err)
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress read: %v", ErrCorrupted, err)
	}

	rows := make([]core.Row, 0, g.RowCount)
	for pos := 0; pos < len(raw); {
		if pos+SeriesKeyLenSize > len(raw) {
			return nil, fmt.Errorf("%w: truncated row header", ErrCorrupted)
		}
		keyLen := int(binary.LittleEndian.Uint16(raw[pos:]))
		pos += SeriesKeyLenSize
		need := keyLen + TimestampSize + SequenceSize + ValueLenSize
		if pos+need > len(raw) {
			return nil, fmt.Errorf("%w: truncated row", ErrCorrupted)
		}
		key := raw[pos : pos+keyLen]
		pos += keyLen
		ts := int64(binary.LittleEndian.Uint64(raw[pos:]))
		pos += TimestampSize
		seq := binary.LittleEndian.Uint64(raw[pos:])
		pos += SequenceSize
		valLen := int(binary.LittleEndian.Uint32(raw[pos:]))
		pos += ValueLenSize
		if pos+valLen > len(raw) {
			return nil, fmt.Errorf("%w: truncated row value", ErrCorrupted)
		}
		val := raw[pos : pos+valLen]
		pos += valLen
		rows = append(rows, core.Row{SeriesKey: key, Timestamp: ts, Sequence: seq, Value: val})
	}
	if uint32(len(rows)) != g.RowCount {
		return nil, fmt.Errorf("%w: row group decoded %d rows, index says %d", ErrCorrupted, len(rows), g.RowCount)
	}
	return rows, nil
}

// Iter returns an iterator over all rows in stored order.
func (r *Reader) Iter() *Iterator {
	return &Iterator{reader: r}
}

// Iterator streams rows out of a Reader, one row group at a time.
type Iterator struct {
	reader *Reader
	group  int
	rows   []core.Row
	pos    int
	cur    core.Row
	err    error
}

// Next advances to the next row. It returns false at the end of the
// segment or on a decode error (check Err).
func (it *Iterator) Next() bool {
	if it.err != nil {
		return false
	}
	for it.pos >= len(it.rows) {
		if it.group >= len(it.reader.groups) {
			return false
		}
		rows, err := it.reader.decodeRowGroup(it.reader.groups[it.group])
		if err != nil {
			it.err = err
			return false
		}
		it.group++
		it.rows = rows
		it.pos = 0
	}
	it.cur = it.rows[it.pos]
	it.pos++
	return true
}

// Row returns the current row. Valid until the next call to Next.
func (it *Iterator) Row() core.Row { return it.cur }

// Err returns the first decode error encountered, if any.
func (it *Iterator) Err() error { return it.err }
