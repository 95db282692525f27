package segment

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/cespare/xxhash/v2"
	"github.com/stratadb/strata/core"
)

// WriterOptions holds configuration for creating a new Writer.
type WriterOptions struct {
	Compressor core.Compressor
	// TargetRowGroupRows is the row count at which the current row group
	// is flushed. Defaults to DefaultRowGroupRows.
	TargetRowGroupRows int
	Logger             *slog.Logger
}

// Writer encodes rows into an in-memory segment. Rows must be appended in
// merge order (non-decreasing timestamp; ties broken upstream); the writer
// records the time range but does not reorder.
type Writer struct {
	buf        bytes.Buffer // encoded file so far (header + flushed groups)
	pending    bytes.Buffer // raw rows of the current row group
	pendingCnt uint32

	compressor core.Compressor
	targetRows int
	logger     *slog.Logger

	groups     []rowGroupMeta
	rowCount   uint64
	minTime    int64
	maxTime    int64
	pendingMin int64
	pendingMax int64
	finished   bool
}

// NewWriter creates a Writer and emits the file header.
func NewWriter(opts WriterOptions) (*Writer, error) {
	if opts.Compressor == nil {
		return nil, fmt.Errorf("segment writer requires a compressor")
	}
	targetRows := opts.TargetRowGroupRows
	if targetRows <= 0 {
		targetRows = DefaultRowGroupRows
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	w := &Writer{
		compressor: opts.Compressor,
		targetRows: targetRows,
		logger:     logger.With("component", "SegmentWriter"),
	}
	header := core.NewFileHeader(Magic, opts.Compressor.Type())
	if err := binary.Write(&w.buf, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to write segment header: %w", err)
	}
	return w, nil
}

// Append adds one row to the current row group, flushing it when the
// target row count is reached.
func (w *Writer) Append(row core.Row) error {
	if w.finished {
		return fmt.Errorf("segment writer already finished")
	}
	if len(row.SeriesKey) > 0xFFFF {
		return fmt.Errorf("series key too long: %d bytes", len(row.SeriesKey))
	}

	if w.rowCount == 0 && w.pendingCnt == 0 {
		w.minTime = row.Timestamp
		w.maxTime = row.Timestamp
	} else {
		if row.Timestamp < w.minTime {
			w.minTime = row.Timestamp
		}
		if row.Timestamp > w.maxTime {
			w.maxTime = row.Timestamp
		}
	}
	if w.pendingCnt == 0 {
		w.pendingMin = row.Timestamp
		w.pendingMax = row.Timestamp
	} else {
		if row.Timestamp < w.pendingMin {
			w.pendingMin = row.Timestamp
		}
		if row.Timestamp > w.pendingMax {
			w.pendingMax = row.Timestamp
		}
	}

	var scratch [8]byte
	binary.LittleEndian.PutUint16(scratch[:2], uint16(len(row.SeriesKey)))
	w.pending.Write(scratch[:2])
	w.pending.Write(row.SeriesKey)
	binary.LittleEndian.PutUint64(scratch[:], uint64(row.Timestamp))
	w.pending.Write(scratch[:])
	binary.LittleEndian.PutUint64(scratch[:], row.Sequence)
	w.pending.Write(scratch[:])
	binary.LittleEndian.PutUint32(scratch[:4], uint32(len(row.Value)))
	w.pending.Write(scratch[:4])
	w.pending.Write(row.Value)

	w.pendingCnt++
	if int(w.pendingCnt) >= w.targetRows {
		return w.flushRowGroup()
	}
	return nil
}

// flushRowGroup compresses and appends the pending rows as one block.
func (w *Writer) flushRowGroup() error {
	if w.pendingCnt == 0 {
		return nil
	}
	compressed := core.BufferPool.Get()
	defer core.BufferPool.Put(compressed)

	if err := w.compressor.CompressTo(compressed, w.pending.Bytes()); err != nil {
		return fmt.Errorf("failed to compress row group: %w", err)
	}

	offset := uint64(w.buf.Len())
	var scratch [8]byte
	binary.LittleEndian.PutUint32(scratch[:4], uint32(compressed.Len()))
	w.buf.Write(scratch[:4])
	binary.LittleEndian.PutUint64(scratch[:], xxhash.Sum64(compressed.Bytes()))
	w.buf.Write(scratch[:])
	w.buf.Write(compressed.Bytes())

	w.groups = append(w.groups, rowGroupMeta{
		Offset:   offset,
		Length:   uint32(BlockLenSize + BlockChecksumSize + compressed.Len()),
		MinTime:  w.pendingMin,
		MaxTime:  w.pendingMax,
		RowCount: w.pendingCnt,
	})
	w.rowCount += uint64(w.pendingCnt)
	w.pending.Reset()
	w.pendingCnt = 0
	return nil
}

// RowCount returns the number of rows appended so far.
func (w *Writer) RowCount() uint64 {
	return w.rowCount + uint64(w.pendingCnt)
}

// EstimatedSize returns the encoded bytes buffered so far. Callers use it
// to decide when to roll over to a new output file.
func (w *Writer) EstimatedSize() int64 {
	return int64(w.buf.Len() + w.pending.Len())
}

// MinTime returns the smallest appended timestamp.
func (w *Writer) MinTime() int64 { return w.minTime }

// MaxTime returns the largest appended timestamp.
func (w *Writer) MaxTime() int64 { return w.maxTime }

// Finish flushes the last row group, writes the index and footer, and
// returns the complete encoded file.
func (w *Writer) Finish() ([]byte, error) {
	if w.finished {
		return nil, fmt.Errorf("segment writer already finished")
	}
	if w.RowCount() == 0 {
		return nil, ErrEmptySegment
	}
	if err := w.flushRowGroup(); err != nil {
		return nil, err
	}
	w.finished = true

	indexOffset := uint64(w.buf.Len())
	var scratch [8]byte
	for _, g := range w.groups {
		binary.LittleEndian.PutUint64(scratch[:], g.Offset)
		w.buf.Write(scratch[:])
		binary.LittleEndian.PutUint32(scratch[:4], g.Length)
		w.buf.Write(scratch[:4])
		binary.LittleEndian.PutUint64(scratch[:], uint64(g.MinTime))
		w.buf.Write(scratch[:])
		binary.LittleEndian.PutUint64(scratch[:], uint64(g.MaxTime))
		w.buf.Write(scratch[:])
		binary.LittleEndian.PutUint32(scratch[:4], g.RowCount)
		w.buf.Write(scratch[:4])
	}

	binary.LittleEndian.PutUint64(scratch[:], indexOffset)
	w.buf.Write(scratch[:])
	binary.LittleEndian.PutUint32(scratch[:4], uint32(len(w.groups)))
	w.buf.Write(scratch[:4])
	binary.LittleEndian.PutUint64(scratch[:], w.rowCount)
	w.buf.Write(scratch[:])
	binary.LittleEndian.PutUint64(scratch[:], uint64(w.minTime))
	w.buf.Write(scratch[:])
	binary.LittleEndian.PutUint64(scratch[:], uint64(w.maxTime))
	w.buf.Write(scratch[:])
	w.buf.WriteString(MagicString)

	return w.buf.Bytes(), nil
}
