package catalog

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/stratadb/strata/core"
)

// Binary record codec for the badger backend. All integers are little
// endian; strings are uint16-length-prefixed.

func writeStringWithLength(w io.Writer, s string) error {
	sBytes := []byte(s)
	if len(sBytes) > 0xFFFF {
		return fmt.Errorf("string too long: %d bytes", len(sBytes))
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(len(sBytes))); err != nil {
		return err
	}
	if len(sBytes) > 0 {
		if _, err := w.Write(sBytes); err != nil {
			return err
		}
	}
	return nil
}

func readStringWithLength(r io.Reader) (string, error) {
	var length uint16
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return "", err
	}
	if length == 0 {
		return "", nil
	}
	sBytes := make([]byte, length)
	if _, err := io.ReadFull(r, sBytes); err != nil {
		return "", fmt.Errorf("failed to read string data (expected %d bytes): %w", length, err)
	}
	return string(sBytes), nil
}

func encodeUint64(v uint64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return buf[:]
}

func decodeUint64(data []byte) (uint64, error) {
	if len(data) != 8 {
		return 0, fmt.Errorf("invalid uint64 record length %d", len(data))
	}
	return binary.LittleEndian.Uint64(data), nil
}

func encodeFileMetadata(f core.FileMetadata) ([]byte, error) {
	var buf bytes.Buffer
	fixed := []any{
		uint32(f.DatabaseID), uint32(f.TableID), int32(f.Level),
		f.MinTime, f.MaxTime, f.RowCount, f.SizeBytes, f.Sequence,
	}
	for _, v := range fixed {
		if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
			return nil, fmt.Errorf("failed to encode file metadata: %w", err)
		}
	}
	if err := writeStringWithLength(&buf, f.Path); err != nil {
		return nil, fmt.Errorf("failed to encode file path: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeFileMetadata(data []byte) (core.FileMetadata, error) {
	r := bytes.NewReader(data)
	var (
		dbID, tableID uint32
		level         int32
		f             core.FileMetadata
	)
	for _, dst := range []any{&dbID, &tableID, &level, &f.MinTime, &f.MaxTime, &f.RowCount, &f.SizeBytes, &f.Sequence} {
		if err := binary.Read(r, binary.LittleEndian, dst); err != nil {
			return core.FileMetadata{}, fmt.Errorf("failed to decode file metadata: %w", err)
		}
	}
	path, err := readStringWithLength(r)
	if err != nil {
		return core.FileMetadata{}, fmt.Errorf("failed to decode file path: %w", err)
	}
	f.DatabaseID = core.DBID(dbID)
	f.TableID = core.TableID(tableID)
	f.Level = core.GenerationLevel(level)
	f.Path = path
	return f, nil
}

func encodeTombstone(t Tombstone) ([]byte, error) {
	fileBytes, err := encodeFileMetadata(t.File)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, t.DeleteAfter.UnixNano()); err != nil {
		return nil, fmt.Errorf("failed to encode tombstone delete-after: %w", err)
	}
	buf.Write(fileBytes)
	return buf.Bytes(), nil
}

func decodeTombstone(data []byte) (Tombstone, error) {
	if len(data) < 8 {
		return Tombstone{}, fmt.Errorf("tombstone record too short")
	}
	deleteAfter := int64(binary.LittleEndian.Uint64(data[:8]))
	f, err := decodeFileMetadata(data[8:])
	if err != nil {
		return Tombstone{}, err
	}
	return Tombstone{File: f, DeleteAfter: time.Unix(0, deleteAfter)}, nil
}

func encodeTableRecord(ts *tableState) ([]byte, error) {
	var buf bytes.Buffer
	fixed := []any{uint32(ts.ref.DatabaseID), uint32(ts.ref.TableID), ts.watermark}
	for _, v := range fixed {
		if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
			return nil, fmt.Errorf("failed to encode table record: %w", err)
		}
	}
	if err := writeStringWithLength(&buf, ts.ref.DatabaseName); err != nil {
		return nil, err
	}
	if err := writeStringWithLength(&buf, ts.ref.TableName); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeTableRecord(data []byte) (*tableState, error) {
	r := bytes.NewReader(data)
	var (
		dbID, tableID uint32
		watermark     int64
	)
	for _, dst := range []any{&dbID, &tableID, &watermark} {
		if err := binary.Read(r, binary.LittleEndian, dst); err != nil {
			return nil, fmt.Errorf("failed to decode table record: %w", err)
		}
	}
	dbName, err := readStringWithLength(r)
	if err != nil {
		return nil, err
	}
	tableName, err := readStringWithLength(r)
	if err != nil {
		return nil, err
	}
	return &tableState{
		ref: TableRef{
			DatabaseID:   core.DBID(dbID),
			DatabaseName: dbName,
			TableID:      core.TableID(tableID),
			TableName:    tableName,
		},
		watermark: watermark,
	}, nil
}

func encodeCounterKey(key counterKey) []byte {
	buf := make([]byte, 0, 2+4+4+8)
	buf = append(buf, 'c', ':')
	buf = binary.BigEndian.AppendUint32(buf, uint32(key.Table))
	buf = binary.BigEndian.AppendUint32(buf, uint32(key.Level))
	buf = binary.BigEndian.AppendUint64(buf, uint64(key.BucketStart))
	return buf
}

func decodeCounterKey(key []byte) (counterKey, error) {
	if len(key) != 2+4+4+8 || key[0] != 'c' {
		return counterKey{}, fmt.Errorf("invalid counter key %q", key)
	}
	return counterKey{
		Table:       core.TableID(binary.BigEndian.Uint32(key[2:6])),
		Level:       core.GenerationLevel(binary.BigEndian.Uint32(key[6:10])),
		BucketStart: int64(binary.BigEndian.Uint64(key[10:18])),
	}, nil
}
