package compressors

import (
	"fmt"
	"strings"

	"github.com/stratadb/strata/core"
)

// ForName returns the compressor for a config-supplied algorithm name.
func ForName(name string) (core.Compressor, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return &NoCompressionCompressor{}, nil
	case "snappy":
		return NewSnappyCompressor(), nil
	case "lz4":
		return NewLz4Compressor(), nil
	case "zstd":
		return NewZstdCompressor(), nil
	default:
		return nil, fmt.Errorf("unknown compression algorithm: %q", name)
	}
}

// ForType returns the compressor matching an on-disk CompressionType tag.
func ForType(ct core.CompressionType) (core.Compressor, error) {
	switch ct {
	case core.CompressionNone:
		return &NoCompressionCompressor{}, nil
	case core.CompressionSnappy:
		return NewSnappyCompressor(), nil
	case core.CompressionLZ4:
		return NewLz4Compressor(), nil
	case core.CompressionZSTD:
		return NewZstdCompressor(), nil
	default:
		return nil, fmt.Errorf("unknown compression type: %d", ct)
	}
}
