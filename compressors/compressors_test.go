package compressors

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratadb/strata/core"
)

func roundTrip(t *testing.T, c core.Compressor, payload []byte) {
	t.Helper()

	compressed, err := c.Compress(payload)
	require.NoError(t, err)

	rc, err := c.Decompress(compressed)
	require.NoError(t, err)
	defer rc.Close()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	var buf bytes.Buffer
	require.NoError(t, c.CompressTo(&buf, payload))
	rc2, err := c.Decompress(buf.Bytes())
	require.NoError(t, err)
	defer rc2.Close()
	got2, err := io.ReadAll(rc2)
	require.NoError(t, err)
	assert.Equal(t, payload, got2)
}

func TestCompressorsRoundTrip(t *testing.T) {
	payloads := map[string][]byte{
		"empty":      {},
		"short":      []byte("hello"),
		"repetitive": bytes.Repeat([]byte("timeseries "), 1000),
	}
	compressors := []core.Compressor{
		&NoCompressionCompressor{},
		NewSnappyCompressor(),
		NewLz4Compressor(),
		NewZstdCompressor(),
	}
	for _, c := range compressors {
		for name, payload := range payloads {
			t.Run(c.Type().String()+"/"+name, func(t *testing.T) {
				roundTrip(t, c, payload)
			})
		}
	}
}

func TestForName(t *testing.T) {
	cases := map[string]core.CompressionType{
		"":       core.CompressionNone,
		"none":   core.CompressionNone,
		"snappy": core.CompressionSnappy,
		"SNAPPY": core.CompressionSnappy,
		"lz4":    core.CompressionLZ4,
		"zstd":   core.CompressionZSTD,
	}
	for name, want := range cases {
		c, err := ForName(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, c.Type(), name)
	}

	_, err := ForName("brotli")
	assert.Error(t, err)
}

func TestForTypeMatchesForName(t *testing.T) {
	for _, ct := range []core.CompressionType{core.CompressionNone, core.CompressionSnappy, core.CompressionLZ4, core.CompressionZSTD} {
		c, err := ForType(ct)
		require.NoError(t, err)
		assert.Equal(t, ct, c.Type())
	}
	_, err := ForType(core.CompressionType(200))
	assert.Error(t, err)
}
