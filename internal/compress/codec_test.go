package compress

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/alexander-backup/internal/delta"
)

func TestReader_CompressRoundTrip(t *testing.T) {
	content := bytes.Repeat([]byte("compressible content! "), 10000)

	r, err := NewReader(bytes.NewReader(content), Options{Compress: true, Hasher: md5.New()})
	require.NoError(t, err)

	compressed, err := io.ReadAll(r)
	require.NoError(t, err)

	assert.Equal(t, int64(len(content)), r.TotalSize())
	assert.Equal(t, int64(len(compressed)), r.CompressedSize())
	assert.True(t, r.IsCompressed())
	assert.Less(t, len(compressed), len(content))

	sum := md5.Sum(content)
	assert.Equal(t, hex.EncodeToString(sum[:]), r.Checksum())

	dec, err := NewDecompressor(bytes.NewReader(compressed))
	require.NoError(t, err)
	defer dec.Close()
	out, err := io.ReadAll(dec)
	require.NoError(t, err)
	assert.Equal(t, content, out)
}

func TestReader_Passthrough(t *testing.T) {
	content := []byte("uncompressed payload")

	r, err := NewReader(bytes.NewReader(content), Options{Compress: false, Hasher: md5.New()})
	require.NoError(t, err)

	out, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, content, out)
	assert.Equal(t, int64(len(content)), r.TotalSize())
	assert.Equal(t, int64(len(content)), r.CompressedSize())
	assert.False(t, r.IsCompressed())
}

func TestReader_EmptyContent(t *testing.T) {
	r, err := NewReader(bytes.NewReader(nil), Options{Compress: true, Hasher: md5.New()})
	require.NoError(t, err)

	compressed, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, int64(0), r.TotalSize())

	dec, err := NewDecompressor(bytes.NewReader(compressed))
	require.NoError(t, err)
	defer dec.Close()
	out, err := io.ReadAll(dec)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestReader_SignatureAccumulation(t *testing.T) {
	content := bytes.Repeat([]byte("0123456789abcdef"), 4096)

	r, err := NewReader(bytes.NewReader(content), Options{Compress: true, Signature: true})
	require.NoError(t, err)
	_, err = io.ReadAll(r)
	require.NoError(t, err)

	// The accumulated signature must match one computed directly over the
	// plaintext.
	direct, err := delta.Signature(bytes.NewReader(content))
	require.NoError(t, err)
	assert.Equal(t, direct, r.Signature())
}

func TestReader_NoHasher(t *testing.T) {
	r, err := NewReader(bytes.NewReader([]byte("data")), Options{})
	require.NoError(t, err)
	_, err = io.ReadAll(r)
	require.NoError(t, err)
	assert.Empty(t, r.Checksum())
	assert.Nil(t, r.Signature())
}
