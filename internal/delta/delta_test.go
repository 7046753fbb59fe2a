package delta

import (
	"bytes"
	"io"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/alexander-backup/internal/domain"
)

// roundTrip computes signature(basis), delta(target) and patches the basis
// back into the target, returning the reconstruction.
func roundTrip(t *testing.T, basis, target []byte) []byte {
	t.Helper()

	sig, err := Signature(bytes.NewReader(basis))
	require.NoError(t, err)

	d, err := Delta(sig, bytes.NewReader(target))
	require.NoError(t, err)

	patcher, err := Patch(bytes.NewReader(basis), bytes.NewReader(d))
	require.NoError(t, err)

	out, err := io.ReadAll(patcher)
	require.NoError(t, err)
	return out
}

func TestDelta_IdenticalContent(t *testing.T) {
	content := bytes.Repeat([]byte("abcdefgh"), 4096)
	out := roundTrip(t, content, content)
	assert.Equal(t, content, out)
}

func TestDelta_SingleByteFlip(t *testing.T) {
	basis := bytes.Repeat([]byte{'A'}, 64*1024)
	target := append([]byte(nil), basis...)
	target[31337] = 'B'

	sig, err := Signature(bytes.NewReader(basis))
	require.NoError(t, err)
	d, err := Delta(sig, bytes.NewReader(target))
	require.NoError(t, err)

	// Most of the file is unchanged, so the delta must be far smaller
	// than the content.
	assert.Less(t, len(d), len(target)/4)

	patcher, err := Patch(bytes.NewReader(basis), bytes.NewReader(d))
	require.NoError(t, err)
	out, err := io.ReadAll(patcher)
	require.NoError(t, err)
	assert.Equal(t, target, out)
}

func TestDelta_Append(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	basis := make([]byte, 10000)
	_, _ = rng.Read(basis)
	target := append(append([]byte(nil), basis...), []byte("and then some new data at the end")...)

	out := roundTrip(t, basis, target)
	assert.Equal(t, target, out)
}

func TestDelta_Prepend(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	basis := make([]byte, 10000)
	_, _ = rng.Read(basis)
	target := append([]byte("inserted front matter"), basis...)

	out := roundTrip(t, basis, target)
	assert.Equal(t, target, out)
}

func TestDelta_Truncate(t *testing.T) {
	basis := bytes.Repeat([]byte("0123456789abcdef"), 2000)
	target := basis[:5000]

	out := roundTrip(t, basis, target)
	assert.Equal(t, target, out)
}

func TestDelta_DisjointContent(t *testing.T) {
	basis := bytes.Repeat([]byte{'x'}, 8192)
	rng := rand.New(rand.NewSource(99))
	target := make([]byte, 8192)
	_, _ = rng.Read(target)

	out := roundTrip(t, basis, target)
	assert.Equal(t, target, out)
}

func TestDelta_EmptyTarget(t *testing.T) {
	basis := []byte("something")
	out := roundTrip(t, basis, nil)
	assert.Empty(t, out)
}

func TestDelta_EmptyBasis(t *testing.T) {
	target := []byte("fresh content with no history")
	out := roundTrip(t, nil, target)
	assert.Equal(t, target, out)
}

func TestDelta_ShortContent(t *testing.T) {
	// Both sides shorter than one signature block.
	basis := []byte("short v1")
	target := []byte("short v2")
	out := roundTrip(t, basis, target)
	assert.Equal(t, target, out)
}

func TestDelta_MiddleEdit(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	basis := make([]byte, 100*1024)
	_, _ = rng.Read(basis)
	target := append([]byte(nil), basis[:50000]...)
	target = append(target, []byte("spliced in the middle")...)
	target = append(target, basis[50000:]...)

	out := roundTrip(t, basis, target)
	assert.Equal(t, target, out)
}

func TestPatch_MalformedDelta(t *testing.T) {
	_, err := Patch(bytes.NewReader(nil), bytes.NewReader([]byte("not a delta at all, nope")))
	assert.ErrorIs(t, err, domain.ErrMalformedDelta)
}

func TestPatch_TruncatedDelta(t *testing.T) {
	basis := bytes.Repeat([]byte{'A'}, 8192)
	sig, err := Signature(bytes.NewReader(basis))
	require.NoError(t, err)
	d, err := Delta(sig, bytes.NewReader(basis))
	require.NoError(t, err)

	patcher, err := Patch(bytes.NewReader(basis), bytes.NewReader(d[:len(d)-1]))
	require.NoError(t, err)
	_, err = io.ReadAll(patcher)
	assert.ErrorIs(t, err, domain.ErrMalformedDelta)
}

func TestPatch_BasisMismatch(t *testing.T) {
	basis := bytes.Repeat([]byte{'A'}, 16*1024)
	sig, err := Signature(bytes.NewReader(basis))
	require.NoError(t, err)
	d, err := Delta(sig, bytes.NewReader(basis))
	require.NoError(t, err)

	// Patch against a much shorter basis than the delta was computed for:
	// copies run past its end.
	_, err = io.Copy(io.Discard, mustPatch(t, bytes.NewReader(basis[:100]), d))
	assert.ErrorIs(t, err, domain.ErrBasisMismatch)
}

func mustPatch(t *testing.T, basis io.ReadSeeker, d []byte) io.Reader {
	t.Helper()
	p, err := Patch(basis, bytes.NewReader(d))
	require.NoError(t, err)
	return p
}

func TestPatch_CopyBeyondBasisEnd(t *testing.T) {
	basis := bytes.Repeat([]byte{'B'}, 8192)
	sig, err := Signature(bytes.NewReader(basis))
	require.NoError(t, err)
	d, err := Delta(sig, bytes.NewReader(basis))
	require.NoError(t, err)

	// Rewrite the recorded basis size down so every copy overruns.
	bad := append([]byte(nil), d...)
	for i := 9; i < 17; i++ {
		bad[i] = 0
	}
	p, err := Patch(bytes.NewReader(basis), bytes.NewReader(bad))
	require.NoError(t, err)
	_, err = io.ReadAll(p)
	assert.ErrorIs(t, err, domain.ErrBasisMismatch)
}

func TestSignatureGenerator_Incremental(t *testing.T) {
	content := bytes.Repeat([]byte("0123456789"), 3000)

	whole, err := Signature(bytes.NewReader(content))
	require.NoError(t, err)

	gen := NewSignatureGenerator(DefaultBlockSize)
	for i := 0; i < len(content); i += 777 {
		end := i + 777
		if end > len(content) {
			end = len(content)
		}
		_, err := gen.Write(content[i:end])
		require.NoError(t, err)
	}
	assert.Equal(t, whole, gen.Generate())
}

func TestWeakRoll_MatchesScratch(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	data := make([]byte, 4096)
	_, _ = rng.Read(data)

	const n = 512
	sum := weakSum(data[0:n])
	for i := 0; i+n < len(data); i++ {
		sum = weakRoll(sum, data[i], data[i+n], n)
		assert.Equal(t, weakSum(data[i+1:i+1+n]), sum, "window at %d", i+1)
	}
}

func TestPatcher_TargetSize(t *testing.T) {
	basis := []byte("previous version of the file")
	target := []byte("current version of the file, slightly longer")

	sig, err := Signature(bytes.NewReader(basis))
	require.NoError(t, err)
	d, err := Delta(sig, bytes.NewReader(target))
	require.NoError(t, err)

	p, err := Patch(bytes.NewReader(basis), bytes.NewReader(d))
	require.NoError(t, err)
	assert.Equal(t, int64(len(target)), p.TargetSize())
}
