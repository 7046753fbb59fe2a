// Package delta implements rsync-style binary deltas: block signatures of a
// basis, delta computation against a signature, and streaming patch
// application reconstructing a target from a basis plus a delta.
package delta

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/prn-tf/alexander-backup/internal/domain"
)

const (
	// DefaultBlockSize is the signature block size used when the caller
	// does not pick one.
	DefaultBlockSize = 2048

	// strongSize is the number of strong-hash bytes kept per block.
	strongSize = 16
)

var (
	sigMagic   = [4]byte{'A', 'B', 'S', 'G'}
	deltaMagic = [4]byte{'A', 'B', 'D', 'T'}
)

const formatVersion = 1

// weakMod is the Adler-style modulus for the rolling hash.
const weakMod = 65521

// weakSum computes the rolling weak hash of a block from scratch.
func weakSum(block []byte) uint32 {
	var a, b uint32
	for _, c := range block {
		a = (a + uint32(c)) % weakMod
		b = (b + a) % weakMod
	}
	return b<<16 | a
}

// weakRoll slides the weak hash one byte forward: out leaves the window,
// in enters it. n is the window length.
func weakRoll(sum uint32, out, in byte, n int) uint32 {
	a := sum & 0xffff
	b := sum >> 16
	a = (a + weakMod + uint32(in) - uint32(out)) % weakMod
	b = (b + weakMod*uint32(n) + a - uint32(n)*uint32(out)) % weakMod
	return b<<16 | a
}

// strongSum computes the strong per-block hash.
func strongSum(block []byte) [strongSize]byte {
	full := sha256.Sum256(block)
	var s [strongSize]byte
	copy(s[:], full[:strongSize])
	return s
}

// SignatureGenerator accumulates the block signature of a stream as it is
// written through. It can be fed incrementally, which lets the ingest
// pipeline build next-version signatures while hashing and compressing.
type SignatureGenerator struct {
	blockSize int
	buf       []byte
	total     int64
	blocks    bytes.Buffer
}

// NewSignatureGenerator creates a generator with the given block size
// (DefaultBlockSize if zero or negative).
func NewSignatureGenerator(blockSize int) *SignatureGenerator {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &SignatureGenerator{blockSize: blockSize}
}

// Write implements io.Writer over the basis content.
func (g *SignatureGenerator) Write(p []byte) (int, error) {
	g.total += int64(len(p))
	g.buf = append(g.buf, p...)
	for len(g.buf) >= g.blockSize {
		g.emit(g.buf[:g.blockSize])
		g.buf = g.buf[g.blockSize:]
	}
	return len(p), nil
}

// emit appends one block entry to the signature body.
func (g *SignatureGenerator) emit(block []byte) {
	var w [4]byte
	binary.BigEndian.PutUint32(w[:], weakSum(block))
	g.blocks.Write(w[:])
	s := strongSum(block)
	g.blocks.Write(s[:])
}

// Generate finalizes the signature, emitting the trailing short block, and
// returns the serialized signature bytes.
func (g *SignatureGenerator) Generate() []byte {
	if len(g.buf) > 0 {
		g.emit(g.buf)
		g.buf = nil
	}

	var out bytes.Buffer
	out.Write(sigMagic[:])
	out.WriteByte(formatVersion)
	var bs [4]byte
	binary.BigEndian.PutUint32(bs[:], uint32(g.blockSize))
	out.Write(bs[:])
	var total [8]byte
	binary.BigEndian.PutUint64(total[:], uint64(g.total))
	out.Write(total[:])
	out.Write(g.blocks.Bytes())
	return out.Bytes()
}

// Signature computes the serialized block signature of an entire basis
// stream with the default block size.
func Signature(basis io.Reader) ([]byte, error) {
	g := NewSignatureGenerator(DefaultBlockSize)
	if _, err := io.Copy(g, basis); err != nil {
		return nil, fmt.Errorf("failed to read basis: %w", err)
	}
	return g.Generate(), nil
}

// blockRef locates one signature block in the basis.
type blockRef struct {
	index  int64
	strong [strongSize]byte
	length int
}

// signature is the parsed, lookup-ready form of a serialized signature.
type signature struct {
	blockSize int
	basisSize int64
	byWeak    map[uint32][]blockRef
}

// parseSignature decodes serialized signature bytes.
func parseSignature(sig []byte) (*signature, error) {
	if len(sig) < 17 || !bytes.Equal(sig[:4], sigMagic[:]) {
		return nil, fmt.Errorf("%w: bad signature header", domain.ErrMalformedDelta)
	}
	if sig[4] != formatVersion {
		return nil, fmt.Errorf("%w: unsupported signature version %d", domain.ErrMalformedDelta, sig[4])
	}
	blockSize := int(binary.BigEndian.Uint32(sig[5:9]))
	basisSize := int64(binary.BigEndian.Uint64(sig[9:17]))
	if blockSize <= 0 {
		return nil, fmt.Errorf("%w: zero block size", domain.ErrMalformedDelta)
	}

	body := sig[17:]
	entrySize := 4 + strongSize
	if len(body)%entrySize != 0 {
		return nil, fmt.Errorf("%w: truncated signature body", domain.ErrMalformedDelta)
	}

	s := &signature{
		blockSize: blockSize,
		basisSize: basisSize,
		byWeak:    make(map[uint32][]blockRef),
	}
	count := len(body) / entrySize
	remaining := basisSize
	for i := 0; i < count; i++ {
		off := i * entrySize
		weak := binary.BigEndian.Uint32(body[off : off+4])
		ref := blockRef{index: int64(i)}
		copy(ref.strong[:], body[off+4:off+entrySize])
		if remaining >= int64(blockSize) {
			ref.length = blockSize
		} else {
			ref.length = int(remaining)
		}
		remaining -= int64(ref.length)
		s.byWeak[weak] = append(s.byWeak[weak], ref)
	}
	return s, nil
}
