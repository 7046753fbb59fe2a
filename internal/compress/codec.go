// Package compress provides the streaming compression codec used around
// blob payloads, together with the ingest-side reader that hashes content
// and accumulates a delta signature while it streams through.
package compress

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/prn-tf/alexander-backup/internal/delta"
)

// readChunkSize is how much plaintext is pulled from the source per fill.
const readChunkSize = 32 * 1024

// Options configures an ingest Reader.
type Options struct {
	// Compress enables zstd compression of the stream. When false the
	// reader is a passthrough that still hashes and counts.
	Compress bool

	// Hasher receives every plaintext byte; its final digest is the
	// content checksum. Usually the dataset's auth hasher.
	Hasher hash.Hash

	// Signature enables accumulation of a delta block signature of the
	// plaintext, for use as the basis signature of a future version.
	Signature bool

	// BlockSize is the signature block size (delta.DefaultBlockSize if 0).
	BlockSize int
}

// Reader wraps a content stream for ingest. Reads yield the processed
// (possibly compressed) bytes while the plaintext is hashed and measured
// on the way through.
type Reader struct {
	source  io.Reader
	opts    Options
	sig     *delta.SignatureGenerator
	encoder *zstd.Encoder
	buf     bytes.Buffer

	totalSize      int64
	compressedSize int64
	srcDone        bool
	scratch        []byte
}

// NewReader creates an ingest reader over source.
func NewReader(source io.Reader, opts Options) (*Reader, error) {
	r := &Reader{
		source:  source,
		opts:    opts,
		scratch: make([]byte, readChunkSize),
	}
	if opts.Signature {
		r.sig = delta.NewSignatureGenerator(opts.BlockSize)
	}
	if opts.Compress {
		// Single-threaded so the encoder only touches buf from our own
		// Read calls.
		enc, err := zstd.NewWriter(&r.buf, zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		r.encoder = enc
	}
	return r, nil
}

// observe feeds plaintext into the hash and signature accumulators.
func (r *Reader) observe(p []byte) {
	r.totalSize += int64(len(p))
	if r.opts.Hasher != nil {
		r.opts.Hasher.Write(p)
	}
	if r.sig != nil {
		r.sig.Write(p)
	}
}

// Read implements io.Reader.
func (r *Reader) Read(p []byte) (int, error) {
	if !r.opts.Compress {
		n, err := r.source.Read(p)
		if n > 0 {
			r.observe(p[:n])
			r.compressedSize += int64(n)
		}
		return n, err
	}

	for {
		if r.buf.Len() > 0 {
			n, _ := r.buf.Read(p)
			r.compressedSize += int64(n)
			return n, nil
		}
		if r.srcDone {
			return 0, io.EOF
		}

		n, err := r.source.Read(r.scratch)
		if n > 0 {
			r.observe(r.scratch[:n])
			if _, werr := r.encoder.Write(r.scratch[:n]); werr != nil {
				return 0, fmt.Errorf("failed to compress: %w", werr)
			}
		}
		if err == io.EOF {
			if cerr := r.encoder.Close(); cerr != nil {
				return 0, fmt.Errorf("failed to finish compression: %w", cerr)
			}
			r.srcDone = true
			continue
		}
		if err != nil {
			return 0, err
		}
	}
}

// TotalSize returns the number of plaintext bytes consumed so far.
func (r *Reader) TotalSize() int64 {
	return r.totalSize
}

// CompressedSize returns the number of output bytes produced so far.
func (r *Reader) CompressedSize() int64 {
	return r.compressedSize
}

// IsCompressed reports whether the output stream is compressed.
func (r *Reader) IsCompressed() bool {
	return r.opts.Compress
}

// Checksum returns the hex digest of the plaintext hashed so far. Only
// meaningful once the stream has been fully read.
func (r *Reader) Checksum() string {
	if r.opts.Hasher == nil {
		return ""
	}
	return hex.EncodeToString(r.opts.Hasher.Sum(nil))
}

// Signature finalizes and returns the accumulated delta signature, or nil
// when signature accumulation was not requested.
func (r *Reader) Signature() []byte {
	if r.sig == nil {
		return nil
	}
	return r.sig.Generate()
}

// decompressor adapts a zstd decoder to io.ReadCloser, releasing the
// decoder on Close.
type decompressor struct {
	dec *zstd.Decoder
}

func (d *decompressor) Read(p []byte) (int, error) {
	return d.dec.Read(p)
}

func (d *decompressor) Close() error {
	d.dec.Close()
	return nil
}

// NewDecompressor wraps a compressed stream for streaming decompression.
func NewDecompressor(source io.Reader) (io.ReadCloser, error) {
	dec, err := zstd.NewReader(source, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &decompressor{dec: dec}, nil
}
