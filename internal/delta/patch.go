package delta

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/prn-tf/alexander-backup/internal/domain"
)

// Patcher lazily reconstructs target content from a basis and a delta.
// Each Read returns bytes from at most one copy or insert instruction, so
// it may fill only part of the caller's buffer; nothing is materialized up
// front.
type Patcher struct {
	basis     io.ReadSeeker
	delta     *bufio.Reader
	basisSize int64
	target    int64 // expected reconstructed size
	produced  int64

	// current instruction state
	copying   io.Reader // non-nil while a copy run is being drained
	copyLeft  int64     // bytes the current copy still owes
	inserting int64     // literal bytes still owed by the delta stream
	done      bool
	err       error
}

// Patch parses the delta header and returns a reader yielding the
// reconstructed target bytes.
func Patch(basis io.ReadSeeker, delta io.Reader) (*Patcher, error) {
	r := bufio.NewReader(delta)

	header := make([]byte, 25)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("%w: short delta header", domain.ErrMalformedDelta)
	}
	if string(header[:4]) != string(deltaMagic[:]) {
		return nil, fmt.Errorf("%w: bad delta magic", domain.ErrMalformedDelta)
	}
	if header[4] != formatVersion {
		return nil, fmt.Errorf("%w: unsupported delta version %d", domain.ErrMalformedDelta, header[4])
	}

	return &Patcher{
		basis:     basis,
		delta:     r,
		basisSize: int64(binary.BigEndian.Uint64(header[9:17])),
		target:    int64(binary.BigEndian.Uint64(header[17:25])),
	}, nil
}

// TargetSize returns the size the reconstructed content will have.
func (p *Patcher) TargetSize() int64 {
	return p.target
}

// Read implements io.Reader.
func (p *Patcher) Read(buf []byte) (int, error) {
	if p.err != nil {
		return 0, p.err
	}
	if p.done {
		return 0, io.EOF
	}

	for {
		if p.copying != nil {
			n, err := p.copying.Read(buf)
			if n > 0 {
				p.copyLeft -= int64(n)
				p.produced += int64(n)
				return n, nil
			}
			if err == io.EOF {
				if p.copyLeft > 0 {
					return 0, p.fail(fmt.Errorf("%w: basis ended %d bytes short of a copy",
						domain.ErrBasisMismatch, p.copyLeft))
				}
				p.copying = nil
				continue
			}
			if err != nil {
				return 0, p.fail(fmt.Errorf("%w: basis read failed: %v", domain.ErrBasisMismatch, err))
			}
		}

		if p.inserting > 0 {
			want := int64(len(buf))
			if want > p.inserting {
				want = p.inserting
			}
			n, err := p.delta.Read(buf[:want])
			if n > 0 {
				p.inserting -= int64(n)
				p.produced += int64(n)
				return n, nil
			}
			if err != nil {
				return 0, p.fail(fmt.Errorf("%w: truncated literal run", domain.ErrMalformedDelta))
			}
		}

		if err := p.nextInstruction(); err != nil {
			if err == io.EOF {
				return 0, io.EOF
			}
			return 0, err
		}
		if p.done {
			return 0, io.EOF
		}
	}
}

// nextInstruction decodes the next delta operation and primes the copy or
// insert state.
func (p *Patcher) nextInstruction() error {
	op, err := p.delta.ReadByte()
	if err != nil {
		return p.fail(fmt.Errorf("%w: truncated instruction stream", domain.ErrMalformedDelta))
	}

	switch op {
	case opCopy:
		offset, err := binary.ReadUvarint(p.delta)
		if err != nil {
			return p.fail(fmt.Errorf("%w: bad copy offset", domain.ErrMalformedDelta))
		}
		length, err := binary.ReadUvarint(p.delta)
		if err != nil {
			return p.fail(fmt.Errorf("%w: bad copy length", domain.ErrMalformedDelta))
		}
		if int64(offset)+int64(length) > p.basisSize {
			return p.fail(fmt.Errorf("%w: copy beyond basis end", domain.ErrBasisMismatch))
		}
		if _, err := p.basis.Seek(int64(offset), io.SeekStart); err != nil {
			return p.fail(fmt.Errorf("%w: basis seek failed: %v", domain.ErrBasisMismatch, err))
		}
		p.copying = io.LimitReader(p.basis, int64(length))
		p.copyLeft = int64(length)
		return nil

	case opInsert:
		length, err := binary.ReadUvarint(p.delta)
		if err != nil {
			return p.fail(fmt.Errorf("%w: bad insert length", domain.ErrMalformedDelta))
		}
		p.inserting = int64(length)
		return nil

	case opEnd:
		if p.produced != p.target {
			return p.fail(fmt.Errorf("%w: reconstructed %d bytes, expected %d",
				domain.ErrMalformedDelta, p.produced, p.target))
		}
		p.done = true
		return nil

	default:
		return p.fail(fmt.Errorf("%w: unknown opcode 0x%02x", domain.ErrMalformedDelta, op))
	}
}

// fail latches a terminal error.
func (p *Patcher) fail(err error) error {
	p.err = err
	return err
}
