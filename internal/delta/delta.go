package delta

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Delta instruction opcodes.
const (
	opCopy   = 'C'
	opInsert = 'I'
	opEnd    = 'E'
)

// instruction is one internal delta operation before serialization.
type instruction struct {
	op     byte
	offset int64 // copy: byte offset in basis
	length int64
	start  int64 // insert: byte offset of literal run in target
}

// match finds a signature block with the given weak hash whose strong hash
// and length match the window.
func (s *signature) match(weak uint32, window []byte) (blockRef, bool) {
	refs, ok := s.byWeak[weak]
	if !ok {
		return blockRef{}, false
	}
	strong := strongSum(window)
	for _, ref := range refs {
		if ref.length == len(window) && ref.strong == strong {
			return ref, true
		}
	}
	return blockRef{}, false
}

// Delta computes a binary delta that transforms the signature's basis into
// the target content. The target is buffered in memory for the duration of
// the computation.
func Delta(sig []byte, target io.Reader) ([]byte, error) {
	s, err := parseSignature(sig)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(target)
	if err != nil {
		return nil, fmt.Errorf("failed to read target: %w", err)
	}

	var insts []instruction
	appendCopy := func(offset, length int64) {
		if n := len(insts); n > 0 && insts[n-1].op == opCopy &&
			insts[n-1].offset+insts[n-1].length == offset {
			insts[n-1].length += length
			return
		}
		insts = append(insts, instruction{op: opCopy, offset: offset, length: length})
	}

	var (
		pos      int
		litStart int
		weak     uint32
		haveWeak bool
	)
	for pos < len(data) {
		n := s.blockSize
		if rem := len(data) - pos; rem < n {
			n = rem
		}
		if n == s.blockSize {
			if !haveWeak {
				weak = weakSum(data[pos : pos+n])
				haveWeak = true
			}
		} else {
			// Trailing short window: only the signature's short last
			// block can match it.
			weak = weakSum(data[pos : pos+n])
			haveWeak = false
		}

		if ref, ok := s.match(weak, data[pos:pos+n]); ok {
			if litStart < pos {
				insts = append(insts, instruction{
					op:     opInsert,
					start:  int64(litStart),
					length: int64(pos - litStart),
				})
			}
			appendCopy(ref.index*int64(s.blockSize), int64(n))
			pos += n
			litStart = pos
			haveWeak = false
			continue
		}

		if n == s.blockSize && pos+s.blockSize < len(data) {
			weak = weakRoll(weak, data[pos], data[pos+s.blockSize], s.blockSize)
			haveWeak = true
		} else {
			haveWeak = false
		}
		pos++
	}
	if litStart < len(data) {
		insts = append(insts, instruction{
			op:     opInsert,
			start:  int64(litStart),
			length: int64(len(data) - litStart),
		})
	}

	return serializeDelta(s, int64(len(data)), insts, data), nil
}

// serializeDelta encodes the delta header and instruction stream.
func serializeDelta(s *signature, targetSize int64, insts []instruction, data []byte) []byte {
	var out bytes.Buffer
	out.Write(deltaMagic[:])
	out.WriteByte(formatVersion)

	var bs [4]byte
	binary.BigEndian.PutUint32(bs[:], uint32(s.blockSize))
	out.Write(bs[:])
	var sizes [16]byte
	binary.BigEndian.PutUint64(sizes[0:8], uint64(s.basisSize))
	binary.BigEndian.PutUint64(sizes[8:16], uint64(targetSize))
	out.Write(sizes[:])

	var varint [binary.MaxVarintLen64]byte
	for _, inst := range insts {
		out.WriteByte(inst.op)
		switch inst.op {
		case opCopy:
			out.Write(varint[:binary.PutUvarint(varint[:], uint64(inst.offset))])
			out.Write(varint[:binary.PutUvarint(varint[:], uint64(inst.length))])
		case opInsert:
			out.Write(varint[:binary.PutUvarint(varint[:], uint64(inst.length))])
			out.Write(data[inst.start : inst.start+inst.length])
		}
	}
	out.WriteByte(opEnd)
	return out.Bytes()
}
