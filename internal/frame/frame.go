// Package frame implements the Frame Codec: the sub-format that splits a
// large entry's payload into independently compressed 64 KiB-plaintext
// chunks so that an arbitrary byte range can be served without
// decompressing the whole entry. Spec §3 "Frame-Encoded Entry Payload"
// and §4.2.
package frame

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/blackfall-labs/engram/internal/codec"
)

// Size is the plaintext size of every frame except possibly the last.
const Size = 65536

// Threshold is the uncompressed_size at or above which an entry is
// frame-encoded rather than stored as one compressed blob (spec §4.2).
const Threshold = 52_428_800 // 50 MiB

// Encode splits plaintext into Size-byte chunks, compresses each
// independently with method, and returns the frame-encoded stored form:
//
//	frame_count uint32 LE
//	repeated frame_count times: compressed_size uint32 LE, compressed_bytes
//
// method None still frames the payload (identity "compression" per frame)
// so that large uncompressed entries keep the range-read benefit of frame
// indexing, per spec §4.2.
func Encode(plaintext []byte, method codec.Method) ([]byte, error) {
	frameCount := frameCountFor(int64(len(plaintext)))

	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out, uint32(frameCount))

	for i := 0; i < frameCount; i++ {
		lo := i * Size
		hi := min(lo+Size, len(plaintext))
		compressed, err := codec.Compress(plaintext[lo:hi], method)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
		hdr := make([]byte, 4)
		binary.LittleEndian.PutUint32(hdr, uint32(len(compressed)))
		out = append(out, hdr...)
		out = append(out, compressed...)
	}
	return out, nil
}

func frameCountFor(plaintextLen int64) int {
	if plaintextLen == 0 {
		return 0
	}
	return int((plaintextLen + Size - 1) / Size)
}

// FrameForOffset maps a plaintext byte offset to its covering frame index.
func FrameForOffset(off int64) int { return int(off / Size) }

// FramesForRange returns the inclusive [first, last] frame indices that
// cover the plaintext byte range [off, off+length).
func FramesForRange(off, length int64) (first, last int) {
	first = FrameForOffset(off)
	if length <= 0 {
		return first, first
	}
	last = FrameForOffset(off + length - 1)
	return first, last
}

// Index is a parsed frame table: the byte offset and compressed length of
// each frame within the stored payload, so that a single frame can be
// fetched with one ReadAt instead of a sequential scan.
type Index struct {
	method       codec.Method
	uncompressed int64
	frameOffsets []int64
	frameLengths []int64
}

// ParseIndex reads the frame_count and per-frame size headers from r (a
// view over exactly the entry's stored payload) and builds an Index.
func ParseIndex(r io.ReaderAt, storedSize int64, method codec.Method, uncompressedSize int64) (*Index, error) {
	var countBuf [4]byte
	if _, err := r.ReadAt(countBuf[:], 0); err != nil {
		return nil, fmt.Errorf("frame index: read frame_count: %w", err)
	}
	frameCount := int(binary.LittleEndian.Uint32(countBuf[:]))

	idx := &Index{
		method:       method,
		uncompressed: uncompressedSize,
		frameOffsets: make([]int64, frameCount),
		frameLengths: make([]int64, frameCount),
	}

	pos := int64(4)
	for i := 0; i < frameCount; i++ {
		var sizeBuf [4]byte
		if _, err := r.ReadAt(sizeBuf[:], pos); err != nil {
			return nil, fmt.Errorf("frame index: frame %d size: %w", i, err)
		}
		compressedSize := int64(binary.LittleEndian.Uint32(sizeBuf[:]))
		pos += 4
		idx.frameOffsets[i] = pos
		idx.frameLengths[i] = compressedSize
		pos += compressedSize
	}
	if pos > storedSize {
		return nil, fmt.Errorf("frame index: declared frames overrun stored payload (%d > %d)", pos, storedSize)
	}

	wantFrames := frameCountFor(uncompressedSize)
	if frameCount != wantFrames {
		return nil, fmt.Errorf("frame index: frame_count %d does not match uncompressed_size %d (want %d)", frameCount, uncompressedSize, wantFrames)
	}
	return idx, nil
}

// NumFrames returns the number of frames in the index.
func (idx *Index) NumFrames() int { return len(idx.frameOffsets) }

// PlaintextLen returns the plaintext length of frame i (Size, except
// possibly shorter for the last frame).
func (idx *Index) PlaintextLen(i int) int64 {
	if i == len(idx.frameOffsets)-1 {
		return idx.uncompressed - int64(i)*Size
	}
	return Size
}

// ReadFrame fetches and decompresses frame i from the stored payload
// exposed by r.
func (idx *Index) ReadFrame(r io.ReaderAt, i int) ([]byte, error) {
	if i < 0 || i >= len(idx.frameOffsets) {
		return nil, fmt.Errorf("frame index: frame %d out of range [0,%d)", i, len(idx.frameOffsets))
	}
	buf := make([]byte, idx.frameLengths[i])
	if _, err := r.ReadAt(buf, idx.frameOffsets[i]); err != nil {
		return nil, fmt.Errorf("frame index: read frame %d: %w", i, err)
	}
	return codec.Decompress(buf, idx.method, idx.PlaintextLen(i))
}
