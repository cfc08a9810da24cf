package engram

import (
	"bytes"
	"fmt"
	"io"

	"github.com/blackfall-labs/engram/internal/aead"
	"github.com/blackfall-labs/engram/internal/blockcache"
	"github.com/blackfall-labs/engram/internal/codec"
	"github.com/blackfall-labs/engram/internal/frame"
	"github.com/blackfall-labs/engram/internal/pathnorm"
)

// RandomAccess exposes one archive entry as a read-only random-access byte
// range, the primitive the Database Storage Adapter's VFS file handle is
// built on (spec §4.5 "open_random_access", §4.9).
type RandomAccess struct {
	r       *Reader
	entryID int
	size    int64

	// frameIdx is non-nil for entries at or above the Frame Codec
	// threshold; reads are served frame-by-frame through the Block Cache.
	// Smaller entries are decoded once, in full, and cached as a single
	// "frame 0".
	frameIdx *frame.Index
	payload  *entryReaderAt

	// framePayload is the io.ReaderAt frameIdx.ReadFrame reads from: same
	// as payload, except for EncryptionPerEntry archives, where it is the
	// once-decrypted frame container (AEAD ciphertext cannot be addressed
	// by byte range, so per-entry encrypted frame-encoded entries pay one
	// up-front decrypt at OpenRandomAccess in exchange for per-frame reads
	// thereafter).
	framePayload io.ReaderAt
}

// OpenRandomAccess returns a [RandomAccess] handle for path without reading
// its full plaintext eagerly; bytes are decompressed and cached lazily, a
// frame at a time for frame-encoded entries.
func (r *Reader) OpenRandomAccess(path string) (*RandomAccess, error) {
	i, ok := r.index[pathnorm.Intern(path)]
	if !ok {
		return nil, &Error{Kind: PathError, Op: "open_random_access", Path: path, Err: fmt.Errorf("not found")}
	}
	e := &r.entries[i]
	if e.UncompressedSize > r.cfg.plaintextCeiling {
		return nil, &Error{Kind: ResourceExceeded, Op: "open_random_access", Path: path, Err: fmt.Errorf("uncompressed_size %d exceeds ceiling %d", e.UncompressedSize, r.cfg.plaintextCeiling)}
	}

	_, payload, err := r.localPayload(i)
	if err != nil {
		return nil, err
	}

	ra := &RandomAccess{r: r, entryID: i, size: e.UncompressedSize, payload: payload, framePayload: payload}

	if e.UncompressedSize >= frame.Threshold {
		storedSize := e.CompressedSize
		if r.header.encryptionMode() == EncryptionPerEntry {
			decrypted, err := ra.storedForIndexing()
			if err != nil {
				return nil, err
			}
			ra.framePayload = decrypted
			storedSize = int64(decrypted.Len())
		}
		idx, err := frame.ParseIndex(ra.framePayload, storedSize, codec.Method(e.Method), e.UncompressedSize)
		if err != nil {
			return nil, &Error{Kind: FormatError, Op: "open_random_access", Path: path, Err: err}
		}
		ra.frameIdx = idx
	}
	return ra, nil
}

// storedForIndexing decrypts the entry's per-entry AEAD envelope once,
// returning the frame container underneath it. Per-entry encrypted
// archives must be unwrapped up front since AEAD ciphertext cannot be
// addressed by byte range; the frame table underneath it still allows
// per-frame range reads of the plaintext it wraps thereafter.
func (ra *RandomAccess) storedForIndexing() (*bytes.Reader, error) {
	raw := make([]byte, ra.payload.Size())
	if _, err := ra.payload.ReadAt(raw, 0); err != nil {
		return nil, &Error{Kind: IoError, Op: "open_random_access", Path: ra.r.entries[ra.entryID].Path, Err: err}
	}
	opened, err := ra.r.openPerEntry(raw, ra.r.entries[ra.entryID].Path)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(opened), nil
}

// Size returns the entry's uncompressed length.
func (ra *RandomAccess) Size() int64 { return ra.size }

// ReadAt serves plaintext bytes [off, off+len(p)) of the entry, decoding
// (and caching) only the frames the range touches.
func (ra *RandomAccess) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= ra.size {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, &Error{Kind: IoError, Op: "read_at", Path: ra.r.entries[ra.entryID].Path, Err: fmt.Errorf("offset %d out of range [0,%d)", off, ra.size)}
	}
	end := off + int64(len(p))
	if end > ra.size {
		end = ra.size
	}
	want := end - off

	if ra.frameIdx == nil {
		return ra.readWhole(p[:want], off)
	}
	return ra.readFramed(p[:want], off)
}

// readWhole handles entries below the frame threshold: the whole
// decompressed entry is decoded once and cached under frame index 0.
func (ra *RandomAccess) readWhole(p []byte, off int64) (int, error) {
	key := blockcache.Key{ArchiveID: ra.r.archiveID, EntryID: uint64(ra.entryID), Frame: 0}
	plain, err := ra.r.cache.GetOrLoad(key, func() ([]byte, error) {
		e := &ra.r.entries[ra.entryID]
		stored := make([]byte, ra.payload.Size())
		if _, err := ra.payload.ReadAt(stored, 0); err != nil {
			return nil, err
		}
		if ra.r.header.encryptionMode() == EncryptionPerEntry {
			opened, err := ra.r.openPerEntry(stored, e.Path)
			if err != nil {
				return nil, err
			}
			stored = opened
		}
		return codec.Decompress(stored, codec.Method(e.Method), e.UncompressedSize)
	})
	if err != nil {
		return 0, &Error{Kind: DecompressionError, Op: "read_at", Path: ra.r.entries[ra.entryID].Path, Err: err}
	}
	n := copy(p, plain[off:])
	return n, nil
}

// readFramed serves a range that may span multiple frames, each fetched
// and cached independently.
func (ra *RandomAccess) readFramed(p []byte, off int64) (int, error) {
	e := &ra.r.entries[ra.entryID]
	first, last := frame.FramesForRange(off, int64(len(p)))
	written := 0
	for f := first; f <= last; f++ {
		key := blockcache.Key{ArchiveID: ra.r.archiveID, EntryID: uint64(ra.entryID), Frame: int64(f)}
		chunk, err := ra.r.cache.GetOrLoad(key, func() ([]byte, error) {
			return ra.frameIdx.ReadFrame(ra.framePayload, f)
		})
		if err != nil {
			return written, &Error{Kind: DecompressionError, Op: "read_at", Path: e.Path, Err: err}
		}
		frameStart := int64(f) * frame.Size
		lo := int64(0)
		if off > frameStart {
			lo = off - frameStart
		}
		hi := int64(len(chunk))
		if frameStart+hi > off+int64(len(p)) {
			hi = off + int64(len(p)) - frameStart
		}
		if lo >= hi {
			continue
		}
		n := copy(p[written:], chunk[lo:hi])
		written += n
	}
	return written, nil
}

// openPerEntry decrypts one entry's per-entry AEAD envelope.
func (r *Reader) openPerEntry(stored []byte, path string) ([]byte, error) {
	plain, err := aead.Open(r.aeadKey, stored, []byte(path))
	if err != nil {
		return nil, &Error{Kind: DecryptionFailed, Op: "read", Path: path, Err: err}
	}
	return plain, nil
}
