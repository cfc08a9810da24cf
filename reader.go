package engram

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/cespare/xxhash/v2"

	"github.com/blackfall-labs/engram/internal/aead"
	"github.com/blackfall-labs/engram/internal/blockcache"
	"github.com/blackfall-labs/engram/internal/codec"
	"github.com/blackfall-labs/engram/internal/frame"
	"github.com/blackfall-labs/engram/internal/pathnorm"
)

// Entry describes one stored object's metadata, as listed in the central
// directory (spec §3 "Central Directory Entry").
type Entry struct {
	Path             string
	UncompressedSize int64
	CompressedSize   int64
	CRC32            uint32
	ModTime          int64
	Method           CompressionMethod
}

// Reader opens an existing .eng archive for read-only access: initialize
// (reads the end record from the file's final 64 bytes, with no wider
// backward search; cross-checks its central directory offset, size and
// entry count against the header; loads the central directory), list/contains/entry, read (whole-entry decode with CRC
// verification), and open_random_access for range reads. Spec §4.5.
type Reader struct {
	size   int64
	header fileHeader
	cfg    readerConfig

	// body is the byte space local records and the central directory are
	// addressed into. For EncryptionNone/EncryptionPerEntry this is the
	// raw archive file; for EncryptionWholeArchive it is the decrypted
	// in-memory body, and offsets recorded in the header/end record are
	// relative to it rather than to the file (spec §4.7 "virtual
	// offsets").
	body io.ReaderAt

	entries []Entry
	locals  []uint64 // localOffset per entry, same order as entries
	index   map[pathnorm.Key]int

	// aeadKey is the key derived at Open. Used directly by per-entry
	// decryption in decodeStored; for EncryptionWholeArchive it is only
	// needed transiently inside Open, but keeping it here is harmless and
	// uniform.
	aeadKey []byte

	archiveID uint64
	cache     *blockcache.Cache
}

// Open initializes a Reader over ra, a handle of the given total size (e.g.
// an *os.File's Stat().Size()).
func Open(ra io.ReaderAt, size int64, opts ...ReaderOption) (*Reader, error) {
	cfg := defaultReaderConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if size < HeaderSize+EndSize {
		return nil, &Error{Kind: TruncatedError, Op: "open", Err: fmt.Errorf("file too small to contain header and end record: %d bytes", size)}
	}

	var hb [HeaderSize]byte
	if _, err := ra.ReadAt(hb[:], 0); err != nil {
		return nil, &Error{Kind: IoError, Op: "open", Err: err}
	}
	header, err := parseFileHeader(hb[:])
	if err != nil {
		return nil, err
	}

	r := &Reader{size: size, header: header, cfg: cfg, index: make(map[pathnorm.Key]int)}

	bodyStart := int64(HeaderSize)
	encMode := header.encryptionMode()
	var aeadKey []byte
	if encMode != EncryptionNone {
		// A per-entry archive opens without a passphrase (its central
		// directory is plaintext); only reading an entry's bytes needs the key.
		if len(cfg.passphrase) == 0 && encMode != EncryptionPerEntry {
			return nil, &Error{Kind: EncryptionError, Op: "open", Err: fmt.Errorf("archive is encrypted but no passphrase was supplied")}
		}
		var prelude [aead.PreludeSize]byte
		if _, err := ra.ReadAt(prelude[:], bodyStart); err != nil {
			return nil, &Error{Kind: IoError, Op: "open", Err: err}
		}
		params, err := aead.ParseParams(prelude[:])
		if err != nil {
			return nil, &Error{Kind: EncryptionError, Op: "open", Err: err}
		}
		if len(cfg.passphrase) > 0 {
			aeadKey, err = params.DeriveKey(cfg.passphrase)
			if err != nil {
				return nil, &Error{Kind: EncryptionError, Op: "open", Err: err}
			}
		}
		bodyStart += aead.PreludeSize
		r.aeadKey = aeadKey
	}

	var endBuf [EndSize]byte
	if _, err := ra.ReadAt(endBuf[:], size-EndSize); err != nil {
		return nil, &Error{Kind: IoError, Op: "open", Err: err}
	}
	end, err := parseEndRecord(endBuf[:])
	if err != nil {
		return nil, err
	}
	if end.entryCount != header.entryCount {
		return nil, &Error{Kind: FormatError, Op: "open", Err: fmt.Errorf("header entry_count %d != end record entry_count %d", header.entryCount, end.entryCount)}
	}
	if end.cdOffset != header.cdOffset || end.cdSize != header.cdSize {
		return nil, &Error{Kind: FormatError, Op: "open", Err: fmt.Errorf("header central directory offset/size does not match end record")}
	}

	switch encMode {
	case EncryptionNone, EncryptionPerEntry:
		r.body = ra
		if end.cdOffset+end.cdSize+EndSize != uint64(size) {
			return nil, &Error{Kind: FormatError, Op: "open", Err: fmt.Errorf("central directory/end record layout does not account for the whole file")}
		}
	case EncryptionWholeArchive:
		cipherLen := size - EndSize - bodyStart
		if cipherLen < 0 {
			return nil, &Error{Kind: TruncatedError, Op: "open", Err: fmt.Errorf("archive too small for its envelope")}
		}
		sealed := make([]byte, cipherLen)
		if _, err := ra.ReadAt(sealed, bodyStart); err != nil {
			return nil, &Error{Kind: IoError, Op: "open", Err: err}
		}
		plain, err := aead.Open(aeadKey, sealed, nil)
		if err != nil {
			return nil, &Error{Kind: DecryptionFailed, Op: "open", Err: err}
		}
		r.body = bytes.NewReader(plain)
	default:
		return nil, &Error{Kind: FormatError, Op: "open", Err: fmt.Errorf("unknown encryption mode %d", encMode)}
	}

	cdBytes := make([]byte, end.cdSize)
	if _, err := r.body.ReadAt(cdBytes, int64(end.cdOffset)); err != nil {
		return nil, &Error{Kind: IoError, Op: "open", Err: err}
	}
	if err := r.loadCentralDirectory(cdBytes, int(end.entryCount)); err != nil {
		return nil, err
	}

	r.archiveID = xxhash.Sum64(cdBytes)
	r.cache = blockcache.New(cfg.cacheCapacityBytes, cfg.logger)
	return r, nil
}

func (r *Reader) loadCentralDirectory(cdBytes []byte, entryCount int) error {
	if int64(len(cdBytes)) != int64(entryCount)*CDEntrySize {
		return &Error{Kind: FormatError, Op: "open", Err: fmt.Errorf("central directory size %d does not match entry_count %d * %d", len(cdBytes), entryCount, CDEntrySize)}
	}
	r.entries = make([]Entry, 0, entryCount)
	r.locals = make([]uint64, 0, entryCount)
	for i := 0; i < entryCount; i++ {
		rec, err := parseCentralRecord(cdBytes[i*CDEntrySize : (i+1)*CDEntrySize])
		if err != nil {
			return err
		}
		key := pathnorm.Intern(rec.path)
		if _, dup := r.index[key]; dup {
			return &Error{Kind: FormatError, Op: "open", Path: rec.path, Err: fmt.Errorf("duplicate path in central directory")}
		}
		r.index[key] = len(r.entries)
		r.entries = append(r.entries, Entry{
			Path:             rec.path,
			UncompressedSize: int64(rec.uncompressedSize),
			CompressedSize:   int64(rec.compressedSize),
			CRC32:            rec.crc32,
			ModTime:          rec.modTime,
			Method:           rec.method,
		})
		r.locals = append(r.locals, rec.localOffset)
	}
	return nil
}

// List returns every entry's metadata in central-directory (insertion)
// order.
func (r *Reader) List() []Entry {
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Contains reports whether path exists in the archive, after normalization.
func (r *Reader) Contains(path string) bool {
	_, ok := r.index[pathnorm.Intern(path)]
	return ok
}

// Stat returns one entry's metadata.
func (r *Reader) Stat(path string) (Entry, error) {
	i, ok := r.index[pathnorm.Intern(path)]
	if !ok {
		return Entry{}, &Error{Kind: PathError, Op: "stat", Path: path, Err: fmt.Errorf("not found")}
	}
	return r.entries[i], nil
}

// localPayload locates entry i's local record, validates it against the
// central directory, and returns an io.ReaderAt windowed exactly over its
// stored (possibly compressed, possibly encrypted) payload bytes.
func (r *Reader) localPayload(i int) (*Entry, *entryReaderAt, error) {
	e := &r.entries[i]
	localOffset := int64(r.locals[i])

	var fixed [localRecordFixedSize]byte
	if _, err := r.body.ReadAt(fixed[:], localOffset); err != nil {
		return nil, nil, &Error{Kind: IoError, Op: "read", Path: e.Path, Err: err}
	}
	lr, pathLen, err := parseLocalRecordFixed(fixed[:])
	if err != nil {
		return nil, nil, err
	}
	pathBuf := make([]byte, pathLen)
	if pathLen > 0 {
		if _, err := r.body.ReadAt(pathBuf, localOffset+localRecordFixedSize); err != nil {
			return nil, nil, &Error{Kind: IoError, Op: "read", Path: e.Path, Err: err}
		}
	}
	lr.path = string(pathBuf)

	if lr.path != e.Path || lr.uncompressedSize != uint64(e.UncompressedSize) ||
		lr.compressedSize != uint64(e.CompressedSize) || lr.crc32 != e.CRC32 || lr.method != e.Method {
		return nil, nil, &Error{Kind: FormatError, Op: "read", Path: e.Path, Err: fmt.Errorf("local record does not match central directory entry")}
	}

	payloadOffset := localOffset + localRecordFixedSize + int64(pathLen)
	section := entryWindow(r.body, payloadOffset, e.CompressedSize)
	return e, section, nil
}

// Read returns one entry's decompressed, decrypted, CRC-verified plaintext
// in full. For frame-encoded entries this decodes every frame.
func (r *Reader) Read(path string) ([]byte, error) {
	i, ok := r.index[pathnorm.Intern(path)]
	if !ok {
		return nil, &Error{Kind: PathError, Op: "read", Path: path, Err: fmt.Errorf("not found")}
	}
	e, section, err := r.localPayload(i)
	if err != nil {
		return nil, err
	}
	if e.UncompressedSize > r.cfg.plaintextCeiling {
		return nil, &Error{Kind: ResourceExceeded, Op: "read", Path: path, Err: fmt.Errorf("uncompressed_size %d exceeds ceiling %d", e.UncompressedSize, r.cfg.plaintextCeiling)}
	}

	stored := make([]byte, e.CompressedSize)
	if len(stored) > 0 {
		if _, err := section.ReadAt(stored, 0); err != nil {
			return nil, &Error{Kind: IoError, Op: "read", Path: path, Err: err}
		}
	}
	plain, err := r.decodeStored(e, stored, path)
	if err != nil {
		return nil, err
	}
	if crc32.ChecksumIEEE(plain) != e.CRC32 {
		return nil, &Error{Kind: IntegrityError, Op: "read", Path: path, Err: fmt.Errorf("crc32 mismatch")}
	}
	return plain, nil
}

// decodeStored reverses per-entry AEAD, then frame or flat decompression.
func (r *Reader) decodeStored(e *Entry, stored []byte, path string) ([]byte, error) {
	if r.header.encryptionMode() == EncryptionPerEntry {
		opened, err := aead.Open(r.aeadKey, stored, []byte(e.Path))
		if err != nil {
			return nil, &Error{Kind: DecryptionFailed, Op: "read", Path: path, Err: err}
		}
		stored = opened
	}

	method := codec.Method(e.Method)
	if e.UncompressedSize >= frame.Threshold {
		idx, err := frame.ParseIndex(bytes.NewReader(stored), int64(len(stored)), method, e.UncompressedSize)
		if err != nil {
			return nil, &Error{Kind: FormatError, Op: "read", Path: path, Err: err}
		}
		out := make([]byte, 0, e.UncompressedSize)
		for f := 0; f < idx.NumFrames(); f++ {
			chunk, err := idx.ReadFrame(bytes.NewReader(stored), f)
			if err != nil {
				return nil, &Error{Kind: DecompressionError, Op: "read", Path: path, Err: err}
			}
			out = append(out, chunk...)
		}
		return out, nil
	}

	plain, err := codec.Decompress(stored, method, e.UncompressedSize)
	if err != nil {
		return nil, &Error{Kind: DecompressionError, Op: "read", Path: path, Err: err}
	}
	return plain, nil
}
