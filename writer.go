package engram

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"io"
	"sync"
	"time"

	"github.com/blackfall-labs/engram/internal/aead"
	"github.com/blackfall-labs/engram/internal/codec"
	"github.com/blackfall-labs/engram/internal/frame"
	"github.com/blackfall-labs/engram/internal/manifest"
	"github.com/blackfall-labs/engram/internal/pathnorm"
)

// Writer builds an .eng archive by appending entries to a [Sink], the
// Archive Engine's write path (spec §4.4). A Writer is single-use: call
// AddEntry any number of times, optionally WriteManifest/SignManifest, then
// Finalize exactly once.
type Writer struct {
	mu   sync.Mutex
	sink Sink
	cfg  writerConfig

	offset    int64 // next write position (virtual, see wholeArchiveBuf)
	entries   []centralRecord
	seenPaths map[pathnorm.Key]struct{}
	finalized bool
	closed    bool

	aeadKey    []byte
	aeadParams aead.Params

	// wholeArchiveBuf accumulates every local record plus, at Finalize, the
	// central directory, as one contiguous plaintext blob sealed in a
	// single AEAD operation. Non-nil iff cfg.encryptionMode ==
	// EncryptionWholeArchive.
	wholeArchiveBuf *bytes.Buffer

	manifest *manifest.Manifest
}

// NewWriter opens w for appending a new archive. It writes the file's
// placeholder header (and, if encryption is configured, the AEAD prelude)
// immediately so that Finalize only ever needs to patch fixed-size fields.
func NewWriter(sink Sink, opts ...Option) (*Writer, error) {
	cfg := defaultWriterConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.archiveID == "" {
		cfg.archiveID = randomArchiveID()
	}

	w := &Writer{
		sink:      sink,
		cfg:       cfg,
		seenPaths: make(map[pathnorm.Key]struct{}),
		manifest:  manifest.New(cfg.archiveID),
	}

	if cfg.encryptionMode != EncryptionNone {
		params, err := aead.DefaultParams()
		if err != nil {
			return nil, &Error{Kind: EncryptionError, Op: "create", Err: err}
		}
		key, err := params.DeriveKey(cfg.passphrase)
		if err != nil {
			return nil, &Error{Kind: EncryptionError, Op: "create", Err: err}
		}
		w.aeadParams = params
		w.aeadKey = key
	}

	// Placeholder header: real cdOffset/cdSize/entryCount are patched in
	// at Finalize, but version/content_version/flags are already final.
	h := fileHeader{
		versionMajor:   CurrentMajor,
		versionMinor:   CurrentMinor,
		contentVersion: cfg.contentVersion,
		flags:          uint32(cfg.encryptionMode),
	}
	hb := h.marshal()
	if _, err := sink.Write(hb[:]); err != nil {
		return nil, &Error{Kind: IoError, Op: "create", Err: err}
	}
	w.offset = HeaderSize

	if cfg.encryptionMode != EncryptionNone {
		prelude := w.aeadParams.Marshal()
		if _, err := sink.Write(prelude[:]); err != nil {
			return nil, &Error{Kind: IoError, Op: "create", Err: err}
		}
		w.offset += aead.PreludeSize
	}

	if cfg.encryptionMode == EncryptionWholeArchive {
		w.wholeArchiveBuf = new(bytes.Buffer)
		w.offset = 0 // virtual offset within the eventually-decrypted blob
	}

	return w, nil
}

func randomArchiveID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand.Read on the system CSPRNG does not fail in practice;
		// fall back to a fixed label rather than panic.
		return "archive"
	}
	return hex.EncodeToString(b[:])
}

// Manifest returns the in-progress manifest this Writer is building, so
// callers can set Name, Author, Metadata and Capabilities before calling
// WriteManifest. Its Files list is populated automatically by AddEntry.
func (w *Writer) Manifest() *manifest.Manifest { return w.manifest }

// EntryOption configures a single AddEntry call.
type EntryOption func(*entryConfig)

type entryConfig struct {
	methodOverride *codec.Method
	modTime        time.Time
}

// WithMethod forces a specific compression method for this entry, skipping
// automatic selection (spec §4.1 "explicit override").
func WithMethod(m CompressionMethod) EntryOption {
	cm := codec.Method(m)
	return func(c *entryConfig) { c.methodOverride = &cm }
}

// WithModTime sets the entry's stored modification time. Defaults to the
// current time.
func WithModTime(t time.Time) EntryOption {
	return func(c *entryConfig) { c.modTime = t }
}

// AddEntry stores plaintext at path. Path is validated and normalized per
// spec §3; duplicate normalized paths within one archive are rejected.
// Entries at or above the Frame Codec threshold are automatically
// frame-encoded (spec §4.2); smaller entries go through the Compression
// Layer directly (spec §4.1), including its ratio fallback.
func (w *Writer) AddEntry(path string, plaintext []byte, opts ...EntryOption) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.finalized {
		return &Error{Kind: StateError, Op: "add_entry", Path: path, Err: fmt.Errorf("writer already finalized")}
	}
	if err := pathnorm.Validate(path); err != nil {
		return &Error{Kind: PathError, Op: "add_entry", Path: path, Err: err}
	}
	key := pathnorm.Intern(path)
	if _, dup := w.seenPaths[key]; dup {
		return &Error{Kind: PathError, Op: "add_entry", Path: path, Err: fmt.Errorf("duplicate path")}
	}

	cfg := entryConfig{modTime: time.Now()}
	for _, opt := range opts {
		opt(&cfg)
	}

	norm := key.String()
	uncompressedSize := int64(len(plaintext))
	crc := crc32.ChecksumIEEE(plaintext)

	var method CompressionMethod
	var stored []byte
	var err error
	if uncompressedSize >= frame.Threshold {
		fm := codec.Select(uncompressedSize, norm)
		if cfg.methodOverride != nil {
			fm = *cfg.methodOverride
		}
		stored, err = frame.Encode(plaintext, fm)
		if err != nil {
			return &Error{Kind: DecompressionError, Op: "add_entry", Path: path, Err: err}
		}
		method = CompressionMethod(fm)
	} else {
		cm, s, cerr := codec.SelectWithFallback(plaintext, norm, cfg.methodOverride)
		if cerr != nil {
			return &Error{Kind: DecompressionError, Op: "add_entry", Path: path, Err: cerr}
		}
		method, stored = CompressionMethod(cm), s
	}

	if w.cfg.encryptionMode == EncryptionPerEntry {
		sealed, serr := aead.Seal(w.aeadKey, stored, []byte(norm))
		if serr != nil {
			return &Error{Kind: EncryptionError, Op: "add_entry", Path: path, Err: serr}
		}
		stored = sealed
	}

	lr := localRecord{
		uncompressedSize: uint64(uncompressedSize),
		compressedSize:   uint64(len(stored)),
		crc32:            crc,
		modTime:          cfg.modTime.Unix(),
		method:            method,
		path:             norm,
	}
	lrBytes := lr.marshal()

	localOffset := w.offset
	if err := w.writeRaw(lrBytes); err != nil {
		return &Error{Kind: IoError, Op: "add_entry", Path: path, Err: err}
	}
	if err := w.writeRaw(stored); err != nil {
		return &Error{Kind: IoError, Op: "add_entry", Path: path, Err: err}
	}

	w.entries = append(w.entries, centralRecord{
		localOffset:      uint64(localOffset),
		uncompressedSize: uint64(uncompressedSize),
		compressedSize:   uint64(len(stored)),
		crc32:            crc,
		modTime:          cfg.modTime.Unix(),
		method:            method,
		path:             norm,
	})
	w.seenPaths[key] = struct{}{}

	if norm != manifest.WellKnownPath {
		w.manifest.Files = append(w.manifest.Files, manifest.FileEntry{
			Path:        norm,
			Length:      uint64(uncompressedSize),
			ContentHash: manifest.HashContent(plaintext),
		})
	}
	return nil
}

// writeRaw appends p either to the sink directly or, under whole-archive
// encryption, to the in-memory buffer sealed at Finalize. Advances w.offset
// in both cases.
func (w *Writer) writeRaw(p []byte) error {
	if w.wholeArchiveBuf != nil {
		w.wholeArchiveBuf.Write(p)
	} else if _, err := w.sink.Write(p); err != nil {
		return err
	}
	w.offset += int64(len(p))
	return nil
}

// SignManifest appends an Ed25519 signature over the manifest's canonical
// inventory — the files added via AddEntry so far. Call after all entries
// that should be covered by the signature have been added, and before
// WriteManifest.
func (w *Writer) SignManifest(priv ed25519.PrivateKey, signerLabel string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.manifest.Sign(priv, signerLabel); err != nil {
		return &Error{Kind: SignatureError, Op: "sign_manifest", Err: err}
	}
	return nil
}

// WriteManifest serializes the Writer's accumulated manifest (see
// [Writer.Manifest]) and stores it as the well-known manifest.json entry.
// It must be the last entry written that should appear in its own file
// inventory, since the manifest entry itself is never listed in Files.
func (w *Writer) WriteManifest() error {
	w.mu.Lock()
	m := w.manifest
	w.mu.Unlock()

	b, err := m.Marshal()
	if err != nil {
		return &Error{Kind: FormatError, Op: "write_manifest", Err: err}
	}
	return w.AddEntry(manifest.WellKnownPath, b, WithMethod(MethodNone))
}

// Finalize writes the central directory and end record, patches the real
// header fields, and (for WithWholeArchiveEncryption) seals the entire
// archive body in one AEAD operation. It flushes and, if the Sink
// implements io.Closer, closes it. Finalize must be called exactly once.
func (w *Writer) Finalize() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.finalized {
		return &Error{Kind: StateError, Op: "finalize", Err: fmt.Errorf("writer already finalized")}
	}
	w.finalized = true

	cdBytes, err := w.marshalCentralDirectory()
	if err != nil {
		return err
	}

	var cdOffset = w.offset
	if err := w.writeRaw(cdBytes); err != nil {
		return &Error{Kind: IoError, Op: "finalize", Err: err}
	}
	cdSize := int64(len(cdBytes))

	if w.wholeArchiveBuf != nil {
		sealed, serr := aead.Seal(w.aeadKey, w.wholeArchiveBuf.Bytes(), nil)
		if serr != nil {
			return &Error{Kind: EncryptionError, Op: "finalize", Err: serr}
		}
		if _, err := w.sink.Write(sealed); err != nil {
			return &Error{Kind: IoError, Op: "finalize", Err: err}
		}
	}

	end := endRecord{cdOffset: uint64(cdOffset), cdSize: uint64(cdSize), entryCount: uint32(len(w.entries))}
	endBytes := end.marshal()
	if _, err := w.sink.Write(endBytes[:]); err != nil {
		return &Error{Kind: IoError, Op: "finalize", Err: err}
	}

	h := fileHeader{
		versionMajor:   CurrentMajor,
		versionMinor:   CurrentMinor,
		cdOffset:       uint64(cdOffset),
		cdSize:         uint64(cdSize),
		entryCount:     uint32(len(w.entries)),
		contentVersion: w.cfg.contentVersion,
		flags:          uint32(w.cfg.encryptionMode),
	}
	hb := h.marshal()
	if _, err := w.sink.WriteAt(hb[:], 0); err != nil {
		return &Error{Kind: IoError, Op: "finalize", Err: err}
	}

	if syncer, ok := w.sink.(interface{ Sync() error }); ok {
		if err := syncer.Sync(); err != nil {
			return &Error{Kind: IoError, Op: "finalize", Err: err}
		}
	}
	if closer, ok := w.sink.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			return &Error{Kind: IoError, Op: "finalize", Err: err}
		}
	}
	w.closed = true
	return nil
}

func (w *Writer) marshalCentralDirectory() ([]byte, error) {
	buf := make([]byte, 0, len(w.entries)*CDEntrySize)
	for _, e := range w.entries {
		rec, err := e.marshal()
		if err != nil {
			return nil, err
		}
		buf = append(buf, rec[:]...)
	}
	return buf, nil
}
