package engram

import "log/slog"

// Functional options, the configuration idiom SPEC_FULL.md §4.3 calls for
// — the same pattern the compression libraries this module itself depends
// on use (zstd.NewReader(r, options...), bigcache.Config{}-style setup in
// the teacher's own dependency surface).

const (
	defaultCacheCapacityBytes = 64 << 20 // 64 MiB
	defaultPlaintextCeiling   = 16 << 30 // 16 GiB; guards ResourceExceeded
)

type writerConfig struct {
	logger         *slog.Logger
	contentVersion uint32
	archiveID      string
	passphrase     []byte
	encryptionMode EncryptionMode
}

func defaultWriterConfig() writerConfig {
	return writerConfig{logger: slog.Default(), encryptionMode: EncryptionNone}
}

// Option configures a Writer.
type Option func(*writerConfig)

// WithLogger sets the *slog.Logger used for diagnostic messages. The
// default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *writerConfig) { c.logger = l }
}

// WithContentVersion sets the header's content_version field, an
// application-defined schema integer (spec §3 "Archive").
func WithContentVersion(v uint32) Option {
	return func(c *writerConfig) { c.contentVersion = v }
}

// WithArchiveID overrides the random archive id Engram otherwise
// generates, used as the manifest's archive_id. (A Reader's Block Cache
// keys use an xxhash of the central directory instead.)
func WithArchiveID(id string) Option {
	return func(c *writerConfig) { c.archiveID = id }
}

// WithWholeArchiveEncryption enables whole-archive AEAD encryption (spec
// §4.7) derived from passphrase.
func WithWholeArchiveEncryption(passphrase []byte) Option {
	return func(c *writerConfig) {
		c.encryptionMode = EncryptionWholeArchive
		c.passphrase = passphrase
	}
}

// WithPerEntryEncryption enables per-entry AEAD encryption (spec §4.7):
// the central directory remains plaintext so listings stay visible.
func WithPerEntryEncryption(passphrase []byte) Option {
	return func(c *writerConfig) {
		c.encryptionMode = EncryptionPerEntry
		c.passphrase = passphrase
	}
}

type readerConfig struct {
	logger             *slog.Logger
	cacheCapacityBytes int64
	plaintextCeiling   int64
	passphrase         []byte
}

func defaultReaderConfig() readerConfig {
	return readerConfig{
		logger:             slog.Default(),
		cacheCapacityBytes: defaultCacheCapacityBytes,
		plaintextCeiling:   defaultPlaintextCeiling,
	}
}

// ReaderOption configures a Reader.
type ReaderOption func(*readerConfig)

// WithReaderLogger sets the *slog.Logger used for diagnostic messages.
func WithReaderLogger(l *slog.Logger) ReaderOption {
	return func(c *readerConfig) { c.logger = l }
}

// WithCacheCapacity bounds the Block Cache shared by random-access reads
// and the Database Storage Adapter, in bytes (spec §4.8).
func WithCacheCapacity(bytes int64) ReaderOption {
	return func(c *readerConfig) { c.cacheCapacityBytes = bytes }
}

// WithPlaintextCeiling bounds the largest uncompressed_size a Reader will
// accept for any single entry; entries declaring more fail that entry's
// operation with ResourceExceeded rather than allocating unboundedly.
func WithPlaintextCeiling(bytes int64) ReaderOption {
	return func(c *readerConfig) { c.plaintextCeiling = bytes }
}

// WithDecryptionPassphrase supplies the passphrase needed to open an
// archive using whole-archive or per-entry AEAD encryption.
func WithDecryptionPassphrase(passphrase []byte) ReaderOption {
	return func(c *readerConfig) { c.passphrase = passphrase }
}
