// Package codec implements the Compression Layer's per-entry codec: the
// stateless compress/decompress operations for the three method tags, and
// the automatic method-selection heuristic driven by plaintext size and a
// path hint. Spec §4.1.
package codec

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Method identifies a compression tag. Mirrors engram.CompressionMethod
// (kept as a distinct type so this package has no dependency on the root
// package) — callers convert at the boundary.
type Method uint8

const (
	None     Method = 0
	Fast     Method = 1
	Balanced Method = 2
)

const SmallFileBypass = 4096

// preCompressed, fastTier and balancedTier are the selection tables from
// spec §6, expressed as doublestar glob patterns the way the teacher's own
// path.go matches glob patterns against entry names (github.com/bmatcuk/doublestar/v4).
var (
	preCompressed = mustGlobSet(
		"*.jpg", "*.jpeg", "*.png", "*.gif", "*.webp",
		"*.mp4", "*.mov", "*.avi",
		"*.mp3", "*.ogg",
		"*.zip", "*.gz", "*.bz2", "*.xz", "*.7z", "*.rar",
	)
	fastTier = mustGlobSet(
		"*.sqlite", "*.db", "*.sqlite3", "*.wasm",
	)
	balancedTier = mustGlobSet(
		"*.txt", "*.md", "*.html", "*.xml", "*.json", "*.css", "*.js",
		"*.go", "*.py", "*.rs", "*.c", "*.h", "*.cpp", "*.java", "*.rb", "*.sh",
	)
)

func mustGlobSet(patterns ...string) []string {
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			panic(fmt.Sprintf("codec: invalid glob pattern %q", p))
		}
	}
	return patterns
}

func matchesAny(patterns []string, name string) bool {
	name = strings.ToLower(name)
	for _, p := range patterns {
		if doublestar.MatchUnvalidated(p, name) {
			return true
		}
	}
	return false
}

// Select implements the automatic method-selection heuristic of spec §4.1
// steps 1-5: small files bypass compression, then path-hint tables decide,
// defaulting to Balanced.
func Select(plaintextLen int64, path string) Method {
	if plaintextLen < SmallFileBypass {
		return None
	}
	base := baseName(path)
	switch {
	case matchesAny(preCompressed, base):
		return None
	case matchesAny(fastTier, base):
		return Fast
	case matchesAny(balancedTier, base):
		return Balanced
	default:
		return Balanced
	}
}

func baseName(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

// Compress encodes plaintext with method, applying the ratio fallback of
// spec §4.1: if the encoded form is not smaller than the input, the caller
// should prefer storing None instead. Compress itself never performs the
// fallback (it has no way to mutate the caller's chosen method); see
// [SelectWithFallback] for the combined operation the Writer actually uses.
func Compress(plaintext []byte, method Method) ([]byte, error) {
	switch method {
	case None:
		return plaintext, nil
	case Fast:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(plaintext); err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		return buf.Bytes(), nil
	case Balanced:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("zstd compress: %w", err)
		}
		defer enc.Close()
		return enc.EncodeAll(plaintext, make([]byte, 0, len(plaintext))), nil
	default:
		return nil, fmt.Errorf("codec: unknown method %d", method)
	}
}

// SelectWithFallback chooses a method via Select (unless override is
// non-nil), compresses, and reverts to None if the stored form is not
// smaller than the plaintext (spec §4.1 "Ratio fallback"). It returns the
// method actually used and the stored bytes.
func SelectWithFallback(plaintext []byte, path string, override *Method) (Method, []byte, error) {
	method := Select(int64(len(plaintext)), path)
	if override != nil {
		method = *override
	}
	stored, err := Compress(plaintext, method)
	if err != nil {
		return 0, nil, err
	}
	if method != None && len(stored) >= len(plaintext) {
		return None, plaintext, nil
	}
	return method, stored, nil
}

// Decompress reverses Compress, and fails if the produced length does not
// equal expectedPlaintextLen (spec §4.1).
func Decompress(stored []byte, method Method, expectedPlaintextLen int64) ([]byte, error) {
	var out []byte
	switch method {
	case None:
		out = stored
	case Fast:
		r := lz4.NewReader(bytes.NewReader(stored))
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, r); err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		out = buf.Bytes()
	case Balanced:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		defer dec.Close()
		out, err = dec.DecodeAll(stored, make([]byte, 0, expectedPlaintextLen))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
	default:
		return nil, fmt.Errorf("codec: unknown method %d", method)
	}
	if int64(len(out)) != expectedPlaintextLen {
		return nil, fmt.Errorf("codec: decompressed length %d != expected %d", len(out), expectedPlaintextLen)
	}
	return out, nil
}
