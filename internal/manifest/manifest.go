// Package manifest implements the Manifest Binder (spec §4.6, §3): the
// structured metadata document stored at the well-known path manifest.json,
// its canonical serialization for signing, and Ed25519 signature records.
//
// Uses crypto/ed25519 from the standard library, the same choice the
// teacher's sibling project buildbarn-bb-storage makes for its own
// signature generator/validator (pkg/jwt/ed25519_signature_{generator,validator}.go)
// rather than reaching for a third-party signing library — EdDSA has been
// in the Go standard library since 1.13 and nothing in the retrieved
// corpus layers anything on top of it.
package manifest

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
)

const WellKnownPath = "manifest.json"

const FormatVersion = "1.0"

// FileEntry is one row of the manifest's file inventory.
type FileEntry struct {
	Path        string `json:"path"`
	Length      uint64 `json:"length"`
	ContentHash []byte `json:"content_hash"`
}

// Signature is one signature record appended to a manifest.
type Signature struct {
	Algorithm string `json:"algorithm"`
	Signer    string `json:"signer"`
	PublicKey []byte `json:"public_key"`
	Signature []byte `json:"signature"`
}

const AlgorithmEd25519 = "ed25519"

// Metadata holds the manifest's optional descriptive fields.
type Metadata struct {
	Version   string            `json:"version,omitempty"`
	Timestamp int64             `json:"timestamp,omitempty"`
	License   string            `json:"license,omitempty"`
	Tags      []string          `json:"tags,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// Manifest is the document stored at WellKnownPath.
type Manifest struct {
	FormatVersion string      `json:"format_version"`
	ArchiveID     string      `json:"archive_id"`
	Name          string      `json:"name,omitempty"`
	Author        string      `json:"author,omitempty"`
	Metadata      *Metadata   `json:"metadata,omitempty"`
	Capabilities  []string    `json:"capabilities,omitempty"`
	Files         []FileEntry `json:"files"`
	Signatures    []Signature `json:"signatures,omitempty"`
}

// New returns an empty manifest for archiveID.
func New(archiveID string) *Manifest {
	return &Manifest{FormatVersion: FormatVersion, ArchiveID: archiveID}
}

// HashContent computes the content hash used in a FileEntry: SHA-256 of
// the entry's plaintext. A cryptographic hash is required here (the
// manifest is what signatures bind to); a fast non-cryptographic hash
// such as the xxhash used elsewhere in this module for cache keys would
// make the binding forgeable, so the standard library's crypto/sha256 is
// used rather than any corpus dependency.
func HashContent(plaintext []byte) []byte {
	sum := sha256.Sum256(plaintext)
	return sum[:]
}

// Marshal serializes the manifest to its stored JSON form.
func (m *Manifest) Marshal() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

// Parse deserializes a manifest entry's plaintext.
func Parse(b []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}
	return &m, nil
}

// CanonicalInventory produces the deterministic byte serialization that
// signatures cover: archive_id followed by the files sorted
// byte-lexicographically by path, each as path\x00 length content_hash\x00.
// Spec §6: "sort files by path ... emit a deterministic key-ordered
// serialization of {archive_id, files}." This is deliberately not the
// manifest's JSON form: JSON key order and whitespace are incidental,
// while the signature must bind to content, not formatting, and must
// remain stable across re-serialization (spec §3 "Signature Binding").
func CanonicalInventory(archiveID string, files []FileEntry) []byte {
	sorted := slices.Clone(files)
	slices.SortFunc(sorted, func(a, b FileEntry) int { return strings.Compare(a.Path, b.Path) })

	var buf bytes.Buffer
	buf.WriteString(archiveID)
	buf.WriteByte(0)
	var lenBuf [8]byte
	for _, f := range sorted {
		buf.WriteString(f.Path)
		buf.WriteByte(0)
		binary.LittleEndian.PutUint64(lenBuf[:], f.Length)
		buf.Write(lenBuf[:])
		buf.Write(f.ContentHash)
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

func (m *Manifest) canonical() []byte {
	return CanonicalInventory(m.ArchiveID, m.Files)
}

// Sign appends a new Ed25519 signature record over the manifest's
// canonical inventory.
func (m *Manifest) Sign(priv ed25519.PrivateKey, signerLabel string) error {
	if len(priv) != ed25519.PrivateKeySize {
		return errors.New("manifest: invalid ed25519 private key size")
	}
	sig := ed25519.Sign(priv, m.canonical())
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return errors.New("manifest: could not derive ed25519 public key")
	}
	m.Signatures = append(m.Signatures, Signature{
		Algorithm: AlgorithmEd25519,
		Signer:    signerLabel,
		PublicKey: append([]byte(nil), pub...),
		Signature: sig,
	})
	return nil
}

// ErrUnsigned is returned by Verify when a manifest carries zero
// signatures: spec §4.6 "zero signatures is treated as unsigned, not
// valid."
var ErrUnsigned = errors.New("manifest: unsigned (no signature records)")

// ErrSignatureInvalid is returned when at least one signature record
// fails to verify.
var ErrSignatureInvalid = errors.New("manifest: signature verification failed")

// Verify checks every signature record against the manifest's canonical
// inventory. It succeeds only if there is at least one signature and
// every signature present verifies.
func (m *Manifest) Verify() error {
	if len(m.Signatures) == 0 {
		return ErrUnsigned
	}
	canon := m.canonical()
	for i, sig := range m.Signatures {
		if sig.Algorithm != AlgorithmEd25519 {
			return fmt.Errorf("%w: signature %d uses unsupported algorithm %q", ErrSignatureInvalid, i, sig.Algorithm)
		}
		if len(sig.PublicKey) != ed25519.PublicKeySize {
			return fmt.Errorf("%w: signature %d has invalid public key size", ErrSignatureInvalid, i)
		}
		if !ed25519.Verify(ed25519.PublicKey(sig.PublicKey), canon, sig.Signature) {
			return fmt.Errorf("%w: signature %d (signer %q) does not verify", ErrSignatureInvalid, i, sig.Signer)
		}
	}
	return nil
}

// VerifyWithKey checks only the signatures matching pub, returning the
// number that verified. Used when a caller wants to check one specific
// signer's signature without requiring every embedded signature to
// verify.
func (m *Manifest) VerifyWithKey(pub ed25519.PublicKey) (matched, verified int) {
	canon := m.canonical()
	for _, sig := range m.Signatures {
		if sig.Algorithm != AlgorithmEd25519 || len(sig.PublicKey) != len(pub) || !bytes.Equal(sig.PublicKey, pub) {
			continue
		}
		matched++
		if ed25519.Verify(pub, canon, sig.Signature) {
			verified++
		}
	}
	return matched, verified
}
