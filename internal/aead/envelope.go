// Package aead implements the AEAD Envelope (spec §4.7): passphrase-based
// key derivation and the authenticated cipher used for whole-archive and
// per-entry encryption.
//
// Grounded on the style of other_examples' xgrabba crypto package (Argon2id
// salt+nonce prelude ahead of an AEAD ciphertext) but using
// golang.org/x/crypto/chacha20poly1305 rather than AES-GCM: spec §4.7 calls
// for a 256-bit key, 96-bit nonce and 128-bit tag, which is exactly
// ChaCha20-Poly1305's construction, and the corpus's own crypto-adjacent
// code (golang.org/x/crypto imports throughout the pack) treats
// golang.org/x/crypto as the default home for AEAD primitives beyond what
// crypto/cipher ships directly.
package aead

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// PreludeSize is the fixed KDF-parameter block stored immediately
	// after the file header (spec §4.7).
	PreludeSize = 64
	SaltSize    = 32
	KeySize     = chacha20poly1305.KeySize    // 32 (256-bit)
	NonceSize   = chacha20poly1305.NonceSize  // 12 (96-bit)
	TagSize     = chacha20poly1305.Overhead   // 16 (128-bit)
)

// KDFID identifies the key-derivation function recorded in the prelude.
// DESIGN.md Open Question (e): Argon2id is the only supported value; a
// reader encountering any other identifier rejects the archive.
type KDFID uint8

const KDFArgon2id KDFID = 1

// ErrUnsupportedKDF is wrapped into an EncryptionError by callers.
var ErrUnsupportedKDF = errors.New("aead: unsupported kdf identifier in prelude")

// ErrDecryptionFailed is returned, and only this, for every authentication
// failure: wrong key, truncated ciphertext, or tampered bytes. Spec §4.7
// requires a single opaque failure mode with no partial plaintext ever
// returned.
var ErrDecryptionFailed = errors.New("aead: decryption failed")

// Params are the KDF parameters and salt stored in the 64-byte prelude.
type Params struct {
	KDF       KDFID
	TimeCost  uint32
	MemoryKiB uint32
	Threads   uint8
	Salt      [SaltSize]byte
}

// DefaultParams returns OWASP-recommended Argon2id parameters with a fresh
// random salt.
func DefaultParams() (Params, error) {
	p := Params{KDF: KDFArgon2id, TimeCost: 3, MemoryKiB: 64 * 1024, Threads: 4}
	if _, err := rand.Read(p.Salt[:]); err != nil {
		return Params{}, fmt.Errorf("aead: generating salt: %w", err)
	}
	return p, nil
}

// Marshal serializes Params into the 64-byte prelude layout:
//
//	0:1   kdf_id
//	1:4   reserved
//	4:8   time_cost (uint32 LE)
//	8:12  memory_kib (uint32 LE)
//	12:13 threads
//	13:16 reserved
//	16:48 salt
//	48:64 reserved
func (p Params) Marshal() [PreludeSize]byte {
	var b [PreludeSize]byte
	b[0] = byte(p.KDF)
	binary.LittleEndian.PutUint32(b[4:8], p.TimeCost)
	binary.LittleEndian.PutUint32(b[8:12], p.MemoryKiB)
	b[12] = p.Threads
	copy(b[16:48], p.Salt[:])
	return b
}

func ParseParams(b []byte) (Params, error) {
	if len(b) < PreludeSize {
		return Params{}, fmt.Errorf("aead: prelude too short: %d bytes", len(b))
	}
	p := Params{
		KDF:       KDFID(b[0]),
		TimeCost:  binary.LittleEndian.Uint32(b[4:8]),
		MemoryKiB: binary.LittleEndian.Uint32(b[8:12]),
		Threads:   b[12],
	}
	copy(p.Salt[:], b[16:48])
	if p.KDF != KDFArgon2id {
		return Params{}, ErrUnsupportedKDF
	}
	return p, nil
}

// DeriveKey runs the configured KDF over passphrase and this archive's salt.
func (p Params) DeriveKey(passphrase []byte) ([]byte, error) {
	if p.KDF != KDFArgon2id {
		return nil, ErrUnsupportedKDF
	}
	return argon2.IDKey(passphrase, p.Salt[:], p.TimeCost, p.MemoryKiB, p.Threads, KeySize), nil
}

// Seal encrypts plaintext under key with a fresh random nonce, returning
// nonce||ciphertext||tag (spec: "nonces are stored alongside the
// ciphertext they authenticate").
func Seal(key, plaintext, additionalData []byte) ([]byte, error) {
	aeadCipher, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("aead: %w", err)
	}
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("aead: generating nonce: %w", err)
	}
	sealed := aeadCipher.Seal(nonce, nonce, plaintext, additionalData)
	return sealed, nil
}

// Open decrypts a nonce||ciphertext||tag blob produced by Seal. Any
// failure — truncation, wrong key, tampering — collapses to
// ErrDecryptionFailed with no plaintext returned.
func Open(key, sealed, additionalData []byte) ([]byte, error) {
	if len(sealed) < NonceSize+TagSize {
		return nil, ErrDecryptionFailed
	}
	aeadCipher, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("aead: %w", err)
	}
	nonce, ciphertext := sealed[:NonceSize], sealed[NonceSize:]
	plaintext, err := aeadCipher.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
