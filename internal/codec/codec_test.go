package codec

import (
	"bytes"
	"strings"
	"testing"
)

func TestSelectSmallFileBypass(t *testing.T) {
	if m := Select(SmallFileBypass-1, "anything.txt"); m != None {
		t.Fatalf("got %v, want None for a sub-threshold file", m)
	}
}

func TestSelectPreCompressedStaysNone(t *testing.T) {
	if m := Select(10_000, "photo.JPG"); m != None {
		t.Fatalf("got %v, want None for a pre-compressed extension (case-insensitive)", m)
	}
}

func TestSelectFastTier(t *testing.T) {
	if m := Select(10_000, "archive.sqlite"); m != Fast {
		t.Fatalf("got %v, want Fast", m)
	}
}

func TestSelectBalancedTierAndDefault(t *testing.T) {
	if m := Select(10_000, "notes.md"); m != Balanced {
		t.Fatalf("got %v, want Balanced for a known text extension", m)
	}
	if m := Select(10_000, "data.bin"); m != Balanced {
		t.Fatalf("got %v, want Balanced as the default for an unrecognized extension", m)
	}
}

func TestCompressDecompressRoundTrip(t *testing.T) {
	plaintext := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 200)
	for _, method := range []Method{None, Fast, Balanced} {
		stored, err := Compress(plaintext, method)
		if err != nil {
			t.Fatalf("Compress(%v): %v", method, err)
		}
		got, err := Decompress(stored, method, int64(len(plaintext)))
		if err != nil {
			t.Fatalf("Decompress(%v): %v", method, err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Fatalf("method %v: round trip mismatch", method)
		}
	}
}

func TestDecompressRejectsLengthMismatch(t *testing.T) {
	plaintext := []byte("hello world")
	stored, err := Compress(plaintext, Balanced)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decompress(stored, Balanced, int64(len(plaintext))+1); err == nil {
		t.Fatal("expected an error when declared length does not match the decompressed length")
	}
}

func TestSelectWithFallbackRevertsWhenNotSmaller(t *testing.T) {
	// Random-looking, incompressible data: both compressors are expected to
	// not shrink it below its own size, so the ratio fallback should force
	// method back to None.
	plaintext := make([]byte, SmallFileBypass+1024)
	state := uint64(7)
	for i := range plaintext {
		state = state*6364136223846793005 + 1442695040888963407
		plaintext[i] = byte(state >> 56)
	}
	method, stored, err := SelectWithFallback(plaintext, "data.bin", nil)
	if err != nil {
		t.Fatal(err)
	}
	if method != None {
		t.Fatalf("got method %v, want None (ratio fallback) for incompressible input", method)
	}
	if !bytes.Equal(stored, plaintext) {
		t.Fatal("None fallback must store the plaintext unchanged")
	}
}

func TestSelectWithFallbackHonorsOverride(t *testing.T) {
	plaintext := []byte(strings.Repeat("a", SmallFileBypass+1))
	fast := Fast
	method, _, err := SelectWithFallback(plaintext, "photo.jpg", &fast)
	if err != nil {
		t.Fatal(err)
	}
	if method != Fast {
		t.Fatalf("got %v, want Fast (explicit override beats the pre-compressed table)", method)
	}
}
