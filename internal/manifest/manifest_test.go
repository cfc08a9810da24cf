package manifest

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
)

func TestMarshalParseRoundTrip(t *testing.T) {
	m := New("archive-123")
	m.Name = "demo"
	m.Files = []FileEntry{{Path: "a.txt", Length: 5, ContentHash: HashContent([]byte("hello"))}}

	b, err := m.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	got, err := Parse(b)
	if err != nil {
		t.Fatal(err)
	}
	if got.ArchiveID != m.ArchiveID || got.Name != m.Name || len(got.Files) != 1 {
		t.Fatalf("round trip mismatch: got %+v", got)
	}
}

func TestSignAndVerify(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	m := New("archive-abc")
	m.Files = []FileEntry{
		{Path: "b.txt", Length: 2, ContentHash: HashContent([]byte("hi"))},
		{Path: "a.txt", Length: 5, ContentHash: HashContent([]byte("hello"))},
	}
	if err := m.Sign(priv, "releaser"); err != nil {
		t.Fatal(err)
	}
	if err := m.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	matched, verified := m.VerifyWithKey(pub)
	if matched != 1 || verified != 1 {
		t.Fatalf("VerifyWithKey = (%d,%d), want (1,1)", matched, verified)
	}
}

func TestVerifyUnsignedFails(t *testing.T) {
	m := New("archive-xyz")
	if err := m.Verify(); err != ErrUnsigned {
		t.Fatalf("got %v, want ErrUnsigned", err)
	}
}

func TestVerifyDetectsTamperedInventory(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	m := New("archive-1")
	m.Files = []FileEntry{{Path: "a.txt", Length: 5, ContentHash: HashContent([]byte("hello"))}}
	if err := m.Sign(priv, "releaser"); err != nil {
		t.Fatal(err)
	}
	m.Files[0].Length = 999 // tamper after signing
	if err := m.Verify(); err == nil {
		t.Fatal("expected Verify to fail after the inventory was tampered with")
	}
}

func TestCanonicalInventoryIsOrderIndependent(t *testing.T) {
	a := []FileEntry{{Path: "z.txt", Length: 1}, {Path: "a.txt", Length: 2}}
	b := []FileEntry{{Path: "a.txt", Length: 2}, {Path: "z.txt", Length: 1}}
	if string(CanonicalInventory("id", a)) != string(CanonicalInventory("id", b)) {
		t.Fatal("canonical inventory must not depend on input order")
	}
}
