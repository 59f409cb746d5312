package secrets

import (
	"strings"
	"testing"
)

const testKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func TestSealOpenRoundTrip(t *testing.T) {
	s, err := NewSealer(testKey)
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	if !s.Encrypting() {
		t.Fatalf("expected encryption with a key")
	}
	sealed, err := s.Seal("p@ss'word")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if !strings.HasPrefix(sealed, prefixV1) || strings.Contains(sealed, "p@ss") {
		t.Fatalf("unexpected sealed value %q", sealed)
	}
	got, err := s.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if got != "p@ss'word" {
		t.Fatalf("expected round trip, got %q", got)
	}
}

func TestOpenWithWrongKeyFails(t *testing.T) {
	a, _ := NewSealer(testKey)
	b, _ := NewSealer(strings.Repeat("f", 64))
	sealed, _ := a.Seal("secret")
	if _, err := b.Open(sealed); err == nil {
		t.Fatalf("expected failure with a different key")
	}
}

func TestSealerWithoutKeyEncodes(t *testing.T) {
	s, err := NewSealer("")
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	sealed, _ := s.Seal("secret")
	if !strings.HasPrefix(sealed, prefixPlain) {
		t.Fatalf("expected plain prefix, got %q", sealed)
	}
	got, err := s.Open(sealed)
	if err != nil || got != "secret" {
		t.Fatalf("expected secret, got %q, %v", got, err)
	}
}

func TestKeyBytes(t *testing.T) {
	if _, err := KeyBytes(testKey); err != nil {
		t.Fatalf("hex key: %v", err)
	}
	if _, err := KeyBytes("short"); err == nil {
		t.Fatalf("expected short key to fail")
	}
	if _, err := KeyBytes(strings.Repeat("k", 31) + "!"); err != nil {
		t.Fatalf("raw key: %v", err)
	}
}
