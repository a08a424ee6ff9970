package synckit

import (
	"errors"
	"io"
	"testing"
)

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("entropy exhausted")
}

func withRandomSource(source io.Reader) func() {
	previous := refreshKeyRandomSource
	refreshKeyRandomSource = source
	return func() {
		refreshKeyRandomSource = previous
	}
}

func TestGenerateRefreshKeyProducesDistinctKeys(t *testing.T) {
	firstKey, firstHash, err := generateRefreshKey()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	secondKey, secondHash, err := generateRefreshKey()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if firstKey == secondKey {
		t.Fatalf("expected distinct refresh keys")
	}
	if firstHash == secondHash {
		t.Fatalf("expected distinct hashes")
	}
	if hashRefreshKey(firstKey) != firstHash {
		t.Fatalf("expected hash to be derived from the key")
	}
}

func TestGenerateRefreshKeyRandomFailure(t *testing.T) {
	restore := withRandomSource(failingReader{})
	defer restore()

	if _, _, err := generateRefreshKey(); err == nil {
		t.Fatalf("expected error when random source fails")
	}
}
