package synckit

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
)

const refreshKeyByteLength = 32

var refreshKeyRandomSource io.Reader = rand.Reader

// generateRefreshKey returns a fresh opaque refresh key and its at-rest hash.
func generateRefreshKey() (string, string, error) {
	randomBytes := make([]byte, refreshKeyByteLength)
	if _, err := io.ReadFull(refreshKeyRandomSource, randomBytes); err != nil {
		return "", "", fmt.Errorf("token_store.random: %w", err)
	}
	refreshKey := base64.RawURLEncoding.EncodeToString(randomBytes)
	return refreshKey, hashRefreshKey(refreshKey), nil
}

// hashRefreshKey derives the stored form of a refresh key. Only hashes touch
// persistent storage; the plain key exists on the wire and nowhere else.
func hashRefreshKey(refreshKey string) string {
	sum := sha256.Sum256([]byte(refreshKey))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
