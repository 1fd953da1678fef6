package util

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
)

// HashContent computes the hex-encoded SHA256 digest of content. Deploy
// verification compares this against the digest of what was supposed to be
// written, so the same function must be used on both sides.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// HashFile computes the hex-encoded SHA256 digest of the file at path.
func HashFile(path string) (string, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return HashContent(body), nil
}
