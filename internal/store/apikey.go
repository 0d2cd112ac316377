package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// apiKeyPrefix namespaces raw keys so they are recognisable in
// dashboards and never mistaken for JWTs.
const apiKeyPrefix = "hw_"

// keyPreviewLen is how many characters of the raw key are stored for
// identification.
const keyPreviewLen = 8

// NewRawAPIKey generates a new raw API key. Only its hash is persisted.
func NewRawAPIKey() string {
	return apiKeyPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// HashAPIKey produces the storable hash of a raw key.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// PreviewAPIKey returns the identifying prefix of a raw key.
func PreviewAPIKey(raw string) string {
	if len(raw) <= keyPreviewLen {
		return raw
	}
	return fmt.Sprintf("%s…", raw[:keyPreviewLen])
}
