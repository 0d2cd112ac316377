package store

import (
	"crypto/rand"
	"fmt"
	"regexp"
)

// Entry codes are three digits followed by four uppercase letters, the
// shape the firmware's pairing screen displays. Collisions are retried
// because codes are short-lived and reissued freely.
const (
	entryCodeDigits  = 3
	entryCodeLetters = 4

	// entryCodeAttempts bounds collision retries in GenerateEntryKey.
	entryCodeAttempts = 5
)

// entryCodePattern validates the shape of a pairing code.
var entryCodePattern = regexp.MustCompile(`^[0-9]{3}[A-Z]{4}$`)

// NewEntryCode generates a random pairing code: 3 digits + 4 uppercase
// letters, e.g. "123ABCD".
func NewEntryCode() (string, error) {
	buf := make([]byte, entryCodeDigits+entryCodeLetters)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}

	code := make([]byte, 0, len(buf))
	for i := 0; i < entryCodeDigits; i++ {
		code = append(code, '0'+buf[i]%10)
	}
	for i := entryCodeDigits; i < len(buf); i++ {
		code = append(code, 'A'+buf[i]%26)
	}
	return string(code), nil
}

// ValidEntryCode reports whether a string has the pairing-code shape.
func ValidEntryCode(code string) bool {
	return entryCodePattern.MatchString(code)
}
