// Package humanref generates the short user-facing task codes ("TK-7GQ2XN")
// embedded in device notes and shown in the Bob UI.
package humanref

import (
	"crypto/rand"
	"fmt"
	"strings"
)

const (
	// Prefix distinguishes task refs from story/goal refs.
	Prefix = "TK-"

	// Alphabet excludes visually ambiguous characters (0/O, 1/I/L).
	Alphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

	refLength = 6

	// maxUniform is the largest multiple of the alphabet size that fits in
	// a byte. Bytes at or above it are rejected so every letter is equally
	// likely; reducing them modulo 31 would skew toward the low letters.
	maxUniform = 256 - 256%len(Alphabet)
)

// New returns a fresh task ref. Collisions are possible in principle but
// the import phase checks the human-ref index before committing one.
func New() (string, error) {
	var b strings.Builder
	b.Grow(len(Prefix) + refLength)
	b.WriteString(Prefix)
	buf := make([]byte, 2*refLength)
	for b.Len() < len(Prefix)+refLength {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("humanref: reading random bytes: %w", err)
		}
		for _, raw := range buf {
			if int(raw) >= maxUniform {
				continue
			}
			b.WriteByte(Alphabet[int(raw)%len(Alphabet)])
			if b.Len() == len(Prefix)+refLength {
				break
			}
		}
	}
	return b.String(), nil
}

// Valid reports whether s looks like a ref this package could have issued.
// Matching is case-insensitive to tolerate hand-typed refs in notes.
func Valid(s string) bool {
	s = strings.ToUpper(strings.TrimSpace(s))
	if !strings.HasPrefix(s, Prefix) || len(s) != len(Prefix)+refLength {
		return false
	}
	for _, r := range s[len(Prefix):] {
		if !strings.ContainsRune(Alphabet, r) {
			return false
		}
	}
	return true
}

// Canonical upper-cases a ref for index keys.
func Canonical(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
