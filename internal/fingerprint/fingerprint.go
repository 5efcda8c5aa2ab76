// Package fingerprint derives stable identities for affiliation strings.
//
// Identity is a 64-bit xxhash over the exact UTF-8 bytes of the text, so two
// strings share a fingerprint only if they are byte-for-byte identical.
// Transport canonicalization is a separate concern applied only to the text
// sent to the registry.
package fingerprint

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/text/unicode/norm"
)

// Fingerprint is the 64-bit identity of an affiliation string.
type Fingerprint uint64

// Of returns the fingerprint of text.
func Of(text string) Fingerprint {
	return Fingerprint(xxhash.Sum64String(text))
}

// String renders the fingerprint as 16 lowercase hex digits, the key format
// used in every work directory file.
func (f Fingerprint) String() string {
	return fmt.Sprintf("%016x", uint64(f))
}

// MarshalText implements encoding.TextMarshaler.
func (f Fingerprint) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler using Parse.
func (f *Fingerprint) UnmarshalText(data []byte) error {
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// Parse validates a persisted fingerprint key.
func Parse(value string) (Fingerprint, error) {
	if len(value) != 16 {
		return 0, fmt.Errorf("fingerprint %q: want 16 hex digits, got %d characters", value, len(value))
	}
	if strings.ToLower(value) != value {
		return 0, fmt.Errorf("fingerprint %q: hex digits must be lowercase", value)
	}
	n, err := strconv.ParseUint(value, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("fingerprint %q: %w", value, err)
	}
	return Fingerprint(n), nil
}

// Transport returns the canonical form of text used when querying the
// registry: Unicode NFC, runs of whitespace collapsed to one space, trimmed.
// It never affects identity.
func Transport(text string) string {
	normalized := norm.NFC.String(text)
	var b strings.Builder
	b.Grow(len(normalized))
	pendingSpace := false
	for _, r := range normalized {
		if unicode.IsSpace(r) {
			pendingSpace = b.Len() > 0
			continue
		}
		if pendingSpace {
			b.WriteByte(' ')
			pendingSpace = false
		}
		b.WriteRune(r)
	}
	return b.String()
}
