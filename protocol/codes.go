package protocol

import (
	"crypto/rand"
	"fmt"
	"strings"
)

const (
	// CodeAlphabet is the 32-symbol code alphabet. 0, 1, I and O are
	// excluded because they are easy to misread when typed by hand.
	CodeAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"
	// CodeLength is the number of random symbols in a code.
	CodeLength = 8

	// ShortCodePrefix marks peer pairing codes.
	ShortCodePrefix = "MS"
	// InviteCodePrefix marks server invite codes.
	InviteCodePrefix = "MJ"
)

// GenerateCode returns a new code formatted as PREFIX-XXXX-XXXX.
func GenerateCode(prefix string) (string, error) {
	raw := make([]byte, CodeLength)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}

	symbols := make([]byte, CodeLength)
	for i, b := range raw {
		symbols[i] = CodeAlphabet[int(b)%len(CodeAlphabet)]
	}

	return fmt.Sprintf("%s-%s-%s", prefix, symbols[:4], symbols[4:]), nil
}

// NormalizeCode uppercases a code and strips separators so user input like
// "ms-abcd-1234", "MSABCD1234" and "MS ABCD 1234" compare equal.
func NormalizeCode(code string) string {
	var b strings.Builder
	b.Grow(len(code))
	for _, r := range strings.ToUpper(code) {
		if r == '-' || r == ' ' || r == '\t' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// CodesEqual compares two codes after normalization. The prefix is
// cosmetic and may be omitted on either side; the random symbols decide.
func CodesEqual(a, b string) bool {
	na, nb := bareCode(a), bareCode(b)
	return na != "" && na == nb
}

// bareCode normalizes a code and strips a known prefix, leaving exactly
// the random symbols. Anything else, including partial prefixes, yields
// "" so it never compares equal.
func bareCode(code string) string {
	n := NormalizeCode(code)
	for _, prefix := range []string{ShortCodePrefix, InviteCodePrefix} {
		if len(n) == len(prefix)+CodeLength && strings.HasPrefix(n, prefix) {
			return n[len(prefix):]
		}
	}
	if len(n) != CodeLength {
		return ""
	}
	return n
}
