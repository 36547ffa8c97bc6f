// Package macaddr canonicalizes 48-bit Bluetooth device addresses.
package macaddr

import (
	"fmt"
	"strings"
)

// Addr is a canonical, uppercase, colon-separated 48-bit Bluetooth address
// such as "AA:BB:CC:DD:EE:FF". Ordering is lexicographic on this form.
type Addr string

// FormatReason identifies why a source address string failed to parse.
type FormatReason string

const (
	WrongLength FormatReason = "wrong_length"
	NonHexOctet FormatReason = "non_hex_octet"
)

// FormatError represents a malformed source address string. Is allows
// errors.Is(err, &macaddr.FormatError{Reason: macaddr.WrongLength}) to test
// for a specific failure kind rather than matching on message text.
type FormatError struct {
	Input  string
	Reason FormatReason
}

func (e *FormatError) Error() string {
	switch e.Reason {
	case WrongLength:
		return fmt.Sprintf("macaddr: %q is not a 48-bit address", e.Input)
	default:
		return fmt.Sprintf("macaddr: %q contains a non-hex octet", e.Input)
	}
}

// Is allows errors.Is to compare FormatError values by Reason.
func (e *FormatError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*FormatError)
	if !ok {
		return false
	}
	return e.Reason == t.Reason
}

// Normalize canonicalizes a MAC address string (any case; colon, dash or space
// separators, or none) into the uppercase colon-separated form. Returns an error if s does not contain
// exactly 6 octets of hex.
func Normalize(s string) (Addr, error) {
	cleaned := strings.NewReplacer("-", "", ":", "", " ", "").Replace(s)
	if len(cleaned) != 12 {
		return "", &FormatError{Input: s, Reason: WrongLength}
	}

	var b strings.Builder
	for i := 0; i < 12; i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		octet := cleaned[i : i+2]
		for _, c := range octet {
			if !isHex(c) {
				return "", &FormatError{Input: s, Reason: NonHexOctet}
			}
		}
		b.WriteString(strings.ToUpper(octet))
	}
	return Addr(b.String()), nil
}

// MustNormalize is Normalize but panics on error; intended for tests and
// literal addresses known to be well-formed at compile time.
func MustNormalize(s string) Addr {
	a, err := Normalize(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Addr) String() string { return string(a) }

// Less reports whether a sorts before b on the canonical form.
func Less(a, b Addr) bool { return a < b }

func isHex(c rune) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}
