// Package hexbytes decodes patch byte literals such as "00 BF" or "0x1F,0x20".
package hexbytes

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrEmpty means the literal holds no bytes.
	ErrEmpty = errors.New("empty byte literal")
	// ErrSyntax means the literal is not a list of hex pairs.
	ErrSyntax = errors.New("malformed byte literal")
)

// Parse decodes s. Tokens are separated by whitespace and/or commas; a token
// may carry a 0x prefix and may hold several pairs ("00BF" == "00 BF").
func Parse(s string) ([]byte, error) {
	tokens := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	if len(tokens) == 0 {
		return nil, ErrEmpty
	}

	var out []byte
	for _, tok := range tokens {
		digits := tok
		if strings.HasPrefix(digits, "0x") || strings.HasPrefix(digits, "0X") {
			digits = digits[2:]
		}
		if len(digits) == 0 || len(digits)%2 != 0 {
			return nil, fmt.Errorf("%w: token %q", ErrSyntax, tok)
		}
		b, err := hex.DecodeString(digits)
		if err != nil {
			return nil, fmt.Errorf("%w: token %q", ErrSyntax, tok)
		}
		out = append(out, b...)
	}
	return out, nil
}

// Format renders b the way Parse accepts it, as upper-case space separated pairs.
func Format(b []byte) string {
	var sb strings.Builder
	for i, c := range b {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02X", c)
	}
	return sb.String()
}
