package server

import (
	"strings"
	"unicode/utf8"
)

// lenientUnquote decodes %XX escapes in s. Escapes that are not followed by
// two hex digits are kept verbatim, and byte sequences that are not valid
// UTF-8 after decoding become U+FFFD.
func lenientUnquote(s string) string {
	if !strings.Contains(s, "%") {
		return s
	}

	buf := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]) {
			buf = append(buf, unhex(s[i+1])<<4|unhex(s[i+2]))
			i += 2
			continue
		}
		buf = append(buf, s[i])
	}

	if utf8.Valid(buf) {
		return string(buf)
	}

	var b strings.Builder
	b.Grow(len(buf))
	for len(buf) > 0 {
		r, size := utf8.DecodeRune(buf)
		b.WriteRune(r)
		buf = buf[size:]
	}
	return b.String()
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}
