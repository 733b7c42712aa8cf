package ntfs

import (
	"strings"

	"golang.org/x/text/encoding/unicode"
)

var utf16Decoder = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// decodeName converts an on-disk UTF-16LE name to UTF-8. Unpaired
// surrogates become U+FFFD.
func decodeName(b []byte) string {
	if len(b)%2 != 0 {
		b = b[:len(b)-1]
	}
	out, err := utf16Decoder.NewDecoder().Bytes(b)
	if err != nil {
		return strings.ToValidUTF8(string(out), "�")
	}
	return string(out)
}

// encodeName converts a UTF-8 name to UTF-16LE
func encodeName(s string) []byte {
	out, err := utf16Decoder.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil
	}
	return out
}
