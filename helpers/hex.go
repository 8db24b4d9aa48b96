package helpers

import (
	"encoding/hex"
	"strings"
)

// MustHex decodes hex string, spaces are ignored. Panics on invalid input.
func MustHex(s string) []byte {
	b, err := hex.DecodeString(strings.Replace(s, " ", "", -1))
	if err != nil {
		panic(err)
	}
	return b
}

// HexSpaced formats bytes in groups of 4 for logs, e.g. "0800 0002 10d7 00".
func HexSpaced(b []byte) string {
	h := hex.EncodeToString(b)
	var sb strings.Builder
	sb.Grow(len(h) + len(h)/4)
	for i := 0; i < len(h); i += 4 {
		if i > 0 {
			sb.WriteByte(' ')
		}
		end := i + 4
		if end > len(h) {
			end = len(h)
		}
		sb.WriteString(h[i:end])
	}
	return sb.String()
}
