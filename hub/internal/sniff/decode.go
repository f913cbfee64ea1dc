package sniff

import (
	"strings"
	"unicode/utf8"
)

// chunkDecoder turns arbitrary byte chunks into valid UTF-8 text. A rune
// split across two chunks is carried over; invalid bytes become U+FFFD.
type chunkDecoder struct {
	carry []byte
}

func (d *chunkDecoder) Decode(p []byte) string {
	data := append(d.carry, p...)
	d.carry = nil

	cut := len(data)
	for i := len(data) - 1; i >= 0 && i >= len(data)-utf8.UTFMax; i-- {
		if utf8.RuneStart(data[i]) {
			if !utf8.FullRune(data[i:]) {
				cut = i
			}
			break
		}
	}
	if cut < len(data) {
		d.carry = append([]byte(nil), data[cut:]...)
	}
	return strings.ToValidUTF8(string(data[:cut]), "�")
}

// Flush returns whatever is still carried, replacing the incomplete rune.
func (d *chunkDecoder) Flush() string {
	if len(d.carry) == 0 {
		return ""
	}
	s := strings.ToValidUTF8(string(d.carry), "�")
	d.carry = nil
	return s
}
