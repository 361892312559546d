package matcher

import (
	"bytes"
	"errors"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

var (
	errBinary     = errors.New("binary content")
	errUndecoding = errors.New("content is neither UTF-8 nor ISO-8859-1")
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// decode turns raw file bytes into text. UTF-8 is tried first, then
// ISO-8859-1. Content with NUL bytes is treated as binary.
func decode(data []byte) (string, error) {
	if bytes.IndexByte(data, 0) >= 0 {
		return "", errBinary
	}
	data = bytes.TrimPrefix(data, utf8BOM)
	if utf8.Valid(data) {
		return string(data), nil
	}
	out, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
	if err != nil {
		return "", errUndecoding
	}
	return string(out), nil
}
