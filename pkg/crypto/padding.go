package crypto

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	ErrInvalidPadding = errors.New("invalid padding")
	ErrTextTooLong    = errors.New("message text too long")
	ErrNotUTF8        = errors.New("message text is not valid utf-8")
)

// textLengthSize is the big endian length prefix inside the padded area
const textLengthSize = 2

// PadText lays text out in a fixed-size area: a 2-byte length, the text,
// then random fill.
func PadText(text string, size int) ([]byte, error) {
	if !utf8.ValidString(text) {
		return nil, ErrNotUTF8
	}
	if len(text) > size-textLengthSize {
		return nil, fmt.Errorf("%w: %d bytes, max %d", ErrTextTooLong, len(text), size-textLengthSize)
	}

	padded := make([]byte, size)
	binary.BigEndian.PutUint16(padded, uint16(len(text)))
	n := copy(padded[textLengthSize:], text)

	if _, err := rand.Read(padded[textLengthSize+n:]); err != nil {
		return nil, fmt.Errorf("failed to generate padding: %w", err)
	}

	return padded, nil
}

// UnpadText is the inverse of PadText
func UnpadText(padded []byte) (string, error) {
	if len(padded) < textLengthSize {
		return "", ErrInvalidPadding
	}

	n := int(binary.BigEndian.Uint16(padded))
	if n > len(padded)-textLengthSize {
		return "", ErrInvalidPadding
	}

	text := padded[textLengthSize : textLengthSize+n]
	if !utf8.Valid(text) {
		return "", ErrNotUTF8
	}
	return string(text), nil
}

// MaxTextSize returns the longest text (in bytes) that fits an area of size
func MaxTextSize(size int) int {
	return size - textLengthSize
}
