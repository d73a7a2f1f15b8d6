package transport

import (
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
)

const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// AcceptKey computes the Sec-WebSocket-Accept value for a client key. The
// key must be the base64 encoding of 16 bytes.
func AcceptKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if len(key) != 24 {
		return "", fmt.Errorf("%w: length %d", ErrBadKey, len(key))
	}
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil || len(raw) != 16 {
		return "", ErrBadKey
	}

	sum := sha1.Sum([]byte(key + websocketGUID))
	return base64.StdEncoding.EncodeToString(sum[:]), nil
}

// WriteHandshake writes the 101 Switching Protocols response.
func WriteHandshake(w io.Writer, accept string) error {
	_, err := fmt.Fprintf(w,
		"HTTP/1.1 101 Switching Protocols\r\n"+
			"Upgrade: websocket\r\n"+
			"Connection: Upgrade\r\n"+
			"Sec-WebSocket-Accept: %s\r\n\r\n",
		accept)
	return err
}
