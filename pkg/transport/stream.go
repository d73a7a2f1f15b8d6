// Package transport provides the byte streams the SMRT dispatcher runs over:
// a raw TCP passthrough and a server-side WebSocket frame codec.
package transport

import (
	"errors"
	"io"
)

// Stream kinds
const (
	KindRaw       = "raw"
	KindWebSocket = "websocket"
)

var (
	ErrUnmasked      = errors.New("websocket: client frame is not masked")
	ErrFrame         = errors.New("websocket: invalid frame")
	ErrFrameTooLarge = errors.New("websocket: frame payload too large")
	ErrBadKey        = errors.New("websocket: invalid Sec-WebSocket-Key")
)

// Stream is a transport-agnostic byte stream.
type Stream interface {
	io.Reader
	io.Writer
	Kind() string
}

// Raw passes reads and writes straight through to the connection.
type Raw struct {
	rw io.ReadWriter
}

// NewRaw wraps rw
func NewRaw(rw io.ReadWriter) *Raw {
	return &Raw{rw: rw}
}

func (r *Raw) Read(p []byte) (int, error)  { return r.rw.Read(p) }
func (r *Raw) Write(p []byte) (int, error) { return r.rw.Write(p) }
func (r *Raw) Kind() string                { return KindRaw }
