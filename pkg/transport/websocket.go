package transport

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// Frame bits and opcodes (RFC 6455 section 5.2)
const (
	finBit  = 0x80
	maskBit = 0x80

	OpContinuation = 0x0
	OpText         = 0x1
	OpBinary       = 0x2
	OpClose        = 0x8
	OpPing         = 0x9
	OpPong         = 0xA
)

const (
	// MaxFramePayload caps a single client frame. SMRT packets are at most
	// a few hundred bytes.
	MaxFramePayload = 1 << 20

	maxControlPayload = 125
	maskKeySize       = 4
)

// WebSocket is a server-side frame codec over an already upgraded
// connection. Every Write is sent as one unfragmented binary frame. Reads
// decode masked client frames into a backlog and serve bytes from it, so
// callers see a plain byte stream.
//
// Fragmented messages are not reassembled: every SMRT packet must arrive in
// a single frame.
type WebSocket struct {
	r io.Reader
	w io.Writer

	wmu     sync.Mutex
	backlog bytes.Buffer
}

// NewWebSocket creates a codec reading frames from r and writing frames to w.
// r is usually the buffered reader left over from the HTTP handshake.
func NewWebSocket(r io.Reader, w io.Writer) *WebSocket {
	return &WebSocket{r: r, w: w}
}

// Kind returns KindWebSocket
func (ws *WebSocket) Kind() string { return KindWebSocket }

// Read fills p from the backlog, reading frames until data is available.
func (ws *WebSocket) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for ws.backlog.Len() == 0 {
		if err := ws.readFrame(); err != nil {
			return 0, err
		}
	}
	return ws.backlog.Read(p)
}

// Write sends p as a single binary frame.
func (ws *WebSocket) Write(p []byte) (int, error) {
	frame := AppendFrameHeader(make([]byte, 0, 10+len(p)), OpBinary, len(p))
	frame = append(frame, p...)

	if err := ws.writeRaw(frame); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (ws *WebSocket) writeRaw(b []byte) error {
	ws.wmu.Lock()
	defer ws.wmu.Unlock()

	_, err := ws.w.Write(b)
	return err
}

// readFrame reads one frame. Data frames are unmasked into the backlog;
// control frames are handled and leave the backlog untouched.
func (ws *WebSocket) readFrame() error {
	var hdr [2]byte
	if _, err := io.ReadFull(ws.r, hdr[:]); err != nil {
		return err
	}

	fin := hdr[0]&finBit != 0
	opcode := hdr[0] & 0x0f
	masked := hdr[1]&maskBit != 0
	length := uint64(hdr[1] & 0x7f)

	if !masked {
		return ErrUnmasked
	}

	switch opcode {
	case OpClose:
		return io.EOF

	case OpPing:
		if length > maxControlPayload || !fin {
			return fmt.Errorf("%w: ping length %d", ErrFrame, length)
		}
		body := make([]byte, maskKeySize+length)
		if _, err := io.ReadFull(ws.r, body); err != nil {
			return unexpected(err)
		}
		var key [maskKeySize]byte
		copy(key[:], body)
		payload := body[maskKeySize:]
		Mask(payload, key)

		// Servers must not mask frames, so the pong carries the unmasked
		// payload rather than the client's masked bytes.
		pong := AppendFrameHeader(make([]byte, 0, 2+len(payload)), OpPong, len(payload))
		pong = append(pong, payload...)
		return ws.writeRaw(pong)
	}

	if !fin && opcode > OpBinary {
		return fmt.Errorf("%w: fragmented opcode %#x", ErrFrame, opcode)
	}

	length, err := ws.extendedLength(length)
	if err != nil {
		return err
	}
	if length > MaxFramePayload {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	if opcode == OpPong {
		if _, err := io.CopyN(io.Discard, ws.r, int64(maskKeySize+length)); err != nil {
			return unexpected(err)
		}
		return nil
	}
	if opcode > OpBinary {
		return fmt.Errorf("%w: reserved opcode %#x", ErrFrame, opcode)
	}

	body := make([]byte, maskKeySize+length)
	if _, err := io.ReadFull(ws.r, body); err != nil {
		return unexpected(err)
	}

	var key [maskKeySize]byte
	copy(key[:], body)
	payload := body[maskKeySize:]
	Mask(payload, key)

	ws.backlog.Write(payload)
	return nil
}

func (ws *WebSocket) extendedLength(length uint64) (uint64, error) {
	switch length {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(ws.r, ext[:]); err != nil {
			return 0, unexpected(err)
		}
		return uint64(binary.BigEndian.Uint16(ext[:])), nil
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(ws.r, ext[:]); err != nil {
			return 0, unexpected(err)
		}
		return binary.BigEndian.Uint64(ext[:]), nil
	}
	return length, nil
}

// AppendFrameHeader appends an unmasked FIN frame header for a payload of
// length bytes.
func AppendFrameHeader(dst []byte, opcode byte, length int) []byte {
	dst = append(dst, finBit|opcode&0x0f)

	switch {
	case length <= 125:
		dst = append(dst, byte(length))
	case length <= 0xffff:
		dst = append(dst, 126)
		dst = binary.BigEndian.AppendUint16(dst, uint16(length))
	default:
		dst = append(dst, 127)
		dst = binary.BigEndian.AppendUint64(dst, uint64(length))
	}

	return dst
}

// Mask XORs payload in place with the cyclic 4-byte key. Masking and
// unmasking are the same operation.
func Mask(payload []byte, key [4]byte) {
	for i := range payload {
		payload[i] ^= key[i%4]
	}
}

func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
