package protocol

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

// Field sizes
const (
	TagSize       = 3
	ChatIDSize    = 32
	HashSize      = 32
	SignatureSize = 64
	TimeSize      = 8
	MsgIDSize     = 3

	ChatKeyPrefixSize = 4
	PublicKeySize     = 32
	PaddedTextSize    = 396 // picked so that a record is exactly 512 bytes

	CypherSize = ChatKeyPrefixSize + TimeSize + PublicKeySize + PaddedTextSize // 440
)

// Request/response limits
const (
	// MaxFetchAmount is the most records the dispatcher ever asks storage for.
	MaxFetchAmount uint8 = 50

	// DefaultFetchAmount is the count used for "fch" requests.
	DefaultFetchAmount uint8 = 25

	// MaxHeadCount is the largest count a head descriptor can carry (7 bits).
	MaxHeadCount uint8 = 0x7f

	// MaxMsgID is the largest id representable in the 24-bit wire field.
	MaxMsgID uint32 = 0x00ffffff
)

// Connection prefixes. The first four bytes of a TCP connection select the path.
var (
	PrefixSMRT = [4]byte{'S', 'M', 'R', 'T'}
	PrefixHTTP = [4]byte{'G', 'E', 'T', ' '}
)

var (
	// ErrProtocol is the class of every framing error. Always fatal to the connection.
	ErrProtocol = errors.New("protocol error")

	ErrInvalidTag    = fmt.Errorf("%w: invalid request tag", ErrProtocol)
	ErrBadEndTag     = fmt.Errorf("%w: incorrect end tag", ErrProtocol)
	ErrInvalidHead   = fmt.Errorf("%w: invalid head descriptor", ErrProtocol)
	ErrSize          = fmt.Errorf("%w: buffer size mismatch", ErrProtocol)
	ErrIDOverflow    = fmt.Errorf("%w: message id exceeds 24 bits", ErrProtocol)
	ErrCountOverflow = fmt.Errorf("%w: count exceeds 127", ErrProtocol)

	ErrInvalidChatID = errors.New("invalid chat id")
)

// ChatID identifies a room. It is a hash of the room key.
type ChatID [ChatIDSize]byte

// Token returns the short room token carried in head descriptors.
func (id ChatID) Token() byte {
	return id[0]
}

// String returns the chat id as lowercase hex
func (id ChatID) String() string {
	return hex.EncodeToString(id[:])
}

// ParseChatID accepts a chat id in hex (64 chars) or in the unpadded
// base64url form used for log file names (43 chars).
func ParseChatID(s string) (ChatID, error) {
	var id ChatID

	var raw []byte
	var err error
	switch len(s) {
	case hex.EncodedLen(ChatIDSize):
		raw, err = hex.DecodeString(s)
	case base64.RawURLEncoding.EncodedLen(ChatIDSize):
		raw, err = base64.RawURLEncoding.DecodeString(s)
	default:
		return id, ErrInvalidChatID
	}
	if err != nil || len(raw) != ChatIDSize {
		return id, ErrInvalidChatID
	}

	copy(id[:], raw)
	return id, nil
}

// putMsgID writes a 24-bit big endian id into buf[0:3]
func putMsgID(buf []byte, id uint32) error {
	if id > MaxMsgID {
		return ErrIDOverflow
	}
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], id)
	copy(buf[:MsgIDSize], tmp[1:])
	return nil
}

// msgID reads a 24-bit big endian id from buf[0:3]
func msgID(buf []byte) uint32 {
	return uint32(buf[0])<<16 | uint32(buf[1])<<8 | uint32(buf[2])
}

// PackCount packs a direction flag and a 7-bit count into one byte.
func PackCount(count uint8, forward bool) (byte, error) {
	if count > MaxHeadCount {
		return 0, ErrCountOverflow
	}
	b := count
	if forward {
		b |= 0x80
	}
	return b, nil
}

// UnpackCount splits a packed count byte into count and direction.
func UnpackCount(b byte) (count uint8, forward bool) {
	return b & 0x7f, b&0x80 != 0
}
