package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/GrishaVar/publichat/pkg/protocol"
)

var (
	ErrWrongRoom = errors.New("cypher belongs to another room")
)

// VerifyTolerance is the largest accepted gap between the time a client
// stamped on a message and the time the server stored it.
const VerifyTolerance = 10 * time.Second

// ctrIV is the fixed AES-CTR counter block
var ctrIV = [aes.BlockSize]byte{15: 1}

// Room holds the secrets derived from a room title. Anyone who knows the
// title can read and write the room; the server only ever sees the id.
type Room struct {
	Title string
	Key   [HashSize]byte
	ID    protocol.ChatID

	block cipher.Block
}

// NewRoom derives key = SHA3(title) and id = SHA3(key).
func NewRoom(title string) (*Room, error) {
	key, id := HashTwice([]byte(title))

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	return &Room{Title: title, Key: key, ID: protocol.ChatID(id), block: block}, nil
}

// apply runs AES-256-CTR over buf in place. Encryption and decryption are
// the same operation.
func (r *Room) apply(buf []byte) {
	cipher.NewCTR(r.block, ctrIV[:]).XORKeyStream(buf, buf)
}

// Message is a decoded chat message.
type Message struct {
	ServerTime time.Time
	ClientTime time.Time
	PublicKey  [protocol.PublicKeySize]byte
	Text       string

	// Verified is true when the signature matches the embedded public key
	// and the client and server times agree within VerifyTolerance.
	Verified bool
}

// User returns the short user id of the sender
func (m *Message) User() string {
	return UserID(m.PublicKey)
}

// Encode builds and signs the cypher block for text.
func (r *Room) Encode(id *Identity, text string, now time.Time) (cypher [protocol.CypherSize]byte, sig [protocol.SignatureSize]byte, err error) {
	padded, err := PadText(text, protocol.PaddedTextSize)
	if err != nil {
		return cypher, sig, err
	}

	pub := id.PublicKey()
	clientTime := make([]byte, protocol.TimeSize)
	binary.BigEndian.PutUint64(clientTime, protocol.NowMillis(now))

	plain, err := protocol.CypherLayout.Compose(
		r.Key[:protocol.ChatKeyPrefixSize],
		clientTime,
		pub[:],
		padded,
	)
	if err != nil {
		return cypher, sig, err
	}

	r.apply(plain)
	copy(cypher[:], plain)
	sig = id.Sign(cypher[:])

	return cypher, sig, nil
}

// Decode decrypts and verifies a stored record. A bad signature is not an
// error: the message is returned with Verified false.
func (r *Room) Decode(record []byte) (*Message, error) {
	var rec protocol.Record
	if err := rec.Decode(record); err != nil {
		return nil, err
	}

	plain := make([]byte, protocol.CypherSize)
	copy(plain, rec.Cypher[:])
	r.apply(plain)

	parts, err := protocol.CypherLayout.Split(plain)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(parts[0], r.Key[:protocol.ChatKeyPrefixSize]) {
		return nil, ErrWrongRoom
	}

	text, err := UnpadText(parts[3])
	if err != nil {
		return nil, err
	}

	msg := &Message{
		ServerTime: rec.Time(),
		ClientTime: time.UnixMilli(int64(binary.BigEndian.Uint64(parts[1]))),
		Text:       text,
	}
	copy(msg.PublicKey[:], parts[2])

	sigOK := VerifySignature(msg.PublicKey[:], rec.Cypher[:], rec.Signature[:]) == nil
	skew := msg.ServerTime.Sub(msg.ClientTime)
	if skew < 0 {
		skew = -skew
	}
	msg.Verified = sigOK && skew <= VerifyTolerance

	return msg, nil
}
