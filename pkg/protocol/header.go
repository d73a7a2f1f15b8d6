package protocol

import (
	"fmt"
	"io"
)

// Head is the 8-byte descriptor that prefixes every batch response.
type Head struct {
	Room    byte   // first byte of the chat id
	FirstID uint32 // id of the first record in the batch (24 bits on the wire)
	Count   uint8  // number of records following (0-127)
	Forward bool   // direction of the query that produced the batch
}

// LastID returns the id of the last record in the batch. Only meaningful
// when Count > 0.
func (h *Head) LastID() uint32 {
	return h.FirstID + uint32(h.Count) - 1
}

// PayloadSize returns the number of record bytes following the head
func (h *Head) PayloadSize() int {
	return int(h.Count) * RecordSize
}

// Encode encodes the head to bytes
func (h *Head) Encode() ([]byte, error) {
	buf := make([]byte, HeadSize)

	copy(HeadLayout.Field(buf, FieldTag), TagMsg[:])
	HeadLayout.Field(buf, FieldRoom)[0] = h.Room
	if err := putMsgID(HeadLayout.Field(buf, FieldFirstID), h.FirstID); err != nil {
		return nil, err
	}
	count, err := PackCount(h.Count, h.Forward)
	if err != nil {
		return nil, err
	}
	HeadLayout.Field(buf, FieldCount)[0] = count

	return buf, nil
}

// Decode decodes the head from bytes
func (h *Head) Decode(buf []byte) error {
	if len(buf) != HeadSize {
		return ErrInvalidHead
	}
	if Tag(HeadLayout.Field(buf, FieldTag)) != TagMsg {
		return fmt.Errorf("%w: tag %q", ErrInvalidHead, HeadLayout.Field(buf, FieldTag))
	}

	h.Room = HeadLayout.Field(buf, FieldRoom)[0]
	h.FirstID = msgID(HeadLayout.Field(buf, FieldFirstID))
	h.Count, h.Forward = UnpackCount(HeadLayout.Field(buf, FieldCount)[0])

	return nil
}

// ReadHead reads a head from an io.Reader
func ReadHead(r io.Reader) (*Head, error) {
	buf := make([]byte, HeadSize)

	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	head := &Head{}
	if err := head.Decode(buf); err != nil {
		return nil, err
	}

	return head, nil
}

// WriteBatch writes a head followed by its records as one write, so that a
// message-oriented transport emits a single frame.
func WriteBatch(w io.Writer, h *Head, records []byte) error {
	if len(records) != h.PayloadSize() {
		return fmt.Errorf("%w: head announces %d records, got %d bytes", ErrSize, h.Count, len(records))
	}

	head, err := h.Encode()
	if err != nil {
		return err
	}

	buf := make([]byte, 0, len(head)+len(records))
	buf = append(buf, head...)
	buf = append(buf, records...)

	_, err = w.Write(buf)
	return err
}
