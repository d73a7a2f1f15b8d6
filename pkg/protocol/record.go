package protocol

import (
	"encoding/binary"
	"time"
)

// Record is one stored message: server timestamp, opaque cypher and the
// sender's signature. Records on the wire have the same shape.
type Record struct {
	ServerTime uint64 // unix milliseconds, stamped by the server
	Cypher     [CypherSize]byte
	Signature  [SignatureSize]byte
}

// Encode encodes the record to its fixed 512-byte form
func (r *Record) Encode() []byte {
	buf := make([]byte, RecordSize)

	binary.BigEndian.PutUint64(RecordLayout.Field(buf, FieldTime), r.ServerTime)
	copy(RecordLayout.Field(buf, FieldCypher), r.Cypher[:])
	copy(RecordLayout.Field(buf, FieldSignature), r.Signature[:])

	return buf
}

// Decode decodes the record from bytes
func (r *Record) Decode(buf []byte) error {
	parts, err := RecordLayout.Split(buf)
	if err != nil {
		return err
	}

	r.ServerTime = binary.BigEndian.Uint64(parts[0])
	copy(r.Cypher[:], parts[1])
	copy(r.Signature[:], parts[2])

	return nil
}

// Time returns the server time as a time.Time
func (r *Record) Time() time.Time {
	return time.UnixMilli(int64(r.ServerTime))
}

// SplitRecords cuts a batch payload into record-sized slices aliasing data.
func SplitRecords(data []byte) ([][]byte, error) {
	if len(data)%RecordSize != 0 {
		return nil, ErrSize
	}
	out := make([][]byte, 0, len(data)/RecordSize)
	for off := 0; off < len(data); off += RecordSize {
		out = append(out, data[off:off+RecordSize:off+RecordSize])
	}
	return out, nil
}

// NowMillis returns t as unix milliseconds
func NowMillis(t time.Time) uint64 {
	return uint64(t.UnixMilli())
}
