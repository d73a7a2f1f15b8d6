package protocol

import "fmt"

// Field is one named, fixed-size slot of a Layout.
type Field struct {
	Name string
	Size int
}

// Layout describes a fixed-size buffer as an ordered list of fields.
// Every wire and storage shape is declared once below; splitting and
// composing buffers is derived from the table.
type Layout struct {
	name    string
	fields  []Field
	offsets []int
	index   map[string]int
	size    int
}

// NewLayout builds a layout. It panics on duplicate or empty fields since
// layouts are package-level declarations.
func NewLayout(name string, fields ...Field) *Layout {
	l := &Layout{
		name:    name,
		fields:  fields,
		offsets: make([]int, len(fields)),
		index:   make(map[string]int, len(fields)),
	}
	for i, f := range fields {
		if f.Size <= 0 {
			panic(fmt.Sprintf("protocol: layout %s: field %q has size %d", name, f.Name, f.Size))
		}
		if _, dup := l.index[f.Name]; dup {
			panic(fmt.Sprintf("protocol: layout %s: duplicate field %q", name, f.Name))
		}
		l.index[f.Name] = i
		l.offsets[i] = l.size
		l.size += f.Size
	}
	return l
}

// Name returns the layout name
func (l *Layout) Name() string { return l.name }

// Size returns the total byte size of the layout
func (l *Layout) Size() int { return l.size }

// Fields returns a copy of the field table
func (l *Layout) Fields() []Field {
	out := make([]Field, len(l.fields))
	copy(out, l.fields)
	return out
}

// Offset returns the byte offset of a named field.
func (l *Layout) Offset(name string) int {
	i, ok := l.index[name]
	if !ok {
		panic(fmt.Sprintf("protocol: layout %s has no field %q", l.name, name))
	}
	return l.offsets[i]
}

// Split returns one sub-slice per field, in declaration order. The returned
// slices alias buf.
func (l *Layout) Split(buf []byte) ([][]byte, error) {
	if len(buf) != l.size {
		return nil, fmt.Errorf("%w: %s wants %d bytes, got %d", ErrSize, l.name, l.size, len(buf))
	}
	parts := make([][]byte, len(l.fields))
	for i, f := range l.fields {
		off := l.offsets[i]
		parts[i] = buf[off : off+f.Size : off+f.Size]
	}
	return parts, nil
}

// Field returns the sub-slice of buf holding the named field. buf must be
// exactly Size() bytes long.
func (l *Layout) Field(buf []byte, name string) []byte {
	i, ok := l.index[name]
	if !ok {
		panic(fmt.Sprintf("protocol: layout %s has no field %q", l.name, name))
	}
	if len(buf) != l.size {
		panic(fmt.Sprintf("protocol: layout %s: buffer is %d bytes, want %d", l.name, len(buf), l.size))
	}
	off := l.offsets[i]
	return buf[off : off+l.fields[i].Size : off+l.fields[i].Size]
}

// Compose concatenates parts into a new buffer, checking each part against
// its field size.
func (l *Layout) Compose(parts ...[]byte) ([]byte, error) {
	if len(parts) != len(l.fields) {
		return nil, fmt.Errorf("%w: %s has %d fields, got %d parts", ErrSize, l.name, len(l.fields), len(parts))
	}
	buf := make([]byte, l.size)
	for i, f := range l.fields {
		if len(parts[i]) != f.Size {
			return nil, fmt.Errorf("%w: %s.%s wants %d bytes, got %d", ErrSize, l.name, f.Name, f.Size, len(parts[i]))
		}
		copy(buf[l.offsets[i]:], parts[i])
	}
	return buf, nil
}

// Framed returns a new buffer of Size()+2*TagSize bytes with tag at the
// front and the "end" tag at the back. The body is zeroed.
func (l *Layout) Framed(tag Tag) []byte {
	buf := make([]byte, TagSize+l.size+TagSize)
	copy(buf, tag[:])
	copy(buf[TagSize+l.size:], TagEnd[:])
	return buf
}

// FramedBody returns the body slice of a buffer produced by Framed.
func (l *Layout) FramedBody(framed []byte) []byte {
	if len(framed) != l.size+2*TagSize {
		panic(fmt.Sprintf("protocol: layout %s: framed buffer is %d bytes, want %d", l.name, len(framed), l.size+2*TagSize))
	}
	return framed[TagSize : TagSize+l.size]
}

// Field names
const (
	FieldTag       = "tag"
	FieldChatID    = "chat_id"
	FieldTime      = "time"
	FieldCypher    = "cypher"
	FieldSignature = "signature"
	FieldRoom      = "room"
	FieldFirstID   = "first_id"
	FieldCount     = "count"
	FieldArgs      = "args"
	FieldMsgID     = "msg_id"
	FieldChatKey   = "chat_key"
	FieldPublicKey = "pub_key"
	FieldText      = "text"
)

// Layouts. This is the single place the wire and disk formats are defined.
var (
	// RecordLayout is one stored record, and also one record on the wire.
	RecordLayout = NewLayout("record",
		Field{FieldTime, TimeSize},
		Field{FieldCypher, CypherSize},
		Field{FieldSignature, SignatureSize},
	)

	// MsgOutLayout is the server->client record shape.
	MsgOutLayout = RecordLayout

	// MsgInLayout is the body of a "snd" request.
	MsgInLayout = NewLayout("msg_in",
		Field{FieldChatID, ChatIDSize},
		Field{FieldCypher, CypherSize},
		Field{FieldSignature, SignatureSize},
	)

	// HeadLayout prefixes every batch response.
	HeadLayout = NewLayout("head",
		Field{FieldTag, TagSize},
		Field{FieldRoom, 1},
		Field{FieldFirstID, MsgIDSize},
		Field{FieldCount, 1},
	)

	// FetchLayout is the body of a "fch" request.
	FetchLayout = NewLayout("fetch",
		Field{FieldChatID, ChatIDSize},
	)

	// QueryLayout is the body of a "qry" request.
	QueryLayout = NewLayout("query",
		Field{FieldChatID, ChatIDSize},
		Field{FieldArgs, 1},
		Field{FieldMsgID, MsgIDSize},
	)

	// CypherLayout is the plaintext structure inside a cypher block.
	CypherLayout = NewLayout("cypher",
		Field{FieldChatKey, ChatKeyPrefixSize},
		Field{FieldTime, TimeSize},
		Field{FieldPublicKey, PublicKeySize},
		Field{FieldText, PaddedTextSize},
	)
)

// Derived sizes
var (
	RecordSize = RecordLayout.Size() // 512
	MsgInSize  = MsgInLayout.Size()  // 536
	HeadSize   = HeadLayout.Size()   // 8
)
