package protocol

import (
	"fmt"
	"io"
	"time"
)

// Request is one parsed client request: *SendRequest, *FetchRequest or
// *QueryRequest.
type Request interface {
	Tag() Tag
	Room() ChatID
}

// SendRequest appends a message to a room.
type SendRequest struct {
	ChatID    ChatID
	Cypher    [CypherSize]byte
	Signature [SignatureSize]byte
}

// FetchRequest asks for the most recent records of a room.
type FetchRequest struct {
	ChatID ChatID
}

// QueryRequest asks for up to Count records strictly after (Forward) or
// strictly before ID.
type QueryRequest struct {
	ChatID  ChatID
	ID      uint32
	Count   uint8
	Forward bool
}

func (r *SendRequest) Tag() Tag     { return TagSend }
func (r *SendRequest) Room() ChatID { return r.ChatID }

func (r *FetchRequest) Tag() Tag     { return TagFetch }
func (r *FetchRequest) Room() ChatID { return r.ChatID }

func (r *QueryRequest) Tag() Tag     { return TagQuery }
func (r *QueryRequest) Room() ChatID { return r.ChatID }

// ToRecord stamps the request with the server time to build a storage record.
func (r *SendRequest) ToRecord(now time.Time) *Record {
	return &Record{
		ServerTime: NowMillis(now),
		Cypher:     r.Cypher,
		Signature:  r.Signature,
	}
}

// ReadRequest reads one framed request. The leading tag selects the body
// layout; the trailing "end" tag is checked the same way for every kind.
// io.EOF is returned untouched when the stream ends cleanly between requests.
func ReadRequest(r io.Reader) (Request, error) {
	var tag Tag
	if _, err := io.ReadFull(r, tag[:]); err != nil {
		return nil, err
	}

	var layout *Layout
	switch tag {
	case TagSend:
		layout = MsgInLayout
	case TagFetch:
		layout = FetchLayout
	case TagQuery:
		layout = QueryLayout
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidTag, tag[:])
	}

	buf := make([]byte, layout.Size()+TagSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("failed to read %s body: %w", tag, unexpected(err))
	}

	var end Tag
	copy(end[:], buf[layout.Size():])
	if end != TagEnd {
		return nil, fmt.Errorf("%w (%s): %q", ErrBadEndTag, tag, end[:])
	}

	return decodeBody(tag, buf[:layout.Size()])
}

func decodeBody(tag Tag, body []byte) (Request, error) {
	switch tag {
	case TagSend:
		parts, err := MsgInLayout.Split(body)
		if err != nil {
			return nil, err
		}
		req := &SendRequest{}
		copy(req.ChatID[:], parts[0])
		copy(req.Cypher[:], parts[1])
		copy(req.Signature[:], parts[2])
		return req, nil

	case TagFetch:
		req := &FetchRequest{}
		copy(req.ChatID[:], FetchLayout.Field(body, FieldChatID))
		return req, nil

	case TagQuery:
		parts, err := QueryLayout.Split(body)
		if err != nil {
			return nil, err
		}
		req := &QueryRequest{ID: msgID(parts[2])}
		copy(req.ChatID[:], parts[0])
		req.Count, req.Forward = UnpackCount(parts[1][0])
		return req, nil
	}

	return nil, ErrInvalidTag
}

// unexpected turns a clean EOF in the middle of a packet into ErrUnexpectedEOF
func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
