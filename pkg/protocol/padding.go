package protocol

// Tag is a 3-byte ASCII framing sentinel ("padding") delimiting packets.
type Tag [TagSize]byte

// Framing tags
var (
	// client -> server
	TagSend  = Tag{'s', 'n', 'd'}
	TagFetch = Tag{'f', 'c', 'h'}
	TagQuery = Tag{'q', 'r', 'y'}
	TagEnd   = Tag{'e', 'n', 'd'}

	// server -> client
	TagMsg = Tag{'m', 's', 'g'}
)

func (t Tag) String() string {
	return string(t[:])
}

// Framed request sizes, tags included.
var (
	SendPacketSize  = TagSize + MsgInSize + TagSize          // 542
	FetchPacketSize = TagSize + FetchLayout.Size() + TagSize // 38
	QueryPacketSize = TagSize + QueryLayout.Size() + TagSize // 42
)

// EncodeSend builds a framed "snd" packet.
func EncodeSend(chatID ChatID, cypher, signature []byte) ([]byte, error) {
	buf := MsgInLayout.Framed(TagSend)
	body := MsgInLayout.FramedBody(buf)

	if len(cypher) != CypherSize || len(signature) != SignatureSize {
		return nil, ErrSize
	}
	copy(MsgInLayout.Field(body, FieldChatID), chatID[:])
	copy(MsgInLayout.Field(body, FieldCypher), cypher)
	copy(MsgInLayout.Field(body, FieldSignature), signature)

	return buf, nil
}

// EncodeFetch builds a framed "fch" packet.
func EncodeFetch(chatID ChatID) []byte {
	buf := FetchLayout.Framed(TagFetch)
	copy(FetchLayout.Field(FetchLayout.FramedBody(buf), FieldChatID), chatID[:])
	return buf
}

// EncodeQuery builds a framed "qry" packet. id is exclusive: the server
// returns records strictly after (forward) or before (backward) it.
func EncodeQuery(chatID ChatID, id uint32, count uint8, forward bool) ([]byte, error) {
	args, err := PackCount(count, forward)
	if err != nil {
		return nil, err
	}

	buf := QueryLayout.Framed(TagQuery)
	body := QueryLayout.FramedBody(buf)

	copy(QueryLayout.Field(body, FieldChatID), chatID[:])
	QueryLayout.Field(body, FieldArgs)[0] = args
	if err := putMsgID(QueryLayout.Field(body, FieldMsgID), id); err != nil {
		return nil, err
	}

	return buf, nil
}
