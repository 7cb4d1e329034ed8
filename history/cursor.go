package history

import (
	"chat-relay/domain"
	"chat-relay/errors"
	"encoding/base64"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	cursorConversation protowire.Number = 1
	cursorSeq          protowire.Number = 2
)

// Cursor points just after the last message of a page.
// Clients handle it as an opaque string.
type Cursor struct {
	ConversationID domain.ConversationID
	Seq            uint64
}

func (c Cursor) Encode() string {
	var b []byte
	b = protowire.AppendTag(b, cursorConversation, protowire.BytesType)
	b = protowire.AppendString(b, string(c.ConversationID))
	b = protowire.AppendTag(b, cursorSeq, protowire.VarintType)
	b = protowire.AppendVarint(b, c.Seq)
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeCursor parses raw and checks that it was issued for conversationID.
func DecodeCursor(raw string, conversationID domain.ConversationID) (Cursor, error) {
	b, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return Cursor{}, errors.ErrInvalidCursor
	}
	var c Cursor
	var hasConv, hasSeq bool
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Cursor{}, errors.ErrInvalidCursor
		}
		b = b[n:]
		switch {
		case num == cursorConversation && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return Cursor{}, errors.ErrInvalidCursor
			}
			c.ConversationID, hasConv = domain.ConversationID(v), true
			b = b[n:]
		case num == cursorSeq && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Cursor{}, errors.ErrInvalidCursor
			}
			c.Seq, hasSeq = v, true
			b = b[n:]
		default:
			return Cursor{}, errors.ErrInvalidCursor
		}
	}
	if !hasConv || !hasSeq || c.Seq == 0 || c.ConversationID != conversationID {
		return Cursor{}, errors.ErrInvalidCursor
	}
	return c, nil
}
