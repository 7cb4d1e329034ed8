package repositories

import (
	"chat-relay/domain"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Records are stored in the protobuf wire format so that new fields can be
// appended without rewriting existing values.

const (
	msgID protowire.Number = iota + 1
	msgSeq
	msgConversation
	msgSender
	msgBody
	msgAttachment
	msgCreatedAt
	msgStatus
	msgIdempotencyKey
)

const (
	attURL protowire.Number = iota + 1
	attName
	attMimeType
	attSize
)

const (
	convID protowire.Number = iota + 1
	convKind
	convMember
	convCreatedAt
)

func encodeMessage(m domain.Message) []byte {
	var b []byte
	b = appendString(b, msgID, string(m.ID))
	b = appendVarint(b, msgSeq, m.Seq)
	b = appendString(b, msgConversation, string(m.ConversationID))
	b = appendString(b, msgSender, string(m.SenderID))
	b = appendString(b, msgBody, m.Body)
	for _, a := range m.Attachments {
		b = protowire.AppendTag(b, msgAttachment, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeAttachment(a))
	}
	b = appendTime(b, msgCreatedAt, m.CreatedAt)
	b = appendVarint(b, msgStatus, uint64(m.Status))
	b = appendString(b, msgIdempotencyKey, m.IdempotencyKey)
	return b
}

func decodeMessage(b []byte) (domain.Message, error) {
	var m domain.Message
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == msgID && typ == protowire.BytesType:
			return consumeString(b, func(v string) { m.ID = domain.MessageID(v) })
		case num == msgSeq && typ == protowire.VarintType:
			return consumeVarint(b, func(v uint64) { m.Seq = v })
		case num == msgConversation && typ == protowire.BytesType:
			return consumeString(b, func(v string) { m.ConversationID = domain.ConversationID(v) })
		case num == msgSender && typ == protowire.BytesType:
			return consumeString(b, func(v string) { m.SenderID = domain.UserID(v) })
		case num == msgBody && typ == protowire.BytesType:
			return consumeString(b, func(v string) { m.Body = v })
		case num == msgAttachment && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, protowire.ParseError(n)
			}
			a, err := decodeAttachment(v)
			if err != nil {
				return n, err
			}
			m.Attachments = append(m.Attachments, a)
			return n, nil
		case num == msgCreatedAt && typ == protowire.VarintType:
			return consumeVarint(b, func(v uint64) { m.CreatedAt = time.Unix(0, int64(v)).UTC() })
		case num == msgStatus && typ == protowire.VarintType:
			return consumeVarint(b, func(v uint64) { m.Status = domain.DeliveryStatus(v) })
		case num == msgIdempotencyKey && typ == protowire.BytesType:
			return consumeString(b, func(v string) { m.IdempotencyKey = v })
		}
		return skip(num, typ, b)
	})
	if err != nil {
		return domain.Message{}, fmt.Errorf("decode message: %w", err)
	}
	return m, nil
}

func encodeAttachment(a domain.Attachment) []byte {
	var b []byte
	b = appendString(b, attURL, a.URL)
	b = appendString(b, attName, a.Name)
	b = appendString(b, attMimeType, a.MimeType)
	b = appendVarint(b, attSize, uint64(a.Size))
	return b
}

func decodeAttachment(b []byte) (domain.Attachment, error) {
	var a domain.Attachment
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == attURL && typ == protowire.BytesType:
			return consumeString(b, func(v string) { a.URL = v })
		case num == attName && typ == protowire.BytesType:
			return consumeString(b, func(v string) { a.Name = v })
		case num == attMimeType && typ == protowire.BytesType:
			return consumeString(b, func(v string) { a.MimeType = v })
		case num == attSize && typ == protowire.VarintType:
			return consumeVarint(b, func(v uint64) { a.Size = int64(v) })
		}
		return skip(num, typ, b)
	})
	return a, err
}

func encodeConversation(c domain.Conversation) []byte {
	var b []byte
	b = appendString(b, convID, string(c.ID))
	b = appendString(b, convKind, string(c.Kind))
	for _, member := range c.Members {
		b = protowire.AppendTag(b, convMember, protowire.BytesType)
		b = protowire.AppendString(b, string(member))
	}
	b = appendTime(b, convCreatedAt, c.CreatedAt)
	return b
}

func decodeConversation(b []byte) (domain.Conversation, error) {
	var c domain.Conversation
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == convID && typ == protowire.BytesType:
			return consumeString(b, func(v string) { c.ID = domain.ConversationID(v) })
		case num == convKind && typ == protowire.BytesType:
			return consumeString(b, func(v string) { c.Kind = domain.Kind(v) })
		case num == convMember && typ == protowire.BytesType:
			return consumeString(b, func(v string) { c.Members = append(c.Members, domain.UserID(v)) })
		case num == convCreatedAt && typ == protowire.VarintType:
			return consumeVarint(b, func(v uint64) { c.CreatedAt = time.Unix(0, int64(v)).UTC() })
		}
		return skip(num, typ, b)
	})
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("decode conversation: %w", err)
	}
	return c, nil
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendTime(b []byte, num protowire.Number, t time.Time) []byte {
	if t.IsZero() {
		return b
	}
	return appendVarint(b, num, uint64(t.UnixNano()))
}

// consumeFields walks every field of b and hands its value bytes to fn,
// which returns how many bytes it consumed.
func consumeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		n, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

func consumeString(b []byte, set func(string)) (int, error) {
	v, n := protowire.ConsumeString(b)
	if n < 0 {
		return n, protowire.ParseError(n)
	}
	set(v)
	return n, nil
}

func consumeVarint(b []byte, set func(uint64)) (int, error) {
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return n, protowire.ParseError(n)
	}
	set(v)
	return n, nil
}

func skip(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return n, protowire.ParseError(n)
	}
	return n, nil
}
