package session

import (
	"chat-relay/domain"
	"chat-relay/errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParser_Valid_Frames(t *testing.T) {
	req := require.New(t)
	p := NewParser(100)

	r, err := p.Parse([]byte(`{"type":"send","id":"r1","data":{"conversationId":"c1","body":"hi","idempotencyKey":"k1",
		"attachments":[{"url":"https://cdn.example.com/a.png","mimeType":"image/png","size":10}]}}`))
	req.NoError(err)
	req.Equal(FrameSend, r.Type)
	req.Equal("r1", r.ID)
	req.Equal(domain.ConversationID("c1"), r.Send.ConversationID)
	req.Equal([]domain.Attachment{{URL: "https://cdn.example.com/a.png", MimeType: "image/png", Size: 10}}, r.Send.DomainAttachments())

	r, err = p.Parse([]byte(`{"type":"markRead","data":{"messageId":"m1"}}`))
	req.NoError(err)
	req.Equal(domain.MessageID("m1"), r.MarkRead.MessageID)

	r, err = p.Parse([]byte(`{"type":"history","data":{"conversationId":"c1","cursor":"abc","limit":20}}`))
	req.NoError(err)
	req.Equal(20, r.History.Limit)

	// An attachment alone is a valid message
	_, err = p.Parse([]byte(`{"type":"send","data":{"conversationId":"c1","idempotencyKey":"k2",
		"attachments":[{"url":"https://cdn.example.com/a.pdf","mimeType":"application/pdf"}]}}`))
	req.NoError(err)

	// The idempotency key is optional
	r, err = p.Parse([]byte(`{"type":"send","id":"r2","data":{"conversationId":"c1","body":"no retry needed"}}`))
	req.NoError(err)
	req.Empty(r.Send.IdempotencyKey)
	req.Equal("no retry needed", r.Send.Body)
}

func TestParser_Rejects_Malformed_Frames(t *testing.T) {
	p := NewParser(10)
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `hello`},
		{"unknown type", `{"type":"dance","data":{}}`},
		{"missing data", `{"type":"join"}`},
		{"missing conversation", `{"type":"join","data":{}}`},
		{"wrong data type", `{"type":"join","data":{"conversationId":42}}`},
		{"invalid utf-8 body", "{\"type\":\"send\",\"data\":{\"conversationId\":\"c1\",\"body\":\"\xff\xfe\"}}"},
		{"send without body nor attachment", `{"type":"send","data":{"conversationId":"c1","idempotencyKey":"k"}}`},
		{"body too long", `{"type":"send","data":{"conversationId":"c1","idempotencyKey":"k","body":"` + strings.Repeat("a", 11) + `"}}`},
		{"unknown mime type", `{"type":"send","data":{"conversationId":"c1","idempotencyKey":"k","attachments":[{"url":"https://x.io/a","mimeType":"foo/bar"}]}}`},
		{"invalid url", `{"type":"send","data":{"conversationId":"c1","idempotencyKey":"k","attachments":[{"url":"nope","mimeType":"image/png"}]}}`},
		{"negative limit", `{"type":"history","data":{"conversationId":"c1","limit":-1}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Parse([]byte(tt.raw))
			require.ErrorIs(t, err, errors.ErrProtocol)
		})
	}
}
