package session

import (
	"chat-relay/domain"
	"chat-relay/errors"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
)

// Client→server frame types.
const (
	FrameJoin       = "join"
	FrameLeave      = "leave"
	FrameSend       = "send"
	FrameTyping     = "typing"
	FrameStopTyping = "stopTyping"
	FrameMarkRead   = "markRead"
	FrameHistory    = "history"
)

// Inbound is the envelope of every client frame. ID is echoed back as
// requestId in the reply.
type Inbound struct {
	Type string          `json:"type" validate:"required,oneof=join leave send typing stopTyping markRead history"`
	ID   string          `json:"id,omitempty" validate:"max=128"`
	Data json.RawMessage `json:"data"`
}

type ConversationRequest struct {
	ConversationID domain.ConversationID `json:"conversationId" validate:"required,max=128"`
}

type AttachmentRequest struct {
	URL      string `json:"url" validate:"required,url,max=2048"`
	Name     string `json:"name,omitempty" validate:"max=255"`
	MimeType string `json:"mimeType" validate:"required,max=255"`
	Size     int64  `json:"size,omitempty" validate:"gte=0"`
}

type SendRequest struct {
	ConversationID domain.ConversationID `json:"conversationId" validate:"required,max=128"`
	Body           string                `json:"body" validate:"required_without=Attachments"`
	IdempotencyKey string                `json:"idempotencyKey,omitempty" validate:"omitempty,max=128"`
	Attachments    []AttachmentRequest   `json:"attachments,omitempty" validate:"max=10,dive"`
}

func (r SendRequest) DomainAttachments() []domain.Attachment {
	if len(r.Attachments) == 0 {
		return nil
	}
	attachments := make([]domain.Attachment, 0, len(r.Attachments))
	for _, a := range r.Attachments {
		attachments = append(attachments, domain.Attachment{URL: a.URL, Name: a.Name, MimeType: a.MimeType, Size: a.Size})
	}
	return attachments
}

type MarkReadRequest struct {
	MessageID domain.MessageID `json:"messageId" validate:"required,max=128"`
}

type HistoryRequest struct {
	ConversationID domain.ConversationID `json:"conversationId" validate:"required,max=128"`
	Cursor         string                `json:"cursor,omitempty" validate:"max=512"`
	Limit          int                   `json:"limit,omitempty" validate:"gte=0"`
}

// Request is a decoded and validated client frame.
type Request struct {
	Type         string
	ID           string
	Conversation ConversationRequest
	Send         SendRequest
	MarkRead     MarkReadRequest
	History      HistoryRequest
}

// Parser validates inbound frames. It is safe for concurrent use.
type Parser struct {
	validate      *validator.Validate
	maxBodyLength int
}

func NewParser(maxBodyLength int) *Parser {
	if maxBodyLength <= 0 {
		maxBodyLength = 4096
	}
	return &Parser{validate: validator.New(), maxBodyLength: maxBodyLength}
}

// Parse decodes raw into a Request. Every error wraps ErrProtocol.
// The request ID is returned even when the payload is invalid so the
// error reply can reference it.
func (p *Parser) Parse(raw []byte) (Request, error) {
	// json.Unmarshal would silently turn invalid sequences into U+FFFD
	if !utf8.Valid(raw) {
		return Request{}, fmt.Errorf("%w: frame is not valid UTF-8", errors.ErrProtocol)
	}
	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return Request{}, fmt.Errorf("%w: malformed frame", errors.ErrProtocol)
	}
	req := Request{Type: in.Type, ID: in.ID}
	if err := p.validate.Struct(in); err != nil {
		return req, protocolError(err)
	}

	var target any
	switch in.Type {
	case FrameJoin, FrameLeave, FrameTyping, FrameStopTyping:
		target = &req.Conversation
	case FrameSend:
		target = &req.Send
	case FrameMarkRead:
		target = &req.MarkRead
	case FrameHistory:
		target = &req.History
	}
	if len(in.Data) == 0 {
		return req, fmt.Errorf("%w: missing data", errors.ErrProtocol)
	}
	if err := json.Unmarshal(in.Data, target); err != nil {
		return req, fmt.Errorf("%w: malformed %s data", errors.ErrProtocol, in.Type)
	}
	if err := p.validate.Struct(target); err != nil {
		return req, protocolError(err)
	}
	if in.Type == FrameSend {
		if err := p.checkSend(req.Send); err != nil {
			return req, err
		}
	}
	return req, nil
}

func (p *Parser) checkSend(r SendRequest) error {
	if utf8.RuneCountInString(r.Body) > p.maxBodyLength {
		return fmt.Errorf("%w: body longer than %d characters", errors.ErrProtocol, p.maxBodyLength)
	}
	for _, a := range r.Attachments {
		if mimetype.Lookup(a.MimeType) == nil {
			return fmt.Errorf("%w: unsupported attachment type %q", errors.ErrProtocol, a.MimeType)
		}
	}
	return nil
}

func protocolError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return fmt.Errorf("%w: invalid field %s (%s)", errors.ErrProtocol, verrs[0].Field(), verrs[0].Tag())
	}
	return fmt.Errorf("%w: %v", errors.ErrProtocol, err)
}
