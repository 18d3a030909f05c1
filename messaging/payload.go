package messaging

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/opd-ai/wichain/limits"
)

// ErrMalformedPayload is returned when a decrypted payload cannot be decoded.
var ErrMalformedPayload = errors.New("malformed message payload")

// GroupRef names the group a message was sent to. Members travel with the
// id so recipients can register a group they have not seen.
type GroupRef struct {
	ID      string   `json:"id"`
	Members []string `json:"members"`
}

// Payload is the plaintext sealed inside every envelope.
type Payload struct {
	ID       string    `json:"id"`
	SentAt   int64     `json:"sent_at"`
	Contents Contents  `json:"contents"`
	Group    *GroupRef `json:"group,omitempty"`
}

// NewPayload creates a payload with a fresh random id.
func NewPayload(sentAt time.Time, contents ...Content) Payload {
	return Payload{
		ID:       uuid.NewString(),
		SentAt:   sentAt.UnixMilli(),
		Contents: contents,
	}
}

// Compose builds message contents from the text and optional attachment
// supplied by the application.
func Compose(text string, attachment *Attachment) (Contents, error) {
	var cs Contents
	if text != "" {
		cs = append(cs, Text{Body: text})
	}
	if attachment != nil && len(attachment.Data) > 0 {
		cs = append(cs, *attachment)
	}
	if err := cs.Validate(); err != nil {
		return nil, err
	}
	return cs, nil
}

// Encode validates and serializes p.
func (p Payload) Encode() ([]byte, error) {
	if err := p.Contents.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	if err := limits.ValidateProcessingBuffer(data); err != nil {
		return nil, err
	}
	return data, nil
}

// DecodePayload parses a decrypted payload once, at the boundary. Payloads
// from clients that sent bare UTF-8 text are accepted as a single Text part.
func DecodePayload(data []byte) (Payload, error) {
	var p Payload
	if err := limits.ValidateProcessingBuffer(data); err != nil {
		return p, err
	}
	if err := json.Unmarshal(data, &p); err != nil {
		if len(data) > 0 && data[0] != '{' && utf8.Valid(data) {
			return Payload{Contents: Contents{FromLegacyText(string(data))}}, nil
		}
		return p, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := p.Contents.Validate(); err != nil {
		return p, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if p.Group != nil && p.Group.ID == "" {
		return p, fmt.Errorf("%w: group without id", ErrMalformedPayload)
	}
	return p, nil
}
