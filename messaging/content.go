package messaging

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/opd-ai/wichain/limits"
)

// Kind tags a Content variant on the wire.
type Kind string

const (
	KindText       Kind = "text"
	KindAttachment Kind = "attachment"
	KindControl    Kind = "control"
)

// Signal is the type of a call-signalling control message.
type Signal string

const (
	SignalOffer     Signal = "offer"
	SignalAnswer    Signal = "answer"
	SignalCandidate Signal = "candidate"
)

var (
	// ErrUnknownKind is returned for content with an unrecognized kind tag.
	ErrUnknownKind = errors.New("unknown content kind")
	// ErrUnknownSignal is returned for control content with an unknown signal.
	ErrUnknownSignal = errors.New("unknown control signal")
)

// Content is one part of a message: Text, Attachment or ControlSignal.
type Content interface {
	Kind() Kind
	validate() error
}

// Text is a UTF-8 message body.
type Text struct {
	Body string
}

// Kind returns KindText.
func (Text) Kind() Kind { return KindText }

func (t Text) validate() error { return limits.ValidateText(t.Body) }

// Attachment is an opaque file payload.
type Attachment struct {
	Name string
	MIME string
	Data []byte
}

// Kind returns KindAttachment.
func (Attachment) Kind() Kind { return KindAttachment }

func (a Attachment) validate() error { return limits.ValidateAttachment(a.Data) }

// NewAttachment wraps data, sniffing the MIME type when none is given.
func NewAttachment(name, mime string, data []byte) Attachment {
	if mime == "" && len(data) > 0 {
		mime = http.DetectContentType(data)
	}
	return Attachment{Name: name, MIME: mime, Data: data}
}

// ControlSignal carries call signalling between peers.
type ControlSignal struct {
	Signal  Signal
	Payload string
}

// Kind returns KindControl.
func (ControlSignal) Kind() Kind { return KindControl }

func (c ControlSignal) validate() error {
	switch c.Signal {
	case SignalOffer, SignalAnswer, SignalCandidate:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSignal, c.Signal)
	}
	return limits.ValidateText(c.Payload)
}

// contentJSON is the tagged wire form of every variant.
type contentJSON struct {
	Kind    Kind   `json:"kind"`
	Text    string `json:"text,omitempty"`
	Name    string `json:"name,omitempty"`
	MIME    string `json:"mime,omitempty"`
	Data    []byte `json:"data,omitempty"`
	Signal  Signal `json:"signal,omitempty"`
	Payload string `json:"payload,omitempty"`
}

// Contents is an ordered list of message parts with a tagged JSON encoding.
type Contents []Content

// MarshalJSON encodes every part with its kind tag.
func (cs Contents) MarshalJSON() ([]byte, error) {
	out := make([]contentJSON, 0, len(cs))
	for _, c := range cs {
		switch v := c.(type) {
		case Text:
			out = append(out, contentJSON{Kind: KindText, Text: v.Body})
		case Attachment:
			out = append(out, contentJSON{Kind: KindAttachment, Name: v.Name, MIME: v.MIME, Data: v.Data})
		case ControlSignal:
			out = append(out, contentJSON{Kind: KindControl, Signal: v.Signal, Payload: v.Payload})
		default:
			return nil, fmt.Errorf("%w: %T", ErrUnknownKind, c)
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes tagged parts. Text parts that still carry legacy
// inline markers are converted to their typed variant here.
func (cs *Contents) UnmarshalJSON(data []byte) error {
	var raw []contentJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Contents, 0, len(raw))
	for _, r := range raw {
		switch r.Kind {
		case KindText:
			out = append(out, FromLegacyText(r.Text))
		case KindAttachment:
			out = append(out, Attachment{Name: r.Name, MIME: r.MIME, Data: r.Data})
		case KindControl:
			out = append(out, ControlSignal{Signal: r.Signal, Payload: r.Payload})
		default:
			return fmt.Errorf("%w: %q", ErrUnknownKind, r.Kind)
		}
	}
	*cs = out
	return nil
}

// Validate checks every part against the size limits.
func (cs Contents) Validate() error {
	if len(cs) == 0 {
		return limits.ErrMessageEmpty
	}
	for _, c := range cs {
		if err := c.validate(); err != nil {
			return err
		}
	}
	return nil
}

// Preview returns a one-line description for notifications and logs.
func (cs Contents) Preview() string {
	parts := make([]string, 0, len(cs))
	for _, c := range cs {
		switch v := c.(type) {
		case Text:
			parts = append(parts, v.Body)
		case Attachment:
			parts = append(parts, fmt.Sprintf("[attachment %s, %d bytes]", v.Name, len(v.Data)))
		case ControlSignal:
			parts = append(parts, "["+string(v.Signal)+"]")
		}
	}
	return strings.Join(parts, " ")
}

// Text returns the concatenated text parts.
func (cs Contents) Text() string {
	var b strings.Builder
	for _, c := range cs {
		if t, ok := c.(Text); ok {
			b.WriteString(t.Body)
		}
	}
	return b.String()
}

const legacyDirectPrefix = "@peer:"

// FromLegacyText converts text written by older clients, which embedded
// signalling markers ("[[offer]]sdp") or a recipient prefix
// ("@peer:<id>:::text") in the message body, into typed content.
func FromLegacyText(body string) Content {
	for _, sig := range []Signal{SignalOffer, SignalAnswer, SignalCandidate} {
		if rest, ok := strings.CutPrefix(body, "[["+string(sig)+"]]"); ok {
			return ControlSignal{Signal: sig, Payload: rest}
		}
	}
	if rest, ok := strings.CutPrefix(body, legacyDirectPrefix); ok {
		if _, text, found := strings.Cut(rest, ":::"); found {
			return Text{Body: text}
		}
	}
	return Text{Body: body}
}
