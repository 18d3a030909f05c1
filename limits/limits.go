// Package limits provides centralized size limits for wichain payloads.
// This ensures consistent validation across discovery, transport, crypto and storage.
package limits

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	// MaxTextMessage is the limit for the UTF-8 text part of a chat message.
	MaxTextMessage = 16 * 1024

	// MaxAttachment is the limit for a single opaque attachment payload.
	// Attachments arrive already compressed from the application layer.
	MaxAttachment = 512 * 1024

	// MaxDatagram is the largest packet the unreliable fallback channel will send.
	// Larger packets can only travel over a stream connection.
	MaxDatagram = 60 * 1024

	// MaxPresenceRecord bounds a discovery broadcast record.
	MaxPresenceRecord = 2048

	// MaxStreamPacket is the largest reassembled packet accepted from a stream connection.
	MaxStreamPacket = 1024 * 1024

	// MaxAliasLength bounds a user alias in bytes.
	MaxAliasLength = 64

	// EncryptionOverhead is the Poly1305 tag added by XChaCha20-Poly1305.
	EncryptionOverhead = 16

	// MaxProcessingBuffer is the absolute maximum for any operation.
	// This prevents memory exhaustion from untrusted input (2MB limit).
	MaxProcessingBuffer = 2 * 1024 * 1024
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")

	// ErrAliasInvalid indicates an alias that is empty, whitespace-only or too long
	ErrAliasInvalid = errors.New("invalid alias")
)

// ValidateMessageSize validates a message against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidateText validates the text part of a chat message. Empty text is allowed
// when the message carries an attachment, so only the upper bound is checked here.
func ValidateText(text string) error {
	if len(text) > MaxTextMessage {
		return fmt.Errorf("%w: text size %d exceeds limit %d", ErrMessageTooLarge, len(text), MaxTextMessage)
	}
	return nil
}

// ValidateAttachment validates an attachment payload against MaxAttachment.
func ValidateAttachment(data []byte) error {
	return ValidateMessageSize(data, MaxAttachment)
}

// ValidateDatagram validates a serialized packet against MaxDatagram.
func ValidateDatagram(data []byte) error {
	return ValidateMessageSize(data, MaxDatagram)
}

// ValidateProcessingBuffer validates data against the absolute maximum (MaxProcessingBuffer).
// This limit should be used for all untrusted input.
func ValidateProcessingBuffer(data []byte) error {
	if len(data) == 0 {
		return ErrMessageEmpty
	}
	if len(data) > MaxProcessingBuffer {
		return fmt.Errorf("%w: buffer size %d exceeds limit %d", ErrMessageTooLarge, len(data), MaxProcessingBuffer)
	}
	return nil
}

// NormalizeAlias trims surrounding whitespace and validates the result.
// Whitespace-only aliases are rejected.
func NormalizeAlias(alias string) (string, error) {
	trimmed := strings.TrimSpace(alias)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty or whitespace-only", ErrAliasInvalid)
	}
	if len(trimmed) > MaxAliasLength {
		return "", fmt.Errorf("%w: length %d exceeds limit %d", ErrAliasInvalid, len(trimmed), MaxAliasLength)
	}
	if !utf8.ValidString(trimmed) {
		return "", fmt.Errorf("%w: not valid UTF-8", ErrAliasInvalid)
	}
	return trimmed, nil
}
