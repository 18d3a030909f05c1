package limits

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"golang.org/x/crypto/chacha20poly1305"
)

// TestEncryptionOverheadMatchesAEAD verifies that EncryptionOverhead matches
// the tag size of the payload cipher.
func TestEncryptionOverheadMatchesAEAD(t *testing.T) {
	if EncryptionOverhead != chacha20poly1305.Overhead {
		t.Errorf("EncryptionOverhead = %d, want %d", EncryptionOverhead, chacha20poly1305.Overhead)
	}
}

func TestLimitHierarchy(t *testing.T) {
	if !(MaxPresenceRecord < MaxTextMessage &&
		MaxTextMessage < MaxDatagram &&
		MaxDatagram < MaxAttachment &&
		MaxAttachment < MaxStreamPacket &&
		MaxStreamPacket < MaxProcessingBuffer) {
		t.Error("size limits are not strictly increasing")
	}
}

func TestValidateMessageSize(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		max     int
		wantErr error
	}{
		{"empty", 0, 10, ErrMessageEmpty},
		{"at limit", 10, 10, nil},
		{"over limit", 11, 10, ErrMessageTooLarge},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateMessageSize(bytes.Repeat([]byte{1}, tc.size), tc.max)
			if tc.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Fatalf("got %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestValidateText(t *testing.T) {
	if err := ValidateText(""); err != nil {
		t.Errorf("empty text should be allowed, got %v", err)
	}
	if err := ValidateText(strings.Repeat("a", MaxTextMessage+1)); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("expected ErrMessageTooLarge, got %v", err)
	}
}

func TestValidateDatagramAndAttachment(t *testing.T) {
	if err := ValidateDatagram(make([]byte, MaxDatagram+1)); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("expected oversize datagram to fail, got %v", err)
	}
	if err := ValidateAttachment(make([]byte, MaxAttachment)); err != nil {
		t.Errorf("attachment at limit should pass, got %v", err)
	}
	if err := ValidateProcessingBuffer(nil); !errors.Is(err, ErrMessageEmpty) {
		t.Errorf("expected ErrMessageEmpty, got %v", err)
	}
}

func TestNormalizeAlias(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"alice", "alice", false},
		{"  bob \t", "bob", false},
		{"", "", true},
		{"   \n\t ", "", true},
		{strings.Repeat("x", MaxAliasLength+1), "", true},
		{string([]byte{0xff, 0xfe}), "", true},
	}

	for _, tc := range tests {
		got, err := NormalizeAlias(tc.in)
		if tc.wantErr {
			if !errors.Is(err, ErrAliasInvalid) {
				t.Errorf("NormalizeAlias(%q) error = %v, want ErrAliasInvalid", tc.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("NormalizeAlias(%q) unexpected error: %v", tc.in, err)
		}
		if got != tc.want {
			t.Errorf("NormalizeAlias(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
