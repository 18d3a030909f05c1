package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

// EncryptedKeyStore stores small secret files encrypted at rest under a key
// derived from a user passphrase.
type EncryptedKeyStore struct {
	encryptionKey [32]byte
	dataDir       string
	saltFile      string
}

const (
	// PBKDF2Iterations is the number of iterations for key derivation.
	PBKDF2Iterations = 100000
	// EncryptionVersion is the current encrypted file format version.
	EncryptionVersion = 2
	// SaltSize is the size of the salt for PBKDF2.
	SaltSize = 32
)

// ErrWrongPassphrase is returned when an encrypted file cannot be opened.
var ErrWrongPassphrase = errors.New("decryption failed (wrong passphrase or corrupted data)")

// NewEncryptedKeyStore creates a key store rooted at dataDir.
// The passphrase slice is wiped before returning.
func NewEncryptedKeyStore(dataDir string, passphrase []byte) (*EncryptedKeyStore, error) {
	if len(passphrase) == 0 {
		return nil, errors.New("passphrase cannot be empty")
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	ks := &EncryptedKeyStore{
		dataDir:  dataDir,
		saltFile: filepath.Join(dataDir, ".salt"),
	}

	salt, err := ks.loadOrGenerateSalt()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize salt: %w", err)
	}

	derived := pbkdf2.Key(passphrase, salt, PBKDF2Iterations, 32, sha256.New)
	copy(ks.encryptionKey[:], derived)
	ZeroBytes(derived)
	ZeroBytes(passphrase)

	return ks, nil
}

func (ks *EncryptedKeyStore) loadOrGenerateSalt() ([]byte, error) {
	data, err := os.ReadFile(ks.saltFile)
	if err == nil {
		if len(data) != SaltSize {
			return nil, fmt.Errorf("invalid salt file size: got %d, want %d", len(data), SaltSize)
		}
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read salt file: %w", err)
	}

	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	if err := WriteFileAtomic(ks.saltFile, salt, 0o600); err != nil {
		return nil, fmt.Errorf("failed to save salt: %w", err)
	}
	return salt, nil
}

// WriteEncrypted encrypts and atomically writes data to filename inside the store.
// Format: [version:2][nonce:24][ciphertext+tag:N]
func (ks *EncryptedKeyStore) WriteEncrypted(filename string, plaintext []byte) error {
	aead, err := chacha20poly1305.NewX(ks.encryptionKey[:])
	if err != nil {
		return fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	header := make([]byte, 2, 2+len(nonce)+len(plaintext)+aead.Overhead())
	binary.BigEndian.PutUint16(header, EncryptionVersion)
	header = append(header, nonce...)
	aad := []byte{header[0], header[1]}
	output := aead.Seal(header, nonce, plaintext, aad)

	return WriteFileAtomic(filepath.Join(ks.dataDir, filename), output, 0o600)
}

// ReadEncrypted reads and decrypts filename from the store.
func (ks *EncryptedKeyStore) ReadEncrypted(filename string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(ks.dataDir, filename))
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	aead, err := chacha20poly1305.NewX(ks.encryptionKey[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	minSize := 2 + aead.NonceSize() + aead.Overhead()
	if len(data) < minSize {
		return nil, fmt.Errorf("file too short: %d bytes (minimum %d bytes)", len(data), minSize)
	}
	if version := binary.BigEndian.Uint16(data[0:2]); version != EncryptionVersion {
		return nil, fmt.Errorf("unsupported encryption version: %d (expected %d)", version, EncryptionVersion)
	}

	nonce := data[2 : 2+aead.NonceSize()]
	plaintext, err := aead.Open(nil, nonce, data[2+aead.NonceSize():], data[:2])
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return plaintext, nil
}

// DeleteEncrypted overwrites filename with zeros and removes it.
func (ks *EncryptedKeyStore) DeleteEncrypted(filename string) error {
	path := filepath.Join(ks.dataDir, filename)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat file: %w", err)
	}
	_ = os.WriteFile(path, make([]byte, info.Size()), 0o600)
	return os.Remove(path)
}

// Close wipes the derived key. The store must not be used afterwards.
func (ks *EncryptedKeyStore) Close() error {
	ZeroBytes(ks.encryptionKey[:])
	return nil
}

// WriteFileAtomic writes data to path through a synced temporary file and a rename,
// so readers observe either the old or the new content.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temporary file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write temporary file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync temporary file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temporary file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		cleanup()
		return fmt.Errorf("chmod temporary file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename file: %w", err)
	}
	return nil
}
