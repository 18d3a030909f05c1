// Package identity manages the local node identity: its Ed25519 key pair and
// the user chosen alias.
//
// The identity is created on first run and persisted atomically under the
// data directory. A corrupt identity file is moved aside and replaced with a
// freshly generated identity rather than preventing the node from starting.
package identity

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/opd-ai/wichain/crypto"
	"github.com/opd-ai/wichain/limits"
)

const (
	// PlainFile is the identity file name when no passphrase is configured.
	PlainFile = "identity.json"
	// EncryptedFile is the identity file name inside the encrypted key store.
	EncryptedFile = "identity.enc"

	fileVersion = 1
)

var (
	// ErrCorrupt indicates a persisted identity that cannot be decoded or
	// whose public key does not match its seed.
	ErrCorrupt = errors.New("corrupt identity")
	// ErrInvalidAlias is returned by SetAlias for empty, whitespace-only or overlong aliases.
	ErrInvalidAlias = limits.ErrAliasInvalid
	// ErrWrongPassphrase is returned by Load when the encrypted identity does
	// not open under the configured passphrase. The file is left untouched.
	ErrWrongPassphrase = crypto.ErrWrongPassphrase
	// ErrClosed is returned by SetAlias after Close.
	ErrClosed = errors.New("identity manager closed")
)

// Info is the public view of the local identity. It never carries the private key.
type Info struct {
	Alias     string            `json:"alias"`
	PublicKey ed25519.PublicKey `json:"-"`
	PeerID    string            `json:"public_key"`
}

// Options configures Load.
type Options struct {
	// DefaultAlias is used for newly generated identities. Empty selects
	// "Anon-" followed by the first four hex digits of the peer id.
	DefaultAlias string
	// Passphrase enables encrypted-at-rest storage when non-empty.
	Passphrase string
}

type fileRecord struct {
	Version   int    `json:"version"`
	Alias     string `json:"alias"`
	PublicKey string `json:"public_key"`
	Seed      string `json:"seed"`
	CreatedAt int64  `json:"created_at"`
}

// Manager owns the local identity. It is safe for concurrent use.
type Manager struct {
	mu        sync.RWMutex
	dir       string
	keys      *crypto.KeyPair
	alias     string
	createdAt int64
	store     *crypto.EncryptedKeyStore

	regenerated bool
	migrate     bool
	closed      bool
	listeners   []func(Info)
}

// Load reads the identity stored in dir, generating and persisting a new one
// when none exists or the stored one is corrupt.
func Load(dir string, opts Options) (*Manager, error) {
	logger := crypto.NewPackageLogger("identity", "Load").WithField("dir", dir)

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	m := &Manager{dir: dir}
	if opts.Passphrase != "" {
		store, err := crypto.NewEncryptedKeyStore(dir, []byte(opts.Passphrase))
		if err != nil {
			return nil, fmt.Errorf("open key store: %w", err)
		}
		m.store = store
	}

	raw, err := m.readFile()
	if err == nil {
		if err = m.decode(raw); err == nil {
			if m.migrate {
				if err := m.migratePlain(); err != nil {
					return nil, err
				}
			}
			logger.WithPeer(m.keys.PeerID()).Debug("Identity loaded")
			return m, nil
		}
	}

	switch {
	case errors.Is(err, ErrCorrupt):
		logger.WithError(err, "load_identity").Warn("Persisted identity is corrupt, generating a new one")
		m.quarantine()
		m.regenerated = true
	case errors.Is(err, fs.ErrNotExist):
		logger.Info("No identity found, generating a new one")
	default:
		m.Close()
		return nil, fmt.Errorf("read identity: %w", err)
	}

	if err := m.generate(opts.DefaultAlias); err != nil {
		return nil, err
	}
	if err := m.persist(); err != nil {
		return nil, err
	}
	logger.WithPeer(m.keys.PeerID()).WithField("alias", m.alias).Info("Identity created")
	return m, nil
}

func (m *Manager) fileName() string {
	if m.store != nil {
		return EncryptedFile
	}
	return PlainFile
}

func (m *Manager) readFile() ([]byte, error) {
	if m.store != nil {
		if _, err := os.Stat(filepath.Join(m.dir, EncryptedFile)); err != nil {
			plain, perr := os.ReadFile(filepath.Join(m.dir, PlainFile))
			if perr != nil {
				return nil, err
			}
			m.migrate = true
			return plain, nil
		}
		data, err := m.store.ReadEncrypted(EncryptedFile)
		switch {
		case errors.Is(err, crypto.ErrWrongPassphrase):
			return nil, err
		case err != nil:
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		return data, nil
	}
	return os.ReadFile(filepath.Join(m.dir, PlainFile))
}

func (m *Manager) decode(raw []byte) error {
	var rec fileRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	seed, err := hex.DecodeString(rec.Seed)
	if err != nil {
		return fmt.Errorf("%w: seed: %v", ErrCorrupt, err)
	}
	defer crypto.ZeroBytes(seed)

	keys, err := crypto.FromSeed(seed)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if keys.PeerID() != rec.PublicKey {
		return fmt.Errorf("%w: public key does not match seed", ErrCorrupt)
	}
	alias, err := limits.NormalizeAlias(rec.Alias)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	m.keys = keys
	m.alias = alias
	m.createdAt = rec.CreatedAt
	return nil
}

// migratePlain re-encrypts a plaintext identity once a passphrase is configured.
func (m *Manager) migratePlain() error {
	if err := m.persist(); err != nil {
		return fmt.Errorf("encrypt identity: %w", err)
	}
	plain := filepath.Join(m.dir, PlainFile)
	if info, err := os.Stat(plain); err == nil {
		_ = os.WriteFile(plain, make([]byte, info.Size()), 0o600)
	}
	if err := os.Remove(plain); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove plaintext identity: %w", err)
	}
	crypto.NewPackageLogger("identity", "migratePlain").Info("Plaintext identity moved into encrypted store")
	return nil
}

// quarantine moves an unreadable identity file aside so it is not lost.
func (m *Manager) quarantine() {
	src := filepath.Join(m.dir, m.fileName())
	dst := fmt.Sprintf("%s.corrupt-%d", src, time.Now().Unix())
	if err := os.Rename(src, dst); err != nil && !os.IsNotExist(err) {
		crypto.NewPackageLogger("identity", "quarantine").WithError(err, "rename").Warn("Could not move corrupt identity aside")
	}
}

func (m *Manager) generate(defaultAlias string) error {
	keys, err := crypto.GenerateKeyPair()
	if err != nil {
		return err
	}
	alias, err := limits.NormalizeAlias(defaultAlias)
	if err != nil {
		alias = DefaultAlias(keys.PeerID())
	}
	m.keys = keys
	m.alias = alias
	m.createdAt = time.Now().Unix()
	return nil
}

// DefaultAlias returns the alias given to a new identity with peer id id.
func DefaultAlias(id string) string {
	if len(id) < 4 {
		return "Anon-" + id
	}
	return "Anon-" + id[:4]
}

func (m *Manager) persist() error {
	seed := m.keys.Seed()
	defer crypto.ZeroBytes(seed)

	rec := fileRecord{
		Version:   fileVersion,
		Alias:     m.alias,
		PublicKey: m.keys.PeerID(),
		Seed:      hex.EncodeToString(seed),
		CreatedAt: m.createdAt,
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}
	defer crypto.ZeroBytes(data)

	if m.store != nil {
		return m.store.WriteEncrypted(EncryptedFile, data)
	}
	return crypto.WriteFileAtomic(filepath.Join(m.dir, PlainFile), data, 0o600)
}

// Identity returns the public view of the local identity.
func (m *Manager) Identity() Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.infoLocked()
}

func (m *Manager) infoLocked() Info {
	return Info{
		Alias:     m.alias,
		PublicKey: append(ed25519.PublicKey(nil), m.keys.Public...),
		PeerID:    m.keys.PeerID(),
	}
}

// KeyPair returns the key pair for in-process cryptographic use.
func (m *Manager) KeyPair() *crypto.KeyPair {
	return m.keys
}

// Regenerated reports whether Load replaced a corrupt identity.
func (m *Manager) Regenerated() bool {
	return m.regenerated
}

// SetAlias validates, persists and announces a new alias.
func (m *Manager) SetAlias(alias string) error {
	normalized, err := limits.NormalizeAlias(alias)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	previous := m.alias
	m.alias = normalized
	if err := m.persist(); err != nil {
		m.alias = previous
		m.mu.Unlock()
		return fmt.Errorf("persist alias: %w", err)
	}
	info := m.infoLocked()
	listeners := append([]func(Info){}, m.listeners...)
	m.mu.Unlock()

	crypto.NewPackageLogger("identity", "SetAlias").WithField("alias", normalized).Info("Alias changed")
	for _, fn := range listeners {
		fn(info)
	}
	return nil
}

// OnAliasChanged registers fn to be called after every successful SetAlias.
func (m *Manager) OnAliasChanged(fn func(Info)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Close wipes the private key and releases the key store. The public
// identity remains readable.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if m.keys != nil {
		if err := crypto.WipeKeyPair(m.keys); err != nil {
			return err
		}
	}
	if m.store != nil {
		return m.store.Close()
	}
	return nil
}
