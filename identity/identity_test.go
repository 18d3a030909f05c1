package identity

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadGeneratesAndPersists(t *testing.T) {
	dir := t.TempDir()

	m, err := Load(dir, Options{})
	require.NoError(t, err)
	info := m.Identity()
	assert.True(t, strings.HasPrefix(info.Alias, "Anon-"))
	assert.Equal(t, DefaultAlias(info.PeerID), info.Alias)
	assert.False(t, m.Regenerated())

	st, err := os.Stat(filepath.Join(dir, PlainFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), st.Mode().Perm())

	again, err := Load(dir, Options{})
	require.NoError(t, err)
	assert.Equal(t, info.PeerID, again.Identity().PeerID)
	assert.Equal(t, info.Alias, again.Identity().Alias)
}

func TestLoadUsesConfiguredDefaultAlias(t *testing.T) {
	m, err := Load(t.TempDir(), Options{DefaultAlias: "  alice "})
	require.NoError(t, err)
	assert.Equal(t, "alice", m.Identity().Alias)
}

func TestIdentityFileNeverExposesPrivateKeyInInfo(t *testing.T) {
	m, err := Load(t.TempDir(), Options{})
	require.NoError(t, err)

	data, err := json.Marshal(m.Identity())
	require.NoError(t, err)
	assert.NotContains(t, string(data), "seed")
	assert.Contains(t, string(data), m.Identity().PeerID)
}

func TestSetAlias(t *testing.T) {
	dir := t.TempDir()
	m, err := Load(dir, Options{})
	require.NoError(t, err)

	var announced []Info
	m.OnAliasChanged(func(info Info) { announced = append(announced, info) })

	require.NoError(t, m.SetAlias("  bob  "))
	assert.Equal(t, "bob", m.Identity().Alias)
	require.Len(t, announced, 1)
	assert.Equal(t, "bob", announced[0].Alias)

	for _, bad := range []string{"", "   ", "\t\n", strings.Repeat("x", 200)} {
		err := m.SetAlias(bad)
		assert.True(t, errors.Is(err, ErrInvalidAlias), "alias %q: %v", bad, err)
	}
	assert.Equal(t, "bob", m.Identity().Alias)
	assert.Len(t, announced, 1)

	reloaded, err := Load(dir, Options{})
	require.NoError(t, err)
	assert.Equal(t, "bob", reloaded.Identity().Alias)
}

func TestLoadRegeneratesCorruptIdentity(t *testing.T) {
	cases := map[string]string{
		"garbage":      "{not json",
		"bad seed":     `{"version":1,"alias":"x","public_key":"00","seed":"zz"}`,
		"key mismatch": `{"version":1,"alias":"x","public_key":"` + strings.Repeat("ab", 32) + `","seed":"` + strings.Repeat("01", 32) + `"}`,
	}

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dir, PlainFile), []byte(content), 0o600))

			m, err := Load(dir, Options{})
			require.NoError(t, err)
			assert.True(t, m.Regenerated())
			assert.Len(t, m.Identity().PeerID, 64)

			matches, _ := filepath.Glob(filepath.Join(dir, PlainFile+".corrupt-*"))
			assert.Len(t, matches, 1, "corrupt file is kept aside")
		})
	}
}

func TestEncryptedIdentity(t *testing.T) {
	dir := t.TempDir()

	m, err := Load(dir, Options{Passphrase: "secret"})
	require.NoError(t, err)
	id := m.Identity().PeerID
	require.NoError(t, m.Close())

	_, err = os.Stat(filepath.Join(dir, PlainFile))
	assert.True(t, os.IsNotExist(err), "no plaintext identity with a passphrase")

	raw, err := os.ReadFile(filepath.Join(dir, EncryptedFile))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), id)

	again, err := Load(dir, Options{Passphrase: "secret"})
	require.NoError(t, err)
	assert.Equal(t, id, again.Identity().PeerID)
}

func TestPlainIdentityMigratesToEncrypted(t *testing.T) {
	dir := t.TempDir()
	plain, err := Load(dir, Options{})
	require.NoError(t, err)
	id := plain.Identity().PeerID

	enc, err := Load(dir, Options{Passphrase: "secret"})
	require.NoError(t, err)
	assert.Equal(t, id, enc.Identity().PeerID)
	assert.False(t, enc.Regenerated())

	_, err = os.Stat(filepath.Join(dir, PlainFile))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, EncryptedFile))
	assert.NoError(t, err)
}

func TestWrongPassphraseKeepsIdentity(t *testing.T) {
	dir := t.TempDir()
	m, err := Load(dir, Options{Passphrase: "secret"})
	require.NoError(t, err)
	id := m.Identity().PeerID
	require.NoError(t, m.Close())

	_, err = Load(dir, Options{Passphrase: "guess"})
	assert.ErrorIs(t, err, ErrWrongPassphrase)
	assert.False(t, errors.Is(err, ErrCorrupt))

	matches, _ := filepath.Glob(filepath.Join(dir, EncryptedFile+".corrupt-*"))
	assert.Empty(t, matches, "identity must not be moved aside")

	again, err := Load(dir, Options{Passphrase: "secret"})
	require.NoError(t, err)
	assert.Equal(t, id, again.Identity().PeerID)
	assert.False(t, again.Regenerated())
}

func TestCloseWipesPrivateKey(t *testing.T) {
	m, err := Load(t.TempDir(), Options{})
	require.NoError(t, err)
	keys := m.KeyPair()
	id := m.Identity().PeerID

	require.NoError(t, m.Close())
	assert.Equal(t, make([]byte, len(keys.Private)), []byte(keys.Private))
	assert.Equal(t, id, m.Identity().PeerID, "public identity stays readable")
	assert.ErrorIs(t, m.SetAlias("Later"), ErrClosed)
	assert.NoError(t, m.Close())
}
