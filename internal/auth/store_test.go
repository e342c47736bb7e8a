package auth

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func hash(t *testing.T, password string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func writeUsers(t *testing.T, path string, lines ...string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600))
}

func TestStore_Verify(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users")
	writeUsers(t, path,
		"# operators",
		"",
		"alice:"+hash(t, "s3cret"),
		"bob:"+hash(t, "hunter2"),
	)

	s, err := Load(path)
	require.NoError(t, err)

	assert.True(t, s.Verify("alice", "s3cret"))
	assert.True(t, s.Verify("bob", "hunter2"))
	assert.False(t, s.Verify("alice", "hunter2"))
	assert.False(t, s.Verify("carol", "s3cret"))
	assert.Equal(t, []string{"alice", "bob"}, s.Users())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestParseUsers_Malformed(t *testing.T) {
	cases := map[string]string{
		"no separator": "alice",
		"empty hash":   "alice:",
		"empty user":   ":" + hash(t, "x"),
		"not bcrypt":   "alice:plaintext",
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseUsers(strings.NewReader(input))
			assert.Error(t, err)
		})
	}
}

func TestHashPassword_Verifies(t *testing.T) {
	h, err := HashPassword("pw")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(h), []byte("pw")))
}

func TestStore_WatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users")
	writeUsers(t, path, "alice:"+hash(t, "old"))

	s, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, s.Watch())
	t.Cleanup(func() { _ = s.Close() })

	writeUsers(t, path, "alice:"+hash(t, "new"))

	require.Eventually(t, func() bool {
		return s.Verify("alice", "new")
	}, 5*time.Second, 50*time.Millisecond)
	assert.False(t, s.Verify("alice", "old"))
}

func TestStore_BadReloadKeepsCredentials(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users")
	writeUsers(t, path, "alice:"+hash(t, "pw"))

	s, err := Load(path)
	require.NoError(t, err)

	writeUsers(t, path, "garbage")
	assert.Error(t, s.Reload())
	assert.True(t, s.Verify("alice", "pw"))
}

func TestStore_CloseWithoutWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users")
	writeUsers(t, path)

	s, err := Load(path)
	require.NoError(t, err)
	assert.NoError(t, s.Close())
	assert.Empty(t, s.Users())
}
