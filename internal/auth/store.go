// Package auth checks operator credentials against a users file holding one
// "user:bcrypt-hash" pair per line. Blank lines and lines starting with '#'
// are ignored.
package auth

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// Store holds the credentials of the users file it was loaded from.
type Store struct {
	path   string
	logger *zap.Logger

	mu    sync.RWMutex
	users map[string][]byte

	wmu       sync.Mutex
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Load reads the users file at path.
func Load(path string, opts ...Option) (*Store, error) {
	s := &Store{
		path:   path,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the users file. On error the previous credentials stay in
// effect.
func (s *Store) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return errors.Wrapf(err, "read users file %s", s.path)
	}
	users, err := ParseUsers(bytes.NewReader(data))
	if err != nil {
		return errors.Wrapf(err, "parse users file %s", s.path)
	}

	s.mu.Lock()
	s.users = users
	s.mu.Unlock()

	s.logger.Info("users loaded", zap.String("path", s.path), zap.Int("users", len(users)))
	return nil
}

// Verify reports whether password matches the stored hash for user.
func (s *Store) Verify(user, password string) bool {
	s.mu.RLock()
	hash, ok := s.users[user]
	s.mu.RUnlock()

	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil
}

// Users returns the known user names in ascending order.
func (s *Store) Users() []string {
	s.mu.RLock()
	names := lo.Keys(s.users)
	s.mu.RUnlock()

	slices.Sort(names)
	return names
}

// ParseUsers parses the users file format.
func ParseUsers(r io.Reader) (map[string][]byte, error) {
	users := make(map[string][]byte)
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		name, hash, ok := strings.Cut(text, ":")
		name = strings.TrimSpace(name)
		hash = strings.TrimSpace(hash)
		if !ok || name == "" || hash == "" {
			return nil, errors.Newf("line %d: expected user:hash", line)
		}
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, errors.Wrapf(err, "line %d: user %s", line, name)
		}
		users[name] = []byte(hash)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "scan users")
	}
	return users, nil
}

// HashPassword returns the bcrypt hash to store for password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", errors.Wrap(err, "hash password")
	}
	return string(hash), nil
}
