// Package credentials stores provider API keys encrypted at rest.
package credentials

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/crypto/nacl/secretbox"
	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned when no credential is stored under a name.
var ErrNotFound = errors.New("credential not found")

const (
	fileName = "credentials.yaml"
	keyName  = "key"
)

// DefaultDir returns $XDG_CONFIG_HOME/intentcode (or the platform equivalent).
func DefaultDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locating config dir: %w", err)
	}
	return filepath.Join(dir, "intentcode"), nil
}

type fileFormat struct {
	Credentials map[string]string `yaml:"credentials"`
}

// Store is a directory holding an encrypted credentials file and its key.
type Store struct {
	dir string
	mu  sync.Mutex
}

// Open returns a store rooted at dir. Nothing is created until the first Set.
func Open(dir string) *Store {
	return &Store{dir: dir}
}

// Get decrypts the credential stored under name.
func (s *Store) Get(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return "", err
	}
	sealed, ok := entries[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	key, err := s.key(false)
	if err != nil {
		return "", err
	}
	return open(sealed, key)
}

// Set encrypts and stores a credential, replacing any previous value.
func (s *Store) Set(name, value string) error {
	if name == "" {
		return errors.New("credential name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return err
	}
	key, err := s.key(true)
	if err != nil {
		return err
	}
	sealed, err := seal(value, key)
	if err != nil {
		return err
	}
	entries[name] = sealed
	return s.save(entries)
}

// Remove deletes a credential. Removing a missing name is not an error.
func (s *Store) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := entries[name]; !ok {
		return nil
	}
	delete(entries, name)
	return s.save(entries)
}

// List returns stored credential names, sorted. Values are never listed.
func (s *Store) List() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) load() (map[string]string, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, fileName))
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading credentials: %w", err)
	}
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing credentials: %w", err)
	}
	if f.Credentials == nil {
		f.Credentials = map[string]string{}
	}
	return f.Credentials, nil
}

func (s *Store) save(entries map[string]string) error {
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(fileFormat{Credentials: entries})
	if err != nil {
		return fmt.Errorf("marshaling credentials: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, fileName), data, 0600); err != nil {
		return fmt.Errorf("writing credentials: %w", err)
	}
	return nil
}

func (s *Store) key(create bool) (*[32]byte, error) {
	path := filepath.Join(s.dir, keyName)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(data) != 32 {
			return nil, fmt.Errorf("key file %s is corrupt", path)
		}
		var key [32]byte
		copy(key[:], data)
		return &key, nil
	case !os.IsNotExist(err) || !create:
		return nil, fmt.Errorf("reading key: %w", err)
	}

	var key [32]byte
	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return nil, fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, key[:], 0600); err != nil {
		return nil, fmt.Errorf("writing key: %w", err)
	}
	return &key, nil
}

func seal(value string, key *[32]byte) (string, error) {
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	box := secretbox.Seal(nonce[:], []byte(value), &nonce, key)
	return base64.StdEncoding.EncodeToString(box), nil
}

func open(sealed string, key *[32]byte) (string, error) {
	box, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil || len(box) < 24 {
		return "", errors.New("credential is corrupt")
	}
	var nonce [24]byte
	copy(nonce[:], box[:24])
	plain, ok := secretbox.Open(nil, box[24:], &nonce, key)
	if !ok {
		return "", errors.New("credential cannot be decrypted with the current key")
	}
	return string(plain), nil
}
