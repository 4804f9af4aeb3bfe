// Package tokenstore persists per-user OAuth token records, encrypted
// at rest. The on-disk file is a single JSON object mapping caller id
// to an AES-256-GCM envelope; the store is single-owner within one
// process and serializes whole-file writes.
package tokenstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/alexjbarnes/heroku-bridge/internal/crypto"
)

const (
	// storeDirPerm is the permission mode for the store's parent directory.
	storeDirPerm = fs.FileMode(0o700)

	// storeFilePerm is the permission mode for the token store file.
	storeFilePerm = fs.FileMode(0o600)
)

// TokenRecord is the decrypted per-user OAuth state.
type TokenRecord struct {
	AccessToken  string   `json:"access_token"`
	TokenType    string   `json:"token_type"`
	RefreshToken string   `json:"refresh_token,omitempty"`
	Scope        []string `json:"scope,omitempty"`
	ExpiresAt    string   `json:"expires_at,omitempty"`
	ObtainedAt   string   `json:"obtained_at,omitempty"`
}

// Store maps caller ids to encrypted token records backed by one file.
// The file is read lazily on first access; later reads hit the
// in-memory copy.
type Store struct {
	path string
	keys *crypto.Keyset

	mu        sync.Mutex
	loaded    bool
	envelopes map[string]crypto.Envelope
}

// New creates a store over the given file path and keyset. The file is
// not touched until the first read or write.
func New(path string, keys *crypto.Keyset) *Store {
	return &Store{
		path:      path,
		keys:      keys,
		envelopes: make(map[string]crypto.Envelope),
	}
}

// load reads the store file into memory once. A missing file is an
// empty store, not an error. Callers must hold s.mu.
func (s *Store) load() error {
	if s.loaded {
		return nil
	}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.loaded = true
		return nil
	}

	if err != nil {
		return fmt.Errorf("reading token store: %w", err)
	}

	envelopes := make(map[string]crypto.Envelope)
	if err := json.Unmarshal(data, &envelopes); err != nil {
		return fmt.Errorf("parsing token store: %w", err)
	}

	s.envelopes = envelopes
	s.loaded = true

	return nil
}

// persist serializes the whole file. Callers must hold s.mu.
func (s *Store) persist() error {
	if err := os.MkdirAll(filepath.Dir(s.path), storeDirPerm); err != nil {
		return fmt.Errorf("creating token store directory: %w", err)
	}

	data, err := json.MarshalIndent(s.envelopes, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing token store: %w", err)
	}

	if err := os.WriteFile(s.path, data, storeFilePerm); err != nil {
		return fmt.Errorf("writing token store: %w", err)
	}

	return nil
}

// Get returns the token record for a caller, or (nil, nil) when no
// record exists. A decrypt failure is an error: it means the stored
// record was tampered with or encrypted under a different key.
func (s *Store) Get(userID string) (*TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(); err != nil {
		return nil, err
	}

	env, ok := s.envelopes[userID]
	if !ok {
		return nil, nil
	}

	plain, err := s.keys.Open(env)
	if err != nil {
		return nil, fmt.Errorf("decrypting token record for %q: %w", userID, err)
	}

	var rec TokenRecord
	if err := json.Unmarshal(plain, &rec); err != nil {
		return nil, fmt.Errorf("parsing token record for %q: %w", userID, err)
	}

	if rec.TokenType == "" {
		rec.TokenType = "Bearer"
	}

	return &rec, nil
}

// Put encrypts and stores a record for a caller, then rewrites the file.
func (s *Store) Put(userID string, rec *TokenRecord) error {
	if rec.TokenType == "" {
		rec.TokenType = "Bearer"
	}

	plain, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("serializing token record: %w", err)
	}

	env, err := s.keys.Seal(plain)
	if err != nil {
		return fmt.Errorf("encrypting token record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(); err != nil {
		return err
	}

	s.envelopes[userID] = env

	return s.persist()
}

// Delete removes a caller's record and rewrites the file. Deleting an
// absent record is a no-op.
func (s *Store) Delete(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(); err != nil {
		return err
	}

	if _, ok := s.envelopes[userID]; !ok {
		return nil
	}

	delete(s.envelopes, userID)

	return s.persist()
}
