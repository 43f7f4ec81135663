package auth

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrTokenNotFound is returned when deleting an unknown token id.
var ErrTokenNotFound = errors.New("token not found")

// TokenPrefix starts every raw token so leaked tokens are recognisable.
const TokenPrefix = "pks_"

// Token holds the metadata for an API token. The raw value is never stored.
type Token struct {
	ID          string    `json:"id"`
	TokenHash   string    `json:"token_hash"`
	Description string    `json:"description"`
	Owners      []string  `json:"owners"`
	Permission  string    `json:"permission"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store manages API tokens.
type Store interface {
	GetByHash(hash string) (*Token, error)
	List() ([]*Token, error)
	Delete(id string) error
	Create(desc string, owners []string, permission string) (rawToken string, info *Token, err error)
}

// FileStore is a JSON-file-backed Store. Tokens are kept by hash; the raw
// token is only returned on creation.
type FileStore struct {
	path   string
	mu     sync.RWMutex
	tokens map[string]*Token
	logger *slog.Logger
}

// NewFileStore returns an empty store persisted at path. Call Load to read
// existing tokens.
func NewFileStore(path string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{
		path:   path,
		tokens: make(map[string]*Token),
		logger: logger,
	}
}

// Load reads the token file. A missing file is an empty store.
func (s *FileStore) Load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var tokens []*Token
	if err := json.Unmarshal(data, &tokens); err != nil {
		return fmt.Errorf("parse token store: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = make(map[string]*Token, len(tokens))
	for _, t := range tokens {
		s.tokens[t.TokenHash] = t
	}

	s.logger.Info("loaded tokens", "count", len(tokens))
	return nil
}

// GetByHash returns the token for a SHA256 hash, or nil if unknown.
func (s *FileStore) GetByHash(hash string) (*Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens[hash], nil
}

// save writes all tokens to a temp file and renames it over the store.
// Callers hold s.mu.
func (s *FileStore) save() error {
	tokens := make([]*Token, 0, len(s.tokens))
	for _, t := range s.tokens {
		tokens = append(tokens, t)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i].CreatedAt.Before(tokens[j].CreatedAt) })

	data, err := json.MarshalIndent(tokens, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tokens: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create token directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write tokens: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// Create generates a token, persists it, and returns the raw value.
func (s *FileStore) Create(desc string, owners []string, permission string) (string, *Token, error) {
	if permission != PermissionRead && permission != PermissionReadWrite {
		return "", nil, fmt.Errorf("invalid permission %q: must be %q or %q", permission, PermissionRead, PermissionReadWrite)
	}
	if len(owners) == 0 {
		return "", nil, errors.New("token must be scoped to at least one owner")
	}

	secret := make([]byte, 24)
	if _, err := rand.Read(secret); err != nil {
		return "", nil, fmt.Errorf("generate token: %w", err)
	}
	raw := TokenPrefix + hex.EncodeToString(secret)

	info := &Token{
		ID:          uuid.NewString(),
		TokenHash:   HashToken(raw),
		Description: desc,
		Owners:      owners,
		Permission:  permission,
		CreatedAt:   time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[info.TokenHash] = info
	if err := s.save(); err != nil {
		delete(s.tokens, info.TokenHash)
		return "", nil, fmt.Errorf("persist token: %w", err)
	}
	return raw, info, nil
}

// List returns all tokens, oldest first.
func (s *FileStore) List() ([]*Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tokens := make([]*Token, 0, len(s.tokens))
	for _, t := range s.tokens {
		tokens = append(tokens, t)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i].CreatedAt.Before(tokens[j].CreatedAt) })
	return tokens, nil
}

// Delete removes the token with the given id.
func (s *FileStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for hash, t := range s.tokens {
		if t.ID != id {
			continue
		}
		delete(s.tokens, hash)
		if err := s.save(); err != nil {
			s.tokens[hash] = t
			return err
		}
		return nil
	}
	return fmt.Errorf("%s: %w", id, ErrTokenNotFound)
}
