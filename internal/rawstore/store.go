// Package rawstore persists Bronze payloads as immutable JSON files.
package rawstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/marketflow/internal/domain"
)

// Mirror archives a copy of every stored payload to secondary storage.
// Mirroring is best-effort: failures are logged, never propagated.
type Mirror interface {
	Archive(ctx context.Context, relPath string, data []byte) error
}

// Store writes one JSON document per fetch attempt under a root directory.
// Paths derive deterministically from the unit identity plus the payload's
// generated file id, so concurrent writers never collide. Files are never
// rewritten in place.
type Store struct {
	root   string
	mirror Mirror
	log    zerolog.Logger
}

// New creates a store rooted at dir.
func New(dir string, log zerolog.Logger) *Store {
	return &Store{
		root: dir,
		log:  log.With().Str("component", "rawstore").Logger(),
	}
}

// SetMirror attaches an archive mirror (optional).
func (s *Store) SetMirror(m Mirror) {
	s.mirror = m
}

// NewFileID generates a unique payload file id.
func NewFileID() string {
	return uuid.NewString()
}

// Write persists the payload and returns its path relative to the store
// root. The payload must pass the storage acceptance gate; a payload that
// fails it is a caller bug, not a storable failure record.
func (s *Store) Write(ctx context.Context, p *domain.RawPayload) (string, error) {
	if !p.AcceptableForStorage() {
		return "", fmt.Errorf("payload %s failed the storage acceptance gate", p.FileID)
	}

	relPath := s.relPath(p)
	fullPath := filepath.Join(s.root, filepath.FromSlash(relPath))

	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return "", fmt.Errorf("failed to create payload directory: %w", err)
	}

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode payload %s: %w", p.FileID, err)
	}

	// O_EXCL enforces append-only semantics: an existing file means an id
	// collision or a rewrite attempt, both of which must surface.
	f, err := os.OpenFile(fullPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return "", fmt.Errorf("failed to create payload file %s: %w", relPath, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to write payload file %s: %w", relPath, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close payload file %s: %w", relPath, err)
	}

	if s.mirror != nil {
		if err := s.mirror.Archive(ctx, relPath, data); err != nil {
			s.log.Warn().Err(err).Str("file", relPath).Msg("Payload archive mirror failed")
		}
	}

	s.log.Debug().
		Str("file", relPath).
		Int("rows", len(p.Content)).
		Int("status", p.StatusCode).
		Msg("Stored raw payload")

	return relPath, nil
}

// Load reads a payload back by its store-relative path.
func (s *Store) Load(relPath string) (*domain.RawPayload, error) {
	fullPath := filepath.Join(s.root, filepath.FromSlash(relPath))

	data, err := os.ReadFile(fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read payload file %s: %w", relPath, err)
	}

	var p domain.RawPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("payload file %s is not a recognized payload document: %w", relPath, err)
	}
	if p.FileID == "" {
		return nil, fmt.Errorf("payload file %s is missing its file id", relPath)
	}
	return &p, nil
}

// relPath builds <identity stem>/<file id>[__<discriminator>].json.
func (s *Store) relPath(p *domain.RawPayload) string {
	name := p.FileID
	if p.Discriminator != "" {
		name += "__" + sanitize(p.Discriminator)
	}
	return p.Identity().PathStem() + "/" + name + ".json"
}

func sanitize(part string) string {
	out := make([]rune, 0, len(part))
	for _, r := range part {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
