package credentials

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"alttext/internal/infra"
	"alttext/internal/sqlinline"
)

const (
	keyToken      = "api_token"
	keyLicenseKey = "license_key"
	keySiteSeed   = "site_seed"
)

// Store persists API credentials and the site identity seed. The remote
// service tracks quota per installation, so the site id must stay stable
// across restarts; it is a hash of a random seed generated once and kept in
// the database.
type Store struct {
	sql infra.SQLExecutor
}

func NewStore(sql infra.SQLExecutor) *Store {
	return &Store{sql: sql}
}

// Token returns the stored bearer token, or empty when none is set.
func (s *Store) Token(ctx context.Context) (string, error) {
	return s.get(ctx, keyToken)
}

// LicenseKey returns the stored organization license key, or empty.
func (s *Store) LicenseKey(ctx context.Context) (string, error) {
	return s.get(ctx, keyLicenseKey)
}

// SetToken stores the bearer token.
func (s *Store) SetToken(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("token is required")
	}
	return s.upsert(ctx, keyToken, token)
}

// SetLicenseKey stores the license key.
func (s *Store) SetLicenseKey(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("license key is required")
	}
	return s.upsert(ctx, keyLicenseKey, key)
}

// ClearToken removes the stored bearer token.
func (s *Store) ClearToken(ctx context.Context) error {
	_, err := s.sql.Exec(ctx, sqlinline.QDeleteCredential, keyToken)
	if err != nil {
		return fmt.Errorf("clear token: %w", err)
	}
	return nil
}

// SiteID returns the stable site identifier hash, deriving and persisting
// the underlying seed on first use.
func (s *Store) SiteID(ctx context.Context) (string, error) {
	seed, err := s.get(ctx, keySiteSeed)
	if err != nil {
		return "", err
	}
	if seed == "" {
		seed = uuid.NewString()
		if err := s.upsert(ctx, keySiteSeed, seed); err != nil {
			return "", err
		}
	}
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:]), nil
}

func (s *Store) get(ctx context.Context, key string) (string, error) {
	row := s.sql.QueryRow(ctx, sqlinline.QSelectCredential, key)
	var value string
	if err := row.Scan(&value); err != nil {
		if infra.IsNoRows(err) {
			return "", nil
		}
		return "", fmt.Errorf("load %s: %w", key, err)
	}
	return strings.TrimSpace(value), nil
}

func (s *Store) upsert(ctx context.Context, key, value string) error {
	if _, err := s.sql.Exec(ctx, sqlinline.QUpsertCredential, key, value); err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	return nil
}
