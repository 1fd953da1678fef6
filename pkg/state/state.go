// Package state persists deployment change markers so restarts do not
// redeploy artifacts that are already on disk.
package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"

	"github.com/cockroachdb/pebble/v2"
)

const (
	certPrefix   = "cert"
	secretPrefix = "secret"
)

// Store is a pebble-backed marker store. Certificate markers are content
// fingerprints, secret markers are upstream version numbers.
type Store struct {
	logger *slog.Logger
	db     *pebble.DB
}

func Open(logger *slog.Logger, dir string) (*Store, error) {
	db, err := pebble.Open(filepath.Join(dir, "markers"), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("opening marker store: %w", err)
	}
	return &Store{logger: logger, db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func key(prefix, id string) []byte {
	fullKey := make([]byte, len(prefix)+len(id)+1)
	copy(fullKey, prefix)
	fullKey[len(prefix)] = '/'
	copy(fullKey[len(prefix)+1:], id)
	return fullKey
}

func (s *Store) get(k []byte) ([]byte, bool, error) {
	data, closer, err := s.db.Get(k)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	out := make([]byte, len(data))
	copy(out, data)
	if err := closer.Close(); err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// Fingerprint returns the stored fingerprint for a certificate, with false
// when the certificate has never been deployed.
func (s *Store) Fingerprint(_ context.Context, id string) (string, bool, error) {
	data, ok, err := s.get(key(certPrefix, id))
	return string(data), ok, err
}

func (s *Store) PutFingerprint(_ context.Context, id, fingerprint string) error {
	return s.db.Set(key(certPrefix, id), []byte(fingerprint), pebble.Sync)
}

// Version returns the stored version for a secret, with false when the
// secret has never been deployed.
func (s *Store) Version(_ context.Context, id string) (int64, bool, error) {
	data, ok, err := s.get(key(secretPrefix, id))
	if err != nil || !ok {
		return 0, ok, err
	}
	v, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		// A corrupt marker is indistinguishable from no marker; the next
		// deploy overwrites it.
		s.logger.With("secret_id", id, "raw", string(data)).Warn("discarding corrupt version marker")
		return 0, false, nil
	}
	return v, true, nil
}

func (s *Store) PutVersion(_ context.Context, id string, version int64) error {
	return s.db.Set(key(secretPrefix, id), []byte(strconv.FormatInt(version, 10)), pebble.Sync)
}
