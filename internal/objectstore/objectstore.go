// Package objectstore persists generated artifacts (invoice PDFs) and
// mints expiring signed download URLs for them.
package objectstore

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/paintops/crewclock/internal/config"
	"github.com/paintops/crewclock/pkg/apperr"
	"go.uber.org/fx"
)

var Module = fx.Module("objectstore",
	fx.Provide(NewFromConfig),
)

// DefaultURLTTL is seven days; MaxURLTTL caps caller-requested expiries.
const (
	DefaultURLTTL = 7 * 24 * time.Hour
	MaxURLTTL     = 30 * 24 * time.Hour
)

var ErrNotFound = errors.New("objectstore: object not found")

// Store is the artifact backend. The filesystem implementation below is
// the only one wired today; a bucket-backed one would satisfy the same
// interface.
type Store interface {
	Put(ctx context.Context, path string, data []byte, contentType string, metadata map[string]string) error
	Get(ctx context.Context, path string) ([]byte, error)
	Delete(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)
	SignedURL(path string, ttl time.Duration, now time.Time) (string, error)
	VerifySignedPath(path string, expUnix int64, sig string, now time.Time) error
}

type fsStore struct {
	root    string
	baseURL string
	secret  []byte
	urlTTL  time.Duration
}

func NewFromConfig(cfg config.Config) (Store, error) {
	ttl := time.Duration(cfg.SignedURLDefaultSecs) * time.Second
	return NewFS(cfg.ObjectStoreDir, cfg.ObjectStoreBaseURL, cfg.ObjectStoreURLSecret, ttl)
}

func NewFS(root, baseURL, urlSecret string, urlTTL time.Duration) (Store, error) {
	if root == "" {
		return nil, errors.New("objectstore: root directory required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	if urlTTL <= 0 {
		urlTTL = DefaultURLTTL
	}
	return &fsStore{
		root:    root,
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  []byte(urlSecret),
		urlTTL:  urlTTL,
	}, nil
}

// resolve maps a logical object path onto the root, refusing traversal.
func (s *fsStore) resolve(path string) (string, error) {
	clean := filepath.Clean("/" + path)
	if clean == "/" || strings.Contains(clean, "..") {
		return "", fmt.Errorf("objectstore: bad object path %q", path)
	}
	return filepath.Join(s.root, clean), nil
}

func (s *fsStore) Put(ctx context.Context, path string, data []byte, contentType string, metadata map[string]string) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, full); err != nil {
		return err
	}
	return s.writeMeta(full, contentType, metadata)
}

// writeMeta keeps content type and caller metadata in a sidecar, the way a
// bucket backend would keep them on the object.
func (s *fsStore) writeMeta(full, contentType string, metadata map[string]string) error {
	meta := objectMeta{ContentType: contentType, Metadata: metadata}
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return os.WriteFile(full+metaSuffix, raw, 0o644)
}

// Metadata reads the sidecar written by Put. A missing sidecar is not an
// error; older objects predate it.
func (s *fsStore) Metadata(ctx context.Context, path string) (map[string]string, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(full + metaSuffix)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var meta objectMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, err
	}
	return meta.Metadata, nil
}

const metaSuffix = ".meta.json"

type objectMeta struct {
	ContentType string            `json:"contentType"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func (s *fsStore) Get(ctx context.Context, path string) ([]byte, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

func (s *fsStore) Delete(ctx context.Context, path string) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	_ = os.Remove(full + metaSuffix)
	err = os.Remove(full)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (s *fsStore) Exists(ctx context.Context, path string) (bool, error) {
	full, err := s.resolve(path)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(full)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

// SignedURL mints /files/{path}?exp=&sig= where sig authenticates both the
// path and the expiry.
func (s *fsStore) SignedURL(path string, ttl time.Duration, now time.Time) (string, error) {
	if len(s.secret) == 0 {
		return "", errors.New("objectstore: url signing secret not configured")
	}
	if _, err := s.resolve(path); err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = s.urlTTL
	}
	exp := now.Add(ttl).Unix()
	sig := s.sign(path, exp)
	return fmt.Sprintf("%s/files/%s?exp=%d&sig=%s", s.baseURL, strings.TrimPrefix(path, "/"), exp, sig), nil
}

func (s *fsStore) VerifySignedPath(path string, expUnix int64, sig string, now time.Time) error {
	if now.Unix() > expUnix {
		return apperr.PermissionDenied("url_expired", "signed URL has expired")
	}
	expected := s.sign(path, expUnix)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return apperr.PermissionDenied("bad_signature", "signed URL signature mismatch")
	}
	return nil
}

func (s *fsStore) sign(path string, expUnix int64) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(strings.TrimPrefix(path, "/")))
	mac.Write([]byte{0})
	mac.Write([]byte(strconv.FormatInt(expUnix, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}
