// Package artifacts stores submitted files by content hash.
package artifacts

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"

	"github.com/gabriel-vasile/mimetype"
)

var (
	ErrEmpty     = errors.New("artifact is empty")
	ErrTooLarge  = errors.New("artifact exceeds size limit")
	ErrIntegrity = errors.New("artifact hash mismatch")
	ErrMissing   = errors.New("artifact not found")
)

var hexHash = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Info identifies stored content.
type Info struct {
	Hash     string `json:"sha256"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
	Path     string `json:"-"`
}

// Store keeps one file per distinct SHA-256 under <dir>/<aa>/<hash>.
type Store struct {
	dir string
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) Path(hash string) string {
	return filepath.Join(s.dir, hash[:2], hash)
}

// Save streams r into the store. maxBytes <= 0 disables the size limit.
func (s *Store) Save(r io.Reader, maxBytes int64) (Info, error) {
	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return Info{}, fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	src := r
	if maxBytes > 0 {
		src = io.LimitReader(r, maxBytes+1)
	}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), src)
	if err != nil {
		return Info{}, fmt.Errorf("write artifact: %w", err)
	}
	if n == 0 {
		return Info{}, ErrEmpty
	}
	if maxBytes > 0 && n > maxBytes {
		return Info{}, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, maxBytes)
	}
	if err := tmp.Sync(); err != nil {
		return Info{}, fmt.Errorf("sync artifact: %w", err)
	}

	info := Info{Hash: hex.EncodeToString(h.Sum(nil)), Size: n}
	mt, err := mimetype.DetectFile(tmp.Name())
	if err == nil {
		info.MimeType = mt.String()
	}
	info.Path = s.Path(info.Hash)

	if _, err := os.Stat(info.Path); err == nil {
		return info, nil
	}
	if err := os.MkdirAll(filepath.Dir(info.Path), 0o755); err != nil {
		return Info{}, fmt.Errorf("create artifact shard: %w", err)
	}
	if err := os.Rename(tmp.Name(), info.Path); err != nil {
		return Info{}, fmt.Errorf("commit artifact: %w", err)
	}
	return info, nil
}

// Load reads the content stored under hash and verifies it still hashes to
// the same value.
func (s *Store) Load(hash string) ([]byte, error) {
	if !hexHash.MatchString(hash) {
		return nil, fmt.Errorf("%w: malformed hash %q", ErrIntegrity, hash)
	}
	data, err := os.ReadFile(s.Path(hash))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrMissing, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	if got := HashBytes(data); got != hash {
		return nil, fmt.Errorf("%w: stored %s, computed %s", ErrIntegrity, hash, got)
	}
	return data, nil
}

func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Inspect computes the identity of a local file without storing it.
func Inspect(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, err
	}
	defer f.Close()

	h := sha256.New()
	head := &bytes.Buffer{}
	n, err := io.Copy(h, io.TeeReader(io.LimitReader(f, 3072), head))
	if err != nil {
		return Info{}, err
	}
	rest, err := io.Copy(h, f)
	if err != nil {
		return Info{}, err
	}
	return Info{
		Hash:     hex.EncodeToString(h.Sum(nil)),
		Size:     n + rest,
		MimeType: mimetype.Detect(head.Bytes()).String(),
		Path:     path,
	}, nil
}
