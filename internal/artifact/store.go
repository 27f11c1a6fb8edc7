package artifact

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/zeebo/blake3"
)

// Store writes artifact blobs under a root directory, one subdirectory per
// run. Blobs are append-only: content is never rewritten after Put.
type Store struct {
	root string
}

// NewStore creates a Store rooted at root, creating the directory if needed.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", root, err)
	}
	return &Store{root: root}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

// Blob is the result of a Put: where the content landed and its digest.
type Blob struct {
	ID     string // ULID, doubles as the registry artifact id
	Path   string // relative to the store root
	Digest string // blake3 hex of the content
}

// Put writes content as a new blob for the given run and kind. The blob file
// is named <ulid>-<kind> under the run's directory and written atomically, so
// a crashed writer never leaves a partial artifact behind.
func (s *Store) Put(runID string, kind Kind, content []byte) (*Blob, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown artifact kind %q", kind)
	}
	id := ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
	rel := filepath.Join(runID, fmt.Sprintf("%s-%s", id, kind))
	if err := WriteAtomic(filepath.Join(s.root, rel), content); err != nil {
		return nil, fmt.Errorf("write artifact %s: %w", rel, err)
	}
	sum := blake3.Sum256(content)
	return &Blob{
		ID:     id,
		Path:   rel,
		Digest: hex.EncodeToString(sum[:]),
	}, nil
}

// Read returns the content of a blob by its store-relative path.
func (s *Store) Read(rel string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.root, rel))
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", rel, err)
	}
	return data, nil
}

// DeleteRun removes all blobs belonging to a run.
func (s *Store) DeleteRun(runID string) error {
	return os.RemoveAll(filepath.Join(s.root, runID))
}
