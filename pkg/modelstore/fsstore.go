package modelstore

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hakro/netsentry/pkg/detectors"
)

// FSStore keeps bundles as gob files in a directory, one file per
// (model type, schema version) key. Writes go to a temp file in the same
// directory and are renamed into place, so readers only ever see a complete
// bundle.
type FSStore struct {
	dir string
}

// NewFSStore creates the directory if needed and returns a store over it.
func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create model dir: %w", err)
	}
	return &FSStore{dir: dir}, nil
}

func (s *FSStore) path(kind detectors.Kind, schemaVersion int) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_v%d.model", kind, schemaVersion))
}

// Load reads a bundle, returning ErrNotFound when the key has never been
// saved.
func (s *FSStore) Load(kind detectors.Kind, schemaVersion int) (*Bundle, error) {
	f, err := os.Open(s.path(kind, schemaVersion))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s v%d", ErrNotFound, kind, schemaVersion)
		}
		return nil, fmt.Errorf("open bundle: %w", err)
	}
	defer f.Close()

	var b Bundle
	if err := gob.NewDecoder(f).Decode(&b); err != nil {
		return nil, fmt.Errorf("decode bundle %s v%d: %w", kind, schemaVersion, err)
	}
	return &b, nil
}

// Save writes the bundle atomically.
func (s *FSStore) Save(b *Bundle) error {
	tmp, err := os.CreateTemp(s.dir, string(b.ModelType)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp bundle: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := gob.NewEncoder(tmp).Encode(b); err != nil {
		tmp.Close()
		return fmt.Errorf("encode bundle: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync bundle: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close bundle: %w", err)
	}

	if err := os.Rename(tmp.Name(), s.path(b.ModelType, b.SchemaVersion)); err != nil {
		return fmt.Errorf("publish bundle: %w", err)
	}
	return nil
}
