package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/gosimple/slug"
	"github.com/opnlabs/dotmatrix/pkg/models"
)

// LogStore writes each step's combined output to its own file and indexes
// the file under a models.LogRef. Logs are never held in memory; callers
// open them on demand.
type LogStore struct {
	dir   string
	index Store
}

func NewLogStore(dir string) (*LogStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("could not create log directory %s: %w", dir, err)
	}
	return &LogStore{
		dir:   dir,
		index: NewMemStore(),
	}, nil
}

func (l *LogStore) Dir() string {
	return l.dir
}

// Create opens a new log file for one step. The ref is stable for a given
// job, phase and step position.
func (l *LogStore) Create(jobID string, phase models.Phase, n int, name string) (io.WriteCloser, models.LogRef, error) {
	jobDir := slug.Make(jobID)
	file := fmt.Sprintf("%02d-%s-%s.log", n, phase, slug.Make(name))
	if len(file) > 80 {
		file = fmt.Sprintf("%02d-%s.log", n, phase)
	}
	ref := models.LogRef(filepath.ToSlash(filepath.Join(jobDir, file)))
	path := filepath.Join(l.dir, jobDir, file)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, "", fmt.Errorf("could not create log directory for %s: %w", jobID, err)
	}
	if err := l.index.Set(string(ref), path); err != nil {
		return nil, "", fmt.Errorf("could not register log %s: %w", ref, err)
	}

	f, err := os.Create(path)
	if err != nil {
		l.index.Delete(string(ref))
		return nil, "", fmt.Errorf("could not create log file %s: %w", path, err)
	}
	return f, ref, nil
}

// Open returns a reader over a captured log.
func (l *LogStore) Open(ref models.LogRef) (io.ReadCloser, error) {
	path, err := l.Path(ref)
	if err != nil {
		return nil, err
	}
	return os.Open(path)
}

func (l *LogStore) Path(ref models.LogRef) (string, error) {
	path, err := l.index.Get(string(ref))
	if err != nil {
		return "", fmt.Errorf("log %s: %w", ref, err)
	}
	return path, nil
}

// Refs lists every indexed log in lexical order.
func (l *LogStore) Refs() []models.LogRef {
	keys := l.index.Keys()
	sort.Strings(keys)
	refs := make([]models.LogRef, 0, len(keys))
	for _, k := range keys {
		refs = append(refs, models.LogRef(k))
	}
	return refs
}
