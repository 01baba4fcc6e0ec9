package prefs

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"codeberg.org/mutker/sensord/internal/errors"
	"gopkg.in/yaml.v3"
)

const (
	defaultDirPerm  = 0o755
	defaultFilePerm = 0o644
)

// YAML keeps flags in a single YAML mapping. Every Set rewrites the file
// through a temp file and rename.
type YAML struct {
	path   string
	mu     sync.Mutex
	values map[string]bool
}

func NewYAML(path string) (*YAML, error) {
	errFactory := errors.New()

	y := &YAML{path: path, values: make(map[string]bool)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return y, nil
	}
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrStorageIO, err)
	}

	if err := yaml.Unmarshal(data, &y.values); err != nil {
		return nil, errFactory.WithData(errors.ErrStorageIO, struct {
			Path  string
			Error string
		}{
			Path:  path,
			Error: err.Error(),
		})
	}
	if y.values == nil {
		y.values = make(map[string]bool)
	}

	return y, nil
}

func (y *YAML) Get(_ context.Context, key string) (bool, bool, error) {
	y.mu.Lock()
	defer y.mu.Unlock()

	v, ok := y.values[key]
	return v, ok, nil
}

func (y *YAML) Set(_ context.Context, key string, value bool) error {
	y.mu.Lock()
	defer y.mu.Unlock()

	next := make(map[string]bool, len(y.values)+1)
	for k, v := range y.values {
		next[k] = v
	}
	next[key] = value

	if err := y.write(next); err != nil {
		return err
	}
	y.values = next
	return nil
}

func (y *YAML) write(values map[string]bool) error {
	errFactory := errors.New()

	data, err := yaml.Marshal(values)
	if err != nil {
		return errFactory.Wrap(errors.ErrStorageIO, err)
	}

	dir := filepath.Dir(y.path)
	if err := os.MkdirAll(dir, defaultDirPerm); err != nil {
		return errFactory.Wrap(errors.ErrStorageIO, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(y.path)+".*.tmp")
	if err != nil {
		return errFactory.Wrap(errors.ErrStorageIO, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errFactory.Wrap(errors.ErrStorageIO, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errFactory.Wrap(errors.ErrStorageIO, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errFactory.Wrap(errors.ErrStorageIO, err)
	}
	if err := os.Chmod(tmpName, defaultFilePerm); err != nil {
		os.Remove(tmpName)
		return errFactory.Wrap(errors.ErrStorageIO, err)
	}
	if err := os.Rename(tmpName, y.path); err != nil {
		os.Remove(tmpName)
		return errFactory.Wrap(errors.ErrStorageIO, err)
	}

	return nil
}

func (*YAML) Close() error {
	return nil
}
