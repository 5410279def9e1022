package docstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Disk stores documents as files in one directory.
type Disk struct {
	dir string
}

// NewDisk creates the directory when needed.
func NewDisk(dir string) (*Disk, error) {
	if dir == "" {
		return nil, fmt.Errorf("docstore: disk directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("docstore: create %s: %w", dir, err)
	}
	return &Disk{dir: dir}, nil
}

// Path returns the file backing name.
func (d *Disk) Path(name string) string {
	return filepath.Join(d.dir, name)
}

func (d *Disk) Get(ctx context.Context, name string) ([]byte, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(d.Path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("docstore: read %s: %w", name, err)
	}
	return data, nil
}

// Put writes to a temporary file and renames it over the target so readers
// never see a partial document.
func (d *Disk) Put(ctx context.Context, name string, data []byte) error {
	if err := validName(name); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(d.dir, "."+name+".*")
	if err != nil {
		return fmt.Errorf("docstore: create temp for %s: %w", name, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("docstore: write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("docstore: sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("docstore: close %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), d.Path(name)); err != nil {
		return fmt.Errorf("docstore: rename %s: %w", name, err)
	}
	return nil
}

func (d *Disk) Close() error { return nil }

func validName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("docstore: invalid document name %q", name)
	}
	return nil
}
