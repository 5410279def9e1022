package distconfig

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"pkt.systems/pslog"

	"quorumdb/internal/docstore"
)

// DocumentName is the name under which a database configuration is stored.
func DocumentName(db string) string {
	return "distributed-config-" + db + ".json"
}

// Load reads the configuration of db. ok is false when none was saved yet.
func Load(ctx context.Context, store docstore.Store, db string) (doc Document, ok bool, err error) {
	data, err := store.Get(ctx, DocumentName(db))
	if errors.Is(err, docstore.ErrNotFound) {
		return Document{}, false, nil
	}
	if err != nil {
		return Document{}, false, err
	}
	doc, err = Decode(data, FormatJSON)
	if err != nil {
		return Document{}, false, err
	}
	return doc, true, nil
}

// Save writes the current document of c.
func Save(ctx context.Context, store docstore.Store, db string, c *Configuration) error {
	data, err := Encode(c.Document(), FormatJSON)
	if err != nil {
		return err
	}
	return store.Put(ctx, DocumentName(db), data)
}

// ReadFile decodes a JSON or YAML document from disk.
func ReadFile(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("distconfig: read %s: %w", path, err)
	}
	return Decode(data, FormatOf(path))
}

// Watch reloads path whenever it changes and applies it to m when the file
// carries a newer version. It blocks until ctx is done.
func Watch(ctx context.Context, path string, m *Modifiable, logger pslog.Logger) error {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("distconfig: create watcher: %w", err)
	}
	defer watcher.Close()
	// Editors replace files, so watch the directory and filter by name.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("distconfig: watch %s: %w", path, err)
	}
	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			reload(path, m, logger)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("distconfig.watch.error", "path", path, "error", err)
		}
	}
}

func reload(path string, m *Modifiable, logger pslog.Logger) {
	doc, err := ReadFile(path)
	if err != nil {
		logger.Warn("distconfig.reload.failed", "path", path, "error", err)
		return
	}
	current := m.Version()
	if doc.Version <= current {
		logger.Debug("distconfig.reload.stale", "path", path, "file_version", doc.Version, "version", current)
		return
	}
	m.Override(doc)
	logger.Info("distconfig.reload.applied", "path", path, "version", m.Version())
}
