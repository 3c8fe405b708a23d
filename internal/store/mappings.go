package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/openmixer/mixcore/pkg/control"
)

// mappingFile is the on-disk JSON shape. Versioned so future format
// changes can migrate old files.
type mappingFile struct {
	Version  int               `json:"version"`
	Mappings []control.Mapping `json:"mappings"`
}

const mappingFileVersion = 1

// ExportMappings writes the mapping set to a JSON file, replacing any
// previous content atomically.
func ExportMappings(path string, maps []control.Mapping) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("ensure mappings dir: %w", err)
	}
	data, err := json.MarshalIndent(mappingFile{Version: mappingFileVersion, Mappings: maps}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode mappings: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write mappings: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace mappings: %w", err)
	}
	return nil
}

// ImportMappings reads a mapping file.
func ImportMappings(path string) ([]control.Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mappings: %w", err)
	}
	var f mappingFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse mappings: %w", err)
	}
	if f.Version != mappingFileVersion {
		return nil, fmt.Errorf("unsupported mappings version %d", f.Version)
	}
	return f.Mappings, nil
}

// WatchMappings reloads the mapping file whenever it changes on disk and
// hands the new set to apply. Malformed edits are logged and skipped; the
// previous mappings stay active. Blocks until ctx ends.
func WatchMappings(ctx context.Context, path string, log *zap.Logger, apply func([]control.Mapping)) error {
	if log == nil {
		log = zap.NewNop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors replace the file, which would drop a
	// watch on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch mappings dir: %w", err)
	}

	// Debounce bursts of events from atomic-save editors.
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(200 * time.Millisecond)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("mapping watcher error", zap.Error(err))
		case <-pending:
			pending = nil
			maps, err := ImportMappings(path)
			if err != nil {
				log.Warn("mapping file changed but could not be loaded, keeping previous set",
					zap.String("path", path), zap.Error(err))
				continue
			}
			log.Info("mapping file reloaded",
				zap.String("path", path), zap.Int("mappings", len(maps)))
			apply(maps)
		}
	}
}
