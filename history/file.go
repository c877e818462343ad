package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// DefaultFileName is the snapshot file the engine maintains in its data directory.
const DefaultFileName = "history.json"

// FileSource reads a JSON array of records from disk.
type FileSource struct {
	Path string
}

// NewFileSource returns a source for history.json under dataDir.
func NewFileSource(dataDir string) FileSource {
	return FileSource{Path: filepath.Join(dataDir, DefaultFileName)}
}

// HistoryRecords implements Source. A missing file is an empty history.
func (f FileSource) HistoryRecords(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(f.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read history file %q: %w", f.Path, err)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	var records []Record
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("parse history file %q: %w", f.Path, err)
	}
	return records, nil
}

// Remove deletes the snapshot file. Removing a missing file is not an error.
func (f FileSource) Remove() error {
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove history file %q: %w", f.Path, err)
	}
	return nil
}
