package position

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// snapshotSchemaVersion tags the on-disk layout so future shape changes can
// migrate explicitly instead of drifting silently.
const snapshotSchemaVersion = 1

// snapshotPayload is the durable record: active table plus closed archive.
type snapshotPayload struct {
	SchemaVersion int              `json:"schema_version"`
	SavedAt       time.Time        `json:"saved_at"`
	Active        []Position       `json:"active"`
	Closed        []ClosedPosition `json:"closed"`
}

// SnapshotFile persists the position table with a write-to-temp-then-rename
// pattern so a crash mid-write never corrupts the previous snapshot.
type SnapshotFile struct {
	path string
}

// NewSnapshotFile creates the snapshot writer, ensuring the parent
// directory exists.
func NewSnapshotFile(path string) (*SnapshotFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating snapshot directory: %w", err)
	}
	return &SnapshotFile{path: path}, nil
}

// Save atomically replaces the snapshot on disk.
func (f *SnapshotFile) Save(active []Position, closed []ClosedPosition) error {
	payload := snapshotPayload{
		SchemaVersion: snapshotSchemaVersion,
		SavedAt:       time.Now().UTC(),
		Active:        active,
		Closed:        closed,
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing snapshot temp file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replacing snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot. A missing file is not an error: it is the
// first-run case and yields empty state.
func (f *SnapshotFile) Load() ([]Position, []ClosedPosition, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("reading snapshot: %w", err)
	}

	var payload snapshotPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	if payload.SchemaVersion != snapshotSchemaVersion {
		return nil, nil, fmt.Errorf("unsupported snapshot schema version %d (want %d)",
			payload.SchemaVersion, snapshotSchemaVersion)
	}
	return payload.Active, payload.Closed, nil
}
