// Package sizing decides how much capital a candidate trade receives. A
// per-symbol performance memory feeds a fractional-Kelly estimator once
// enough history exists, and a portfolio-wide exposure check bounds the
// aggregate regardless of per-symbol results.
package sizing

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// SymbolMemory is the adaptive learning record for one traded symbol.
// Updated exactly once per trade close.
type SymbolMemory struct {
	Symbol                 string  `json:"symbol"`
	TotalTrades            int     `json:"total_trades"`
	Wins                   int     `json:"wins"`
	Losses                 int     `json:"losses"`
	CurrentSize            float64 `json:"current_size"`
	BaseSize               float64 `json:"base_size"`
	BlockedCyclesRemaining int     `json:"blocked_cycles_remaining"`
	LastPnLPct             float64 `json:"last_pnl_pct"`
	LastCycleUpdated       int64   `json:"last_cycle_updated"`
}

// memorySchemaVersion tags the on-disk layout.
const memorySchemaVersion = 1

type memoryPayload struct {
	SchemaVersion int                      `json:"schema_version"`
	SavedAt       time.Time                `json:"saved_at"`
	Cycle         int64                    `json:"cycle"`
	Memory        map[string]*SymbolMemory `json:"memory"`
}

// MemoryFile persists the SymbolMemory table and the cycle counter with
// the same atomic-replace pattern as the position snapshot.
type MemoryFile struct {
	path string
}

// NewMemoryFile creates the persistence handle, ensuring the directory
// exists.
func NewMemoryFile(path string) (*MemoryFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating memory directory: %w", err)
	}
	return &MemoryFile{path: path}, nil
}

// Save atomically replaces the memory record on disk.
func (f *MemoryFile) Save(cycle int64, memory map[string]*SymbolMemory) error {
	payload := memoryPayload{
		SchemaVersion: memorySchemaVersion,
		SavedAt:       time.Now().UTC(),
		Cycle:         cycle,
		Memory:        memory,
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding symbol memory: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing symbol memory temp file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replacing symbol memory: %w", err)
	}
	return nil
}

// Load reads the persisted record. A missing file yields empty state.
func (f *MemoryFile) Load() (int64, map[string]*SymbolMemory, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil, nil
		}
		return 0, nil, fmt.Errorf("reading symbol memory: %w", err)
	}
	var payload memoryPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return 0, nil, fmt.Errorf("decoding symbol memory: %w", err)
	}
	if payload.SchemaVersion != memorySchemaVersion {
		return 0, nil, fmt.Errorf("unsupported symbol memory schema version %d (want %d)",
			payload.SchemaVersion, memorySchemaVersion)
	}
	return payload.Cycle, payload.Memory, nil
}
