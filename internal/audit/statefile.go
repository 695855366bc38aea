package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// StateSnapshot is the small state store written by WriteStateAtomic:
// cycle_number, factor, and the current threshold values. Nothing in umcc
// calls WriteStateAtomic, so this state is not persisted across restarts.
type StateSnapshot struct {
	SchemaVersion      string             `json:"schema_version"`
	CycleNumber        int                `json:"cycle_number"`
	Factor             float64            `json:"factor"`
	ThresholdsCurrent  map[string]float64 `json:"thresholds_current"`
}

// WriteStateAtomic persists snapshot to path using write-temp + fsync +
// rename, so a reader never observes a partially written file and a crash
// mid-write never corrupts the previous snapshot.
func WriteStateAtomic(path string, snapshot StateSnapshot) error {
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("audit.WriteStateAtomic: marshal: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("audit.WriteStateAtomic: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // No-op once the rename below succeeds.

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("audit.WriteStateAtomic: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("audit.WriteStateAtomic: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("audit.WriteStateAtomic: close: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("audit.WriteStateAtomic: rename: %w", err)
	}
	return nil
}

// ReadState loads a StateSnapshot previously written by WriteStateAtomic.
// Returns os.ErrNotExist (wrapped) if no snapshot has ever been written.
func ReadState(path string) (*StateSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s StateSnapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("audit.ReadState: parse %q: %w", path, err)
	}
	return &s, nil
}

// WritePIDFileAtomic persists a PID file for a ManagedProcess using the
// same write-temp + fsync + rename discipline as WriteStateAtomic, so the
// PID file and in-memory Supervisor state are always consistent on disk
// after any state transition.
func WritePIDFileAtomic(path string, pid int) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("audit.WritePIDFileAtomic: mkdir %q: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".pid-*.tmp")
	if err != nil {
		return fmt.Errorf("audit.WritePIDFileAtomic: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := fmt.Fprintf(tmp, "%d\n", pid); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("audit.WritePIDFileAtomic: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("audit.WritePIDFileAtomic: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("audit.WritePIDFileAtomic: close: %w", err)
	}
	return os.Rename(tmpName, path)
}

// RemovePIDFile deletes the PID file at path. Missing files are not an
// error — Stop() always removes the PID file last, on every exit path.
func RemovePIDFile(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("audit.RemovePIDFile(%q): %w", path, err)
	}
	return nil
}
