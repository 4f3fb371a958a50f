package qualifier

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"prospectd/internal/logging"
)

// saveSnapshot writes the fitted model with a temp-file-then-rename so a
// crash mid-write never leaves a partial snapshot visible to the next
// startup.
func (q *Qualifier) saveSnapshot(m *fittedModel) error {
	if q.snapshotPath == "" {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	dir := filepath.Dir(q.snapshotPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".qualifier-*.tmp")
	if err != nil {
		return fmt.Errorf("snapshot temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, q.snapshotPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename snapshot: %w", err)
	}
	logging.QualifierDebug("Snapshot written: %s (%d labels)", q.snapshotPath, m.Labels)
	return nil
}

// loadSnapshot reads the persisted model. A missing or corrupt file is
// treated as no snapshot at all; the caller falls back to refitting from
// the historical label set.
func (q *Qualifier) loadSnapshot() *fittedModel {
	if q.snapshotPath == "" {
		return nil
	}
	data, err := os.ReadFile(q.snapshotPath)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.Get(logging.CategoryQualifier).Warn("Snapshot unreadable, ignoring: %v", err)
		}
		return nil
	}
	var m fittedModel
	if err := json.Unmarshal(data, &m); err != nil {
		logging.Get(logging.CategoryQualifier).Warn("Snapshot corrupt, ignoring: %v", err)
		return nil
	}
	if m.PCA == nil || m.Model == nil || len(m.Model.Alpha) == 0 || len(m.Model.Train) == 0 {
		logging.Get(logging.CategoryQualifier).Warn("Snapshot incomplete, ignoring")
		return nil
	}
	return &m
}
