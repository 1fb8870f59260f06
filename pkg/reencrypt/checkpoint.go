// Package reencrypt implements the checkpointed tenant re-encryption job.
// Files are rewritten whole and atomically; the checkpoint only gets credit
// for a file after its replacement landed on disk, so a crash between files
// leaves the checkpoint consistent with reality.
package reencrypt

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/decigov/disr/core/pkg/fsutil"
)

// Status is the checkpoint state machine tag.
type Status string

const (
	StatusDryRun     Status = "dry_run"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Valid reports whether the tag is a known state.
func (s Status) Valid() bool {
	switch s {
	case StatusDryRun, StatusInProgress, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether the state is immutable short of a new run.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Checkpoint is the persisted job position.
type Checkpoint struct {
	JobID              string   `json:"job_id"`
	TenantID           string   `json:"tenant_id"`
	Status             Status   `json:"status"`
	UpdatedAt          string   `json:"updated_at"`
	FilesTargeted      int      `json:"files_targeted"`
	RecordsTargeted    int      `json:"records_targeted"`
	FilesRewritten     int      `json:"files_rewritten"`
	RecordsReencrypted int      `json:"records_reencrypted"`
	// RewrittenFiles names every file already replaced, so a resumed run
	// skips them instead of re-encrypting twice.
	RewrittenFiles []string `json:"rewritten_files"`
	// FailureReason is set only in the failed state.
	FailureReason string `json:"failure_reason,omitempty"`
}

// Validate rejects malformed checkpoints at the deserialization boundary.
func (c Checkpoint) Validate() error {
	if !c.Status.Valid() {
		return fmt.Errorf("checkpoint status %q is not one of dry_run, in_progress, completed, failed", c.Status)
	}
	if c.TenantID == "" {
		return fmt.Errorf("checkpoint missing tenant_id")
	}
	if c.FilesRewritten > c.FilesTargeted || c.RecordsReencrypted < 0 {
		return fmt.Errorf("checkpoint counters are inconsistent")
	}
	if c.Status == StatusFailed && c.FailureReason == "" {
		return fmt.Errorf("failed checkpoint missing failure_reason")
	}
	return nil
}

func (c Checkpoint) rewritten(name string) bool {
	for _, f := range c.RewrittenFiles {
		if f == name {
			return true
		}
	}
	return false
}

// LoadCheckpoint reads and validates a checkpoint; a missing file yields nil.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint %s: %w", path, err)
	}
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse checkpoint %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", path, err)
	}
	return &c, nil
}

func writeCheckpoint(path string, c Checkpoint) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := fsutil.AtomicWriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write checkpoint %s: %w", path, err)
	}
	return nil
}
