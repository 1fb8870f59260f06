package reencrypt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/decigov/disr/core/pkg/envelope"
	"github.com/decigov/disr/core/pkg/events"
	"github.com/decigov/disr/core/pkg/fsutil"
	"github.com/decigov/disr/core/pkg/policy"
)

// Environment variables carrying the key material.
const (
	EnvMasterKey         = "DISR_MASTER_KEY"
	EnvPreviousMasterKey = "DISR_PREVIOUS_MASTER_KEY"
)

// Job re-encrypts every record file under a tenant's data directory from the
// previous master key to the current one.
type Job struct {
	TenantID       string
	DataDir        string
	CheckpointPath string

	// CurrentKey and PreviousKey are master key material; the CLI reads
	// them from DISR_MASTER_KEY / DISR_PREVIOUS_MASTER_KEY.
	CurrentKey  string
	PreviousKey string

	// KeyID and KeyVersion stamp the rewritten envelopes.
	KeyID      string
	KeyVersion int

	Policy *policy.CryptoPolicy
	Events *events.Log
	// SigningKey signs the ReencryptDone event when set.
	SigningKey string
	SignerID   string

	// Limiter throttles file rewrites; nil means no throttle.
	Limiter *rate.Limiter
	Logger  *slog.Logger
	Clock   func() time.Time
}

// Summary reports what a run did.
type Summary struct {
	JobID              string `json:"job_id"`
	TenantID           string `json:"tenant_id"`
	DryRun             bool   `json:"dry_run"`
	Resumed            bool   `json:"resumed"`
	CheckpointPath     string `json:"checkpoint_path"`
	FilesTargeted      int    `json:"files_targeted"`
	RecordsTargeted    int    `json:"records_targeted"`
	FilesRewritten     int    `json:"files_rewritten"`
	RecordsReencrypted int    `json:"records_reencrypted"`
	Status             Status `json:"status"`
}

func (j *Job) clock() func() time.Time {
	if j.Clock != nil {
		return j.Clock
	}
	return time.Now
}

func (j *Job) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

// Options selects the run mode.
type Options struct {
	DryRun bool
	Resume bool
}

// Run executes the job. Resuming a completed checkpoint is a pure no-op that
// returns the stored counters; resuming an in-progress checkpoint skips
// files already rewritten.
func (j *Job) Run(ctx context.Context, opts Options) (Summary, error) {
	if j.TenantID == "" || j.DataDir == "" || j.CheckpointPath == "" {
		return Summary{}, fmt.Errorf("tenant_id, data_dir, and checkpoint_path are required")
	}

	prior, err := LoadCheckpoint(j.CheckpointPath)
	if err != nil {
		return Summary{}, err
	}
	if opts.Resume && prior != nil && prior.Status == StatusCompleted {
		return Summary{
			JobID:              prior.JobID,
			TenantID:           j.TenantID,
			DryRun:             opts.DryRun,
			Resumed:            true,
			CheckpointPath:     j.CheckpointPath,
			FilesTargeted:      prior.FilesTargeted,
			RecordsTargeted:    prior.RecordsTargeted,
			FilesRewritten:     prior.FilesRewritten,
			RecordsReencrypted: prior.RecordsReencrypted,
			Status:             StatusCompleted,
		}, nil
	}

	targets, recordsTargeted, err := j.targetFiles()
	if err != nil {
		return Summary{}, err
	}

	if opts.DryRun {
		cp := Checkpoint{
			JobID:           uuid.NewString(),
			TenantID:        j.TenantID,
			Status:          StatusDryRun,
			UpdatedAt:       j.now(),
			FilesTargeted:   len(targets),
			RecordsTargeted: recordsTargeted,
		}
		if err := writeCheckpoint(j.CheckpointPath, cp); err != nil {
			return Summary{}, err
		}
		return j.summary(cp, true, false), nil
	}

	if j.CurrentKey == "" {
		return Summary{}, fmt.Errorf("missing current key: set $%s", EnvMasterKey)
	}
	if j.PreviousKey == "" {
		return Summary{}, fmt.Errorf("missing previous key: set $%s", EnvPreviousMasterKey)
	}

	previousKey, err := deriveKey(j.PreviousKey, j.TenantID)
	if err != nil {
		return Summary{}, err
	}
	currentKey, err := deriveKey(j.CurrentKey, j.TenantID)
	if err != nil {
		return Summary{}, err
	}

	cp := Checkpoint{
		JobID:           uuid.NewString(),
		TenantID:        j.TenantID,
		Status:          StatusInProgress,
		UpdatedAt:       j.now(),
		FilesTargeted:   len(targets),
		RecordsTargeted: recordsTargeted,
	}
	resumed := false
	if opts.Resume && prior != nil && prior.Status == StatusInProgress {
		cp = *prior
		cp.FilesTargeted = len(targets)
		cp.RecordsTargeted = recordsTargeted
		resumed = true
	}
	if err := writeCheckpoint(j.CheckpointPath, cp); err != nil {
		return Summary{}, err
	}

	if j.Events != nil {
		_, err := j.Events.Append(events.TypeReencryptStarted, j.TenantID, map[string]interface{}{
			"job_id":           cp.JobID,
			"files_targeted":   cp.FilesTargeted,
			"records_targeted": cp.RecordsTargeted,
			"resumed":          resumed,
		}, events.AppendOptions{SignerID: j.SignerID, SigningKey: j.SigningKey})
		if err != nil {
			return Summary{}, fmt.Errorf("record start event: %w", err)
		}
	}

	for _, target := range targets {
		name := filepath.Base(target)
		if cp.rewritten(name) {
			continue
		}
		if j.Limiter != nil {
			if err := j.Limiter.Wait(ctx); err != nil {
				return j.fail(cp, err)
			}
		}
		records, err := j.reencryptFile(target, previousKey, currentKey)
		if err != nil {
			return j.fail(cp, fmt.Errorf("re-encrypt %s: %w", name, err))
		}
		// Counter credit only after the atomic replace landed.
		cp.FilesRewritten++
		cp.RecordsReencrypted += records
		cp.RewrittenFiles = append(cp.RewrittenFiles, name)
		cp.UpdatedAt = j.now()
		if err := writeCheckpoint(j.CheckpointPath, cp); err != nil {
			return Summary{}, err
		}
	}

	cp.Status = StatusCompleted
	cp.UpdatedAt = j.now()
	if err := writeCheckpoint(j.CheckpointPath, cp); err != nil {
		return Summary{}, err
	}

	if j.Events != nil {
		_, err := j.Events.Append(events.TypeReencryptDone, j.TenantID, map[string]interface{}{
			"job_id":              cp.JobID,
			"files_rewritten":     cp.FilesRewritten,
			"records_reencrypted": cp.RecordsReencrypted,
		}, events.AppendOptions{SignerID: j.SignerID, SigningKey: j.SigningKey})
		if err != nil {
			return Summary{}, fmt.Errorf("record completion event: %w", err)
		}
	}

	j.logger().Info("re-encryption completed",
		"tenant_id", j.TenantID,
		"job_id", cp.JobID,
		"files_rewritten", cp.FilesRewritten,
		"records_reencrypted", cp.RecordsReencrypted)
	return j.summary(cp, false, resumed), nil
}

func (j *Job) fail(cp Checkpoint, cause error) (Summary, error) {
	cp.Status = StatusFailed
	cp.FailureReason = cause.Error()
	cp.UpdatedAt = j.now()
	if writeErr := writeCheckpoint(j.CheckpointPath, cp); writeErr != nil {
		return Summary{}, fmt.Errorf("%v (checkpoint write also failed: %w)", cause, writeErr)
	}
	return j.summary(cp, false, false), cause
}

func (j *Job) summary(cp Checkpoint, dryRun, resumed bool) Summary {
	return Summary{
		JobID:              cp.JobID,
		TenantID:           cp.TenantID,
		DryRun:             dryRun,
		Resumed:            resumed,
		CheckpointPath:     j.CheckpointPath,
		FilesTargeted:      cp.FilesTargeted,
		RecordsTargeted:    cp.RecordsTargeted,
		FilesRewritten:     cp.FilesRewritten,
		RecordsReencrypted: cp.RecordsReencrypted,
		Status:             cp.Status,
	}
}

func (j *Job) now() string {
	return j.clock()().UTC().Format(time.RFC3339)
}

// targetFiles lists record files deterministically, counting their records.
func (j *Job) targetFiles() ([]string, int, error) {
	entries, err := os.ReadDir(j.DataDir)
	if err != nil {
		return nil, 0, fmt.Errorf("list data dir %s: %w", j.DataDir, err)
	}
	var targets []string
	records := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".json" && ext != ".jsonl" {
			continue
		}
		path := filepath.Join(j.DataDir, entry.Name())
		n, err := countRecords(path)
		if err != nil {
			return nil, 0, err
		}
		targets = append(targets, path)
		records += n
	}
	sort.Strings(targets)
	return targets, records, nil
}

func countRecords(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", path, err)
	}
	if filepath.Ext(path) == ".json" {
		return 1, nil
	}
	count := 0
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) != "" {
			count++
		}
	}
	return count, nil
}

// reencryptFile rewrites every record in memory first, then atomically
// replaces the file. Returns the record count.
func (j *Job) reencryptFile(path string, previousKey, currentKey []byte) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	var out []byte
	var records int
	if filepath.Ext(path) == ".json" {
		rewritten, err := j.reencryptRecord(data, previousKey, currentKey)
		if err != nil {
			return 0, err
		}
		out = append(rewritten, '\n')
		records = 1
	} else {
		var lines []string
		for _, line := range strings.Split(string(data), "\n") {
			if strings.TrimSpace(line) == "" {
				continue
			}
			rewritten, err := j.reencryptRecord([]byte(line), previousKey, currentKey)
			if err != nil {
				return 0, err
			}
			lines = append(lines, string(rewritten))
			records++
		}
		out = []byte(strings.Join(lines, "\n") + "\n")
	}

	if err := fsutil.AtomicWriteFile(path, out, 0o600); err != nil {
		return 0, err
	}
	return records, nil
}

func (j *Job) reencryptRecord(raw, previousKey, currentKey []byte) ([]byte, error) {
	var old envelope.Envelope
	if err := json.Unmarshal(raw, &old); err != nil {
		return nil, fmt.Errorf("parse record envelope: %w", err)
	}
	if j.Policy != nil {
		if err := envelope.ValidateForRead(old, j.Policy); err != nil {
			return nil, err
		}
	}

	plaintext, err := openRecord(old, previousKey)
	if err != nil {
		return nil, err
	}

	next := old
	next.KeyID = j.KeyID
	next.KeyVersion = uint64(j.KeyVersion)
	if j.Policy != nil {
		next.EnvelopeVersion = j.Policy.EnvelopeVersionCurrent
	}
	sealed, err := sealRecord(plaintext, currentKey, next)
	if err != nil {
		return nil, err
	}
	if j.Policy != nil {
		if err := envelope.ValidateForWrite(sealed, j.Policy); err != nil {
			return nil, err
		}
	}
	return json.Marshal(sealed)
}
