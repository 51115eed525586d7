package commit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/esdrasrenan/projeto-xml/iox"
	"github.com/esdrasrenan/projeto-xml/types"
)

const (
	stagingSubdir   = "staging"
	pendingSubdir   = "pending"
	completedSubdir = "completed"
	dirMode         = 0o755
	fileMode        = 0o644
)

// Mirror is an optional secondary destination for committed files,
// addressed by the file operation's staged filename (e.g. "<key>.xml"),
// not by its path in the archive tree. S3Mirror is the only
// implementation; tests use a stub.
type Mirror interface {
	Put(ctx context.Context, relPath string, data []byte) error
}

// Option configures a Committer.
type Option func(*Committer)

// WithMirror attaches an optional secondary destination. Every file
// committed locally is also mirrored there; a mirror failure is
// discarded (neither logged nor returned) and never fails the local
// commit.
func WithMirror(m Mirror) Option {
	return func(c *Committer) { c.mirror = m }
}

// Committer implements the staging → per-target copy → completed
// lifecycle. baseDir holds three subdirectories: staging/ (raw file
// bytes awaiting commit), pending/ (transaction records currently being
// applied — replayed on Recover), and completed/ (retired records kept
// for a cleanup window).
type Committer struct {
	baseDir string
	mirror  Mirror
}

// New creates a Committer rooted at baseDir, creating its staging/,
// pending/, and completed/ subdirectories if they do not exist.
func New(baseDir string, opts ...Option) (*Committer, error) {
	c := &Committer{baseDir: baseDir}
	for _, opt := range opts {
		opt(c)
	}
	for _, sub := range []string{stagingSubdir, pendingSubdir, completedSubdir} {
		if err := os.MkdirAll(filepath.Join(baseDir, sub), dirMode); err != nil {
			return nil, wrapErr("init", filepath.Join(baseDir, sub), err)
		}
	}
	return c, nil
}

// BeginTransaction allocates a new transaction in the created state. It
// is not yet visible to Recover until the first AddFileOperation stages
// a file under it.
func (c *Committer) BeginTransaction() *types.Transaction {
	return &types.Transaction{
		ID:        uuid.NewString(),
		CreatedTS: time.Now().UTC(),
		Status:    types.TxCreated,
	}
}

// AddFileOperation stages data under the transaction's staging
// directory and records a pending copy to every path in targetPaths.
// filename identifies the staged blob; it need not match the eventual
// target filenames.
func (c *Committer) AddFileOperation(tx *types.Transaction, filename string, data []byte, targetPaths []string) error {
	stagedPath := filepath.Join(c.baseDir, stagingSubdir, tx.ID, filename)
	if err := os.MkdirAll(filepath.Dir(stagedPath), dirMode); err != nil {
		return wrapErr("stage", stagedPath, err)
	}
	if err := os.WriteFile(stagedPath, data, fileMode); err != nil {
		return wrapErr("stage", stagedPath, err)
	}
	tx.Operations = append(tx.Operations, types.FileOperation{
		Filename:    filename,
		StagedPath:  stagedPath,
		TargetPaths: append([]string(nil), targetPaths...),
	})
	if err := c.saveRecord(pendingSubdir, tx); err != nil {
		return err
	}
	return nil
}

// Stats aggregates what a Commit call actually did, for callers that
// want to report progress (e.g. the audit writer).
type Stats struct {
	FilesCopied  int
	FilesSkipped int // already present at the target (idempotent replay)
}

// Commit persists tx to pending/ (so a crash mid-copy can be replayed),
// copies every staged file to every target path that does not already
// have it, then retires the record to completed/ and removes the
// staging directory. Commit is safe to call again on a tx that
// partially committed — already-copied targets are skipped.
func (c *Committer) Commit(ctx context.Context, tx *types.Transaction) (Stats, error) {
	var stats Stats

	tx.Status = types.TxCommitting
	if err := c.saveRecord(pendingSubdir, tx); err != nil {
		return stats, err
	}

	for i := range tx.Operations {
		op := &tx.Operations[i]
		data, err := os.ReadFile(op.StagedPath)
		if err != nil {
			tx.Status = types.TxFailed
			_ = c.saveRecord(pendingSubdir, tx)
			return stats, wrapErr("read staged", op.StagedPath, err)
		}

		for _, target := range op.TargetPaths {
			if contains(op.Completed, target) {
				continue
			}
			if _, err := os.Stat(target); err == nil {
				// Already present (idempotent replay or prior partial
				// commit); record as done without rewriting.
				op.Completed = append(op.Completed, target)
				stats.FilesSkipped++
				continue
			}
			if err := os.MkdirAll(filepath.Dir(target), dirMode); err != nil {
				tx.Status = types.TxFailed
				_ = c.saveRecord(pendingSubdir, tx)
				return stats, wrapErr("commit", target, err)
			}
			if err := os.WriteFile(target, data, fileMode); err != nil {
				tx.Status = types.TxFailed
				_ = c.saveRecord(pendingSubdir, tx)
				return stats, wrapErr("commit", target, err)
			}
			op.Completed = append(op.Completed, target)
			stats.FilesCopied++
			// Persist progress after every target so a crash mid-loop
			// resumes from here instead of re-copying earlier targets.
			_ = c.saveRecord(pendingSubdir, tx)
		}

		if c.mirror != nil {
			if err := c.mirror.Put(ctx, op.Filename, data); err != nil {
				// Mirror failures are best-effort: the local commit has
				// already succeeded and must not be rolled back for it.
				_ = err
			}
		}
	}

	tx.Status = types.TxCompleted
	if err := c.saveRecord(completedSubdir, tx); err != nil {
		return stats, err
	}
	if err := os.Remove(c.recordPath(pendingSubdir, tx.ID)); err != nil && !os.IsNotExist(err) {
		return stats, wrapErr("retire", c.recordPath(pendingSubdir, tx.ID), err)
	}
	if err := os.RemoveAll(filepath.Join(c.baseDir, stagingSubdir, tx.ID)); err != nil {
		return stats, wrapErr("cleanup staging", tx.ID, err)
	}
	return stats, nil
}

// Recover replays every transaction record left in pending/ from a
// prior crash. Call once at process start before any new commits.
func (c *Committer) Recover(ctx context.Context) error {
	entries, err := os.ReadDir(filepath.Join(c.baseDir, pendingSubdir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return wrapErr("recover", pendingSubdir, err)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(c.baseDir, pendingSubdir, e.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			return wrapErr("recover", path, err)
		}
		var tx types.Transaction
		if err := json.Unmarshal(raw, &tx); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrCorruptTransaction, path, err)
		}
		if tx.Status != types.TxCreated && tx.Status != types.TxCommitting {
			continue
		}
		if _, err := c.Commit(ctx, &tx); err != nil {
			return err
		}
	}
	return nil
}

// CleanupCompleted removes completed transaction records older than
// olderThan, relative to now.
func (c *Committer) CleanupCompleted(now time.Time, olderThan time.Duration) error {
	dir := filepath.Join(c.baseDir, completedSubdir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return wrapErr("cleanup", dir, err)
	}
	cutoff := now.Add(-olderThan)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err != nil {
				return wrapErr("cleanup", path, err)
			}
		}
	}
	return nil
}

func (c *Committer) recordPath(subdir, txID string) string {
	return filepath.Join(c.baseDir, subdir, txID+".json")
}

// saveRecord atomically writes tx's JSON encoding to subdir: write to a
// temp file in the same directory, fsync, then rename over the final
// path. The rename is atomic on POSIX filesystems, so a crash never
// leaves a half-written record.
func (c *Committer) saveRecord(subdir string, tx *types.Transaction) error {
	raw, err := json.MarshalIndent(tx, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal transaction %s: %w", tx.ID, err)
	}

	final := c.recordPath(subdir, tx.ID)
	tmp, err := os.CreateTemp(filepath.Dir(final), tx.ID+".*.tmp")
	if err != nil {
		return wrapErr("save record", final, err)
	}
	defer iox.DiscardClose(tmp)
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		return wrapErr("save record", final, err)
	}
	if err := tmp.Sync(); err != nil {
		return wrapErr("save record", final, err)
	}
	if err := tmp.Close(); err != nil {
		return wrapErr("save record", final, err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return wrapErr("save record", final, err)
	}
	return nil
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
