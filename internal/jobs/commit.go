package jobs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gwlsn/mediashrink/internal/config"
	"github.com/gwlsn/mediashrink/internal/logger"
	"github.com/gwlsn/mediashrink/internal/util"
)

// Verification compares an encode against its source
type Verification struct {
	OriginalSize int64
	OutputSize   int64
}

// Smaller reports whether the encode is worth keeping
func (v Verification) Smaller() bool {
	return v.OutputSize < v.OriginalSize
}

// Committer makes a verified encode authoritative, either replacing the
// original in place or moving the result under a separate output root.
type Committer struct {
	OutputPath      string
	MirrorStructure bool
	PreserveModTime bool

	// Rename defaults to os.Rename
	Rename func(oldpath, newpath string) error
}

// NewCommitter creates a Committer from the output settings in cfg
func NewCommitter(cfg *config.Config) *Committer {
	return &Committer{
		OutputPath:      cfg.OutputPath,
		MirrorStructure: cfg.MirrorStructure,
		PreserveModTime: cfg.PreserveModTime,
	}
}

func (c *Committer) rename(oldpath, newpath string) error {
	if c.Rename != nil {
		return c.Rename(oldpath, newpath)
	}
	return os.Rename(oldpath, newpath)
}

// Verify stats the original and the encoder output
func (c *Committer) Verify(original, temp string) (Verification, error) {
	orig, err := os.Stat(original)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Verification{}, verifyError(temp, ErrOriginalGone)
		}
		return Verification{}, verifyError(temp, err)
	}

	out, err := os.Stat(temp)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Verification{}, verifyError(temp, ErrOutputMissing)
		}
		return Verification{}, verifyError(temp, err)
	}
	if out.Size() == 0 {
		return Verification{}, verifyError(temp, ErrOutputEmpty)
	}

	return Verification{OriginalSize: orig.Size(), OutputSize: out.Size()}, nil
}

// Commit installs temp as the result for job and returns where it landed.
// The job's resolved output mode picks in-place replacement or a separate
// destination.
func (c *Committer) Commit(job *MediaFile, temp string) (string, error) {
	if job.Settings.OutputMode == config.OutputSeparate {
		return c.commitSeparate(job, temp)
	}
	return c.commitInPlace(job.Path, temp)
}

// commitInPlace parks the original at its backup path, moves the encode
// into the canonical path and drops the backup. If the move fails the
// backup is renamed back before the error is returned.
func (c *Committer) commitInPlace(original, temp string) (string, error) {
	info, err := os.Stat(original)
	if err != nil {
		return "", &CommitError{Path: original, Step: "stat original", Err: err, Restored: true}
	}

	backup := util.BackupPath(original)
	if err := c.rename(original, backup); err != nil {
		// Nothing moved yet
		return "", &CommitError{Path: original, Step: "backup original", Err: err, Restored: true}
	}

	if err := util.MoveFile(c.rename, temp, original); err != nil {
		cerr := &CommitError{Path: original, Step: "install output", Err: err}
		if rerr := c.rename(backup, original); rerr != nil {
			cerr.RestoreErr = rerr
			logger.Error("Failed to restore original from backup",
				"path", original, "backup", backup, "error", rerr)
		} else {
			cerr.Restored = true
			logger.Warn("Restored original after failed commit", "path", original, "error", err)
		}
		return "", cerr
	}

	c.keepModTime(original, info)

	if err := os.Remove(backup); err != nil {
		// The new file is in place; a leftover backup is swept later
		logger.Warn("Failed to remove backup", "backup", backup, "error", err)
	}
	return original, nil
}

// commitSeparate moves temp under OutputPath and leaves the original alone
func (c *Committer) commitSeparate(job *MediaFile, temp string) (string, error) {
	dest, err := c.destination(job)
	if err != nil {
		return "", &CommitError{Path: job.Path, Step: "resolve destination", Err: err, Restored: true}
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", &CommitError{Path: job.Path, Step: "create destination", Err: err, Restored: true}
	}
	if err := util.MoveFile(c.rename, temp, dest); err != nil {
		return "", &CommitError{Path: job.Path, Step: "move output", Err: err, Restored: true}
	}

	if info, err := os.Stat(job.Path); err == nil {
		c.keepModTime(dest, info)
	}
	return dest, nil
}

// destination computes the separate-mode target path for job
func (c *Committer) destination(job *MediaFile) (string, error) {
	if c.OutputPath == "" {
		return "", errors.New("output_path is not set")
	}

	dir := c.OutputPath
	if c.MirrorStructure && job.Root != "" {
		rel, err := filepath.Rel(job.Root, filepath.Dir(job.Path))
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			dir = filepath.Join(c.OutputPath, rel)
		}
	}

	dest := filepath.Join(dir, filepath.Base(job.Path))
	if filepath.Clean(dest) == filepath.Clean(job.Path) {
		return "", fmt.Errorf("destination %s is the original file", dest)
	}
	return dest, nil
}

func (c *Committer) keepModTime(path string, original os.FileInfo) {
	if !c.PreserveModTime {
		return
	}
	mtime := original.ModTime()
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		logger.Debug("Failed to preserve modification time", "path", path, "error", err)
	}
}
