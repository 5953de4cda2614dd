// Package discovery walks media roots and returns the files worth analyzing.
package discovery

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gwlsn/mediashrink/internal/classify"
	"github.com/gwlsn/mediashrink/internal/logger"
	"github.com/gwlsn/mediashrink/internal/util"
)

// File is a candidate video file
type File struct {
	Path    string    `json:"path"`
	Root    string    `json:"root"` // media root the file was found under
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Exclusion records a file that matched an exclusion rule
type Exclusion struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// RootError records a media root that could not be walked
type RootError struct {
	Root string `json:"root"`
	Err  error  `json:"-"`
}

// Result is the outcome of one discovery pass
type Result struct {
	Files        []File
	Excluded     []Exclusion
	MissingRoots []RootError
	// Orphans are temp/backup files left behind by an interrupted run
	Orphans    []string
	TotalBytes int64
}

// Options controls a discovery pass
type Options struct {
	Roots      []string
	Rules      *classify.Rules
	Extensions []string
}

// Walk recursively scans every root. Directories on the exclusion list are
// pruned before they are read, extension filtering and the per-file rules
// run before any stat, and unreadable directories are logged and skipped.
// The only error returned is context cancellation.
func Walk(ctx context.Context, opts Options) (*Result, error) {
	result := &Result{}
	exts := make(map[string]bool, len(opts.Extensions))
	for _, e := range opts.Extensions {
		exts[strings.ToLower(e)] = true
	}

	for _, root := range opts.Roots {
		if err := walkRoot(ctx, root, opts.Rules, exts, result); err != nil {
			return result, err
		}
	}

	sort.Slice(result.Files, func(i, j int) bool {
		return result.Files[i].Path < result.Files[j].Path
	})
	return result, nil
}

func walkRoot(ctx context.Context, root string, rules *classify.Rules, exts map[string]bool, result *Result) error {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		absRoot = filepath.Clean(root)
	}

	info, err := os.Stat(absRoot)
	if err != nil {
		logger.Warn("Media root unavailable", "root", absRoot, "error", err)
		result.MissingRoots = append(result.MissingRoots, RootError{Root: absRoot, Err: err})
		return nil
	}
	if !info.IsDir() {
		err := errors.New("not a directory")
		logger.Warn("Media root unavailable", "root", absRoot, "error", err)
		result.MissingRoots = append(result.MissingRoots, RootError{Root: absRoot, Err: err})
		return nil
	}

	return filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			// Unreadable directory or vanished entry: keep going
			logger.Warn("Skipping unreadable path", "path", path, "error", err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		name := d.Name()
		if d.IsDir() {
			if path != absRoot && rules.ExcludesDir(name) {
				logger.Debug("Pruning excluded directory", "path", path)
				result.Excluded = append(result.Excluded, Exclusion{Path: path, Reason: "excluded directory"})
				return filepath.SkipDir
			}
			return nil
		}

		if util.IsArtifact(name) {
			result.Orphans = append(result.Orphans, path)
			return nil
		}
		if !exts[strings.ToLower(filepath.Ext(name))] {
			return nil
		}
		if excluded, reason := rules.IsExcluded(path); excluded {
			result.Excluded = append(result.Excluded, Exclusion{Path: path, Reason: reason})
			return nil
		}

		fi, err := statEntry(path, d)
		if err != nil {
			logger.Warn("Skipping unreadable file", "path", path, "error", err)
			return nil
		}
		if !fi.Mode().IsRegular() {
			return nil
		}

		result.Files = append(result.Files, File{
			Path:    path,
			Root:    absRoot,
			Size:    fi.Size(),
			ModTime: fi.ModTime(),
		})
		result.TotalBytes += fi.Size()
		return nil
	})
}

// statEntry follows symlinks so linked media is reported with its real size
func statEntry(path string, d fs.DirEntry) (fs.FileInfo, error) {
	if d.Type()&fs.ModeSymlink != 0 {
		return os.Stat(path)
	}
	return d.Info()
}

// Sweep deletes orphaned temp and backup files reported by Walk. Backups
// whose original is missing are restored instead of deleted. It is only run
// on operator request.
func Sweep(orphans []string) (removed int, errs []error) {
	for _, p := range orphans {
		if strings.HasSuffix(p, util.BackupSuffix) {
			original := strings.TrimSuffix(p, util.BackupSuffix)
			if _, err := os.Stat(original); errors.Is(err, fs.ErrNotExist) {
				if err := os.Rename(p, original); err != nil {
					errs = append(errs, err)
				} else {
					logger.Info("Restored original from backup", "path", original)
				}
				continue
			}
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errs
}
