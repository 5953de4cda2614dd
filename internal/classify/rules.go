package classify

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gwlsn/mediashrink/internal/config"
	"github.com/gwlsn/mediashrink/internal/logger"
)

// Rules is the compiled form of config.Exclusions.
type Rules struct {
	dirs        map[string]string // lowercased name -> configured spelling
	substrings  []string
	pathRes     []*regexp.Regexp
	filenameRes []*regexp.Regexp
}

// CompileRules compiles the exclusion settings. Patterns that fail to
// compile are logged and dropped; they never abort the run.
func CompileRules(ex config.Exclusions) *Rules {
	r := &Rules{dirs: make(map[string]string, len(ex.Directories))}

	for _, d := range ex.Directories {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		r.dirs[strings.ToLower(d)] = d
	}
	for _, s := range ex.Substrings {
		if s != "" {
			r.substrings = append(r.substrings, s)
		}
	}
	r.pathRes = compileAll(ex.PathPatterns, "path_patterns")
	r.filenameRes = compileAll(ex.FilenamePatterns, "filename_patterns")
	return r
}

func compileAll(patterns []string, field string) []*regexp.Regexp {
	var out []*regexp.Regexp
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			logger.Warn("Ignoring invalid exclusion pattern", "field", field, "pattern", p, "error", err)
			continue
		}
		out = append(out, re)
	}
	return out
}

// ExcludesDir reports whether a directory with this base name is on the
// blocklist. Discovery uses it to prune whole subtrees.
func (r *Rules) ExcludesDir(name string) bool {
	if r == nil {
		return false
	}
	_, ok := r.dirs[strings.ToLower(name)]
	return ok
}

// IsExcluded checks path against every rule in a fixed order (directory
// segments, substrings, path patterns, filename patterns) and returns the
// first hit with a human-readable reason.
func (r *Rules) IsExcluded(path string) (bool, string) {
	if r == nil {
		return false, ""
	}

	for _, seg := range splitDirs(filepath.Dir(path)) {
		if name, ok := r.dirs[strings.ToLower(seg)]; ok {
			return true, fmt.Sprintf("directory %q", name)
		}
	}

	lower := strings.ToLower(path)
	for _, s := range r.substrings {
		if strings.Contains(lower, strings.ToLower(s)) {
			return true, fmt.Sprintf("path contains %q", s)
		}
	}

	for _, re := range r.pathRes {
		if re.MatchString(path) {
			return true, fmt.Sprintf("path matches %s", re)
		}
	}

	name := filepath.Base(path)
	for _, re := range r.filenameRes {
		if re.MatchString(name) {
			return true, fmt.Sprintf("filename matches %s", re)
		}
	}

	return false, ""
}
