// Package classify maps file paths to media categories, decides whether a
// path is excluded from processing, and computes downscale targets.
// Everything here is pure: no filesystem access.
package classify

import (
	"path/filepath"
	"regexp"
	"strings"
)

// MediaType is the category a file is classified into
type MediaType string

const (
	MediaTV    MediaType = "tv"
	MediaMovie MediaType = "movie"
	MediaOther MediaType = "other"
)

var (
	// S01E02, s1e2, S01.E02
	reSeasonEpisode = regexp.MustCompile(`(?i)s\d{1,2}[ ._-]?e\d{1,3}`)
	// 1x02, 12x103, also between underscores
	reCrossEpisode = regexp.MustCompile(`(?i)(?:^|[^0-9a-z])\d{1,2}x\d{2,3}(?:[^0-9a-z]|$)`)

	reTVDir    = regexp.MustCompile(`(?i)\b(tv|series|season|seasons|episode|episodes|show|shows)\b`)
	reMovieDir = regexp.MustCompile(`(?i)\b(movie|movies|film|films)\b`)
)

// Classify returns the media type for path. Episode numbering in the file
// name wins; otherwise directory names are checked from the file's parent
// upward and the first keyword hit decides. Anything else is MediaOther.
func Classify(path string) MediaType {
	name := filepath.Base(path)
	if reSeasonEpisode.MatchString(name) || reCrossEpisode.MatchString(name) {
		return MediaTV
	}

	segments := splitDirs(filepath.Dir(path))
	for i := len(segments) - 1; i >= 0; i-- {
		seg := segments[i]
		if reTVDir.MatchString(seg) {
			return MediaTV
		}
		if reMovieDir.MatchString(seg) {
			return MediaMovie
		}
	}
	return MediaOther
}

// splitDirs splits a directory path into its non-empty segments.
func splitDirs(dir string) []string {
	dir = filepath.ToSlash(filepath.Clean(dir))
	parts := strings.Split(dir, "/")
	out := parts[:0]
	for _, p := range parts {
		if p != "" && p != "." {
			out = append(out, p)
		}
	}
	return out
}
