package util

import (
	"path/filepath"
	"strings"
)

// Markers embedded in the names of files the engine creates next to media.
const (
	TempMarker   = ".mediashrink.tmp"
	BackupSuffix = ".mediashrink.bak"
)

// TempName returns the scratch file name for an encode of inputPath. The
// original extension is kept last so ffmpeg picks the same container.
func TempName(inputPath string) string {
	base := filepath.Base(inputPath)
	ext := filepath.Ext(base)
	return strings.TrimSuffix(base, ext) + TempMarker + ext
}

// BackupPath returns where the original is parked during an in-place commit.
func BackupPath(originalPath string) string {
	return originalPath + BackupSuffix
}

// IsArtifact reports whether name is a temp or backup file left by the engine.
func IsArtifact(name string) bool {
	return strings.Contains(name, TempMarker) || strings.HasSuffix(name, BackupSuffix)
}
