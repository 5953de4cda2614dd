package util

import (
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
)

// CopyFile copies src to dst, creating or truncating dst. The data is
// synced before returning so a following delete of src cannot lose it.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

// IsCrossDevice reports whether err is the "invalid cross-device link"
// failure a rename returns when src and dst live on different filesystems.
func IsCrossDevice(err error) bool {
	return errors.Is(err, syscall.EXDEV)
}

// MoveFile renames src to dst, falling back to copy+delete when the two
// paths are on different filesystems. The rename function is injectable
// so callers (and tests) can substitute their own.
func MoveFile(rename func(oldpath, newpath string) error, src, dst string) error {
	if rename == nil {
		rename = os.Rename
	}

	err := rename(src, dst)
	if err == nil {
		return nil
	}
	if !IsCrossDevice(err) {
		return err
	}

	if err := CopyFile(src, dst); err != nil {
		return fmt.Errorf("copy across devices: %w", err)
	}
	if err := os.Remove(src); err != nil {
		return fmt.Errorf("remove source after copy: %w", err)
	}
	return nil
}
