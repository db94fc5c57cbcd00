package sandbox

import (
	"archive/tar"
	"bytes"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"
)

// File permission constants for archived files
const (
	DirPermission  = 0o755
	FilePermission = 0o644
)

// cleanFileName normalizes a file name and rejects anything that would land
// outside the working directory.
func cleanFileName(name string) (string, error) {
	if name == "" {
		return "", NewError(KindInvalidFileSpec, "file name is empty")
	}
	if strings.ContainsRune(name, 0) {
		return "", NewError(KindInvalidFileSpec, "file name contains NUL: %q", name)
	}
	if path.IsAbs(name) || strings.HasPrefix(name, `\`) {
		return "", NewError(KindInvalidFileSpec, "absolute path not allowed: %s", name)
	}

	// Reject traversal components before cleaning so "a/../../b" is caught too.
	for _, part := range strings.Split(strings.ReplaceAll(name, `\`, "/"), "/") {
		if part == ".." {
			return "", NewError(KindInvalidFileSpec, "unsafe relative path: %s", name)
		}
	}

	cleaned := path.Clean(name)
	if cleaned == "." {
		return "", NewError(KindInvalidFileSpec, "file name resolves to the working directory: %s", name)
	}
	return cleaned, nil
}

// ValidateFiles checks every file name and returns the specs with cleaned
// names. Later duplicates win, matching what extracting the archive would do.
func ValidateFiles(files []FileSpec) ([]FileSpec, error) {
	if len(files) == 0 {
		return nil, nil
	}
	out := make([]FileSpec, 0, len(files))
	for _, f := range files {
		name, err := cleanFileName(f.Name)
		if err != nil {
			return nil, err
		}
		out = append(out, FileSpec{Name: name, Content: f.Content})
	}
	return out, nil
}

// BuildArchive packs validated files into an uncompressed tar stream, the
// format runtimes accept for copying into a container. Parent directories
// get their own entries.
func BuildArchive(files []FileSpec) ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	now := time.Now()

	dirs := make(map[string]struct{})
	for _, f := range files {
		for dir := path.Dir(f.Name); dir != "." && dir != "/"; dir = path.Dir(dir) {
			dirs[dir] = struct{}{}
		}
	}
	sortedDirs := make([]string, 0, len(dirs))
	for dir := range dirs {
		sortedDirs = append(sortedDirs, dir)
	}
	sort.Strings(sortedDirs)

	for _, dir := range sortedDirs {
		hdr := &tar.Header{
			Typeflag: tar.TypeDir,
			Name:     dir + "/",
			Mode:     DirPermission,
			ModTime:  now,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("failed to write tar header: %w", err)
		}
	}

	for _, f := range files {
		hdr := &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     f.Name,
			Mode:     FilePermission,
			Size:     int64(len(f.Content)),
			ModTime:  now,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("failed to write tar header: %w", err)
		}
		if _, err := tw.Write(f.Content); err != nil {
			return nil, fmt.Errorf("failed to write file content: %w", err)
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close tar writer: %w", err)
	}
	return buf.Bytes(), nil
}
