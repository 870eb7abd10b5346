// Package vfs implements the chunked directory-listing service of
// spec.md §4.6: path validation, directory enumeration, deterministic
// sorting, and pagination into DirChunk messages.
package vfs

import (
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/gravitational/trace"

	"github.com/comacode/hostd/lib/protocol"
)

const (
	// MaxEntriesPerChunk is the page size of a single DirChunk (spec.md §4.6).
	MaxEntriesPerChunk = 150
	// MaxTotalEntries caps the number of entries gathered per request;
	// excess is silently truncated (spec.md §4.6).
	MaxTotalEntries = 10000
)

// Service lists directories on the host's local filesystem.
type Service struct{}

// New returns a ready-to-use Service.
func New() *Service { return &Service{} }

// List validates path and depth, enumerates the directory, and returns the
// full, already-chunked sequence of DirChunk messages ready to send in
// order. depth > 0 is rejected: recursive listing is reserved in the wire
// schema but undefined (spec.md §9's open question, resolved per
// DESIGN.md).
func (s *Service) List(requestedPath string, depth uint32) ([]protocol.DirChunk, error) {
	if depth > 0 {
		return nil, trace.BadParameter("%s: recursive listing (depth>0) is not supported", protocol.ErrInvalidRequest)
	}
	if err := validatePath(requestedPath); err != nil {
		return nil, err
	}

	dirEntries, err := os.ReadDir(requestedPath)
	if err != nil {
		return nil, mapReadDirError(requestedPath, err)
	}

	entries := make([]protocol.DirEntry, 0, len(dirEntries))
	for _, de := range dirEntries {
		entry, err := toDirEntry(requestedPath, de)
		if err != nil {
			// A single unreadable child (e.g. raced-away between ReadDir
			// and Lstat) should not fail the whole listing; skip it.
			continue
		}
		entries = append(entries, entry)
	}

	sortEntries(entries)
	if len(entries) > MaxTotalEntries {
		entries = entries[:MaxTotalEntries]
	}

	return chunk(entries), nil
}

// validatePath rejects a non-absolute path, or one containing a ".."
// component, checked on the client-provided string before any
// normalization or canonicalization (spec.md §4.6 step 1).
func validatePath(p string) error {
	if p == "" || (!path.IsAbs(filepathToSlash(p)) && !filepath.IsAbs(p)) {
		return trace.BadParameter("%s: path must be absolute", protocol.ErrInvalidPath)
	}
	cleaned := path.Clean(filepathToSlash(p))
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return trace.BadParameter("%s: path escapes root", protocol.ErrInvalidPath)
	}
	for _, seg := range strings.Split(filepathToSlash(p), "/") {
		if seg == ".." {
			return trace.BadParameter("%s: path escapes root", protocol.ErrInvalidPath)
		}
	}
	return nil
}

// filepathToSlash normalizes OS-specific separators to '/' so the escape
// check is consistent across platforms. A Windows drive-letter path
// (C:\...) is not absolute under path.IsAbs even after normalization;
// validatePath accepts it because filepath.IsAbs does.
func filepathToSlash(p string) string {
	return strings.ReplaceAll(p, "\\", "/")
}

func mapReadDirError(path string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return trace.NotFound("%s: %q does not exist", protocol.ErrNotFound, path)
	case errors.Is(err, fs.ErrPermission):
		return trace.AccessDenied("%s: permission denied reading %q", protocol.ErrPermissionDenied, path)
	default:
		var perr *os.PathError
		if errors.As(err, &perr) && perr.Err != nil && strings.Contains(perr.Err.Error(), "not a directory") {
			return trace.BadParameter("%s: %q is not a directory", protocol.ErrNotADirectory, path)
		}
		return trace.Wrap(err, "%s: reading %q", protocol.ErrIOError, path)
	}
}

func toDirEntry(parent string, de fs.DirEntry) (protocol.DirEntry, error) {
	info, err := de.Info()
	if err != nil {
		return protocol.DirEntry{}, trace.Wrap(err)
	}
	isSymlink := info.Mode()&os.ModeSymlink != 0
	entry := protocol.DirEntry{
		Name:      de.Name(),
		Path:      path.Join(filepathToSlash(parent), de.Name()),
		IsDir:     de.IsDir(),
		IsSymlink: isSymlink,
		HasModTime: true,
		ModTime:   info.ModTime().Unix(),
		HasPerm:   true,
		Perm:      uint32(info.Mode().Perm()),
	}
	// Size is meaningful for regular files only (spec.md §4.6 step 3);
	// symlinks are not followed so their target size is never reported.
	if !entry.IsDir && !isSymlink {
		entry.HasSize = true
		entry.Size = uint64(info.Size())
	}
	return entry, nil
}

func sortEntries(entries []protocol.DirEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.IsDir != b.IsDir {
			return a.IsDir // directories first
		}
		return compareNames(a.Name, b.Name) < 0
	})
}

// compareNames is case-sensitive on POSIX and case-insensitive on Windows,
// matching the host filesystem's own namespace semantics (spec.md §4.6
// step 4).
func compareNames(a, b string) int {
	if runtime.GOOS == "windows" {
		a, b = strings.ToLower(a), strings.ToLower(b)
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func chunk(entries []protocol.DirEntry) []protocol.DirChunk {
	total := (len(entries) + MaxEntriesPerChunk - 1) / MaxEntriesPerChunk
	if total == 0 {
		total = 1 // an empty directory still yields exactly one chunk.
	}
	chunks := make([]protocol.DirChunk, 0, total)
	for i := 0; i < total; i++ {
		start := i * MaxEntriesPerChunk
		end := start + MaxEntriesPerChunk
		if end > len(entries) {
			end = len(entries)
		}
		chunks = append(chunks, protocol.DirChunk{
			ChunkIndex:  uint32(i),
			TotalChunks: uint32(total),
			Entries:     entries[start:end],
			HasMore:     i < total-1,
		})
	}
	return chunks
}
