// Package store implements the atomic, path-safe file persistence and
// the cross-process lock every component shares.
package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrSymlink is returned when a target path resolves through a symlink.
var ErrSymlink = errors.New("store: refusing to operate on a symlink")

// ErrOutsideRoot is returned when a path escapes its declared root.
var ErrOutsideRoot = errors.New("store: path escapes root")

// WithinRoot verifies that path, once cleaned, stays inside root. It
// does not require path to exist.
func WithinRoot(root, path string) error {
	root = filepath.Clean(root)
	abs := filepath.Clean(path)
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	if rel == ".." || bytes.HasPrefix([]byte(rel), []byte(".."+string(filepath.Separator))) {
		return fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	return nil
}

// refuseSymlink fails if path exists and is a symlink.
func refuseSymlink(path string) error {
	fi, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("%w: %s", ErrSymlink, path)
	}
	return nil
}

// WriteFileAtomic writes data to path by creating a sibling temp file
// (<name>.tmp.<pid>) in the same directory and renaming it over path.
// perm is applied to the temp file before rename so the final file
// never has a window at the wrong permission.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := refuseSymlink(path); err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("store: mkdir %s: %w", dir, err)
	}
	tmp := filepath.Join(dir, fmt.Sprintf("%s.tmp.%d", filepath.Base(path), os.Getpid()))
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("store: create temp %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("store: write temp %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("store: sync temp %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("store: close temp %s: %w", tmp, err)
	}
	if err := os.Chmod(tmp, perm); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("store: chmod temp %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("store: rename %s -> %s: %w", tmp, path, err)
	}
	return nil
}

// WriteJSONAtomic marshals v and writes it atomically with the given
// permission bits.
func WriteJSONAtomic(path string, v any, perm os.FileMode) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal %s: %w", path, err)
	}
	return WriteFileAtomic(path, data, perm)
}

// ReadJSON reads and unmarshals path into v. A missing file leaves v
// untouched and returns nil.
func ReadJSON(path string, v any) error {
	if err := refuseSymlink(path); err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("store: read %s: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("store: unmarshal %s: %w", path, err)
	}
	return nil
}

// AppendLine appends a single line (newline-terminated) to path under
// the given permissions, creating the file if needed.
func AppendLine(path string, line []byte, perm os.FileMode) error {
	if err := refuseSymlink(path); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("store: mkdir %s: %w", filepath.Dir(path), err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, perm)
	if err != nil {
		return fmt.Errorf("store: open %s: %w", path, err)
	}
	defer f.Close()
	if !bytes.HasSuffix(line, []byte("\n")) {
		line = append(line, '\n')
	}
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("store: append %s: %w", path, err)
	}
	return nil
}

// AppendJSONLine marshals v to one line of JSON and appends it.
func AppendJSONLine(path string, v any, perm os.FileMode) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: marshal line for %s: %w", path, err)
	}
	return AppendLine(path, data, perm)
}

// ReadLines returns every non-empty line in path, tolerating a partial
// (unterminated) final line. A missing file returns an empty, nil-error
// result.
func ReadLines(path string) ([]string, error) {
	if err := refuseSymlink(path); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return lines, fmt.Errorf("store: scan %s: %w", path, err)
	}
	return lines, nil
}

// ReadJSONLines reads path line by line, unmarshalling each into a new
// T and skipping (not failing on) malformed lines.
func ReadJSONLines[T any](path string) ([]T, error) {
	lines, err := ReadLines(path)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(lines))
	for _, line := range lines {
		var v T
		if err := json.Unmarshal([]byte(line), &v); err != nil {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// Truncate empties path in place, preserving its permissions. Used by
// the command inbox after a drain.
func Truncate(path string) error {
	if err := refuseSymlink(path); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("store: truncate %s: %w", path, err)
	}
	return f.Close()
}

// WriteJSONLines overwrites path with one JSON line per element of vs,
// atomically. Used to put back results a reader didn't consume instead
// of truncating the whole file out from under other readers.
func WriteJSONLines[T any](path string, vs []T, perm os.FileMode) error {
	var buf bytes.Buffer
	for _, v := range vs {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("store: marshal line for %s: %w", path, err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}
	return WriteFileAtomic(path, buf.Bytes(), perm)
}
