// Package workspace handles the host-side half of a sync pair: a flat
// directory of files mirroring the root directory of an emulated disk.
// It tracks per-file size and modification time so external edits can be
// detected without consulting the emulator.
package workspace

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// SanitizeName reduces a file name to the safe charset (alphanumeric plus
// "._-") and strips any path components. Unsafe bytes are dropped. The empty
// result means the name is unusable.
func SanitizeName(name string) string {
	name = filepath.Base(name)
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '_' || r == '-':
			b.WriteRune(r)
		}
	}
	out := b.String()
	if out == "." || out == ".." || strings.Trim(out, ".") == "" {
		return ""
	}
	return out
}

// FileState is the recorded identity of one host file.
type FileState struct {
	Size    int64
	ModTime time.Time
}

// Snapshot maps file name to state for every regular file in the workspace.
type Snapshot map[string]FileState

// TakeSnapshot records the current size and mtime of every regular file
// directly inside dir. A missing directory yields an empty snapshot.
func TakeSnapshot(dir string) (Snapshot, error) {
	snap := Snapshot{}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return snap, nil
		}
		return nil, err
	}
	for _, de := range entries {
		if !de.Type().IsRegular() {
			continue
		}
		fi, err := de.Info()
		if err != nil {
			continue
		}
		snap[de.Name()] = FileState{Size: fi.Size(), ModTime: fi.ModTime()}
	}
	return snap, nil
}

// Changes is the difference between two snapshots, names sorted.
type Changes struct {
	Added    []string
	Modified []string
	Deleted  []string
}

// Empty reports whether nothing changed.
func (c Changes) Empty() bool {
	return len(c.Added) == 0 && len(c.Modified) == 0 && len(c.Deleted) == 0
}

// Names returns every changed name in one sorted list.
func (c Changes) Names() []string {
	out := make([]string, 0, len(c.Added)+len(c.Modified)+len(c.Deleted))
	out = append(out, c.Added...)
	out = append(out, c.Modified...)
	out = append(out, c.Deleted...)
	sort.Strings(out)
	return out
}

// Diff reports what changed between a previous snapshot and this one.
func (s Snapshot) Diff(prev Snapshot) Changes {
	var c Changes
	for name, st := range s {
		old, ok := prev[name]
		switch {
		case !ok:
			c.Added = append(c.Added, name)
		case old.Size != st.Size || !old.ModTime.Equal(st.ModTime):
			c.Modified = append(c.Modified, name)
		}
	}
	for name := range prev {
		if _, ok := s[name]; !ok {
			c.Deleted = append(c.Deleted, name)
		}
	}
	sort.Strings(c.Added)
	sort.Strings(c.Modified)
	sort.Strings(c.Deleted)
	return c
}

// WriteIfChanged writes data to dir/name only when the existing content
// differs byte for byte, and reports whether a write happened. Keeping
// unchanged files untouched preserves their mtimes, which the snapshot
// diffing depends on.
func WriteIfChanged(dir, name string, data []byte) (bool, error) {
	path := filepath.Join(dir, name)
	if existing, err := os.ReadFile(path); err == nil && bytes.Equal(existing, data) {
		return false, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return false, err
	}
	return true, nil
}

// RemoveStale deletes every regular file in dir whose name is not in keep,
// returning the deleted names sorted.
func RemoveStale(dir string, keep map[string]bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var deleted []string
	for _, de := range entries {
		if !de.Type().IsRegular() || keep[de.Name()] {
			continue
		}
		if err := os.Remove(filepath.Join(dir, de.Name())); err != nil {
			return deleted, err
		}
		deleted = append(deleted, de.Name())
	}
	sort.Strings(deleted)
	return deleted, nil
}

// Clear removes every regular file in dir and returns how many went away.
func Clear(dir string) (int, error) {
	deleted, err := RemoveStale(dir, nil)
	return len(deleted), err
}
