// Package session manages the per-run recording directories under the
// records root and the read/rename/delete operations exposed on them.
//
// Layout: <root>/<prefix><N>/<clip>. The directory listing is the only
// source of truth; there is no index file.
package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dj-oyu/clary-camera/recorder/internal/logger"
)

var (
	ErrInvalidName   = errors.New("invalid name")
	ErrNotFound      = errors.New("not found")
	ErrExists        = errors.New("target already exists")
	ErrActiveSession = errors.New("session is active")
)

var fileNamePattern = regexp.MustCompile(`^[\w\-. ]{1,128}$`)

var log = logger.For("Session")

const maxCreateAttempts = 1000

// Session is the directory clips of one run are written to.
type Session struct {
	Name string
	Dir  string
	// Degraded is set when the session directory could not be created and
	// clips go straight into the records root.
	Degraded bool
}

// Info summarizes one session directory.
type Info struct {
	Name         string    `json:"name"`
	FileCount    int       `json:"file_count"`
	TotalBytes   int64     `json:"total_size"`
	LastModified time.Time `json:"last_modified"`
}

// FileInfo describes one clip file.
type FileInfo struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
	Path     string    `json:"path"`
}

// Store owns the records root.
type Store struct {
	root    string
	prefix  string
	pattern *regexp.Regexp
	valid   *regexp.Regexp
}

// NewStore returns a store for <root>/<prefix><N> directories.
func NewStore(root, prefix string) *Store {
	q := regexp.QuoteMeta(prefix)
	return &Store{
		root:    root,
		prefix:  prefix,
		pattern: regexp.MustCompile(`^` + q + `(\d+)$`),
		valid:   regexp.MustCompile(`^` + q + `\d{1,6}$`),
	}
}

// Root returns the records root.
func (s *Store) Root() string { return s.root }

// Prefix returns the session name prefix.
func (s *Store) Prefix() string { return s.prefix }

// NextIndex scans existing session directories and returns max(N)+1, or 1.
func (s *Store) NextIndex() (int, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 1, nil
		}
		return 0, fmt.Errorf("failed to scan records root: %w", err)
	}
	highest := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m := s.pattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if n > highest {
			highest = n
		}
	}
	return highest + 1, nil
}

// Create makes the next session directory. It never fails: when the
// directory cannot be created the records root itself is returned.
//
// An existing entry under the computed name is never reused: the index is
// bumped until a fresh directory is created.
func (s *Store) Create() Session {
	degraded := Session{Dir: s.root, Degraded: true}
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		log.Error("Records root %s is not writable: %v", s.root, err)
		return degraded
	}
	next, err := s.NextIndex()
	if err != nil {
		log.Error("%v; writing to %s", err, s.root)
		return degraded
	}

	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		name := s.prefix + strconv.Itoa(next+attempt)
		dir := filepath.Join(s.root, name)
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			log.Info("Session ready: %s", name)
			return Session{Name: name, Dir: dir}
		}
		if errors.Is(err, os.ErrExist) {
			log.Warn("Session %s already exists, trying the next index", name)
			continue
		}
		log.Error("Failed to create session %s: %v; writing to %s", name, err, s.root)
		return degraded
	}
	log.Error("No free session name after %d attempts; writing to %s", maxCreateAttempts, s.root)
	return degraded
}

// ValidSession reports whether name has the <prefix><1..6 digits> shape.
func (s *Store) ValidSession(name string) bool {
	return s.valid.MatchString(name)
}

// sessionDir resolves name to its directory and returns the trimmed name
// the directory was resolved from.
func (s *Store) sessionDir(name string) (dir, canonical string, err error) {
	canonical = strings.TrimSpace(name)
	if !s.valid.MatchString(canonical) {
		return "", "", fmt.Errorf("session %q: %w", canonical, ErrInvalidName)
	}
	dir = filepath.Join(s.root, canonical)
	st, err := os.Stat(dir)
	if err != nil || !st.IsDir() {
		return "", "", fmt.Errorf("session %q: %w", canonical, ErrNotFound)
	}
	return dir, canonical, nil
}

func validFileName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if !fileNamePattern.MatchString(name) || name == "." || name == ".." {
		return "", fmt.Errorf("file %q: %w", name, ErrInvalidName)
	}
	return name, nil
}

// List returns every directory under the root with its file count, total
// size and newest modification time, newest first.
func (s *Store) List() ([]Info, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	var out []Info
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info := Info{Name: e.Name()}
		files, err := regularFiles(filepath.Join(s.root, e.Name()))
		if err != nil {
			log.Debug("Skipping unreadable session %s: %v", e.Name(), err)
		}
		for _, f := range files {
			info.FileCount++
			info.TotalBytes += f.Size()
			if f.ModTime().After(info.LastModified) {
				info.LastModified = f.ModTime()
			}
		}
		if info.LastModified.IsZero() {
			if st, err := e.Info(); err == nil {
				info.LastModified = st.ModTime()
			}
		}
		out = append(out, info)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastModified.After(out[j].LastModified)
	})
	return out, nil
}

// Files lists the clips of one session, newest first.
func (s *Store) Files(session string) ([]FileInfo, error) {
	dir, _, err := s.sessionDir(session)
	if err != nil {
		return nil, err
	}
	files, err := regularFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", session, err)
	}
	out := make([]FileInfo, 0, len(files))
	for _, f := range files {
		out = append(out, FileInfo{
			Name:     f.Name(),
			Size:     f.Size(),
			Modified: f.ModTime(),
			Path:     filepath.Join(dir, f.Name()),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Modified.After(out[j].Modified)
	})
	return out, nil
}

// RenameFile renames a clip inside its session. The original extension is
// kept; an existing target is never overwritten.
func (s *Store) RenameFile(session, oldName, newName string) (string, error) {
	dir, _, err := s.sessionDir(session)
	if err != nil {
		return "", err
	}
	if oldName, err = validFileName(oldName); err != nil {
		return "", err
	}
	if newName, err = validFileName(newName); err != nil {
		return "", err
	}

	ext := filepath.Ext(oldName)
	if ext != "" && !strings.EqualFold(filepath.Ext(newName), ext) {
		newName += ext
	}

	src := filepath.Join(dir, oldName)
	dst := filepath.Join(dir, newName)
	if _, err := os.Stat(src); err != nil {
		return "", fmt.Errorf("file %q: %w", oldName, ErrNotFound)
	}
	if _, err := os.Stat(dst); err == nil {
		return "", fmt.Errorf("file %q: %w", newName, ErrExists)
	}
	if err := os.Rename(src, dst); err != nil {
		return "", fmt.Errorf("failed to rename %s: %w", oldName, err)
	}
	log.Info("Renamed %s/%s -> %s", session, oldName, newName)
	return newName, nil
}

// DeleteFile removes one clip.
func (s *Store) DeleteFile(session, name string) error {
	dir, _, err := s.sessionDir(session)
	if err != nil {
		return err
	}
	if name, err = validFileName(name); err != nil {
		return err
	}
	path := filepath.Join(dir, name)
	st, err := os.Stat(path)
	if err != nil || !st.Mode().IsRegular() {
		return fmt.Errorf("file %q: %w", name, ErrNotFound)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to delete %s: %w", name, err)
	}
	log.Info("Deleted %s/%s", session, name)
	return nil
}

// DeleteSession removes a whole session directory unless it is active.
func (s *Store) DeleteSession(name, active string) error {
	dir, name, err := s.sessionDir(name)
	if err != nil {
		return err
	}
	if name == strings.TrimSpace(active) {
		return fmt.Errorf("session %q: %w", name, ErrActiveSession)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", name, err)
	}
	log.Info("Deleted session %s", name)
	return nil
}

// RenameSession renames an inactive session to another valid session name.
func (s *Store) RenameSession(name, newName, active string) error {
	dir, name, err := s.sessionDir(name)
	if err != nil {
		return err
	}
	newName = strings.TrimSpace(newName)
	active = strings.TrimSpace(active)
	if name == active || newName == active {
		return fmt.Errorf("session %q: %w", name, ErrActiveSession)
	}
	if !s.valid.MatchString(newName) {
		return fmt.Errorf("session %q: %w", newName, ErrInvalidName)
	}
	dst := filepath.Join(s.root, newName)
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("session %q: %w", newName, ErrExists)
	}
	if err := os.Rename(dir, dst); err != nil {
		return fmt.Errorf("failed to rename session %s: %w", name, err)
	}
	log.Info("Renamed session %s -> %s", name, newName)
	return nil
}

func regularFiles(dir string) ([]os.FileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := make([]os.FileInfo, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, info)
	}
	return out, nil
}
