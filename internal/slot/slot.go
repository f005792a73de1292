package slot

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ErrRelocation is returned when a relocation source is missing or cannot be moved
var ErrRelocation = errors.New("relocation failed")

// Slot is a directory holding at most one file with a canonical name
type Slot struct {
	name     string
	dir      string
	filename string
	logger   *slog.Logger
}

// Occupant describes the file currently held by a slot
type Occupant struct {
	Filename string    `json:"filename"`
	Path     string    `json:"path"`
	Size     int64     `json:"size_bytes"`
	ModTime  time.Time `json:"modified_at"`
}

// New creates a slot; the directory is not touched until Ensure or a write
func New(name, dir, filename string, logger *slog.Logger) *Slot {
	return &Slot{
		name:     name,
		dir:      dir,
		filename: filename,
		logger:   logger.With(slog.String("slot", name)),
	}
}

// Name returns the slot label ("input", "output")
func (s *Slot) Name() string { return s.name }

// Dir returns the slot directory
func (s *Slot) Dir() string { return s.dir }

// Filename returns the canonical filename
func (s *Slot) Filename() string { return s.filename }

// Path returns the canonical file path
func (s *Slot) Path() string { return filepath.Join(s.dir, s.filename) }

// Ensure creates the slot directory if needed
func (s *Slot) Ensure() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s slot directory %s: %w", s.name, s.dir, err)
	}
	return nil
}

// Clear removes every entry under the slot directory. Failures are logged and
// never returned: a best-effort cleanup must not block the request.
func (s *Slot) Clear() {
	s.clearExcept("")
}

// clearExcept removes every entry except the top-level entry named keep
func (s *Slot) clearExcept(keep string) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("Failed to list slot directory",
				slog.String("dir", s.dir),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	for _, entry := range entries {
		if entry.Name() == keep {
			continue
		}
		p := filepath.Join(s.dir, entry.Name())
		if err := os.RemoveAll(p); err != nil {
			s.logger.Warn("Failed to remove slot entry",
				slog.String("path", p),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Write clears the slot and stores r as its single canonical file. The bytes
// land in a hidden temp file first and are renamed into place.
func (s *Slot) Write(r io.Reader) (*Occupant, error) {
	if err := s.Ensure(); err != nil {
		return nil, err
	}
	s.Clear()

	tmp, err := os.CreateTemp(s.dir, "."+s.filename+".*.part")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file in %s slot: %w", s.name, err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			s.release(tmpPath)
		}
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("failed to write %s slot: %w", s.name, err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to close %s slot file: %w", s.name, err)
	}
	if err := os.Rename(tmpPath, s.Path()); err != nil {
		return nil, fmt.Errorf("failed to commit %s slot file: %w", s.name, err)
	}
	committed = true

	return s.Occupant()
}

// WriteFile clears the slot and copies the file at src into it
func (s *Slot) WriteFile(src string) (*Occupant, error) {
	f, err := os.Open(src)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer f.Close()
	return s.Write(f)
}

// Relocate moves src into the slot under the canonical name. src may live
// inside the slot directory (the engine's scratch directory); everything else
// in the slot is purged first and the now-empty scratch directory is removed.
func (s *Slot) Relocate(src string) (*Occupant, error) {
	info, err := os.Stat(src)
	if err != nil {
		return nil, fmt.Errorf("%w: source %s: %v", ErrRelocation, src, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: source %s is a directory", ErrRelocation, src)
	}
	if err := s.Ensure(); err != nil {
		return nil, err
	}

	keep := s.topLevelEntry(src)
	s.clearExcept(keep)

	if err := os.Rename(src, s.Path()); err != nil {
		return nil, fmt.Errorf("%w: move %s to %s: %v", ErrRelocation, src, s.Path(), err)
	}

	if keep != "" && keep != s.filename {
		s.removeEmptyDirs(filepath.Dir(src))
	}

	return s.Occupant()
}

// topLevelEntry returns the name of the slot entry containing p, or "" when p
// is outside the slot directory
func (s *Slot) topLevelEntry(p string) string {
	absDir, err := filepath.Abs(s.dir)
	if err != nil {
		return ""
	}
	absP, err := filepath.Abs(p)
	if err != nil {
		return ""
	}
	rel, err := filepath.Rel(absDir, absP)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return ""
	}
	return strings.SplitN(filepath.ToSlash(rel), "/", 2)[0]
}

// removeEmptyDirs removes dir and its empty parents up to the slot directory
func (s *Slot) removeEmptyDirs(dir string) {
	absSlot, err := filepath.Abs(s.dir)
	if err != nil {
		return
	}
	for {
		absDir, err := filepath.Abs(dir)
		if err != nil || absDir == absSlot || !strings.HasPrefix(absDir, absSlot+string(filepath.Separator)) {
			return
		}
		if err := os.Remove(absDir); err != nil {
			s.logger.Debug("Leaving scratch directory in place",
				slog.String("dir", absDir),
				slog.String("error", err.Error()),
			)
			return
		}
		dir = filepath.Dir(absDir)
	}
}

// Occupant returns the canonical file's metadata, or fs.ErrNotExist
func (s *Slot) Occupant() (*Occupant, error) {
	info, err := os.Stat(s.Path())
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s slot occupant is not a regular file: %w", s.name, fs.ErrNotExist)
	}
	return &Occupant{
		Filename: s.filename,
		Path:     s.Path(),
		Size:     info.Size(),
		ModTime:  info.ModTime(),
	}, nil
}

// List returns the names of all entries in the slot directory, sorted
func (s *Slot) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Open returns the canonical file when name matches it. Any other name,
// including paths that resolve to the canonical file, is fs.ErrNotExist.
func (s *Slot) Open(name string) (*os.File, *Occupant, error) {
	if name != s.filename {
		return nil, nil, fs.ErrNotExist
	}
	occ, err := s.Occupant()
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(occ.Path)
	if err != nil {
		return nil, nil, err
	}
	return f, occ, nil
}

// release removes a scratch file, logging instead of failing
func (s *Slot) release(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("Failed to remove temp file",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}
