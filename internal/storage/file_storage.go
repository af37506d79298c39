package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	errpkg "github.com/veranemoloko/stream-assembler/internal/errors"
)

const (
	// PartSuffix marks a file that is still being downloaded.
	PartSuffix = ".part"

	// QualifierSeparator splits a display title from its format qualifier.
	QualifierSeparator = "#"
)

// FileStorage manages final/part file pairs under a base directory.
type FileStorage struct {
	dir string

	mu      sync.Mutex
	writers map[string]struct{}
}

// NewFileStorage creates a new FileStorage rooted at dir.
func NewFileStorage(dir string) *FileStorage {
	return &FileStorage{
		dir:     dir,
		writers: make(map[string]struct{}),
	}
}

// Path resolves name against the base directory unless it is absolute.
func (s *FileStorage) Path(name string) string {
	if filepath.IsAbs(name) {
		return filepath.Clean(name)
	}
	return filepath.Join(s.dir, name)
}

// PartPath returns the temporary path for a final path.
func PartPath(final string) string {
	return final + PartSuffix
}

// FileExists checks whether a file exists.
func (s *FileStorage) FileExists(name string) bool {
	_, err := os.Stat(s.Path(name))
	return err == nil
}

// PartSize returns the number of bytes already stored for final, 0 if none.
func (s *FileStorage) PartSize(final string) (int64, error) {
	info, err := os.Stat(s.Path(PartPath(final)))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Completed reports whether final exists and no part file is pending for it.
func (s *FileStorage) Completed(final string) bool {
	return s.FileExists(final) && !s.FileExists(PartPath(final))
}

// AcquirePart opens the part file of final for appending, creating it if
// needed. Only one writer may hold a part path at a time.
func (s *FileStorage) AcquirePart(final string) (*PartFile, error) {
	finalPath := s.Path(final)
	partPath := PartPath(finalPath)

	s.mu.Lock()
	if _, busy := s.writers[partPath]; busy {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", errpkg.ErrPartFileBusy, partPath)
	}
	s.writers[partPath] = struct{}{}
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		delete(s.writers, partPath)
		s.mu.Unlock()
	}

	if err := os.MkdirAll(filepath.Dir(partPath), 0o755); err != nil {
		release()
		return nil, fmt.Errorf("create directory: %w", err)
	}

	f, err := os.OpenFile(partPath, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		release()
		return nil, fmt.Errorf("open part file: %w", err)
	}
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		release()
		return nil, fmt.Errorf("seek part file: %w", err)
	}

	return &PartFile{
		file:    f,
		path:    partPath,
		final:   finalPath,
		size:    size,
		release: release,
	}, nil
}

// Promote atomically renames the part file of final to final.
func (s *FileStorage) Promote(final string) error {
	finalPath := s.Path(final)
	if err := os.Rename(PartPath(finalPath), finalPath); err != nil {
		return fmt.Errorf("promote part file: %w", err)
	}
	return nil
}

// PartFile is an exclusively held, append-only part file.
type PartFile struct {
	file    *os.File
	path    string
	final   string
	size    int64
	release func()
	once    sync.Once
}

func (p *PartFile) Path() string  { return p.path }
func (p *PartFile) Final() string { return p.final }
func (p *PartFile) Size() int64   { return p.size }

// WriteChunk appends b and flushes it to disk.
func (p *PartFile) WriteChunk(b []byte) error {
	n, err := p.file.Write(b)
	p.size += int64(n)
	if err != nil {
		return err
	}
	return p.file.Sync()
}

// Reset discards the stored bytes, used when the server ignores a range request.
func (p *PartFile) Reset() error {
	if err := p.file.Truncate(0); err != nil {
		return err
	}
	if _, err := p.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	p.size = 0
	return nil
}

// Close closes the file and releases the writer slot.
func (p *PartFile) Close() error {
	var err error
	p.once.Do(func() {
		err = p.file.Close()
		p.release()
	})
	return err
}

// FormatPath builds the destination of one format stream:
// <title>#<mediaID>-<formatID>.<ext>. The title is only a readable prefix;
// mediaID and formatID identify the file.
func FormatPath(dir, title, mediaID, formatID, ext string) string {
	return filepath.Join(dir, fmt.Sprintf("%s%s%s-%s.%s", title, QualifierSeparator, mediaID, formatID, ext))
}

// OutputPath builds the destination of the assembled file: <title>-<mediaID>.<ext>.
func OutputPath(dir, title, mediaID, ext string) string {
	return filepath.Join(dir, fmt.Sprintf("%s-%s.%s", title, mediaID, ext))
}

// DisplayTitle derives a display name from a destination path. It is meant
// for UI only, never for file identity.
func DisplayTitle(path string) string {
	name := filepath.Base(strings.TrimSuffix(path, PartSuffix))
	name = strings.TrimSuffix(name, filepath.Ext(name))
	if i := strings.LastIndex(name, QualifierSeparator); i >= 0 {
		return name[:i]
	}
	return name
}
