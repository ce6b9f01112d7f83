// Package uploads stores media files received for streaming until the encode
// process that consumes them ends.
package uploads

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

const (
	DefaultDir      = "temp_uploads"
	DefaultMaxBytes = 50 << 20
)

// DefaultAllowedTypes lists the accepted upload MIME types.
var DefaultAllowedTypes = []string{"video/mp4", "video/avi", "video/x-msvideo", "video/x-matroska"}

var (
	// ErrTooLarge is returned when an upload exceeds the size cap.
	ErrTooLarge = errors.New("upload exceeds size limit")
	// ErrUnsupportedType is returned when the declared MIME type is not allowed.
	ErrUnsupportedType = errors.New("unsupported media type")
	// ErrInvalidContent is returned when the file body is not a recognised
	// video container.
	ErrInvalidContent = errors.New("file content is not a supported video container")
	// ErrEmpty is returned for zero-byte uploads.
	ErrEmpty = errors.New("upload is empty")
	// ErrOutsideDir is returned when asked to remove a path the store does not own.
	ErrOutsideDir = errors.New("path is outside the upload directory")
)

var containerTypes = map[string]string{
	"video/mp4":        "mp4",
	"video/avi":        "avi",
	"video/x-msvideo":  "avi",
	"video/x-matroska": "matroska",
}

var containerExt = map[string]string{
	"mp4":      ".mp4",
	"avi":      ".avi",
	"matroska": ".mkv",
}

// Config configures a Store.
type Config struct {
	Dir          string
	MaxBytes     int64
	AllowedTypes []string
	Logger       *slog.Logger
}

// Media describes a stored upload.
type Media struct {
	Path         string
	Name         string
	OriginalName string
	ContentType  string
	Size         int64
}

// Store owns the upload directory.
type Store struct {
	dir      string
	maxBytes int64
	allowed  map[string]struct{}
	logger   *slog.Logger
	now      func() time.Time
}

// NewStore creates the upload directory when missing.
func NewStore(cfg Config) (*Store, error) {
	dir := strings.TrimSpace(cfg.Dir)
	if dir == "" {
		dir = DefaultDir
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve upload dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	types := cfg.AllowedTypes
	if len(types) == 0 {
		types = DefaultAllowedTypes
	}
	allowed := make(map[string]struct{}, len(types))
	for _, t := range types {
		allowed[strings.ToLower(strings.TrimSpace(t))] = struct{}{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		dir:      abs,
		maxBytes: maxBytes,
		allowed:  allowed,
		logger:   logger.With("component", "uploads"),
		now:      time.Now,
	}, nil
}

// Dir returns the absolute upload directory.
func (s *Store) Dir() string { return s.dir }

// MaxBytes returns the per-upload size cap.
func (s *Store) MaxBytes() int64 { return s.maxBytes }

// Check reports whether the upload directory is still present.
func (s *Store) Check() error {
	info, err := os.Stat(s.dir)
	if err != nil {
		return fmt.Errorf("upload dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("upload dir %s is not a directory", s.dir)
	}
	return nil
}

// Save streams body into the upload directory under a unique name. The
// declared content type must be allowed and the leading bytes must match a
// video container; nothing is left on disk when Save fails.
func (s *Store) Save(body io.Reader, originalName, contentType string) (Media, error) {
	mediaType := normalizeContentType(contentType)
	if _, ok := s.allowed[mediaType]; !ok {
		return Media{}, fmt.Errorf("%w: %q", ErrUnsupportedType, contentType)
	}

	tmp, err := os.CreateTemp(s.dir, "pending-upload-*")
	if err != nil {
		return Media{}, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	keep := false
	defer func() {
		if !keep {
			_ = os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmp, io.LimitReader(body, s.maxBytes+1))
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return Media{}, fmt.Errorf("save upload: %w", err)
	}
	if written > s.maxBytes {
		return Media{}, fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, s.maxBytes)
	}
	if written == 0 {
		return Media{}, ErrEmpty
	}

	container, err := s.sniff(tmpPath)
	if err != nil {
		return Media{}, err
	}
	if want, ok := containerTypes[mediaType]; ok && want != container {
		return Media{}, fmt.Errorf("%w: declared %s but found %s", ErrInvalidContent, mediaType, container)
	}

	name := s.fileName(container)
	finalPath := filepath.Join(s.dir, name)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return Media{}, fmt.Errorf("store upload: %w", err)
	}
	keep = true
	s.logger.Debug("upload stored", "path", finalPath, "size", written, "content_type", mediaType)
	return Media{
		Path:         finalPath,
		Name:         name,
		OriginalName: filepath.Base(originalName),
		ContentType:  mediaType,
		Size:         written,
	}, nil
}

// Remove deletes a stored upload. Missing files are not an error.
func (s *Store) Remove(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if filepath.Dir(abs) != s.dir {
		return fmt.Errorf("%w: %s", ErrOutsideDir, path)
	}
	if err := os.Remove(abs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Cleanup deletes every file in the upload directory and reports how many
// were removed. Callers must ensure no encode process is reading from it.
func (s *Store) Cleanup() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read upload dir: %w", err)
	}
	removed := 0
	var errs []error
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, entry.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if len(errs) > 0 {
		return removed, errors.Join(errs...)
	}
	s.logger.Info("upload directory cleaned", "removed", removed)
	return removed, nil
}

func (s *Store) sniff(path string) (string, error) {
	detected, err := mimetype.DetectFile(path)
	if err != nil {
		return "", fmt.Errorf("inspect upload: %w", err)
	}
	return classify(detected)
}

// fileName builds <unix-ms>-<uuid8><ext>. The extension follows the detected
// container rather than the client's file name.
func (s *Store) fileName(container string) string {
	ext := containerExt[container]
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%d-%s%s", s.now().UnixMilli(), id, ext)
}

func normalizeContentType(value string) string {
	mediaType, _, err := mime.ParseMediaType(value)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(value))
	}
	return strings.ToLower(mediaType)
}
