package uploads

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mp4Body(size int) []byte {
	body := make([]byte, size)
	copy(body, []byte{0x00, 0x00, 0x00, 0x20, 'f', 't', 'y', 'p', 'i', 's', 'o', 'm'})
	return body
}

// mkvHeader is a minimal EBML header declaring the matroska doctype.
func mkvHeader() []byte {
	return []byte{
		0x1A, 0x45, 0xDF, 0xA3, 0x9F,
		0x42, 0x86, 0x81, 0x01,
		0x42, 0xF7, 0x81, 0x01,
		0x42, 0xF2, 0x81, 0x04,
		0x42, 0xF3, 0x81, 0x08,
		0x42, 0x82, 0x88, 'm', 'a', 't', 'r', 'o', 's', 'k', 'a',
		0x42, 0x87, 0x81, 0x04,
		0x42, 0x85, 0x81, 0x02,
	}
}

func newTestStore(t *testing.T, maxBytes int64) *Store {
	t.Helper()
	store, err := NewStore(Config{Dir: filepath.Join(t.TempDir(), "uploads"), MaxBytes: maxBytes})
	require.NoError(t, err)
	return store
}

func dirEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names
}

func TestSaveStoresUniqueNames(t *testing.T) {
	store := newTestStore(t, 0)

	first, err := store.Save(bytes.NewReader(mp4Body(1024)), "holiday clip.MP4", "video/mp4")
	require.NoError(t, err)
	second, err := store.Save(bytes.NewReader(mp4Body(1024)), "holiday clip.MP4", "video/mp4")
	require.NoError(t, err)

	pattern := regexp.MustCompile(`^\d{13}-[0-9a-f]{8}\.mp4$`)
	assert.Regexp(t, pattern, first.Name)
	assert.NotEqual(t, first.Name, second.Name)
	assert.Equal(t, int64(1024), first.Size)
	assert.Equal(t, "holiday clip.MP4", first.OriginalName)
	assert.Equal(t, filepath.Join(store.Dir(), first.Name), first.Path)
	assert.FileExists(t, first.Path)
	assert.Len(t, dirEntries(t, store.Dir()), 2)
}

func TestSaveAcceptsEachContainer(t *testing.T) {
	store := newTestStore(t, 0)
	cases := []struct {
		contentType string
		head        []byte
		ext         string
	}{
		{"video/mp4; codecs=avc1", []byte("\x00\x00\x00\x18ftypmp42"), ".mp4"},
		{"video/avi", []byte("RIFF\x10\x00\x00\x00AVI LIST"), ".avi"},
		{"video/x-msvideo", []byte("RIFF\x10\x00\x00\x00AVI LIST"), ".avi"},
		{"video/x-matroska", mkvHeader(), ".mkv"},
	}
	for _, tc := range cases {
		t.Run(tc.contentType, func(t *testing.T) {
			body := append(append([]byte(nil), tc.head...), make([]byte, 64)...)
			media, err := store.Save(bytes.NewReader(body), "clip", tc.contentType)
			require.NoError(t, err)
			assert.True(t, strings.HasSuffix(media.Name, tc.ext), media.Name)
		})
	}
}

func TestSaveRejectsOversizedUpload(t *testing.T) {
	store := newTestStore(t, 512)
	_, err := store.Save(bytes.NewReader(mp4Body(513)), "big.mp4", "video/mp4")
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.Empty(t, dirEntries(t, store.Dir()))

	_, err = store.Save(bytes.NewReader(mp4Body(512)), "exact.mp4", "video/mp4")
	assert.NoError(t, err)
}

func TestSaveRejectsDisallowedType(t *testing.T) {
	store := newTestStore(t, 0)
	_, err := store.Save(bytes.NewReader(mp4Body(64)), "clip.mov", "video/quicktime")
	assert.ErrorIs(t, err, ErrUnsupportedType)
	assert.Empty(t, dirEntries(t, store.Dir()))
}

func TestSaveRejectsMismatchedContent(t *testing.T) {
	store := newTestStore(t, 0)
	cases := map[string][]byte{
		"elf":       append([]byte("\x7fELF\x02\x01\x01"), make([]byte, 32)...),
		"windows":   append([]byte("MZ\x90\x00"), make([]byte, 32)...),
		"script":    []byte("#!/bin/sh\nrm -rf /\n"),
		"text":      []byte("definitely not a video file"),
		"avi as mp": append([]byte("RIFF\x10\x00\x00\x00AVI LIST"), make([]byte, 32)...),
		"bare ebml": append([]byte{0x1A, 0x45, 0xDF, 0xA3, 0x01, 0x00}, make([]byte, 32)...),
		"quicktime": append([]byte("\x00\x00\x00\x14ftypqt  "), make([]byte, 32)...),
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := store.Save(bytes.NewReader(body), "clip.mp4", "video/mp4")
			assert.ErrorIs(t, err, ErrInvalidContent)
		})
	}
	assert.Empty(t, dirEntries(t, store.Dir()))
}

func TestSaveNamesExecutableContent(t *testing.T) {
	store := newTestStore(t, 0)
	body := append([]byte("\x7fELF\x02\x01\x01"), make([]byte, 64)...)

	_, err := store.Save(bytes.NewReader(body), "clip.mp4", "video/mp4")

	require.ErrorIs(t, err, ErrInvalidContent)
	assert.Contains(t, err.Error(), "executable content")
	assert.Empty(t, dirEntries(t, store.Dir()))
}

func TestSaveRejectsEmptyUpload(t *testing.T) {
	store := newTestStore(t, 0)
	_, err := store.Save(bytes.NewReader(nil), "clip.mp4", "video/mp4")
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestRemoveIsIdempotentAndScoped(t *testing.T) {
	store := newTestStore(t, 0)
	media, err := store.Save(bytes.NewReader(mp4Body(64)), "clip.mp4", "video/mp4")
	require.NoError(t, err)

	require.NoError(t, store.Remove(media.Path))
	assert.NoFileExists(t, media.Path)
	require.NoError(t, store.Remove(media.Path))

	outside := filepath.Join(t.TempDir(), "keep.mp4")
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0o600))
	assert.ErrorIs(t, store.Remove(outside), ErrOutsideDir)
	assert.FileExists(t, outside)
}

func TestCleanupRemovesEverything(t *testing.T) {
	store := newTestStore(t, 0)
	for i := 0; i < 3; i++ {
		_, err := store.Save(bytes.NewReader(mp4Body(64)), "clip.mp4", "video/mp4")
		require.NoError(t, err)
	}
	removed, err := store.Cleanup()
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
	assert.Empty(t, dirEntries(t, store.Dir()))

	removed, err = store.Cleanup()
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestNewStoreCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "uploads")
	store, err := NewStore(Config{Dir: dir})
	require.NoError(t, err)
	assert.DirExists(t, dir)
	assert.Equal(t, int64(DefaultMaxBytes), store.MaxBytes())
}

func TestCheckReportsMissingDirectory(t *testing.T) {
	store := newTestStore(t, 0)
	require.NoError(t, store.Check())
	require.NoError(t, os.RemoveAll(store.Dir()))
	assert.Error(t, store.Check())
}
