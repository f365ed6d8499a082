package compression

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticDependencyChecker bool

func (c staticDependencyChecker) CheckDependencies() bool {
	return bool(c)
}

func newGoLibArchiver() *Archiver {
	return NewArchiver(log.NewLogger(), env.NewRepository(), staticDependencyChecker(false), 3)
}

func writeFile(t *testing.T, path, content string) {
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0700))
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
}

func TestArchiver_Stream_roundTrip(t *testing.T) {
	// Given
	src := filepath.Join(t.TempDir(), "documents")
	writeFile(t, filepath.Join(src, "invoice.xml"), "<invoice/>")
	writeFile(t, filepath.Join(src, "nested", "deeper", "notes.txt"), "hello")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "empty"), 0700))
	require.NoError(t, os.Symlink("invoice.xml", filepath.Join(src, "latest.xml")))
	dest := t.TempDir()

	// When
	stream := newGoLibArchiver().Stream([]string{src})
	archive, err := io.ReadAll(stream)
	require.NoError(t, err)
	require.NoError(t, stream.Close())
	err = Extract(bytes.NewReader(archive), dest)

	// Then
	require.NoError(t, err)
	restored := filepath.Join(dest, src)

	content, err := os.ReadFile(filepath.Join(restored, "invoice.xml"))
	require.NoError(t, err)
	assert.Equal(t, "<invoice/>", string(content))

	content, err = os.ReadFile(filepath.Join(restored, "nested", "deeper", "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(content))

	info, err := os.Stat(filepath.Join(restored, "empty"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	link, err := os.Readlink(filepath.Join(restored, "latest.xml"))
	require.NoError(t, err)
	assert.Equal(t, "invoice.xml", link)
}

func TestArchiver_Stream_singleFile(t *testing.T) {
	src := filepath.Join(t.TempDir(), "report.csv")
	writeFile(t, src, "a,b,c")
	dest := t.TempDir()

	stream := newGoLibArchiver().Stream([]string{src})
	defer stream.Close() //nolint:errcheck

	require.NoError(t, Extract(stream, dest))
	content, err := os.ReadFile(filepath.Join(dest, src))
	require.NoError(t, err)
	assert.Equal(t, "a,b,c", string(content))
}

func TestArchiver_Stream_missingPath(t *testing.T) {
	stream := newGoLibArchiver().Stream([]string{filepath.Join(t.TempDir(), "missing")})
	defer stream.Close() //nolint:errcheck

	_, err := io.ReadAll(stream)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "compress files")
}

func TestArchiver_Stream_closeEarly(t *testing.T) {
	src := filepath.Join(t.TempDir(), "big.bin")
	writeFile(t, src, string(bytes.Repeat([]byte("0123456789abcdef"), 256*1024)))

	stream := newGoLibArchiver().Stream([]string{src})
	buf := make([]byte, 16)
	_, err := io.ReadFull(stream, buf)
	require.NoError(t, err)

	assert.NoError(t, stream.Close())
	_, err = stream.Read(buf)
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

func Test_entryTarget(t *testing.T) {
	dest := t.TempDir()

	target, err := entryTarget(dest, "/var/data/file.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dest, "var", "data", "file.txt"), target)

	_, err = entryTarget(dest, "../../etc/passwd")
	assert.Error(t, err)

	target, err = entryTarget("", "/var/data/file.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.FromSlash("/var/data/file.txt"), target)
}

func TestAreAllPathsEmpty(t *testing.T) {
	basePath := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(basePath, "empty_dir"), 0700))
	require.NoError(t, os.MkdirAll(filepath.Join(basePath, "dir_with_dir_child", "nested_empty_dir"), 0700))
	writeFile(t, filepath.Join(basePath, "first_level", "second_level", "nested_file.txt"), "hello")

	tests := []struct {
		name         string
		includePaths []string
		want         bool
	}{
		{
			name:         "single empty dir",
			includePaths: []string{filepath.Join(basePath, "empty_dir")},
			want:         true,
		},
		{
			name:         "file",
			includePaths: []string{filepath.Join(basePath, "first_level", "second_level", "nested_file.txt")},
			want:         false,
		},
		{
			name:         "empty dir within dir",
			includePaths: []string{filepath.Join(basePath, "dir_with_dir_child")},
			want:         false,
		},
		{
			name: "empty and non-empty dirs",
			includePaths: []string{
				filepath.Join(basePath, "empty_dir"),
				filepath.Join(basePath, "first_level"),
			},
			want: false,
		},
		{
			name:         "nonexistent dir",
			includePaths: []string{filepath.Join(basePath, "this doesn't exist")},
			want:         true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AreAllPathsEmpty(tt.includePaths))
		})
	}
}
