package http

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFixture(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

// TestServeFileWhole returns the file as a streamable region with its
// content type derived from the extension.
func TestServeFileWhole(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "hello.txt", "hello, files")

	r := ServeFile(dir, "hello.txt", "")
	defer ReleaseResponse(r)
	require.NotNil(t, r.File)
	defer r.File.F.Close()

	assert.Equal(t, 200, r.Status)
	assert.Equal(t, "text/plain; charset=utf-8", r.ContentType)
	assert.Equal(t, int64(12), r.File.Length)
	assert.Equal(t, "bytes", r.Header("Accept-Ranges"))

	got, err := io.ReadAll(io.NewSectionReader(r.File.F, r.File.Offset, r.File.Length))
	require.NoError(t, err)
	assert.Equal(t, "hello, files", string(got))
}

// TestServeFileRange serves a single byte range with 206 and the
// matching Content-Range header.
func TestServeFileRange(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "data.bin", "0123456789")

	r := ServeFile(dir, "data.bin", "bytes=2-5")
	defer ReleaseResponse(r)

	require.Nil(t, r.File)
	assert.Equal(t, 206, r.Status)
	assert.Equal(t, "2345", string(r.Body))
	assert.Equal(t, "bytes 2-5/10", r.Header("Content-Range"))
}

// TestServeFileRangeForms covers open-ended, suffix, and degenerate
// range specs. Anything unusable falls back to the whole file rather
// than a 416.
func TestServeFileRangeForms(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "data.bin", "0123456789")

	tests := []struct {
		name   string
		header string
		status int
		body   string
	}{
		{"open end", "bytes=7-", 206, "789"},
		{"suffix counts from head", "bytes=-3", 206, "0123"},
		{"end clamped", "bytes=8-99", 206, "89"},
		{"start past eof", "bytes=10-12", 200, ""},
		{"inverted", "bytes=5-2", 200, ""},
		{"multiple ranges", "bytes=0-1,3-4", 200, ""},
		{"garbage", "bytes=abc", 200, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := ServeFile(dir, "data.bin", tt.header)
			defer ReleaseResponse(r)

			assert.Equal(t, tt.status, r.Status)
			if tt.status == 206 {
				require.Nil(t, r.File)
				assert.Equal(t, tt.body, string(r.Body))
			} else {
				require.NotNil(t, r.File)
				assert.Equal(t, int64(10), r.File.Length)
				r.File.F.Close()
			}
		})
	}
}

// TestServeFileMissing returns the JSON not-found body for absent
// files, directories, and paths that try to climb out of root.
func TestServeFileMissing(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "public")
	require.NoError(t, os.Mkdir(sub, 0o755))
	writeFixture(t, dir, "secret.txt", "top secret")

	for _, name := range []string{"nope.txt", ".", "../secret.txt"} {
		r := ServeFile(sub, name, "")
		assert.Equal(t, 404, r.Status, name)
		assert.JSONEq(t, `{"error": "File Not Found"}`, string(r.Body))
		ReleaseResponse(r)
	}
}

// TestContentTypeFor maps common extensions and defaults the rest.
func TestContentTypeFor(t *testing.T) {
	assert.Equal(t, "text/html; charset=utf-8", contentTypeFor("index.HTML"))
	assert.Equal(t, "application/json", contentTypeFor("data.json"))
	assert.Equal(t, "image/png", contentTypeFor("logo.png"))
	assert.Equal(t, "application/octet-stream", contentTypeFor("blob.xyz"))
}
