package sendfile

import (
	"bytes"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixture(t *testing.T, content []byte) *os.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, os.WriteFile(path, content, 0o644))
	f, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

// TestStreamFallback copies a file region over an in-memory pipe,
// which takes the non-TCP path.
func TestStreamFallback(t *testing.T) {
	f := fixture(t, []byte("abcdefghij"))

	client, server := net.Pipe()
	defer client.Close()

	errCh := make(chan error, 1)
	go func() {
		defer server.Close()
		errCh <- Stream(server, f, 2, 5)
	}()

	got, err := io.ReadAll(client)
	require.NoError(t, err)
	assert.Equal(t, "cdefg", string(got))
	require.NoError(t, <-errCh)
}

// TestStreamZeroLength is a no-op that must not touch the connection.
func TestStreamZeroLength(t *testing.T) {
	f := fixture(t, []byte("abc"))
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	require.NoError(t, Stream(server, f, 0, 0))
}

// TestStreamTCP pushes a file through the sendfile path over loopback.
func TestStreamTCP(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789"), 4096)
	f := fixture(t, payload)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	errCh := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			errCh <- err
			return
		}
		defer conn.Close()
		errCh <- Stream(conn, f, 0, int64(len(payload)))
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	got, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	require.NoError(t, <-errCh)
}
