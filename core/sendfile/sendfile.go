// Package sendfile streams file regions to network connections,
// using the zero-copy sendfile syscall when the connection is TCP.
package sendfile

import (
	"io"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// maxChunk bounds a single sendfile call so one large file cannot
// monopolize the writing goroutine between readiness checks.
const maxChunk = 1 << 20

// Stream writes length bytes of f starting at offset to conn. TCP
// connections take the sendfile path; everything else falls back to a
// section-reader copy, which keeps in-memory test transports working.
func Stream(conn net.Conn, f *os.File, offset, length int64) error {
	if length <= 0 {
		return nil
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		return streamTCP(tcp, f, offset, length)
	}
	_, err := io.Copy(conn, io.NewSectionReader(f, offset, length))
	return err
}

func streamTCP(conn *net.TCPConn, f *os.File, offset, length int64) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	src := int(f.Fd())
	remaining := length
	var sendErr error

	// The callback runs with the socket writable; returning false
	// parks the goroutine on the netpoller until it is writable again.
	err = raw.Write(func(dst uintptr) bool {
		for remaining > 0 {
			chunk := remaining
			if chunk > maxChunk {
				chunk = maxChunk
			}
			n, err := unix.Sendfile(int(dst), src, &offset, int(chunk))
			if n > 0 {
				remaining -= int64(n)
			}
			switch err {
			case nil:
				if n == 0 && remaining > 0 {
					sendErr = io.ErrUnexpectedEOF
					return true
				}
			case unix.EINTR:
				continue
			case unix.EAGAIN:
				return false
			default:
				sendErr = err
				return true
			}
		}
		return true
	})
	if err != nil {
		return err
	}
	return sendErr
}
