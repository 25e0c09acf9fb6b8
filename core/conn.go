package core

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/searchktools/turbo-server/core/http"
	"github.com/searchktools/turbo-server/core/pools"
	"github.com/searchktools/turbo-server/core/sendfile"
)

// connState is one accepted connection. busy is false only while the
// connection sits in a keep-alive read with no buffered request bytes,
// which is when Shutdown may close it outright.
type connState struct {
	net.Conn
	busy atomic.Bool
}

// serveConn runs the connection's read-parse-dispatch-write loop until
// the peer goes away, a fatal protocol error occurs, or the connection
// upgrades to a WebSocket session.
func (e *Engine) serveConn(ctx context.Context, c *connState) {
	defer c.Close()

	readPtr := pools.AcquireBuffer(readBufferSize)
	outPtr := pools.AcquireBuffer(writeBufferSize)
	buf := (*readPtr)[:cap(*readPtr)]
	defer func() {
		*readPtr = buf[:0]
		pools.ReleaseBuffer(readPtr)
		pools.ReleaseBuffer(outPtr)
	}()

	length := 0
	for {
		if length == 0 {
			c.SetReadDeadline(time.Now().Add(e.idleTimeout))
		} else {
			c.SetReadDeadline(time.Now().Add(e.readTimeout))
		}

		if length == len(buf) {
			grown := make([]byte, len(buf)*2)
			copy(grown, buf[:length])
			buf = grown
		}

		n, err := c.Read(buf[length:])
		if err != nil {
			return
		}
		length += n
		c.busy.Store(true)

		out := (*outPtr)[:0]
		offset := 0
		closing := false

		for offset < length {
			req, consumed, perr := http.ParseRequest(buf[offset:length], e.maxBody)
			if perr != nil {
				if errors.Is(perr, http.ErrIncomplete) {
					break
				}
				out = appendParseFailure(out, perr)
				closing = true
				break
			}
			req.RemoteAddr = c.RemoteAddr().String()

			if req.WantsUpgrade() {
				if _, ok := e.ws.Endpoint(req.Path); ok {
					e.upgrade(ctx, c, req, out, buf[offset+consumed:length])
					http.ReleaseRequest(req)
					return
				}
			}

			resp := e.dispatch(ctx, req)
			if !req.KeepAlive() || e.inShutdown.Load() {
				resp.Close = true
			}
			out = resp.EncodeTo(out)

			if resp.File != nil {
				ok := e.streamFile(c, out, resp.File)
				out = out[:0]
				if !ok {
					http.ReleaseResponse(resp)
					http.ReleaseRequest(req)
					return
				}
			}

			closing = resp.Close
			http.ReleaseResponse(resp)
			http.ReleaseRequest(req)
			offset += consumed
			if closing {
				break
			}
		}

		if len(out) > 0 {
			c.SetWriteDeadline(time.Now().Add(e.writeTimeout))
			if _, werr := c.Write(out); werr != nil {
				*outPtr = out[:0]
				return
			}
		}
		*outPtr = out[:0]

		if closing {
			return
		}

		// Shift any partial pipelined request to the front so the
		// buffer never grows without bound across keep-alive requests.
		if offset > 0 {
			if offset < length {
				copy(buf, buf[offset:length])
			}
			length -= offset
		}
		if length == 0 {
			c.busy.Store(false)
		}
	}
}

// upgrade flushes pending pipelined responses and hands the connection
// to the session manager. Bytes already read past the handshake request
// are carried over so early client frames are not lost.
func (e *Engine) upgrade(ctx context.Context, c *connState, req *http.Request, pending []byte, rest []byte) {
	if len(pending) > 0 {
		c.SetWriteDeadline(time.Now().Add(e.writeTimeout))
		if _, err := c.Write(pending); err != nil {
			return
		}
	}
	c.SetReadDeadline(time.Time{})
	c.SetWriteDeadline(time.Time{})

	leftover := append([]byte(nil), rest...)
	if err := e.ws.Serve(ctx, c.Conn, req, leftover); err != nil {
		e.log.WithError(err).WithField("path", req.Path).Debug("websocket upgrade rejected")
		resp := http.ErrorResponse(400, "Bad Request")
		resp.Close = true
		c.SetWriteDeadline(time.Now().Add(e.writeTimeout))
		c.Write(resp.EncodeTo(nil))
		http.ReleaseResponse(resp)
	}
}

// streamFile writes buffered headers and then the file region through
// the zero-copy path. Reports whether the connection is still usable.
func (e *Engine) streamFile(c *connState, head []byte, file *http.FileBody) bool {
	defer file.F.Close()

	c.SetWriteDeadline(time.Now().Add(e.writeTimeout))
	if len(head) > 0 {
		if _, err := c.Write(head); err != nil {
			return false
		}
	}
	if err := sendfile.Stream(c.Conn, file.F, file.Offset, file.Length); err != nil {
		return false
	}
	return true
}

// appendParseFailure encodes the error response for an unparseable
// request. The connection closes afterwards since framing is lost.
func appendParseFailure(out []byte, err error) []byte {
	status, msg := 400, "Bad Request"
	switch {
	case errors.Is(err, http.ErrHeaderTooLarge):
		status, msg = 431, "Request Header Fields Too Large"
	case errors.Is(err, http.ErrBodyTooLarge):
		status, msg = 413, "Content Too Large"
	case errors.Is(err, http.ErrUnsupportedCoding):
		status, msg = 501, "Not Implemented"
	}
	resp := http.ErrorResponse(status, msg)
	resp.Close = true
	out = resp.EncodeTo(out)
	http.ReleaseResponse(resp)
	return out
}
