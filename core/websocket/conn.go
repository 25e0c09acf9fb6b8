// Package websocket implements the server side of the WebSocket
// protocol: frame codec, handshake, session lifecycle, and group
// broadcast.
package websocket

import (
	"bufio"
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/searchktools/turbo-server/core/http"
)

// OpCode represents WebSocket operation codes.
type OpCode byte

const (
	OpContinuation OpCode = 0x0
	OpText         OpCode = 0x1
	OpBinary       OpCode = 0x2
	OpClose        OpCode = 0x8
	OpPing         OpCode = 0x9
	OpPong         OpCode = 0xA
)

// CloseCode is a close-frame status code.
type CloseCode uint16

const (
	CloseNormal          CloseCode = 1000
	CloseGoingAway       CloseCode = 1001
	CloseProtocolError   CloseCode = 1002
	ClosePolicyViolation CloseCode = 1008
	CloseTooLarge        CloseCode = 1009
	CloseInternalError   CloseCode = 1011
)

// DefaultMaxMessageSize caps message payloads when no limit is
// negotiated.
const DefaultMaxMessageSize = 1 << 20

// ErrMessageTooLarge is returned by ReadMessage when a message's
// declared size exceeds the ceiling. The payload is never buffered.
var ErrMessageTooLarge = errors.New("websocket message exceeds the size ceiling")

// Frame is a single WebSocket frame.
type Frame struct {
	Fin     bool
	OpCode  OpCode
	Masked  bool
	Payload []byte
}

// Message is a complete, defragmented WebSocket message.
type Message struct {
	OpCode  OpCode
	Payload []byte
}

func (m Message) Text() string { return string(m.Payload) }

// Conn frames a network connection as WebSocket. Reads must come from
// a single goroutine; writes are internally serialized.
type Conn struct {
	conn    net.Conn
	reader  *bufio.Reader
	writer  *bufio.Writer
	writeMu sync.Mutex

	maxMessageSize int64
	lastActivity   atomic.Int64
	closed         atomic.Bool
	closeSent      atomic.Bool
}

// NewConn wraps an already-upgraded connection. leftover carries any
// bytes the HTTP layer read past the handshake; they are consumed
// before the socket.
func NewConn(conn net.Conn, leftover []byte, maxMessageSize int64) *Conn {
	if maxMessageSize <= 0 {
		maxMessageSize = DefaultMaxMessageSize
	}
	var r io.Reader = conn
	if len(leftover) > 0 {
		r = io.MultiReader(bytes.NewReader(leftover), conn)
	}
	c := &Conn{
		conn:           conn,
		reader:         bufio.NewReader(r),
		writer:         bufio.NewWriter(conn),
		maxMessageSize: maxMessageSize,
	}
	c.touch()
	return c
}

func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// LastActivity reports when the peer last sent any frame.
func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Conn) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// ReadMessage blocks for the next complete data message, transparently
// answering pings and close frames. Fragmented messages are size-checked
// against the ceiling as a whole, before any oversized payload is read.
func (c *Conn) ReadMessage() (*Message, error) {
	if c.closed.Load() {
		return nil, io.EOF
	}

	var message Message
	var fragments [][]byte
	var accumulated int64

	for {
		frame, err := c.readFrame(c.maxMessageSize - accumulated)
		if err != nil {
			return nil, err
		}
		c.touch()

		switch frame.OpCode {
		case OpText, OpBinary:
			message.OpCode = frame.OpCode
			if frame.Fin && len(fragments) == 0 {
				message.Payload = frame.Payload
				return &message, nil
			}
			fragments = append(fragments, frame.Payload)
			accumulated += int64(len(frame.Payload))
			if frame.Fin {
				message.Payload = joinFragments(fragments, accumulated)
				return &message, nil
			}

		case OpContinuation:
			fragments = append(fragments, frame.Payload)
			accumulated += int64(len(frame.Payload))
			if frame.Fin {
				message.Payload = joinFragments(fragments, accumulated)
				return &message, nil
			}

		case OpPing:
			if err := c.WriteFrame(&Frame{Fin: true, OpCode: OpPong, Payload: frame.Payload}); err != nil {
				return nil, err
			}

		case OpPong:
			// Activity stamp is all a pong is for.

		case OpClose:
			c.echoClose(frame.Payload)
			c.Close()
			return nil, io.EOF

		default:
			return nil, fmt.Errorf("unknown opcode: %d", frame.OpCode)
		}
	}
}

func joinFragments(fragments [][]byte, total int64) []byte {
	payload := make([]byte, 0, total)
	for _, frag := range fragments {
		payload = append(payload, frag...)
	}
	return payload
}

// readFrame reads one frame, rejecting data payloads whose declared
// length exceeds allowed before reading a single payload byte.
func (c *Conn) readFrame(allowed int64) (*Frame, error) {
	var header [2]byte
	if _, err := io.ReadFull(c.reader, header[:]); err != nil {
		return nil, err
	}

	frame := &Frame{
		Fin:    (header[0] & 0x80) != 0,
		OpCode: OpCode(header[0] & 0x0F),
		Masked: (header[1] & 0x80) != 0,
	}

	payloadLen := int64(header[1] & 0x7F)
	if payloadLen == 126 {
		var ext [2]byte
		if _, err := io.ReadFull(c.reader, ext[:]); err != nil {
			return nil, err
		}
		payloadLen = int64(binary.BigEndian.Uint16(ext[:]))
	} else if payloadLen == 127 {
		var ext [8]byte
		if _, err := io.ReadFull(c.reader, ext[:]); err != nil {
			return nil, err
		}
		payloadLen = int64(binary.BigEndian.Uint64(ext[:]))
	}

	switch frame.OpCode {
	case OpText, OpBinary, OpContinuation:
		if payloadLen > allowed {
			return nil, ErrMessageTooLarge
		}
	default:
		if payloadLen > 125 {
			return nil, fmt.Errorf("control frame payload too long: %d", payloadLen)
		}
	}

	var maskingKey [4]byte
	if frame.Masked {
		if _, err := io.ReadFull(c.reader, maskingKey[:]); err != nil {
			return nil, err
		}
	}

	if payloadLen > 0 {
		frame.Payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(c.reader, frame.Payload); err != nil {
			return nil, err
		}
		if frame.Masked {
			for i := int64(0); i < payloadLen; i++ {
				frame.Payload[i] ^= maskingKey[i%4]
			}
		}
	}

	return frame, nil
}

func (c *Conn) WriteMessage(opcode OpCode, payload []byte) error {
	return c.WriteFrame(&Frame{Fin: true, OpCode: opcode, Payload: payload})
}

func (c *Conn) WriteText(text string) error {
	return c.WriteMessage(OpText, []byte(text))
}

func (c *Conn) WriteBinary(data []byte) error {
	return c.WriteMessage(OpBinary, data)
}

func (c *Conn) WriteFrame(frame *Frame) error {
	if c.closed.Load() {
		return net.ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	firstByte := byte(frame.OpCode)
	if frame.Fin {
		firstByte |= 0x80
	}
	if err := c.writer.WriteByte(firstByte); err != nil {
		return err
	}

	payloadLen := len(frame.Payload)
	switch {
	case payloadLen < 126:
		c.writer.WriteByte(byte(payloadLen))
	case payloadLen < 65536:
		c.writer.WriteByte(126)
		var ext [2]byte
		binary.BigEndian.PutUint16(ext[:], uint16(payloadLen))
		c.writer.Write(ext[:])
	default:
		c.writer.WriteByte(127)
		var ext [8]byte
		binary.BigEndian.PutUint64(ext[:], uint64(payloadLen))
		c.writer.Write(ext[:])
	}

	if payloadLen > 0 {
		if _, err := c.writer.Write(frame.Payload); err != nil {
			return err
		}
	}
	return c.writer.Flush()
}

func (c *Conn) Ping() error {
	return c.WriteFrame(&Frame{Fin: true, OpCode: OpPing})
}

// WriteClose sends a close frame with a status code and reason. Only
// the first close frame goes out; later calls are no-ops.
func (c *Conn) WriteClose(code CloseCode, reason string) error {
	if !c.closeSent.CompareAndSwap(false, true) {
		return nil
	}
	payload := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(payload, uint16(code))
	copy(payload[2:], reason)
	return c.WriteFrame(&Frame{Fin: true, OpCode: OpClose, Payload: payload})
}

func (c *Conn) echoClose(payload []byte) {
	if !c.closeSent.CompareAndSwap(false, true) {
		return
	}
	c.WriteFrame(&Frame{Fin: true, OpCode: OpClose, Payload: payload})
}

// closeWriteTimeout bounds the close-frame write so tearing down a
// stalled peer cannot block behind its unread backlog.
const closeWriteTimeout = 500 * time.Millisecond

// CloseWith sends a close frame and then tears down the transport.
func (c *Conn) CloseWith(code CloseCode, reason string) error {
	c.conn.SetWriteDeadline(time.Now().Add(closeWriteTimeout))
	c.WriteClose(code, reason)
	return c.Close()
}

// Close tears down the transport without a close frame of its own.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}

func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// Accept validates an upgrade request the HTTP layer already parsed,
// writes the 101 response, and returns the framed connection. leftover
// carries bytes read past the handshake.
func Accept(conn net.Conn, req *http.Request, leftover []byte, maxMessageSize int64) (*Conn, error) {
	if !req.WantsUpgrade() {
		return nil, errors.New("not a websocket upgrade request")
	}
	if v := req.Header("Sec-WebSocket-Version"); v != "13" {
		return nil, fmt.Errorf("unsupported websocket version %q", v)
	}
	key := req.Header("Sec-WebSocket-Key")
	if key == "" {
		return nil, errors.New("missing Sec-WebSocket-Key")
	}

	response := make([]byte, 0, 160)
	response = append(response, "HTTP/1.1 101 Switching Protocols\r\n"+
		"Upgrade: websocket\r\n"+
		"Connection: Upgrade\r\n"+
		"Sec-WebSocket-Accept: "...)
	response = append(response, computeAcceptKey(key)...)
	response = append(response, "\r\n\r\n"...)

	if _, err := conn.Write(response); err != nil {
		return nil, err
	}
	return NewConn(conn, leftover, maxMessageSize), nil
}

func computeAcceptKey(key string) string {
	const magicGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
	h := sha1.New()
	h.Write([]byte(key + magicGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
