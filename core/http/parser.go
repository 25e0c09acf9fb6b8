package http

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
	"unsafe"
)

var (
	ErrInvalidRequest    = errors.New("invalid HTTP request")
	ErrIncomplete        = errors.New("incomplete HTTP request")
	ErrHeaderTooLarge    = errors.New("request header block too large")
	ErrBodyTooLarge      = errors.New("request body exceeds the configured limit")
	ErrUnsupportedCoding = errors.New("transfer codings are not supported")
)

// maxHeaderBytes bounds the header block of a single request.
const maxHeaderBytes = 64 << 10

// unsafeString converts a byte slice to a string without allocation.
// The result aliases the input buffer and must not outlive the request.
func unsafeString(b []byte) string {
	return *(*string)(unsafe.Pointer(&b))
}

// ParseRequest parses one request out of data and reports how many bytes
// it consumed, leaving pipelined requests behind it in the buffer.
// ErrIncomplete means the caller should read more; every other error is
// a client fault the caller maps to a status code.
func ParseRequest(data []byte, maxBody int) (*Request, int, error) {
	headerEnd := bytes.Index(data, []byte("\r\n\r\n"))
	sepLen := 4
	if headerEnd == -1 {
		headerEnd = bytes.Index(data, []byte("\n\n"))
		sepLen = 2
	}
	if headerEnd == -1 {
		if len(data) > maxHeaderBytes {
			return nil, 0, ErrHeaderTooLarge
		}
		return nil, 0, ErrIncomplete
	}
	if headerEnd > maxHeaderBytes {
		return nil, 0, ErrHeaderTooLarge
	}

	req := AcquireRequest()
	if err := parseHead(req, data[:headerEnd]); err != nil {
		ReleaseRequest(req)
		return nil, 0, err
	}

	if len(req.Headers["Transfer-Encoding"]) > 0 {
		ReleaseRequest(req)
		return nil, 0, ErrUnsupportedCoding
	}

	bodyLen := 0
	if cl := req.Header("Content-Length"); cl != "" {
		n, err := strconv.Atoi(cl)
		if err != nil || n < 0 {
			ReleaseRequest(req)
			return nil, 0, ErrInvalidRequest
		}
		bodyLen = n
	}
	if maxBody > 0 && bodyLen > maxBody {
		ReleaseRequest(req)
		return nil, 0, ErrBodyTooLarge
	}

	total := headerEnd + sepLen + bodyLen
	if len(data) < total {
		ReleaseRequest(req)
		return nil, 0, ErrIncomplete
	}

	if bodyLen > 0 {
		req.Body = append(req.Body[:0], data[headerEnd+sepLen:total]...)
	}
	return req, total, nil
}

func parseHead(req *Request, head []byte) error {
	lineEnd := bytes.IndexByte(head, '\n')
	if lineEnd == -1 {
		lineEnd = len(head)
	}
	line := head[:lineEnd]
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}

	// METHOD SP PATH SP PROTO, scanned without splitting allocations.
	sp1 := bytes.IndexByte(line, ' ')
	if sp1 <= 0 {
		return ErrInvalidRequest
	}
	sp2 := bytes.IndexByte(line[sp1+1:], ' ')
	if sp2 == -1 {
		return ErrInvalidRequest
	}
	sp2 += sp1 + 1

	req.Method = unsafeString(line[:sp1])
	req.Path = unsafeString(line[sp1+1 : sp2])
	req.Proto = unsafeString(line[sp2+1:])

	if req.Path == "" || req.Path[0] != '/' {
		return ErrInvalidRequest
	}

	if idx := strings.IndexByte(req.Path, '?'); idx != -1 {
		parseQuery(req, req.Path[idx+1:])
		req.Path = req.Path[:idx]
	}
	req.Path = unescape(req.Path, false)

	if lineEnd < len(head) {
		parseHeaders(req, head[lineEnd+1:])
	}
	return nil
}

func parseHeaders(req *Request, data []byte) {
	for len(data) > 0 {
		lineEnd := bytes.IndexByte(data, '\n')
		if lineEnd == -1 {
			lineEnd = len(data)
		}

		line := data[:lineEnd]
		if len(line) > 0 && line[len(line)-1] == '\r' {
			line = line[:len(line)-1]
		}
		if len(line) > 0 {
			if colon := bytes.IndexByte(line, ':'); colon > 0 {
				key := string(bytes.TrimSpace(line[:colon]))
				value := string(bytes.TrimSpace(line[colon+1:]))
				req.AddHeader(key, value)
			}
		}

		if lineEnd == len(data) {
			break
		}
		data = data[lineEnd+1:]
	}
}

func parseQuery(req *Request, query string) {
	for len(query) > 0 {
		var pair string
		if amp := strings.IndexByte(query, '&'); amp != -1 {
			pair, query = query[:amp], query[amp+1:]
		} else {
			pair, query = query, ""
		}
		if pair == "" {
			continue
		}

		key, value := pair, ""
		if eq := strings.IndexByte(pair, '='); eq != -1 {
			key, value = pair[:eq], pair[eq+1:]
		}
		key = unescape(key, true)
		req.Query[key] = append(req.Query[key], unescape(value, true))
	}
}

// unescape resolves %XX sequences, and '+' to space inside query parts.
// Malformed escapes are kept verbatim rather than failing the request.
func unescape(s string, plusToSpace bool) string {
	if !strings.ContainsAny(s, "%+") {
		return s
	}

	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '+' && plusToSpace:
			out = append(out, ' ')
		case s[i] == '%' && i+2 < len(s):
			hi, okHi := hexVal(s[i+1])
			lo, okLo := hexVal(s[i+2])
			if okHi && okLo {
				out = append(out, hi<<4|lo)
				i += 2
			} else {
				out = append(out, s[i])
			}
		default:
			out = append(out, s[i])
		}
	}
	return string(out)
}

func hexVal(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
