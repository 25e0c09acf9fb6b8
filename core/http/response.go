package http

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const serverName = "turbo-server"

const httpTimeFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

// FileBody streams a file region instead of an in-memory body. The
// writer owns F and closes it after the region has been sent.
type FileBody struct {
	F      *os.File
	Offset int64
	Length int64
}

type headerPair struct {
	key   string
	value string
}

// Response is a fully buffered HTTP/1.1 response. Body and File are
// mutually exclusive; File wins when both are set.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
	Close       bool
	File        *FileBody

	headers []headerPair
}

var responsePool = sync.Pool{
	New: func() any {
		return &Response{headers: make([]headerPair, 0, 4)}
	},
}

func AcquireResponse() *Response {
	return responsePool.Get().(*Response)
}

func ReleaseResponse(r *Response) {
	r.Reset()
	responsePool.Put(r)
}

func (r *Response) Reset() {
	r.Status = 0
	r.ContentType = ""
	r.Body = nil
	r.Close = false
	r.File = nil
	r.headers = r.headers[:0]
}

// NewResponse builds a response around an owned body slice.
func NewResponse(status int, contentType string, body []byte) *Response {
	r := AcquireResponse()
	r.Status = status
	r.ContentType = contentType
	r.Body = body
	return r
}

func TextResponse(status int, body string) *Response {
	return NewResponse(status, "text/plain; charset=utf-8", []byte(body))
}

func JSONResponse(status int, body []byte) *Response {
	return NewResponse(status, "application/json", body)
}

// ErrorResponse renders {"error": msg} with proper JSON escaping.
func ErrorResponse(status int, msg string) *Response {
	body, _ := json.Marshal(struct {
		Error string `json:"error"`
	}{msg})
	return JSONResponse(status, body)
}

// AddHeader appends an extra header line, preserving insertion order.
func (r *Response) AddHeader(key, value string) {
	r.headers = append(r.headers, headerPair{key, value})
}

// SetHeader replaces the first header with the same key, or appends.
func (r *Response) SetHeader(key, value string) {
	for i := range r.headers {
		if r.headers[i].key == key {
			r.headers[i].value = value
			return
		}
	}
	r.AddHeader(key, value)
}

func (r *Response) Header(key string) string {
	for i := range r.headers {
		if r.headers[i].key == key {
			return r.headers[i].value
		}
	}
	return ""
}

// EncodeTo appends the serialized response to buf and returns the
// extended slice. File bodies get their headers only; the caller
// streams the region afterwards.
func (r *Response) EncodeTo(buf []byte) []byte {
	buf = append(buf, "HTTP/1.1 "...)
	buf = appendInt(buf, r.Status)
	buf = append(buf, ' ')
	buf = append(buf, statusText(r.Status)...)
	buf = append(buf, "\r\nServer: "...)
	buf = append(buf, serverName...)
	buf = append(buf, "\r\nDate: "...)
	buf = appendDate(buf)
	if r.ContentType != "" {
		buf = append(buf, "\r\nContent-Type: "...)
		buf = append(buf, r.ContentType...)
	}
	buf = append(buf, "\r\nContent-Length: "...)
	if r.File != nil {
		buf = appendInt64(buf, r.File.Length)
	} else {
		buf = appendInt(buf, len(r.Body))
	}
	for i := range r.headers {
		buf = append(buf, "\r\n"...)
		buf = append(buf, r.headers[i].key...)
		buf = append(buf, ": "...)
		buf = append(buf, r.headers[i].value...)
	}
	if r.Close {
		buf = append(buf, "\r\nConnection: close\r\n\r\n"...)
	} else {
		buf = append(buf, "\r\nConnection: keep-alive\r\n\r\n"...)
	}
	if r.File == nil {
		buf = append(buf, r.Body...)
	}
	return buf
}

type dateStamp struct {
	unix  int64
	value string
}

var dateCache atomic.Pointer[dateStamp]

// appendDate appends an RFC 7231 date, re-formatting at most once per
// second across all connections.
func appendDate(buf []byte) []byte {
	now := time.Now()
	sec := now.Unix()
	if d := dateCache.Load(); d != nil && d.unix == sec {
		return append(buf, d.value...)
	}
	d := &dateStamp{unix: sec, value: now.UTC().Format(httpTimeFormat)}
	dateCache.Store(d)
	return append(buf, d.value...)
}

// appendInt is a fast integer append for status codes and lengths.
func appendInt(buf []byte, n int) []byte {
	return appendInt64(buf, int64(n))
}

func appendInt64(buf []byte, n int64) []byte {
	if n < 0 {
		buf = append(buf, '-')
		n = -n
	}
	if n < 10 {
		return append(buf, byte('0'+n))
	}

	var tmp [20]byte
	i := len(tmp)
	for n > 0 {
		i--
		tmp[i] = byte('0' + n%10)
		n /= 10
	}
	return append(buf, tmp[i:]...)
}

func statusText(code int) string {
	switch code {
	case 200:
		return "OK"
	case 201:
		return "Created"
	case 202:
		return "Accepted"
	case 204:
		return "No Content"
	case 206:
		return "Partial Content"
	case 301:
		return "Moved Permanently"
	case 302:
		return "Found"
	case 304:
		return "Not Modified"
	case 400:
		return "Bad Request"
	case 401:
		return "Unauthorized"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 405:
		return "Method Not Allowed"
	case 408:
		return "Request Timeout"
	case 409:
		return "Conflict"
	case 411:
		return "Length Required"
	case 413:
		return "Payload Too Large"
	case 414:
		return "URI Too Long"
	case 415:
		return "Unsupported Media Type"
	case 426:
		return "Upgrade Required"
	case 429:
		return "Too Many Requests"
	case 431:
		return "Request Header Fields Too Large"
	case 500:
		return "Internal Server Error"
	case 501:
		return "Not Implemented"
	case 502:
		return "Bad Gateway"
	case 503:
		return "Service Unavailable"
	default:
		return "Unknown"
	}
}
