package http

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

var fileNotFound = []byte(`{"error": "File Not Found"}`)

// ServeFile resolves name inside root and builds a response for it.
// Byte-range requests are answered from memory with a 206; anything
// unparseable degrades to the whole file. Whole files are returned as
// a FileBody so the connection writer can stream them.
func ServeFile(root, name, rangeHeader string) *Response {
	// Clean with a leading slash so ".." can never climb above root.
	full := filepath.Join(root, filepath.Clean("/"+name))

	f, err := os.Open(full)
	if err != nil {
		return JSONResponse(404, fileNotFound)
	}
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		f.Close()
		return JSONResponse(404, fileNotFound)
	}

	size := info.Size()
	ct := contentTypeFor(full)

	if rangeHeader != "" {
		if start, end, ok := parseRange(rangeHeader, size); ok {
			body := make([]byte, end-start+1)
			if _, err := f.ReadAt(body, start); err != nil {
				f.Close()
				return ErrorResponse(500, "file read failed")
			}
			f.Close()

			r := NewResponse(206, ct, body)
			r.AddHeader("Accept-Ranges", "bytes")
			r.AddHeader("Content-Range", formatContentRange(start, end, size))
			return r
		}
	}

	r := AcquireResponse()
	r.Status = 200
	r.ContentType = ct
	r.File = &FileBody{F: f, Length: size}
	r.AddHeader("Accept-Ranges", "bytes")
	return r
}

// parseRange understands single ranges of the form "bytes=start-end".
// An omitted start means the file head, an omitted end means the file
// tail, and the end is clamped to the last byte.
func parseRange(header string, size int64) (start, end int64, ok bool) {
	spec, found := strings.CutPrefix(header, "bytes=")
	if !found || strings.ContainsRune(spec, ',') {
		return 0, 0, false
	}
	rawStart, rawEnd, found := strings.Cut(spec, "-")
	if !found {
		return 0, 0, false
	}

	if rawStart != "" {
		start, ok = parseOffset(rawStart)
		if !ok {
			return 0, 0, false
		}
	}
	end = size - 1
	if rawEnd != "" {
		end, ok = parseOffset(rawEnd)
		if !ok {
			return 0, 0, false
		}
		if end > size-1 {
			end = size - 1
		}
	}
	if start > end || start >= size {
		return 0, 0, false
	}
	return start, end, true
}

func parseOffset(s string) (int64, bool) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func formatContentRange(start, end, size int64) string {
	buf := make([]byte, 0, 32)
	buf = append(buf, "bytes "...)
	buf = appendInt64(buf, start)
	buf = append(buf, '-')
	buf = appendInt64(buf, end)
	buf = append(buf, '/')
	buf = appendInt64(buf, size)
	return string(buf)
}

func contentTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".htm":
		return "text/html; charset=utf-8"
	case ".css":
		return "text/css; charset=utf-8"
	case ".js":
		return "application/javascript"
	case ".json":
		return "application/json"
	case ".txt":
		return "text/plain; charset=utf-8"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".svg":
		return "image/svg+xml"
	case ".ico":
		return "image/x-icon"
	case ".webp":
		return "image/webp"
	case ".pdf":
		return "application/pdf"
	case ".xml":
		return "application/xml"
	case ".wasm":
		return "application/wasm"
	case ".mp4":
		return "video/mp4"
	default:
		return "application/octet-stream"
	}
}
