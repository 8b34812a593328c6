package fetch

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

var (
	ErrMalformedResponse = errors.New("malformed HTTP response")
	ErrHeaderTooLarge    = errors.New("HTTP response header too large")
)

// maxHeaderBytes bounds the response header read by a fetch slot.
const maxHeaderBytes = 1024

// ResponseParts is a parsed HTTP/1.0 response header.
type ResponseParts struct {
	Code   int
	Reason string
	// ContentLength is -1 when the header is absent.
	ContentLength int64
	// Body holds the bytes that followed the header in the buffer.
	Body []byte
}

// headerEnd returns the offset just past the blank line that ends the
// header, or -1 when the buffer does not yet hold a complete header.
func headerEnd(buf []byte) int {
	for i := 0; i < len(buf); i++ {
		if buf[i] != '\n' {
			continue
		}
		j := i + 1
		if j < len(buf) && buf[j] == '\r' {
			j++
		}
		if j < len(buf) && buf[j] == '\n' {
			return j + 1
		}
	}
	return -1
}

// UnpackHTTPResponse parses a buffer that holds a complete response header
// and possibly the start of the body.
func UnpackHTTPResponse(buf []byte) (*ResponseParts, error) {
	end := headerEnd(buf)
	if end < 0 {
		return nil, ErrMalformedResponse
	}
	header, body := buf[:end], buf[end:]

	var rest []byte
	switch {
	case bytes.HasPrefix(header, []byte("HTTP/1.0 ")):
		rest = header[len("HTTP/1.0 "):]
	case bytes.HasPrefix(header, []byte("HTTP/1.1 ")):
		rest = header[len("HTTP/1.1 "):]
	default:
		return nil, fmt.Errorf("%w: missing HTTP/1.0 preamble", ErrMalformedResponse)
	}

	if len(rest) < 4 || !isDigit(rest[0]) || !isDigit(rest[1]) || !isDigit(rest[2]) || rest[3] != ' ' {
		return nil, fmt.Errorf("%w: missing three-digit status code", ErrMalformedResponse)
	}
	parts := &ResponseParts{
		Code:          int(rest[0]-'0')*100 + int(rest[1]-'0')*10 + int(rest[2]-'0'),
		ContentLength: -1,
		Body:          body,
	}

	lines := bytes.Split(rest[4:], []byte("\n"))
	parts.Reason = string(bytes.TrimSuffix(lines[0], []byte("\r")))

	for _, line := range lines[1:] {
		line = bytes.TrimSuffix(line, []byte("\r"))
		if len(line) == 0 {
			break
		}
		const name = "content-length:"
		if len(line) < len(name) || !bytes.EqualFold(line[:len(name)], []byte(name)) {
			continue
		}
		value := bytes.TrimLeft(line[len(name):], " ")
		n, err := strconv.ParseInt(string(value), 10, 64)
		if err != nil || n < 0 || len(value) == 0 || !isDigit(value[0]) {
			return nil, fmt.Errorf("%w: malformed Content-Length header", ErrMalformedResponse)
		}
		parts.ContentLength = n
	}
	return parts, nil
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }
