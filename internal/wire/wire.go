// Package wire implements the minimal HTTP/1.1 subset the core speaks
// over a unix-domain or TCP connection. It is deliberately not built on
// net/http: every buffer is fixed-size and allocated once, so the
// parser cannot be driven into unbounded memory growth by a hostile or
// confused local peer.
package wire

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/ocx/remoteunlock/internal/apperr"
)

const (
	// ReadBufferSize is the fixed size of the accumulation buffer a
	// request is read into. Exceeding it is an OversizePacket error.
	ReadBufferSize = 4096

	// MaxHeaders bounds the number of header lines retained per request.
	MaxHeaders = 16

	// MaxBodySize bounds the request body.
	MaxBodySize = 2048

	// pollInterval is how long the reader sleeps after a zero-byte,
	// would-block read before retrying.
	pollInterval = 100 * time.Millisecond
)

// Header is one (name, value) pair, preserving declaration order.
type Header struct {
	Name  string
	Value string
}

// Request is a parsed request as held at rest by the core.
type Request struct {
	Method  string
	Path    string
	Headers []Header
	Body    []byte
}

// Header returns the value of the first header matching name
// (case-insensitive), or "" if absent.
func (r *Request) Header(name string) string {
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// Response is what the authorization engine hands back to be emitted.
type Response struct {
	Status  int
	Headers []Header
	Body    []byte
}

var reasonPhrases = map[int]string{
	200: "OK",
	400: "Bad Request",
	403: "Forbidden",
	404: "Not Found",
	500: "Internal Server Error",
}

// ReasonPhrase returns the canonical reason phrase for a status code
// from the closed set the daemon ever emits. Unknown codes fall back to
// the 500 phrase rather than emitting a blank reason.
func ReasonPhrase(status int) string {
	if p, ok := reasonPhrases[status]; ok {
		return p
	}
	return reasonPhrases[500]
}

// ReadRequest reads and parses one request from conn.
//
// It loops reading into a fixed ReadBufferSize buffer and returns as
// soon as the bytes so far parse as a complete request; otherwise it
// keeps reading until the stream half-closes (EOF) or the buffer fills.
// A zero-byte, would-block read before any byte has arrived sleeps
// pollInterval and retries; once any byte has been received, a
// would-block read ends the loop and the buffer is parsed as it stands.
func ReadRequest(conn net.Conn) (*Request, error) {
	buf := make([]byte, ReadBufferSize)
	total := 0

	for {
		if total == ReadBufferSize {
			return nil, apperr.New("wire.ReadRequest", apperr.KindOversizePacket, nil)
		}

		n, err := conn.Read(buf[total:])
		if n > 0 {
			total += n
			// Try a parse as soon as we might have a complete request;
			// cheaper to attempt than to track header-terminator state
			// by hand across reads. A definite parse error (as opposed
			// to "not enough data yet") is returned immediately.
			req, perr := tryParse(buf[:total])
			if perr == nil {
				return req, nil
			}
			var ae *apperr.Error
			if errors.As(perr, &ae) {
				return nil, perr
			}
		}

		if err != nil {
			if isTimeout(err) && n == 0 && total == 0 {
				time.Sleep(pollInterval)
				continue
			}
			// EOF, hard error, or would-block after data: stop reading. Parse whatever we
			// have — a well-formed request may have arrived exactly at
			// close, otherwise this is an incomplete request.
			req, perr := tryParse(buf[:total])
			if perr != nil {
				return nil, apperr.New("wire.ReadRequest", apperr.KindIncompleteRequest, err)
			}
			return req, nil
		}

		if n == 0 {
			time.Sleep(pollInterval)
		}
	}
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// tryParse attempts to parse a complete request out of buf. It returns
// an error (not one of the apperr Kinds) if buf does not yet contain a
// full header block / body, so the caller can keep reading.
func tryParse(buf []byte) (*Request, error) {
	headerEnd := bytes.Index(buf, []byte("\r\n\r\n"))
	if headerEnd == -1 {
		return nil, fmt.Errorf("headers incomplete")
	}

	head := string(buf[:headerEnd])
	lines := strings.Split(head, "\r\n")
	if len(lines) == 0 {
		return nil, apperr.New("wire.tryParse", apperr.KindParse, fmt.Errorf("empty request"))
	}

	reqLine := strings.Fields(lines[0])
	if len(reqLine) < 2 {
		return nil, apperr.New("wire.tryParse", apperr.KindParse, fmt.Errorf("malformed request line %q", lines[0]))
	}

	req := &Request{Method: reqLine[0], Path: reqLine[1]}

	contentLength := 0
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		if len(req.Headers) >= MaxHeaders {
			return nil, apperr.New("wire.tryParse", apperr.KindOversizePacket, fmt.Errorf("too many headers"))
		}
		idx := strings.Index(line, ":")
		if idx == -1 {
			return nil, apperr.New("wire.tryParse", apperr.KindParse, fmt.Errorf("malformed header %q", line))
		}
		name := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		req.Headers = append(req.Headers, Header{Name: name, Value: value})
		if strings.EqualFold(name, "Content-Length") {
			cl, err := strconv.Atoi(value)
			if err != nil || cl < 0 {
				return nil, apperr.New("wire.tryParse", apperr.KindParse, fmt.Errorf("bad Content-Length %q", value))
			}
			contentLength = cl
		}
	}

	if contentLength > MaxBodySize {
		return nil, apperr.New("wire.tryParse", apperr.KindOversizePacket, fmt.Errorf("content-length %d exceeds max %d", contentLength, MaxBodySize))
	}

	bodyStart := headerEnd + 4
	available := len(buf) - bodyStart
	if available < contentLength {
		return nil, fmt.Errorf("body incomplete: have %d want %d", available, contentLength)
	}
	if available > contentLength {
		// Extra bytes beyond the declared body: with no pipelining
		// support this is a mismatch, not a second request.
		return nil, apperr.New("wire.tryParse", apperr.KindContentLengthMismatch, fmt.Errorf("have %d trailing bytes beyond declared length", available-contentLength))
	}

	req.Body = append([]byte(nil), buf[bodyStart:bodyStart+contentLength]...)
	return req, nil
}

// WriteResponse emits resp to conn: status line, declared headers, the
// mandatory Content-Length, a blank line, then the body.
func WriteResponse(conn net.Conn, resp *Response) error {
	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", resp.Status, ReasonPhrase(resp.Status))
	for _, h := range resp.Headers {
		fmt.Fprintf(&b, "%s: %s\r\n", h.Name, h.Value)
	}
	fmt.Fprintf(&b, "Content-Length: %d\r\n", len(resp.Body))
	b.WriteString("\r\n")
	b.Write(resp.Body)

	_, err := conn.Write(b.Bytes())
	return err
}
