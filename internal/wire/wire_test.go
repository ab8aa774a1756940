package wire

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/remoteunlock/internal/apperr"
)

func pipe(t *testing.T) (client, server net.Conn) {
	t.Helper()
	client, server = net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func TestReadRequest_WellFormed(t *testing.T) {
	client, server := pipe(t)

	go func() {
		client.Write([]byte("POST /unlock HTTP/1.1\r\nContent-Length: 5\r\nX-Foo: bar\r\n\r\nhello"))
	}()

	req, err := ReadRequest(server)
	require.NoError(t, err)
	assert.Equal(t, "POST", req.Method)
	assert.Equal(t, "/unlock", req.Path)
	assert.Equal(t, []byte("hello"), req.Body)
	assert.Equal(t, "bar", req.Header("x-foo"))
}

func TestReadRequest_IncompleteOnEOF(t *testing.T) {
	client, server := pipe(t)

	go func() {
		client.Write([]byte("POST /unlock HTTP/1.1\r\nContent-Length: 10\r\n\r\nshort"))
		client.Close()
	}()

	_, err := ReadRequest(server)
	require.Error(t, err)
	assert.Equal(t, apperr.KindIncompleteRequest, apperr.KindOf(err))
}

func TestReadRequest_ContentLengthMismatch(t *testing.T) {
	client, server := pipe(t)

	go func() {
		client.Write([]byte("POST /unlock HTTP/1.1\r\nContent-Length: 3\r\n\r\nabcXYZ"))
	}()

	_, err := ReadRequest(server)
	require.Error(t, err)
	assert.Equal(t, apperr.KindContentLengthMismatch, apperr.KindOf(err))
}

func TestReadRequest_OversizePacket(t *testing.T) {
	client, server := pipe(t)

	go func() {
		client.Write([]byte("POST /unlock HTTP/1.1\r\n"))
		client.Write([]byte(strings.Repeat("X-Pad: " + strings.Repeat("a", 100) + "\r\n", 100)))
	}()

	_, err := ReadRequest(server)
	require.Error(t, err)
	assert.Equal(t, apperr.KindOversizePacket, apperr.KindOf(err))
}

func TestReadRequest_MalformedRequestLine(t *testing.T) {
	client, server := pipe(t)

	go func() {
		client.Write([]byte("GARBAGE\r\n\r\n"))
	}()

	_, err := ReadRequest(server)
	require.Error(t, err)
	assert.Equal(t, apperr.KindParse, apperr.KindOf(err))
}

func TestWriteResponse(t *testing.T) {
	client, server := pipe(t)

	resp := &Response{
		Status:  200,
		Headers: []Header{{Name: "Content-Type", Value: "application/json"}},
		Body:    []byte(`{"ok":true}`),
	}

	done := make(chan error, 1)
	go func() {
		done <- WriteResponse(server, resp)
	}()

	buf := make([]byte, 4096)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := client.Read(buf)
	require.NoError(t, err)
	require.NoError(t, <-done)

	out := string(buf[:n])
	assert.Contains(t, out, "HTTP/1.1 200 OK\r\n")
	assert.Contains(t, out, "Content-Type: application/json\r\n")
	assert.Contains(t, out, "Content-Length: 11\r\n")
	assert.True(t, strings.HasSuffix(out, `{"ok":true}`))
}

func TestReasonPhrase(t *testing.T) {
	assert.Equal(t, "OK", ReasonPhrase(200))
	assert.Equal(t, "Forbidden", ReasonPhrase(403))
	assert.Equal(t, "Internal Server Error", ReasonPhrase(999))
}
