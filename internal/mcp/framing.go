// Package mcp implements the Model Context Protocol over stdio: LSP-style
// Content-Length framing, a JSON-RPC 2.0 client that consumes external MCP
// servers, a server that exposes local abilities as MCP tools, and a manager
// that registers remote tools as abilities.
package mcp

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/cerise-ai/cerise/internal/cerr"
)

// maxFrameSize bounds a single message to keep a misbehaving peer from
// exhausting memory.
const maxFrameSize = 16 << 20

// WriteFrame writes one framed message: "Content-Length: N\r\n\r\n<payload>".
func WriteFrame(w io.Writer, payload []byte) error {
	if _, err := fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(payload)); err != nil {
		return cerr.Wrap(cerr.ErrTransport, "write frame header: %v", err)
	}
	if _, err := w.Write(payload); err != nil {
		return cerr.Wrap(cerr.ErrTransport, "write frame body: %v", err)
	}
	return nil
}

// ReadFrame reads one framed message. Header names are case-insensitive;
// unknown headers are skipped. io.EOF is returned verbatim at a clean
// end-of-stream so callers can distinguish shutdown from corruption.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	length := -1
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if err == io.EOF && line == "" && length < 0 {
				return nil, io.EOF
			}
			return nil, cerr.Wrap(cerr.ErrTransport, "read frame header: %v", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, cerr.Wrap(cerr.ErrTransport, "malformed frame header %q", line)
		}
		if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || n < 0 {
				return nil, cerr.Wrap(cerr.ErrTransport, "invalid Content-Length %q", value)
			}
			length = n
		}
	}
	if length < 0 {
		return nil, cerr.Wrap(cerr.ErrTransport, "frame missing Content-Length")
	}
	if length > maxFrameSize {
		return nil, cerr.Wrap(cerr.ErrTransport, "frame of %d bytes exceeds limit", length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, cerr.Wrap(cerr.ErrTransport, "read frame body: %v", err)
	}
	return payload, nil
}
