package mcp

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/cerise-ai/cerise/internal/cerr"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(buf.String(), "Content-Length: 40\r\n\r\n") {
		t.Errorf("frame = %q", buf.String())
	}

	got, err := ReadFrame(bufio.NewReader(&buf))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload = %q", got)
	}
}

func TestReadFrameMultipleMessages(t *testing.T) {
	var buf bytes.Buffer
	WriteFrame(&buf, []byte(`"one"`))
	WriteFrame(&buf, []byte(`"two"`))

	r := bufio.NewReader(&buf)
	first, err := ReadFrame(r)
	if err != nil || string(first) != `"one"` {
		t.Fatalf("first = %q, %v", first, err)
	}
	second, err := ReadFrame(r)
	if err != nil || string(second) != `"two"` {
		t.Fatalf("second = %q, %v", second, err)
	}
	if _, err := ReadFrame(r); err != io.EOF {
		t.Errorf("expected io.EOF at end of stream, got %v", err)
	}
}

func TestReadFrameHeaderCaseInsensitive(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("content-length: 2\r\nX-Other: x\r\n\r\nhi"))
	got, err := ReadFrame(r)
	if err != nil || string(got) != "hi" {
		t.Errorf("ReadFrame = %q, %v", got, err)
	}
}

func TestReadFrameErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"missing header", "\r\nrest"},
		{"bad length", "Content-Length: zap\r\n\r\n"},
		{"negative length", "Content-Length: -3\r\n\r\n"},
		{"truncated body", "Content-Length: 10\r\n\r\nabc"},
		{"malformed header", "Content Length 3\r\n\r\nabc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadFrame(bufio.NewReader(strings.NewReader(tt.input)))
			if !errors.Is(err, cerr.ErrTransport) {
				t.Errorf("error = %v, want Transport", err)
			}
		})
	}
}

func TestSafeToolName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"echo", "echo"},
		{"weird name!", "weird_name_"},
		{"a.b/c", "a_b_c"},
		{"mcp_srv__tool-1", "mcp_srv__tool-1"},
	}
	for _, tt := range tests {
		if got := SafeToolName(tt.in); got != tt.want {
			t.Errorf("SafeToolName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSafeToolNameTruncation(t *testing.T) {
	exact := strings.Repeat("a", 64)
	if got := SafeToolName(exact); got != exact {
		t.Errorf("64-char name should be unchanged, got %q", got)
	}

	long := strings.Repeat("a", 65)
	got := SafeToolName(long)
	if len(got) != 64 {
		t.Fatalf("len = %d, want 64", len(got))
	}
	tail := got[len(got)-9:]
	if tail[0] != '_' {
		t.Errorf("tail = %q, want _<8 hex>", tail)
	}
	for _, ch := range tail[1:] {
		if !strings.ContainsRune("0123456789abcdef", ch) {
			t.Errorf("tail %q is not hex", tail)
		}
	}

	// Distinct long names must not collide.
	other := SafeToolName(strings.Repeat("a", 64) + "b")
	if other == got {
		t.Error("different long names produced the same safe name")
	}
}
