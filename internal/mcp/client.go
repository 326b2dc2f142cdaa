package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/cerise-ai/cerise/internal/cerr"
)

// ServerSpec configures one external MCP server reachable over stdio.
type ServerSpec struct {
	ID      string            `yaml:"id" json:"id"`
	Command string            `yaml:"command" json:"command"`
	Args    []string          `yaml:"args" json:"args,omitempty"`
	Env     map[string]string `yaml:"env" json:"env,omitempty"`
	WorkDir string            `yaml:"workdir" json:"workdir,omitempty"`
	Timeout time.Duration     `yaml:"timeout" json:"timeout,omitempty"`
}

// StdioClient is a JSON-RPC 2.0 client over Content-Length framed stdio.
// The subprocess is spawned by Start; a dedicated goroutine reads frames and
// resolves pending requests; a second one drains stderr into the log.
type StdioClient struct {
	spec   ServerSpec
	logger *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	stderr io.ReadCloser

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[int64]chan *Response
	nextID  int64
	closed  bool

	wg sync.WaitGroup
}

// NewStdioClient creates an unstarted client for the given server spec.
func NewStdioClient(spec ServerSpec, logger *slog.Logger) *StdioClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioClient{
		spec:    spec,
		logger:  logger.With("component", "mcp.client", "server", spec.ID),
		pending: make(map[int64]chan *Response),
	}
}

// newPipeClient builds a client over arbitrary pipes, bypassing the
// subprocess. Tests and in-process servers use it.
func newPipeClient(id string, in io.WriteCloser, out io.Reader, logger *slog.Logger) *StdioClient {
	c := NewStdioClient(ServerSpec{ID: id}, logger)
	c.stdin = in
	c.stdout = bufio.NewReader(out)
	c.wg.Add(1)
	go c.readLoop()
	return c
}

// Start spawns the subprocess and performs the MCP handshake: initialize,
// then the initialized notification. After Start returns the client is
// ready for tools/list and tools/call.
func (c *StdioClient) Start(ctx context.Context) error {
	if c.spec.Command == "" {
		return cerr.InvalidArgument("mcp server %q has no command", c.spec.ID)
	}

	cmd := exec.Command(c.spec.Command, c.spec.Args...)
	if c.spec.WorkDir != "" {
		cmd.Dir = c.spec.WorkDir
	}
	// Spec vars overlay the inherited environment; an exec.Cmd with a
	// non-nil Env gets nothing else, so seed it with the parent's first.
	cmd.Env = os.Environ()
	for k, v := range c.spec.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return cerr.Wrap(cerr.ErrTransport, "stdin pipe: %v", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return cerr.Wrap(cerr.ErrTransport, "stdout pipe: %v", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return cerr.Wrap(cerr.ErrTransport, "stderr pipe: %v", err)
	}
	if err := cmd.Start(); err != nil {
		return cerr.Wrap(cerr.ErrTransport, "start %s: %v", c.spec.Command, err)
	}

	c.cmd = cmd
	c.stdin = stdin
	c.stdout = bufio.NewReader(stdout)
	c.stderr = stderr
	c.logger.Info("mcp server started", "command", c.spec.Command, "pid", cmd.Process.Pid)

	c.wg.Add(2)
	go c.readLoop()
	go c.drainStderr()

	return c.handshake(ctx)
}

// handshake performs initialize + initialized.
func (c *StdioClient) handshake(ctx context.Context) error {
	params := InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      ClientInfo{Name: "cerise", Version: "1"},
	}
	if _, err := c.Request(ctx, "initialize", params); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if err := c.Notify("notifications/initialized", nil); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}
	return nil
}

// Request sends a JSON-RPC request and waits for the matching response.
// Remote errors come back as *cerr.RPCError.
func (c *StdioClient) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, cerr.Wrap(cerr.ErrCancelled, "mcp client %q is closed", c.spec.ID)
	}
	c.nextID++
	id := c.nextID
	ch := make(chan *Response, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	req := Request{JSONRPC: "2.0", ID: &id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, cerr.InvalidArgument("marshal params: %v", err)
		}
		req.Params = raw
	}
	if err := c.write(req); err != nil {
		return nil, err
	}

	timeout := c.spec.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp == nil {
			return nil, cerr.Wrap(cerr.ErrCancelled, "mcp client %q closed while waiting", c.spec.ID)
		}
		if resp.Error != nil {
			var data any
			if len(resp.Error.Data) > 0 {
				_ = json.Unmarshal(resp.Error.Data, &data)
			}
			return nil, &cerr.RPCError{Code: resp.Error.Code, Message: resp.Error.Message, Data: data}
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, cerr.Wrap(cerr.ErrTimeout, "%s on %q after %v", method, c.spec.ID, timeout)
	}
}

// Notify sends a notification (no id, no reply).
func (c *StdioClient) Notify(method string, params any) error {
	req := Request{JSONRPC: "2.0", Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return cerr.InvalidArgument("marshal params: %v", err)
		}
		req.Params = raw
	}
	return c.write(req)
}

// write marshals and frames one message under the write lock.
func (c *StdioClient) write(msg any) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return cerr.InvalidArgument("marshal message: %v", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.stdin == nil {
		return cerr.Wrap(cerr.ErrTransport, "client %q not started", c.spec.ID)
	}
	return WriteFrame(c.stdin, raw)
}

// ListTools fetches the server's tool catalogue.
func (c *StdioClient) ListTools(ctx context.Context) ([]ToolInfo, error) {
	raw, err := c.Request(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var result listToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, cerr.Wrap(cerr.ErrTransport, "decode tools/list: %v", err)
	}
	return result.Tools, nil
}

// CallTool invokes a remote tool and returns its raw result.
func (c *StdioClient) CallTool(ctx context.Context, name string, arguments map[string]any) (*ToolCallResult, error) {
	raw, err := c.Request(ctx, "tools/call", callToolParams{Name: name, Arguments: arguments})
	if err != nil {
		return nil, err
	}
	var result ToolCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, cerr.Wrap(cerr.ErrTransport, "decode tools/call: %v", err)
	}
	return &result, nil
}

// Close fails every pending request with a closed-client error, terminates
// the subprocess, and joins the reader goroutines.
func (c *StdioClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[int64]chan *Response)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}

	if c.stdin != nil {
		c.stdin.Close()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
		_ = c.cmd.Wait()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		c.logger.Warn("reader goroutines did not exit before timeout")
	}
	return nil
}

// readLoop reads frames until EOF or close, resolving pending requests.
func (c *StdioClient) readLoop() {
	defer c.wg.Done()
	for {
		payload, err := ReadFrame(c.stdout)
		if err != nil {
			if err != io.EOF {
				c.mu.Lock()
				closed := c.closed
				c.mu.Unlock()
				if !closed {
					c.logger.Error("mcp read failed", "error", err)
				}
			}
			return
		}
		var resp Response
		if err := json.Unmarshal(payload, &resp); err != nil || resp.ID == nil {
			// Server-initiated notifications are ignored.
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[*resp.ID]
		c.mu.Unlock()
		if ok {
			ch <- &resp
		}
	}
}

// drainStderr forwards subprocess stderr lines to the log.
func (c *StdioClient) drainStderr() {
	defer c.wg.Done()
	scanner := bufio.NewScanner(c.stderr)
	for scanner.Scan() {
		c.logger.Debug("mcp server stderr", "line", scanner.Text())
	}
}
