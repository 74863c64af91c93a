package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// State is the lifecycle state of a server client.
type State int32

const (
	StateNew State = iota
	StateStarting
	StateInitialized
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStarting:
		return "starting"
	case StateInitialized:
		return "initialized"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// callTimeout bounds each request/response exchange.
const callTimeout = 30 * time.Second

// ErrNotInitialized is returned for calls against a server that is not in
// the initialized state.
var ErrNotInitialized = errors.New("mcp: server not initialized")

// Client manages one external tool server subprocess. Requests are
// serialized under a mutex; a per-request timeout leaves the client
// initialized so subsequent calls may still succeed, while a subprocess exit
// transitions it to stopped and invalidates discovered tools.
type Client struct {
	name   string
	config ServerConfig
	logger *slog.Logger

	state atomic.Int32

	cmd   *exec.Cmd
	stdin io.WriteCloser
	lines chan string

	// done releases a readLoop blocked on a full lines buffer. A server
	// that floods notifications nobody reads must not wedge Stop.
	done     chan struct{}
	doneOnce sync.Once

	callMu sync.Mutex
	nextID atomic.Int64
	wg     sync.WaitGroup

	tools []Tool
}

// NewClient creates a client for one server. Start must be called before use.
func NewClient(name string, cfg ServerConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		name:   name,
		config: cfg,
		logger: logger.With("component", "mcp", "server", name),
		lines:  make(chan string, 16),
		done:   make(chan struct{}),
	}
}

// Name returns the configured server name.
func (c *Client) Name() string { return c.name }

// State returns the current lifecycle state.
func (c *Client) State() State { return State(c.state.Load()) }

// Tools returns the descriptors discovered at initialization. The slice is
// invalid once the client is stopped.
func (c *Client) Tools() []Tool {
	if c.State() != StateInitialized {
		return nil
	}
	return c.tools
}

// Start launches the subprocess, performs the initialize handshake, and
// caches the tool list. A failure at any step leaves the client stopped.
func (c *Client) Start(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateNew), int32(StateStarting)) {
		return fmt.Errorf("mcp: server %s already started (state %s)", c.name, c.State())
	}
	if c.config.Command == "" {
		c.state.Store(int32(StateStopped))
		return fmt.Errorf("mcp: server %s has no command", c.name)
	}

	c.cmd = exec.Command(c.config.Command, c.config.Args...)
	c.cmd.Env = os.Environ()
	for k, v := range c.config.Env {
		c.cmd.Env = append(c.cmd.Env, k+"="+v)
	}

	var err error
	c.stdin, err = c.cmd.StdinPipe()
	if err != nil {
		c.state.Store(int32(StateStopped))
		return fmt.Errorf("mcp: stdin pipe: %w", err)
	}
	stdout, err := c.cmd.StdoutPipe()
	if err != nil {
		c.state.Store(int32(StateStopped))
		return fmt.Errorf("mcp: stdout pipe: %w", err)
	}
	stderr, err := c.cmd.StderrPipe()
	if err != nil {
		c.state.Store(int32(StateStopped))
		return fmt.Errorf("mcp: stderr pipe: %w", err)
	}

	if err := c.cmd.Start(); err != nil {
		c.state.Store(int32(StateStopped))
		return fmt.Errorf("mcp: start %s: %w", c.config.Command, err)
	}
	c.logger.Info("started tool server process", "command", c.config.Command, "pid", c.cmd.Process.Pid)

	c.wg.Add(2)
	go c.readLoop(stdout)
	go c.logStderr(stderr)

	if err := c.handshake(ctx); err != nil {
		c.kill()
		c.state.Store(int32(StateStopped))
		return err
	}

	c.state.Store(int32(StateInitialized))
	c.logger.Info("tool server initialized", "tools", len(c.tools))
	return nil
}

func (c *Client) handshake(ctx context.Context) error {
	initParams := map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "inres-agent",
			"version": "1.0.0",
		},
	}
	if _, err := c.roundTrip(ctx, "initialize", initParams); err != nil {
		return fmt.Errorf("mcp: initialize %s: %w", c.name, err)
	}
	if err := c.notify("notifications/initialized", map[string]any{}); err != nil {
		return fmt.Errorf("mcp: initialized notification %s: %w", c.name, err)
	}

	result, err := c.roundTrip(ctx, "tools/list", nil)
	if err != nil {
		return fmt.Errorf("mcp: tools/list %s: %w", c.name, err)
	}
	var listed struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.Unmarshal(result, &listed); err != nil {
		return fmt.Errorf("mcp: decode tools/list %s: %w", c.name, err)
	}
	c.tools = listed.Tools
	return nil
}

// CallTool invokes a tool and returns its concatenated text content. A
// non-text result is returned as raw JSON.
func (c *Client) CallTool(ctx context.Context, tool string, args json.RawMessage) (string, error) {
	if c.State() != StateInitialized {
		return "", ErrNotInitialized
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	params := map[string]any{
		"name":      tool,
		"arguments": args,
	}
	result, err := c.roundTrip(ctx, "tools/call", params)
	if err != nil {
		return "", fmt.Errorf("mcp: call %s on %s: %w", tool, c.name, err)
	}

	var content struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(result, &content); err == nil && len(content.Content) > 0 {
		var b strings.Builder
		for _, item := range content.Content {
			if item.Type == "text" {
				b.WriteString(item.Text)
			}
		}
		return b.String(), nil
	}
	return string(result), nil
}

// roundTrip writes one request and reads until its response arrives. The
// mutex serializes framing; responses with unknown ids are discarded.
func (c *Client) roundTrip(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	id := c.nextID.Add(1)
	req := JSONRPCRequest{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = data
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	deadline := time.NewTimer(callTimeout)
	defer deadline.Stop()

	for {
		select {
		case line, ok := <-c.lines:
			if !ok {
				return nil, fmt.Errorf("server exited during %s", method)
			}
			var resp JSONRPCResponse
			if err := json.Unmarshal([]byte(line), &resp); err != nil {
				c.logger.Warn("discarding unparseable line", "error", err)
				continue
			}
			if resp.ID == nil || *resp.ID != id {
				continue
			}
			if resp.Error != nil {
				return nil, fmt.Errorf("server error %d: %s", resp.Error.Code, resp.Error.Message)
			}
			return resp.Result, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("%s timed out after %v", method, callTimeout)
		}
	}
}

func (c *Client) notify(method string, params any) error {
	notif := JSONRPCNotification{JSONRPC: "2.0", Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return err
		}
		notif.Params = data
	}
	data, err := json.Marshal(notif)
	if err != nil {
		return err
	}
	_, err = c.stdin.Write(append(data, '\n'))
	return err
}

// Stop shuts the server down: close stdin, wait up to grace for a clean
// exit, then SIGKILL. Safe to call more than once.
func (c *Client) Stop(grace time.Duration) {
	prev := State(c.state.Swap(int32(StateStopping)))
	if prev == StateStopped || prev == StateStopping {
		c.state.Store(int32(StateStopped))
		return
	}

	c.signalDone()
	if c.stdin != nil {
		c.stdin.Close()
	}

	if c.cmd != nil && c.cmd.Process != nil {
		exited := make(chan struct{})
		go func() {
			c.cmd.Wait()
			close(exited)
		}()
		select {
		case <-exited:
		case <-time.After(grace):
			c.logger.Warn("tool server did not exit, killing", "pid", c.cmd.Process.Pid)
			c.cmd.Process.Kill()
			<-exited
		}
	}

	c.wg.Wait()
	c.state.Store(int32(StateStopped))
	c.logger.Info("tool server stopped")
}

func (c *Client) kill() {
	c.signalDone()
	if c.stdin != nil {
		c.stdin.Close()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		c.cmd.Process.Kill()
		c.cmd.Wait()
	}
	c.wg.Wait()
}

func (c *Client) signalDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

// readLoop feeds stdout lines to the call path. A closed channel signals
// subprocess exit; the client then refuses further calls.
func (c *Client) readLoop(stdout io.Reader) {
	defer c.wg.Done()
	defer close(c.lines)
	defer func() {
		if c.State() == StateInitialized {
			c.state.Store(int32(StateStopped))
			c.logger.Warn("tool server exited unexpectedly")
		}
	}()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		select {
		case c.lines <- line:
		case <-c.done:
			return
		}
	}
}

func (c *Client) logStderr(stderr io.Reader) {
	defer c.wg.Done()
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			c.logger.Debug("server stderr", "message", line)
		}
	}
}
