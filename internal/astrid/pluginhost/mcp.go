package pluginhost

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

// --- JSON-RPC 2.0 wire types ---

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      int64          `json:"id"`
	Result  interface{}    `json:"result,omitempty"`
	Error   *rpcError      `json:"error,omitempty"`
}

type rpcNotification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *rpcError) Error() string { return e.Message }

// --- MCP method types ---

type initializeParams struct {
	ProtocolVersion string     `json:"protocolVersion"`
	Capabilities    clientCaps `json:"capabilities"`
	ClientInfo      clientInfo `json:"clientInfo"`
}

type clientCaps struct{}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ServerInfo      serverInfo `json:"serverInfo"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type listToolsResult struct {
	Tools []ToolDescriptor `json:"tools"`
}

// ToolDescriptor describes a single callable MCP tool discovered during
// initialization.
type ToolDescriptor struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	InputSchema interface{} `json:"inputSchema,omitempty"`
}

type callToolParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// CallResult holds an MCP tool invocation's output.
type CallResult struct {
	Content []ContentItem `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// ContentItem is a single piece of content returned by a tool.
type ContentItem struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Data string `json:"data,omitempty"`
	MIME string `json:"mimeType,omitempty"`
}

// mcpClient speaks MCP JSON-RPC 2.0 (newline-delimited) over a pair of
// pipes already connected to a running subprocess. It has no opinion about
// how that subprocess was spawned or sandboxed — Host owns that.
type mcpClient struct {
	name   string
	stdin  io.WriteCloser
	mu     sync.Mutex
	nextID atomic.Int64

	pending map[int64]chan *rpcResponse
	pendMu  sync.Mutex

	notifications chan rpcNotification
}

func newMCPClient(ctx context.Context, name string, stdin io.WriteCloser, stdout io.Reader) (*mcpClient, error) {
	c := &mcpClient{
		name:          name,
		stdin:         stdin,
		pending:       make(map[int64]chan *rpcResponse),
		notifications: make(chan rpcNotification, 32),
	}
	go c.readLoop(stdout)

	var initResult initializeResult
	if err := c.call(ctx, "initialize", initializeParams{
		ProtocolVersion: "2024-11-05",
		Capabilities:    clientCaps{},
		ClientInfo:      clientInfo{Name: "astrid", Version: "1"},
	}, &initResult); err != nil {
		return nil, fmt.Errorf("mcp initialize: %w", err)
	}

	if err := c.notify("notifications/initialized", nil); err != nil {
		return nil, fmt.Errorf("mcp initialized notification: %w", err)
	}

	slog.Info("mcp server ready", "plugin", name, "server", initResult.ServerInfo.Name, "version", initResult.ServerInfo.Version)
	return c, nil
}

func (c *mcpClient) listTools(ctx context.Context) ([]ToolDescriptor, error) {
	var result listToolsResult
	if err := c.call(ctx, "tools/list", nil, &result); err != nil {
		return nil, err
	}
	return result.Tools, nil
}

func (c *mcpClient) callTool(ctx context.Context, name string, args map[string]interface{}) (*CallResult, error) {
	var result CallResult
	if err := c.call(ctx, "tools/call", callToolParams{Name: name, Arguments: args}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// notify sends a fire-and-forget JSON-RPC notification such as
// notifications/astrid.hookEvent or notifications/astrid.setPluginConfig.
func (c *mcpClient) notify(method string, params interface{}) error {
	data, err := json.Marshal(rpcNotification{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = fmt.Fprintf(c.stdin, "%s\n", data)
	return err
}

func (c *mcpClient) call(ctx context.Context, method string, params, result interface{}) error {
	id := c.nextID.Add(1)
	data, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	ch := make(chan *rpcResponse, 1)
	c.pendMu.Lock()
	c.pending[id] = ch
	c.pendMu.Unlock()

	c.mu.Lock()
	_, err = fmt.Fprintf(c.stdin, "%s\n", data)
	c.mu.Unlock()
	if err != nil {
		c.pendMu.Lock()
		delete(c.pending, id)
		c.pendMu.Unlock()
		return fmt.Errorf("write request: %w", err)
	}

	select {
	case <-ctx.Done():
		c.pendMu.Lock()
		delete(c.pending, id)
		c.pendMu.Unlock()
		return ctx.Err()
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error
		}
		if result == nil {
			return nil
		}
		b, err := json.Marshal(resp.Result)
		if err != nil {
			return fmt.Errorf("re-marshal result: %w", err)
		}
		return json.Unmarshal(b, result)
	}
}

func (c *mcpClient) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var peek struct {
			ID     *int64 `json:"id"`
			Method string `json:"method"`
		}
		if err := json.Unmarshal(line, &peek); err != nil {
			slog.Warn("mcp: failed to parse line", "plugin", c.name, "err", err)
			continue
		}

		if peek.ID == nil && peek.Method != "" {
			var notif rpcNotification
			if err := json.Unmarshal(line, &notif); err == nil {
				select {
				case c.notifications <- notif:
				default:
					slog.Warn("mcp: dropping notification, channel full", "plugin", c.name, "method", notif.Method)
				}
			}
			continue
		}

		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			slog.Warn("mcp: failed to parse response", "plugin", c.name, "err", err)
			continue
		}
		c.pendMu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.pendMu.Unlock()
		if ok {
			ch <- &resp
		}
	}
	c.pendMu.Lock()
	for id, ch := range c.pending {
		ch <- &rpcResponse{ID: id, Error: &rpcError{Code: -32000, Message: "plugin process closed"}}
	}
	c.pending = make(map[int64]chan *rpcResponse)
	c.pendMu.Unlock()
	close(c.notifications)
}
