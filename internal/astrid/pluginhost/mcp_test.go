package pluginhost

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"
)

func TestMCPClient_InitializeHandshake(t *testing.T) {
	stdin, stdout := newFakePipes(t, func(method string, id int64, raw []byte) interface{} {
		return nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := newMCPClient(ctx, "fake-plugin", stdin, stdout)
	if err != nil {
		t.Fatalf("newMCPClient: %v", err)
	}
	if c.name != "fake-plugin" {
		t.Errorf("unexpected client name: %q", c.name)
	}
}

func TestMCPClient_ListTools(t *testing.T) {
	stdin, stdout := newFakePipes(t, func(method string, id int64, raw []byte) interface{} {
		if method == "tools/list" {
			return listToolsResult{Tools: []ToolDescriptor{{Name: "lookup_weather"}}}
		}
		return nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := newMCPClient(ctx, "fake-plugin", stdin, stdout)
	if err != nil {
		t.Fatalf("newMCPClient: %v", err)
	}

	tools, err := c.listTools(ctx)
	if err != nil {
		t.Fatalf("listTools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "lookup_weather" {
		t.Fatalf("unexpected tools: %+v", tools)
	}
}

func TestMCPClient_CallToolError(t *testing.T) {
	stdin, stdout := newFakePipesWithError(t, "tools/call", &rpcError{Code: -1, Message: "tool blew up"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := newMCPClient(ctx, "fake-plugin", stdin, stdout)
	if err != nil {
		t.Fatalf("newMCPClient: %v", err)
	}

	if _, err := c.callTool(ctx, "broken", nil); err == nil || err.Error() != "tool blew up" {
		t.Fatalf("expected tool error, got %v", err)
	}
}

// newFakePipes wires a real in-process pair of io.Pipes and runs a minimal
// JSON-RPC responder on the other end, handling "initialize" automatically
// and delegating every other method to handle.
func newFakePipes(t *testing.T, handle func(method string, id int64, raw []byte) interface{}) (io.WriteCloser, io.Reader) {
	t.Helper()
	serverRead, clientWrite := io.Pipe()
	clientRead, serverWrite := io.Pipe()

	go func() {
		scanner := bufio.NewScanner(serverRead)
		scanner.Buffer(make([]byte, 1<<20), 1<<20)
		for scanner.Scan() {
			line := append([]byte{}, scanner.Bytes()...)
			var peek struct {
				ID     *int64 `json:"id"`
				Method string `json:"method"`
			}
			if err := json.Unmarshal(line, &peek); err != nil || peek.ID == nil {
				continue
			}
			var result interface{}
			if peek.Method == "initialize" {
				result = initializeResult{ProtocolVersion: "2024-11-05", ServerInfo: serverInfo{Name: "fake", Version: "0.0.1"}}
			} else {
				result = handle(peek.Method, *peek.ID, line)
			}
			resp, _ := json.Marshal(rpcResponse{JSONRPC: "2.0", ID: *peek.ID, Result: result})
			serverWrite.Write(append(resp, '\n'))
		}
	}()

	return clientWrite, clientRead
}

// newFakePipesWithError behaves like newFakePipes but returns an RPC error
// for the named method instead of a result.
func newFakePipesWithError(t *testing.T, failMethod string, rpcErr *rpcError) (io.WriteCloser, io.Reader) {
	t.Helper()
	serverRead, clientWrite := io.Pipe()
	clientRead, serverWrite := io.Pipe()

	go func() {
		scanner := bufio.NewScanner(serverRead)
		scanner.Buffer(make([]byte, 1<<20), 1<<20)
		for scanner.Scan() {
			line := append([]byte{}, scanner.Bytes()...)
			var peek struct {
				ID     *int64 `json:"id"`
				Method string `json:"method"`
			}
			if err := json.Unmarshal(line, &peek); err != nil || peek.ID == nil {
				continue
			}
			if peek.Method == "initialize" {
				resp, _ := json.Marshal(rpcResponse{JSONRPC: "2.0", ID: *peek.ID, Result: initializeResult{ProtocolVersion: "2024-11-05"}})
				serverWrite.Write(append(resp, '\n'))
				continue
			}
			if peek.Method == failMethod {
				resp, _ := json.Marshal(rpcResponse{JSONRPC: "2.0", ID: *peek.ID, Error: rpcErr})
				serverWrite.Write(append(resp, '\n'))
				continue
			}
			resp, _ := json.Marshal(rpcResponse{JSONRPC: "2.0", ID: *peek.ID, Result: nil})
			serverWrite.Write(append(resp, '\n'))
		}
	}()

	return clientWrite, clientRead
}
