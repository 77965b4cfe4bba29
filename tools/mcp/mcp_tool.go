// Package mcp exposes the tools of MCP servers, started as subprocesses, as
// session tools.
package mcp

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"strings"

	"github.com/m4xw311/acpbridge/errors"
	"github.com/m4xw311/acpbridge/logging"
	"github.com/m4xw311/acpbridge/protocol"
	"github.com/m4xw311/acpbridge/tools"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
)

// MCPClient manages the connection to a single MCP server subprocess.
type MCPClient struct {
	Name  string
	cmd   *exec.Cmd
	conn  *mcpsdk.ClientSession
	tools []*MCPTool
	log   zerolog.Logger
}

// NewMCPClient starts the MCP server subprocess, connects to it and lists
// the tools it provides. env entries are KEY=VALUE pairs added to the
// bridge's own environment.
func NewMCPClient(ctx context.Context, name, command string, args, env []string) (*MCPClient, error) {
	cmd := exec.Command(command, args...)
	// stdout carries the MCP stream; the server's diagnostics go to ours
	cmd.Stderr = os.Stderr
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	return connect(ctx, name, &mcpsdk.CommandTransport{Command: cmd}, cmd)
}

func connect(ctx context.Context, name string, transport mcpsdk.Transport, cmd *exec.Cmd) (*MCPClient, error) {
	log := logging.Component("mcp").With().Str("server", name).Logger()
	mcpClient := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "acpbridge", Version: "v1.0.0"}, nil)
	conn, err := mcpClient.Connect(ctx, transport, nil)
	if err != nil {
		if cmd != nil && cmd.Process != nil {
			cmd.Process.Kill()
		}
		return nil, errors.Wrapf(err, "failed to connect to MCP server '%s'", name)
	}
	client := &MCPClient{Name: name, cmd: cmd, conn: conn, log: log}

	toolListParams := &mcpsdk.ListToolsParams{}
	for {
		toolList, err := conn.ListTools(ctx, toolListParams)
		if err != nil {
			client.Stop()
			return nil, errors.Wrapf(err, "failed to list tools from MCP server '%s'", name)
		}
		for _, t := range toolList.Tools {
			client.tools = append(client.tools, &MCPTool{
				serverName:  name,
				toolName:    t.Name,
				description: t.Description,
				schema:      schemaMap(t.InputSchema),
				client:      client,
			})
		}
		if toolList.NextCursor == "" {
			break
		}
		toolListParams.Cursor = toolList.NextCursor
	}

	log.Info().Int("tools", len(client.tools)).Msg("initialized MCP client")
	return client, nil
}

// Tools returns the server's tools in listing order.
func (c *MCPClient) Tools() []tools.Tool {
	out := make([]tools.Tool, len(c.tools))
	for i, t := range c.tools {
		out[i] = t
	}
	return out
}

// Stop closes the session and terminates the MCP server subprocess.
func (c *MCPClient) Stop() error {
	var err error
	if c.conn != nil {
		err = c.conn.Close()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		c.log.Info().Msg("terminating MCP server")
		if kerr := c.cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
			return kerr
		}
	}
	return err
}

// MCPTool represents a tool available from an external MCP server.
type MCPTool struct {
	serverName  string
	toolName    string
	description string
	schema      map[string]interface{}
	client      *MCPClient
}

var (
	_ tools.Tool    = (*MCPTool)(nil)
	_ tools.Schemed = (*MCPTool)(nil)
)

// Name is the server's own tool name. Some providers reject separators
// such as ':' in function names, so the server name is not included.
func (t *MCPTool) Name() string {
	return t.toolName
}

func (t *MCPTool) Description() string {
	return t.description
}

// Schema is the input schema the server advertised.
func (t *MCPTool) Schema() map[string]interface{} {
	if t.schema == nil {
		return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
	}
	return t.schema
}

// schemaMap normalises an advertised input schema to a plain JSON object.
func schemaMap(schema any) map[string]interface{} {
	if schema == nil {
		return nil
	}
	if m, ok := schema.(map[string]interface{}); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var m map[string]interface{}
	if json.Unmarshal(data, &m) != nil {
		return nil
	}
	return m
}

// Kind is always other: nothing is known about what an MCP tool touches.
func (t *MCPTool) Kind() protocol.ToolKind {
	return protocol.ToolKindOther
}

// Execute sends the command and arguments to the MCP server and returns the
// text parts of the result.
func (t *MCPTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	result, err := t.client.conn.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      t.toolName,
		Arguments: args,
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", errors.Classify(ctx.Err())
		}
		return "", errors.Wrapf(err, "failed to call tool '%s' on '%s'", t.toolName, t.serverName)
	}
	var op strings.Builder
	for _, c := range result.Content {
		if text, ok := c.(*mcpsdk.TextContent); ok {
			op.WriteString(text.Text)
		}
	}
	if result.IsError {
		return "", errors.New("tool '%s' failed: %s", t.toolName, op.String())
	}
	return op.String(), nil
}
