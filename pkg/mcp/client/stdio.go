// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	engineerrors "github.com/tombee/workflow-engine/pkg/errors"
)

// StdioConfig configures a stdio-served MCP connection.
type StdioConfig struct {
	// ServerName identifies this server in errors and logs.
	ServerName string

	// Command is the server executable to spawn.
	Command string

	// Args are the command-line arguments.
	Args []string

	// Env are environment variables to pass to the server process.
	Env []string

	// Timeout is the per-call deadline for tool invocations. Defaults
	// to 30s.
	Timeout time.Duration
}

// StdioClient wraps the mcp-go stdio client behind the same session
// surface as the engine's own protocol Client, so the pool can manage
// either interchangeably.
type StdioClient struct {
	serverName string
	client     *mcpclient.Client
	timeout    time.Duration
	closed     bool
}

// NewStdio spawns the configured server process, starts the stdio
// session, and performs the initialize handshake.
func NewStdio(ctx context.Context, cfg StdioConfig) (*StdioClient, error) {
	if cfg.ServerName == "" {
		return nil, &engineerrors.ValidationError{Field: "server_name", Message: "server name is required"}
	}
	if cfg.Command == "" {
		return nil, &engineerrors.ValidationError{Field: "command", Message: "command is required"}
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	raw, err := mcpclient.NewStdioMCPClient(cfg.Command, cfg.Env, cfg.Args...)
	if err != nil {
		return nil, &engineerrors.TransportError{Endpoint: cfg.ServerName, Cause: err}
	}

	if err := raw.Start(ctx); err != nil {
		return nil, &engineerrors.TransportError{Endpoint: cfg.ServerName, Cause: err}
	}

	c := &StdioClient{serverName: cfg.ServerName, client: raw, timeout: timeout}

	initReq := mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcp.Implementation{
				Name:    "workflow-engine",
				Version: "0.1.0",
			},
		},
	}
	if _, err := raw.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return nil, &engineerrors.TransportError{
			Endpoint: cfg.ServerName,
			Cause:    fmt.Errorf("initialize request failed: %w", err),
		}
	}

	return c, nil
}

// ListTools retrieves the server's tool catalog.
func (c *StdioClient) ListTools(ctx context.Context) ([]Tool, error) {
	result, err := c.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, &engineerrors.TransportError{Endpoint: c.serverName, Cause: err}
	}

	tools := make([]Tool, len(result.Tools))
	for i, tool := range result.Tools {
		var schema json.RawMessage
		if len(tool.RawInputSchema) > 0 {
			schema = tool.RawInputSchema
		} else if data, err := json.Marshal(tool.InputSchema); err == nil {
			schema = data
		}
		tools[i] = Tool{Name: tool.Name, Description: tool.Description, InputSchema: schema}
	}
	return tools, nil
}

// CallTool invokes name with arguments over the stdio session, mapping
// the mcp-go content union back into the engine's ToolResult shape.
func (c *StdioClient) CallTool(ctx context.Context, name string, arguments map[string]any) (*ToolResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: name, Arguments: arguments},
	}
	result, err := c.client.CallTool(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &engineerrors.TimeoutError{Operation: fmt.Sprintf("tool %q", name), Duration: c.timeout, Cause: err}
		}
		return nil, &engineerrors.TransportError{Endpoint: c.serverName, Cause: err}
	}

	out := &ToolResult{IsError: result.IsError, Content: make([]map[string]any, 0, len(result.Content))}
	for _, content := range result.Content {
		if text, ok := mcp.AsTextContent(content); ok {
			out.Content = append(out.Content, map[string]any{"type": "text", "text": text.Text})
			continue
		}
		if img, ok := mcp.AsImageContent(content); ok {
			out.Content = append(out.Content, map[string]any{
				"type": "image", "data": img.Data, "mimeType": img.MIMEType,
			})
			continue
		}
		// Unknown content variants round-trip through JSON so nothing
		// the server sent is dropped.
		data, err := json.Marshal(content)
		if err != nil {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err == nil {
			out.Content = append(out.Content, m)
		}
	}
	return out, nil
}

// Resource describes one resource a server exposes via resources/list.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MIMEType    string `json:"mimeType,omitempty"`
}

// ListResources retrieves the server's resource catalog.
func (c *StdioClient) ListResources(ctx context.Context) ([]Resource, error) {
	result, err := c.client.ListResources(ctx, mcp.ListResourcesRequest{})
	if err != nil {
		return nil, &engineerrors.TransportError{Endpoint: c.serverName, Cause: err}
	}

	resources := make([]Resource, len(result.Resources))
	for i, r := range result.Resources {
		resources[i] = Resource{
			URI:         r.URI,
			Name:        r.Name,
			Description: r.Description,
			MIMEType:    r.MIMEType,
		}
	}
	return resources, nil
}

// ReadResource fetches a resource's contents by URI. Text contents are
// returned under "text"; binary contents under base64-encoded "blob".
func (c *StdioClient) ReadResource(ctx context.Context, uri string) ([]map[string]any, error) {
	req := mcp.ReadResourceRequest{Params: mcp.ReadResourceParams{URI: uri}}
	result, err := c.client.ReadResource(ctx, req)
	if err != nil {
		return nil, &engineerrors.TransportError{Endpoint: c.serverName, Cause: err}
	}

	contents := make([]map[string]any, 0, len(result.Contents))
	for _, content := range result.Contents {
		if text, ok := mcp.AsTextResourceContents(content); ok {
			contents = append(contents, map[string]any{
				"uri": text.URI, "mimeType": text.MIMEType, "text": text.Text,
			})
			continue
		}
		if blob, ok := mcp.AsBlobResourceContents(content); ok {
			contents = append(contents, map[string]any{
				"uri": blob.URI, "mimeType": blob.MIMEType, "blob": blob.Blob,
			})
		}
	}
	return contents, nil
}

// Ping verifies the session is live.
func (c *StdioClient) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx); err != nil {
		return &engineerrors.TransportError{Endpoint: c.serverName, Cause: err}
	}
	return nil
}

// Healthy reports whether the session can still serve calls.
func (c *StdioClient) Healthy() bool {
	return !c.closed
}

// Close shuts the session and the server process down.
func (c *StdioClient) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.client.Close()
}
