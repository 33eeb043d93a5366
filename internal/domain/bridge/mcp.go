package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// MCP transports.
const (
	TransportStdio          = "stdio"
	TransportSSE            = "sse"
	TransportStreamableHTTP = "streamable_http"
	TransportInProcess      = "inprocess"
)

// MCPConfig locates an MCP server.
type MCPConfig struct {
	Transport string
	Command   string
	Args      []string
	Env       map[string]string
	URL       string
	Headers   map[string]string
}

// Validate checks that the transport has what it needs.
func (c MCPConfig) Validate() error {
	switch c.Transport {
	case TransportStdio:
		if c.Command == "" {
			return fmt.Errorf("%w: stdio transport requires a command", ErrServiceMisconfigured)
		}
	case TransportSSE, TransportStreamableHTTP:
		if c.URL == "" {
			return fmt.Errorf("%w: %s transport requires a url", ErrServiceMisconfigured, c.Transport)
		}
	default:
		return fmt.Errorf("%w: unsupported transport %q", ErrServiceMisconfigured, c.Transport)
	}
	return nil
}

// MCPDialer opens MCP client sessions. Every connection is its own client
// that has completed the initialize handshake; operations are MCP tools.
type MCPDialer struct {
	cfg     MCPConfig
	server  *server.MCPServer
	version string
}

// NewMCPDialer creates a dialer for a remote or subprocess MCP server.
func NewMCPDialer(cfg MCPConfig, clientVersion string) (*MCPDialer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &MCPDialer{cfg: cfg, version: clientVersion}, nil
}

// NewInProcessDialer creates a dialer for an MCP server running in this
// process.
func NewInProcessDialer(srv *server.MCPServer, clientVersion string) *MCPDialer {
	return &MCPDialer{cfg: MCPConfig{Transport: TransportInProcess}, server: srv, version: clientVersion}
}

// Dial implements Dialer.
func (d *MCPDialer) Dial(ctx context.Context) (Connection, error) {
	c, err := d.client()
	if err != nil {
		return nil, Transient(fmt.Errorf("creating MCP client: %w", err))
	}
	if err := c.Start(ctx); err != nil {
		_ = c.Close()
		return nil, Transient(fmt.Errorf("starting MCP client: %w", err))
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "moat", Version: d.version}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return nil, Transient(fmt.Errorf("MCP initialize: %w", err))
	}
	return &mcpConn{client: c}, nil
}

func (d *MCPDialer) client() (*mcpclient.Client, error) {
	switch d.cfg.Transport {
	case TransportInProcess:
		return mcpclient.NewInProcessClient(d.server)
	case TransportStdio:
		return mcpclient.NewStdioMCPClient(d.cfg.Command, expandEnv(d.cfg.Env), d.cfg.Args...)
	case TransportSSE:
		var opts []transport.ClientOption
		if len(d.cfg.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(expandHeaders(d.cfg.Headers)))
		}
		return mcpclient.NewSSEMCPClient(d.cfg.URL, opts...)
	case TransportStreamableHTTP:
		var opts []transport.StreamableHTTPCOption
		if len(d.cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(expandHeaders(d.cfg.Headers)))
		}
		return mcpclient.NewStreamableHttpClient(d.cfg.URL, opts...)
	default:
		return nil, fmt.Errorf("unsupported transport: %s", d.cfg.Transport)
	}
}

// Discover lists the server's tools and derives a policy for each from its
// annotations: read-only, non-destructive tools are cacheable and
// destructive tools are mutating.
func (d *MCPDialer) Discover(ctx context.Context) (map[string]Policy, error) {
	conn, err := d.Dial(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()

	res, err := conn.(*mcpConn).client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("MCP list tools: %w", err)
	}
	policies := make(map[string]Policy, len(res.Tools))
	for _, tool := range res.Tools {
		policies[tool.Name] = policyOf(tool.Annotations)
	}
	return policies, nil
}

// DiscoverCatalog registers every tool of the server behind d under
// service. Explicitly configured policies in overrides take precedence.
func DiscoverCatalog(ctx context.Context, c *Catalog, service string, d *MCPDialer, overrides map[string]Policy) error {
	discovered, err := d.Discover(ctx)
	if err != nil {
		return err
	}
	for name, p := range overrides {
		discovered[name] = p
	}
	for name, p := range discovered {
		if err := c.Register(service, name, p); err != nil {
			return err
		}
	}
	return nil
}

func policyOf(a mcp.ToolAnnotation) Policy {
	readOnly := a.ReadOnlyHint != nil && *a.ReadOnlyHint
	// The MCP default for an unannotated tool is destructive.
	destructive := a.DestructiveHint == nil || *a.DestructiveHint
	switch {
	case readOnly && !destructive:
		return Policy{Cacheable: true}
	case destructive:
		return Policy{Mutating: true}
	default:
		return Policy{}
	}
}

type mcpConn struct {
	client *mcpclient.Client
}

// Call invokes the tool named operation. Tool-level errors are permanent;
// transport failures are transient.
func (c *mcpConn) Call(ctx context.Context, operation string, args json.RawMessage) (json.RawMessage, error) {
	var arguments map[string]any
	if err := json.Unmarshal(args, &arguments); err != nil {
		return nil, fmt.Errorf("%w: MCP tool arguments must be a JSON object", ErrInvalidArgs)
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = operation
	req.Params.Arguments = arguments

	res, err := c.client.CallTool(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, Transient(fmt.Errorf("MCP call %s: %w", operation, err))
	}
	if res.IsError {
		return nil, errors.New(contentText(res.Content))
	}
	return resultJSON(res)
}

func (c *mcpConn) Close() error {
	return c.client.Close()
}

// resultJSON prefers structured content, then a text result that is itself
// JSON, then the text as a JSON string.
func resultJSON(res *mcp.CallToolResult) (json.RawMessage, error) {
	if res.StructuredContent != nil {
		return json.Marshal(res.StructuredContent)
	}
	text := contentText(res.Content)
	if trimmed := strings.TrimSpace(text); json.Valid([]byte(trimmed)) && trimmed != "" {
		return json.RawMessage(trimmed), nil
	}
	return json.Marshal(text)
}

func contentText(content []mcp.Content) string {
	var sb strings.Builder
	for i, c := range content {
		if i > 0 {
			sb.WriteString("\n")
		}
		if tc, ok := mcp.AsTextContent(c); ok {
			sb.WriteString(tc.Text)
			continue
		}
		data, _ := json.Marshal(c)
		sb.Write(data)
	}
	return sb.String()
}

func expandEnv(m map[string]string) []string {
	env := make([]string, 0, len(m))
	for k, v := range m {
		env = append(env, k+"="+os.ExpandEnv(v))
	}
	return env
}

func expandHeaders(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = os.ExpandEnv(v)
	}
	return out
}
