package capability

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// Compile-time assertion that MCPTransport satisfies Transport.
var _ Transport = (*MCPTransport)(nil)

// MCPTransport reaches capability services over the Model Context Protocol.
// Each contract service maps to one MCP server session; a function call
// becomes a CallTool request with the function name as the tool name.
//
// Sessions are established lazily on first use and reused afterwards. Safe
// for concurrent use.
type MCPTransport struct {
	contract *Contract
	client   *mcpsdk.Client

	mu       sync.Mutex
	sessions map[string]*mcpsdk.ClientSession // key: service name
}

// NewMCPTransport creates a transport for the services declared in contract.
func NewMCPTransport(contract *Contract) *MCPTransport {
	client := mcpsdk.NewClient(
		&mcpsdk.Implementation{Name: "lgdl-capability", Version: "1.0.0"},
		nil,
	)
	return &MCPTransport{
		contract: contract,
		client:   client,
		sessions: make(map[string]*mcpsdk.ClientSession),
	}
}

// Call implements [Transport].
func (t *MCPTransport) Call(ctx context.Context, service, function string, args map[string]any) (string, error) {
	session, err := t.session(ctx, service)
	if err != nil {
		return "", err
	}

	res, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      function,
		Arguments: args,
	})
	if err != nil {
		return "", fmt.Errorf("mcp transport: call %s.%s: %w", service, function, err)
	}

	var sb strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	if res.IsError {
		return "", fmt.Errorf("mcp transport: %s.%s returned an error: %s", service, function, sb.String())
	}
	return sb.String(), nil
}

// session returns the live session for service, connecting on first use.
func (t *MCPTransport) session(ctx context.Context, service string) (*mcpsdk.ClientSession, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.sessions[service]; ok {
		return s, nil
	}

	spec, ok := t.contract.Services[service]
	if !ok {
		return nil, fmt.Errorf("mcp transport: service %q not in contract", service)
	}

	transport, err := buildTransport(ctx, service, spec.Transport)
	if err != nil {
		return nil, err
	}
	session, err := t.client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("mcp transport: connect to %q: %w", service, err)
	}
	t.sessions[service] = session
	return session, nil
}

func buildTransport(ctx context.Context, service string, spec TransportSpec) (mcpsdk.Transport, error) {
	switch spec.Kind {
	case "mcp-stdio":
		fields := strings.Fields(spec.Command)
		if len(fields) == 0 {
			return nil, fmt.Errorf("mcp transport: service %q declares no command", service)
		}
		cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)
		for k, v := range spec.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		return &mcpsdk.CommandTransport{Command: cmd}, nil

	case "mcp-http":
		if spec.URL == "" {
			return nil, fmt.Errorf("mcp transport: service %q declares no url", service)
		}
		return &mcpsdk.StreamableClientTransport{Endpoint: spec.URL}, nil

	default:
		return nil, fmt.Errorf("mcp transport: service %q has unsupported transport kind %q", service, spec.Kind)
	}
}

// Close shuts down every live session.
func (t *MCPTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for name, s := range t.sessions {
		_ = s.Close()
		delete(t.sessions, name)
	}
}
