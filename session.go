package mcpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ggoodman/mcp-client-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-client-go/mcp"
	"github.com/ggoodman/mcp-client-go/stdio"
)

// Session is an initialized MCP connection. It wraps the stdio correlator
// with typed protocol operations and tracks what the server negotiated
// during the handshake.
type Session struct {
	rpc *stdio.Client
	log *slog.Logger

	protocolVersion string
	serverInfo      mcp.ImplementationInfo
	serverCaps      mcp.ServerCapabilities
}

type config struct {
	log             *slog.Logger
	protocolVersion string
	capabilities    mcp.ClientCapabilities
	stdioOpts       []stdio.Option
}

// Option customizes Dial and Connect.
type Option func(*config)

// WithLogger sets the logger used by the session and, for Dial, the
// underlying stdio client.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.log = l
		}
	}
}

// WithProtocolVersion overrides the protocol version offered during the
// handshake. Defaults to mcp.LatestProtocolVersion.
func WithProtocolVersion(v string) Option {
	return func(c *config) {
		if v != "" {
			c.protocolVersion = v
		}
	}
}

// WithCapabilities overrides the client capabilities advertised during the
// handshake. The zero value advertises none.
func WithCapabilities(caps mcp.ClientCapabilities) Option {
	return func(c *config) {
		c.capabilities = caps
	}
}

// WithStdioOptions forwards options to the stdio client that Dial creates.
func WithStdioOptions(opts ...stdio.Option) Option {
	return func(c *config) {
		c.stdioOpts = append(c.stdioOpts, opts...)
	}
}

// Dial spawns the server child process described by cmd, performs the MCP
// handshake and returns a ready Session. The child is torn down on any
// failure path and again on Close.
func Dial(ctx context.Context, cmd stdio.Command, info mcp.ImplementationInfo, opts ...Option) (*Session, error) {
	cfg := newConfig(opts)

	rpc, err := stdio.StartCommand(ctx, cmd, append([]stdio.Option{stdio.WithLogger(cfg.log)}, cfg.stdioOpts...)...)
	if err != nil {
		return nil, err
	}

	sess, err := connect(ctx, rpc, info, cfg)
	if err != nil {
		_ = rpc.Close()
		return nil, err
	}
	return sess, nil
}

// Connect performs the MCP handshake over an existing stdio client. The
// caller retains ownership of rpc on failure.
func Connect(ctx context.Context, rpc *stdio.Client, info mcp.ImplementationInfo, opts ...Option) (*Session, error) {
	return connect(ctx, rpc, info, newConfig(opts))
}

func newConfig(opts []Option) *config {
	cfg := &config{
		log:             slog.Default(),
		protocolVersion: mcp.LatestProtocolVersion,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

func connect(ctx context.Context, rpc *stdio.Client, info mcp.ImplementationInfo, cfg *config) (*Session, error) {
	s := &Session{rpc: rpc, log: cfg.log}

	// Long-lived servers probe liveness with ping; answer before the
	// handshake so none are dropped.
	rpc.HandleRequest(string(mcp.PingMethod), func(ctx context.Context, req *jsonrpc.Request) (any, *jsonrpc.Error) {
		return mcp.EmptyResult{}, nil
	})
	rpc.OnNotification(s.routeNotification)

	var res mcp.InitializeResult
	err := s.call(ctx, mcp.InitializeMethod, mcp.InitializeRequest{
		ProtocolVersion: cfg.protocolVersion,
		Capabilities:    cfg.capabilities,
		ClientInfo:      info,
	}, &res)
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}

	if err := rpc.Notify(ctx, string(mcp.InitializedNotificationMethod), nil); err != nil {
		return nil, fmt.Errorf("initialized notification: %w", err)
	}

	s.protocolVersion = res.ProtocolVersion
	s.serverInfo = res.ServerInfo
	s.serverCaps = res.Capabilities

	s.log.InfoContext(ctx, "mcp session established",
		slog.String("server", res.ServerInfo.Name),
		slog.String("server_version", res.ServerInfo.Version),
		slog.String("protocol_version", res.ProtocolVersion),
	)
	return s, nil
}

// ProtocolVersion reports the protocol version the server answered with.
func (s *Session) ProtocolVersion() string { return s.protocolVersion }

// ServerInfo reports the server's implementation info from the handshake.
func (s *Session) ServerInfo() mcp.ImplementationInfo { return s.serverInfo }

// ServerCapabilities reports the capabilities the server advertised.
func (s *Session) ServerCapabilities() mcp.ServerCapabilities { return s.serverCaps }

// OnNotification registers a handler for server notifications. Handlers run
// on the read loop in arrival order and should not block.
func (s *Session) OnNotification(fn func(method string, params json.RawMessage)) {
	s.rpc.OnNotification(fn)
}

// Close tears down the session and any owned child process.
func (s *Session) Close() error {
	return s.rpc.Close()
}

// ListTools fetches one page of tools. Pass the previous result's NextCursor
// to continue, or "" for the first page.
func (s *Session) ListTools(ctx context.Context, cursor string) (*mcp.ListToolsResult, error) {
	var res mcp.ListToolsResult
	req := mcp.ListToolsRequest{PaginatedRequest: mcp.PaginatedRequest{Cursor: cursor}}
	if err := s.call(ctx, mcp.ToolsListMethod, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// CallTool invokes a tool by name with structured arguments.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	var res mcp.CallToolResult
	if err := s.call(ctx, mcp.ToolsCallMethod, mcp.CallToolRequest{Name: name, Arguments: args}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ListResources fetches one page of resources.
func (s *Session) ListResources(ctx context.Context, cursor string) (*mcp.ListResourcesResult, error) {
	var res mcp.ListResourcesResult
	req := mcp.ListResourcesRequest{PaginatedRequest: mcp.PaginatedRequest{Cursor: cursor}}
	if err := s.call(ctx, mcp.ResourcesListMethod, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ListResourceTemplates fetches one page of resource templates.
func (s *Session) ListResourceTemplates(ctx context.Context, cursor string) (*mcp.ListResourceTemplatesResult, error) {
	var res mcp.ListResourceTemplatesResult
	req := mcp.ListResourceTemplatesRequest{PaginatedRequest: mcp.PaginatedRequest{Cursor: cursor}}
	if err := s.call(ctx, mcp.ResourcesTemplatesListMethod, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ReadResource reads the contents of the resource addressed by uri.
func (s *Session) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	var res mcp.ReadResourceResult
	if err := s.call(ctx, mcp.ResourcesReadMethod, mcp.ReadResourceRequest{URI: uri}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// SubscribeResource asks the server to emit resources/updated notifications
// for uri. The server must advertise the subscribe capability.
func (s *Session) SubscribeResource(ctx context.Context, uri string) error {
	return s.call(ctx, mcp.ResourcesSubscribeMethod, mcp.SubscribeRequest{URI: uri}, nil)
}

// UnsubscribeResource ends a resource subscription.
func (s *Session) UnsubscribeResource(ctx context.Context, uri string) error {
	return s.call(ctx, mcp.ResourcesUnsubscribeMethod, mcp.UnsubscribeRequest{URI: uri}, nil)
}

// ListPrompts fetches one page of prompts.
func (s *Session) ListPrompts(ctx context.Context, cursor string) (*mcp.ListPromptsResult, error) {
	var res mcp.ListPromptsResult
	req := mcp.ListPromptsRequest{PaginatedRequest: mcp.PaginatedRequest{Cursor: cursor}}
	if err := s.call(ctx, mcp.PromptsListMethod, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetPrompt fetches a prompt definition by name.
func (s *Session) GetPrompt(ctx context.Context, name string, args map[string]json.RawMessage) (*mcp.GetPromptResult, error) {
	var res mcp.GetPromptResult
	if err := s.call(ctx, mcp.PromptsGetMethod, mcp.GetPromptRequest{Name: name, Arguments: args}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Ping performs a protocol-level liveness round trip.
func (s *Session) Ping(ctx context.Context) error {
	return s.call(ctx, mcp.PingMethod, nil, nil)
}

// SetLogLevel asks the server to restrict notifications/message traffic to
// the given severity or above.
func (s *Session) SetLogLevel(ctx context.Context, level mcp.LoggingLevel) error {
	if !mcp.IsValidLoggingLevel(level) {
		return fmt.Errorf("invalid logging level: %q", level)
	}
	return s.call(ctx, mcp.LoggingSetLevelMethod, mcp.SetLevelRequest{Level: level}, nil)
}

// call performs one request/response exchange and decodes the result into
// out when non-nil. An error response is surfaced verbatim as *jsonrpc.Error.
func (s *Session) call(ctx context.Context, method mcp.Method, params any, out any) error {
	resp, err := s.rpc.Call(ctx, string(method), params)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	if out == nil {
		return nil
	}
	if len(resp.Result) == 0 {
		return fmt.Errorf("%s: response carried no result", method)
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// routeNotification forwards server log notifications into the session
// logger. Other notifications are observable via OnNotification.
func (s *Session) routeNotification(method string, params json.RawMessage) {
	if method != string(mcp.LoggingMessageNotificationMethod) {
		return
	}

	var p mcp.LoggingMessageNotification
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	s.log.LogAttrs(context.Background(), logLevel(p.Level), "server log message",
		slog.String("logger", p.Logger),
		slog.Any("data", p.Data),
	)
}

func logLevel(l mcp.LoggingLevel) slog.Level {
	switch l {
	case mcp.LoggingLevelDebug:
		return slog.LevelDebug
	case mcp.LoggingLevelInfo, mcp.LoggingLevelNotice:
		return slog.LevelInfo
	case mcp.LoggingLevelWarning:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}
