package acp

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/m4xw311/acpbridge/agent"
	"github.com/m4xw311/acpbridge/config"
	"github.com/m4xw311/acpbridge/errors"
	"github.com/m4xw311/acpbridge/jsonrpc"
	"github.com/m4xw311/acpbridge/logging"
	"github.com/m4xw311/acpbridge/permission"
	"github.com/m4xw311/acpbridge/protocol"
	"github.com/m4xw311/acpbridge/resolver"
	"github.com/m4xw311/acpbridge/session"
	"github.com/m4xw311/acpbridge/storage"
	"github.com/m4xw311/acpbridge/tools"
	"github.com/m4xw311/acpbridge/tools/mcp"
	"github.com/rs/zerolog"
)

const agentName = "acpbridge"

// MCPServer is a running MCP server whose tools a session may use.
type MCPServer interface {
	Tools() []tools.Tool
	Stop() error
}

// MCPStarter launches an MCP server. env entries are KEY=VALUE pairs.
type MCPStarter func(ctx context.Context, name, command string, args, env []string) (MCPServer, error)

func startMCPClient(ctx context.Context, name, command string, args, env []string) (MCPServer, error) {
	client, err := mcp.NewMCPClient(ctx, name, command, args, env)
	if err != nil {
		return nil, err
	}
	return client, nil
}

type Options struct {
	Config *config.Config
	// Toolset names the configured toolset given to new sessions.
	Toolset string
	Driver  agent.Driver
	Version string
	// StartMCP defaults to launching a subprocess with tools/mcp.
	StartMCP MCPStarter
	// Storage defaults to the local filesystem.
	Storage storage.Storage
}

// Server answers the ACP methods on one connection. Each connection has its
// own session registry and permission broker.
type Server struct {
	peer     Peer
	cfg      *config.Config
	toolset  string
	version  string
	startMCP MCPStarter
	local    storage.Storage
	caps     *clientCaps
	fsRetry  errors.RetryPolicy
	registry *session.Registry
	log      zerolog.Logger
}

func NewServer(peer Peer, opts Options) (*Server, error) {
	if opts.Driver == nil {
		return nil, errors.New("acp server requires a driver")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	b := cfg.Bridge
	mode, err := permission.ParseMode(b.PermissionMode)
	if err != nil {
		return nil, err
	}
	s := &Server{
		peer:     peer,
		cfg:      cfg,
		toolset:  opts.Toolset,
		version:  opts.Version,
		startMCP: opts.StartMCP,
		local:    opts.Storage,
		caps:     &clientCaps{},
		log:      logging.Component("acp"),
	}
	if s.startMCP == nil {
		s.startMCP = startMCPClient
	}
	if s.local == nil {
		s.local = storage.NewLocal()
	}
	s.fsRetry = errors.DefaultRetryPolicy()
	s.fsRetry.Notify = func(rec *errors.Record, wait time.Duration, attempt int) {
		s.log.Warn().Err(rec).Dur("wait", wait).Int("attempt", attempt).Msg("retrying editor read")
	}

	ropts := resolver.DefaultOptions()
	ropts.SmartSearch = b.SmartSearch
	ropts.RespectIgnore = b.RespectIgnore

	sopts := session.DefaultOptions()
	sopts.HistoryCap = b.HistoryCap
	sopts.HistoryWindow = b.HistoryWindow
	sopts.MemoryLimitMB = b.MemoryLimitMB

	s.registry = session.NewRegistry(session.Deps{
		Driver:   opts.Driver,
		Resolver: resolver.New(s.local, ropts),
		Broker:   permission.NewBroker(requester{peer}, permission.Options{Mode: mode}),
		Updates:  updates{peer},
		Store:    session.NewStore(s.local),
		Recovery: errors.DefaultRecovery(),
	}, session.RegistryOptions{
		MaxSessions:   b.MaxSessions,
		IdleTimeout:   b.IdleTimeout,
		SweepInterval: b.SweepInterval,
		MemoryLimitMB: b.MemoryLimitMB,
		Session:       sopts,
	})
	return s, nil
}

// Registry exposes the sessions of this connection.
func (s *Server) Registry() *session.Registry { return s.registry }

// Run serves ACP on r and w until the input ends or ctx is cancelled.
func Run(ctx context.Context, r io.Reader, w io.Writer, opts Options, connOpts ...jsonrpc.Option) error {
	conn := jsonrpc.NewConn(r, w, connOpts...)
	srv, err := NewServer(conn, opts)
	if err != nil {
		return err
	}
	return srv.Serve(ctx, conn)
}

// Serve runs the idle sweeper and reads conn until it closes. Every session
// is disposed before Serve returns.
func (s *Server) Serve(ctx context.Context, conn *jsonrpc.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	swept := make(chan struct{})
	go func() {
		defer close(swept)
		s.registry.Run(ctx)
	}()
	s.log.Info().Msg("serving ACP")
	err := conn.Serve(ctx, s)
	cancel()
	<-swept
	s.log.Info().Err(err).Msg("ACP connection closed")
	return err
}

func (s *Server) Handle(ctx context.Context, req *jsonrpc.Request) (any, error) {
	switch req.Method {
	case protocol.MethodInitialize:
		return s.handleInitialize(req)
	case protocol.MethodAuthenticate:
		return s.handleAuthenticate(req)
	case protocol.MethodSessionNew:
		return s.handleSessionNew(ctx, req)
	case protocol.MethodSessionLoad:
		return s.handleSessionLoad(ctx, req)
	case protocol.MethodSessionPrompt:
		return s.handleSessionPrompt(ctx, req)
	case protocol.MethodSessionCancel:
		return nil, s.handleSessionCancel(req)
	default:
		return nil, errors.MethodNotFound(req.Method)
	}
}

func (s *Server) handleInitialize(req *jsonrpc.Request) (any, error) {
	var p protocol.InitializeRequest
	if err := req.BindParams(&p); err != nil {
		return nil, err
	}
	if p.ClientCapabilities != nil {
		s.caps.set(*p.ClientCapabilities)
	}
	ev := s.log.Info().Int("protocolVersion", p.ProtocolVersion)
	if p.ClientInfo != nil {
		ev = ev.Str("client", p.ClientInfo.Name).Str("clientVersion", p.ClientInfo.Version)
	}
	ev.Bool("fsRead", s.caps.get().Fs.ReadTextFile).Bool("fsWrite", s.caps.get().Fs.WriteTextFile).Msg("initialize")

	return protocol.InitializeResponse{
		ProtocolVersion: protocol.ProtocolVersion,
		AgentCapabilities: protocol.AgentCapabilities{
			LoadSession:        true,
			PromptCapabilities: protocol.PromptCapabilities{EmbeddedContext: true},
		},
		AgentInfo:   &protocol.Implementation{Name: agentName, Version: s.version},
		AuthMethods: []protocol.AuthMethod{},
	}, nil
}

// No auth methods are advertised; provider credentials come from the
// environment.
func (s *Server) handleAuthenticate(req *jsonrpc.Request) (any, error) {
	var p protocol.AuthenticateRequest
	if err := req.BindParams(&p); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (s *Server) handleSessionNew(ctx context.Context, req *jsonrpc.Request) (any, error) {
	var p protocol.NewSessionRequest
	if err := req.BindParams(&p); err != nil {
		return nil, err
	}
	sess, err := s.registry.New(p.Cwd, nil)
	if err != nil {
		return nil, err
	}
	if err := s.attachTools(ctx, sess, p.McpServers); err != nil {
		s.registry.Remove(sess.ID)
		return nil, err
	}
	return protocol.NewSessionResponse{SessionID: sess.ID}, nil
}

func (s *Server) handleSessionLoad(ctx context.Context, req *jsonrpc.Request) (any, error) {
	var p protocol.LoadSessionRequest
	if err := req.BindParams(&p); err != nil {
		return nil, err
	}
	if p.SessionID == "" {
		return nil, errors.InvalidParams("missing sessionId")
	}
	sess, err := s.registry.Get(p.SessionID)
	if err != nil {
		sess, err = s.registry.Load(ctx, p.SessionID, p.Cwd, nil)
		if err != nil {
			return nil, err
		}
		if err := s.attachTools(ctx, sess, p.McpServers); err != nil {
			s.registry.Remove(sess.ID)
			return nil, err
		}
	}
	if err := s.replay(ctx, sess); err != nil {
		return nil, err
	}
	return nil, nil
}

// replay streams a loaded session's history back to the editor.
func (s *Server) replay(ctx context.Context, sess *session.Session) error {
	up := updates{s.peer}
	for _, e := range sess.History() {
		for _, block := range e.Content {
			var u protocol.SessionUpdate
			switch e.Role {
			case "user":
				u = protocol.UserMessageChunk(block)
			case "assistant":
				if block.Type != protocol.ContentText {
					continue
				}
				u = protocol.AgentMessageChunk(block.Text)
			default:
				continue
			}
			if err := up.SendUpdate(ctx, protocol.SessionNotification{SessionID: sess.ID, Update: u}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Server) handleSessionPrompt(ctx context.Context, req *jsonrpc.Request) (any, error) {
	var p protocol.PromptRequest
	if err := req.BindParams(&p); err != nil {
		return nil, err
	}
	sess, err := s.registry.Get(p.SessionID)
	if err != nil {
		return nil, err
	}
	stop, err := sess.Prompt(ctx, p.Prompt)
	if err != nil {
		return nil, err
	}
	return protocol.PromptResponse{StopReason: stop}, nil
}

func (s *Server) handleSessionCancel(req *jsonrpc.Request) error {
	var p protocol.CancelNotification
	if err := req.BindParams(&p); err != nil {
		return err
	}
	sess, err := s.registry.Get(p.SessionID)
	if err != nil {
		s.log.Warn().Str("session", p.SessionID).Msg("cancel for unknown session")
		return nil
	}
	sess.Cancel()
	return nil
}

// attachTools routes the session's file references through PeerStorage and
// builds its tool set: the built-in tools working through the same storage,
// plus the tools of every configured and requested MCP server, filtered by
// the toolset. A server that fails to start is logged and skipped.
func (s *Server) attachTools(ctx context.Context, sess *session.Session, requested []protocol.McpServerConfig) error {
	store := &PeerStorage{Storage: s.local, peer: s.peer, sessionID: sess.ID, caps: s.caps, retry: s.fsRetry}
	sess.SetFiles(store)
	reg := tools.NewToolRegistry(s.cfg, store, sess.Cwd)

	for _, srv := range s.mcpServers(requested) {
		client, err := s.startMCP(ctx, srv.Name, srv.Command, srv.Args, envPairs(srv.Env))
		if err != nil {
			s.log.Warn().Err(err).Str("session", sess.ID).Str("server", srv.Name).Msg("failed to start MCP server")
			continue
		}
		sess.OnDispose(client.Stop)
		reg.RegisterServer(srv.Name, client.Tools())
	}

	ts, err := s.cfg.GetToolset(s.toolset)
	if err != nil {
		return errors.Internal("%s", err.Error()).WithCause(err)
	}
	active, err := reg.GetActiveTools(ts)
	if err != nil {
		return errors.Internal("%s", err.Error()).WithCause(err)
	}
	sess.SetTools(active)
	s.log.Debug().Str("session", sess.ID).Str("toolset", ts.Name).Int("tools", len(active)).Msg("tools attached")
	return nil
}

// mcpServers merges the configured servers with those the editor asked for.
// A requested server replaces a configured one of the same name.
func (s *Server) mcpServers(requested []protocol.McpServerConfig) []protocol.McpServerConfig {
	byName := make(map[string]int)
	var out []protocol.McpServerConfig
	add := func(c protocol.McpServerConfig) {
		if i, ok := byName[c.Name]; ok {
			out[i] = c
			return
		}
		byName[c.Name] = len(out)
		out = append(out, c)
	}
	for _, c := range s.cfg.AdditionalMCPServers {
		add(protocol.McpServerConfig{Name: c.Name, Command: c.Command, Args: c.Args})
	}
	for _, c := range requested {
		add(c)
	}
	return out
}

func envPairs(env []protocol.EnvVar) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for _, e := range env {
		out = append(out, fmt.Sprintf("%s=%s", e.Name, e.Value))
	}
	return out
}
