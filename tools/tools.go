package tools

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/m4xw311/acpbridge/config"
	"github.com/m4xw311/acpbridge/errors"
	"github.com/m4xw311/acpbridge/logging"
	"github.com/m4xw311/acpbridge/protocol"
	"github.com/m4xw311/acpbridge/storage"
	"github.com/rs/zerolog"
)

// Tool defines the interface for any action the agent can take.
type Tool interface {
	Name() string
	Description() string
	// Kind decides how a call is presented to the client and which
	// permission options it gets.
	Kind() protocol.ToolKind
	Execute(ctx context.Context, args map[string]interface{}) (string, error)
}

// Targeted is implemented by tools whose calls act on one path or command.
// The target keys "always allow" decisions.
type Targeted interface {
	Target(args map[string]interface{}) string
}

// Schemed is implemented by tools that describe their arguments with a JSON
// schema object.
type Schemed interface {
	Schema() map[string]interface{}
}

// TargetOf returns the path or command a call acts on, or "" when the tool
// has none.
func TargetOf(t Tool, args map[string]interface{}) string {
	if tt, ok := t.(Targeted); ok {
		return tt.Target(args)
	}
	return ""
}

// SchemaOf returns the tool's argument schema, or an open object.
func SchemaOf(t Tool) map[string]interface{} {
	if s, ok := t.(Schemed); ok {
		return s.Schema()
	}
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}

// Invocation is one call of a tool requested by the model.
type Invocation struct {
	ID   string
	Tool Tool
	Args map[string]interface{}
}

func (inv Invocation) Name() string            { return inv.Tool.Name() }
func (inv Invocation) Kind() protocol.ToolKind { return inv.Tool.Kind() }
func (inv Invocation) Target() string          { return TargetOf(inv.Tool, inv.Args) }

// Title is the human readable label shown to the client.
func (inv Invocation) Title() string {
	if target := inv.Target(); target != "" {
		return fmt.Sprintf("%s: %s", inv.Name(), target)
	}
	return inv.Name()
}

// Locations lists the file a file-kind call touches, if known.
func (inv Invocation) Locations() []protocol.ToolLocation {
	switch inv.Kind() {
	case protocol.ToolKindRead, protocol.ToolKindEdit, protocol.ToolKindDelete, protocol.ToolKindMove:
		if target := inv.Target(); target != "" {
			return []protocol.ToolLocation{{Path: target}}
		}
	}
	return nil
}

func (inv Invocation) Execute(ctx context.Context) (string, error) {
	return inv.Tool.Execute(ctx, inv.Args)
}

// ToolRegistry holds the tools available to one session.
type ToolRegistry struct {
	tools map[string]Tool
	// servers maps an MCP server name to the names of the tools it provides.
	servers map[string][]string
	log     zerolog.Logger
}

// NewToolRegistry registers the built-in tools, confined to cwd and backed
// by store.
func NewToolRegistry(cfg *config.Config, store storage.Storage, cwd string) *ToolRegistry {
	r := &ToolRegistry{
		tools:   make(map[string]Tool),
		servers: make(map[string][]string),
		log:     logging.Component("tools"),
	}

	root := workspace{store: store, cwd: filepath.Clean(cwd), access: cfg.FilesystemAccess}
	r.Register(&ReadFileTool{ws: root})
	r.Register(&WriteFileTool{ws: root})
	r.Register(&ReadDirTool{ws: root})
	r.Register(&ExecuteCommandTool{allowedCommands: cfg.AllowedCommands, dir: root.cwd})
	return r
}

func (r *ToolRegistry) Register(t Tool) {
	r.tools[t.Name()] = t
}

// RegisterServer adds the tools provided by an MCP server.
func (r *ToolRegistry) RegisterServer(server string, ts []Tool) {
	for _, t := range ts {
		r.Register(t)
		r.servers[server] = append(r.servers[server], t.Name())
	}
}

func (r *ToolRegistry) GetTool(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// All returns every registered tool sorted by name.
func (r *ToolRegistry) All() []Tool {
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// GetActiveTools returns the tool instances for a given toolset. Entries of
// the form <server>:<tool> select MCP tools; the tool part may be a glob such
// as gopls:*. A nil toolset selects everything registered.
func (r *ToolRegistry) GetActiveTools(ts *config.Toolset) ([]Tool, error) {
	if ts == nil {
		return r.All(), nil
	}
	var activeTools []Tool
	seen := make(map[string]bool)
	add := func(t Tool) {
		if !seen[t.Name()] {
			seen[t.Name()] = true
			activeTools = append(activeTools, t)
		}
	}
	for _, toolName := range ts.Tools {
		server, pattern, isMCP := strings.Cut(toolName, ":")
		if !isMCP {
			t, ok := r.GetTool(toolName)
			if !ok {
				return nil, errors.New("tool '%s' from toolset '%s' is not registered", toolName, ts.Name)
			}
			add(t)
			continue
		}
		names, ok := r.servers[server]
		if !ok {
			r.log.Warn().Str("server", server).Str("toolset", ts.Name).Msg("MCP server in toolset is not running")
			continue
		}
		for _, name := range names {
			if match, _ := doublestar.Match(pattern, name); match {
				add(r.tools[name])
			}
		}
	}
	return activeTools, nil
}

// workspace confines file tools to a session's directory.
type workspace struct {
	store  storage.Storage
	cwd    string
	access config.FilesystemAccess
}

// resolve maps a tool path argument to an absolute path inside the
// workspace and its slash-separated form relative to it.
func (w workspace) resolve(path string) (abs, rel string, err error) {
	if path == "" {
		return "", "", errors.InvalidParams("missing or invalid 'path' argument")
	}
	if filepath.IsAbs(path) {
		abs = filepath.Clean(path)
	} else {
		abs = filepath.Join(w.cwd, path)
	}
	r, err := filepath.Rel(w.cwd, abs)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", "", errors.OutsideProject(path)
	}
	rel = filepath.ToSlash(r)
	hidden, err := isPathRestricted(rel, w.access.Hidden)
	if err != nil {
		return "", "", err
	}
	if hidden {
		return "", "", errors.PermissionDenied("access denied: path '%s' is hidden", path)
	}
	return abs, rel, nil
}

func (w workspace) writable(rel, path string) error {
	readOnly, err := isPathRestricted(rel, w.access.ReadOnly)
	if err != nil {
		return err
	}
	if readOnly {
		return errors.PermissionDenied("access denied: path '%s' is read-only", path)
	}
	return nil
}

// isPathRestricted checks if a path matches any of the glob patterns.
func isPathRestricted(path string, patterns []string) (bool, error) {
	for _, pattern := range patterns {
		match, err := doublestar.PathMatch(pattern, path)
		if err != nil {
			return false, errors.Wrapf(err, "invalid glob pattern '%s'", pattern)
		}
		if match {
			return true, nil
		}
	}
	return false, nil
}

// isCommandAllowed checks if a command is in the allowlist (with regex support).
func isCommandAllowed(command string, allowed []string) bool {
	if len(strings.Fields(command)) == 0 {
		return false
	}
	for _, pattern := range allowed {
		re, err := regexp.Compile(pattern)
		if err != nil {
			log := logging.Component("tools")
			log.Warn().Err(err).Str("pattern", pattern).Msg("invalid regex in allowed_commands")
			// Fallback to simple string comparison if regex is invalid
			if command == pattern {
				return true
			}
			continue
		}
		if re.MatchString(command) {
			return true
		}
	}
	return false
}

func stringArg(args map[string]interface{}, key string) (string, bool) {
	v, ok := args[key].(string)
	return v, ok
}

func describe(summary string, params ...string) string {
	if len(params) == 0 {
		return summary
	}
	return fmt.Sprintf("%s Args: %s.", summary, strings.Join(params, ", "))
}
