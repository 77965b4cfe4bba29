package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/m4xw311/acpbridge/errors"
	"github.com/m4xw311/acpbridge/protocol"
)

var pathSchema = map[string]interface{}{
	"type":        "string",
	"description": "Path relative to the project root.",
}

// ReadFileTool implements the tool for reading a file.
type ReadFileTool struct {
	ws workspace
}

func (t *ReadFileTool) Name() string            { return "read_file" }
func (t *ReadFileTool) Kind() protocol.ToolKind { return protocol.ToolKindRead }
func (t *ReadFileTool) Description() string {
	return describe("Reads the entire content of a file.", "path (string)")
}

func (t *ReadFileTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{"path": pathSchema},
		"required":   []string{"path"},
	}
}

func (t *ReadFileTool) Target(args map[string]interface{}) string {
	p, _ := stringArg(args, "path")
	return p
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	path, _ := stringArg(args, "path")
	abs, _, err := t.ws.resolve(path)
	if err != nil {
		return "", err
	}
	content, err := t.ws.store.ReadFile(ctx, abs)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read file '%s'", path)
	}
	return string(content), nil
}

// WriteFileTool implements the tool for writing to a file.
type WriteFileTool struct {
	ws workspace
}

func (t *WriteFileTool) Name() string            { return "write_file" }
func (t *WriteFileTool) Kind() protocol.ToolKind { return protocol.ToolKindEdit }
func (t *WriteFileTool) Description() string {
	return describe("Writes content to a file, replacing it entirely.", "path (string)", "content (string)")
}

func (t *WriteFileTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path":    pathSchema,
			"content": map[string]interface{}{"type": "string", "description": "The full new file content."},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) Target(args map[string]interface{}) string {
	p, _ := stringArg(args, "path")
	return p
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	path, _ := stringArg(args, "path")
	content, contentOk := stringArg(args, "content")
	if !contentOk {
		return "", errors.InvalidParams("missing or invalid 'content' argument")
	}
	abs, rel, err := t.ws.resolve(path)
	if err != nil {
		return "", err
	}
	if err := t.ws.writable(rel, path); err != nil {
		return "", err
	}
	if err := t.ws.store.WriteFile(ctx, abs, []byte(content)); err != nil {
		return "", errors.Wrapf(err, "failed to write to file '%s'", path)
	}
	return fmt.Sprintf("Successfully wrote %d bytes to %s", len(content), path), nil
}

// ReadDirTool lists a directory, one entry per line with a trailing slash on
// subdirectories.
type ReadDirTool struct {
	ws workspace
}

func (t *ReadDirTool) Name() string            { return "read_dir" }
func (t *ReadDirTool) Kind() protocol.ToolKind { return protocol.ToolKindSearch }
func (t *ReadDirTool) Description() string {
	return describe("Lists the entries of a directory.", "path (string, defaults to the project root)")
}

func (t *ReadDirTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{"path": pathSchema},
	}
}

func (t *ReadDirTool) Target(args map[string]interface{}) string {
	p, _ := stringArg(args, "path")
	if p == "" {
		return "."
	}
	return p
}

func (t *ReadDirTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	path := t.Target(args)
	abs, rel, err := t.ws.resolve(path)
	if err != nil {
		return "", err
	}
	entries, err := t.ws.store.List(ctx, abs)
	if err != nil {
		return "", errors.Wrapf(err, "failed to list directory '%s'", path)
	}
	var b strings.Builder
	for _, e := range entries {
		child := e.Name()
		if rel != "." {
			child = rel + "/" + child
		}
		if hidden, _ := isPathRestricted(child, t.ws.access.Hidden); hidden {
			continue
		}
		b.WriteString(e.Name())
		if e.IsDir() {
			b.WriteByte('/')
		}
		b.WriteByte('\n')
	}
	return b.String(), nil
}
