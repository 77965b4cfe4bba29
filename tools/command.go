package tools

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/m4xw311/acpbridge/errors"
	"github.com/m4xw311/acpbridge/protocol"
)

// ExecuteCommandTool implements the tool for running OS commands.
type ExecuteCommandTool struct {
	allowedCommands []string
	dir             string
}

func (t *ExecuteCommandTool) Name() string            { return "execute_command" }
func (t *ExecuteCommandTool) Kind() protocol.ToolKind { return protocol.ToolKindExecute }
func (t *ExecuteCommandTool) Description() string {
	if len(t.allowedCommands) == 0 {
		return describe("Executes a command in the project root. No commands are currently allowed.", "command (string)")
	}

	allowedList := "Allowed command patterns:\n"
	for _, cmd := range t.allowedCommands {
		allowedList += fmt.Sprintf("- %s\n", cmd)
	}
	return describe("Executes a command in the project root.", "command (string)") + "\n" + allowedList
}

func (t *ExecuteCommandTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{"type": "string", "description": "Command line, split on whitespace."},
		},
		"required": []string{"command"},
	}
}

func (t *ExecuteCommandTool) Target(args map[string]interface{}) string {
	c, _ := stringArg(args, "command")
	return strings.TrimSpace(c)
}

func (t *ExecuteCommandTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	command := t.Target(args)
	if command == "" {
		return "", errors.InvalidParams("missing or invalid 'command' argument")
	}
	if !isCommandAllowed(command, t.allowedCommands) {
		return "", errors.PermissionDenied("command '%s' is not in the list of allowed commands", command)
	}

	// Basic shell-like execution
	parts := strings.Fields(command)
	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	cmd.Dir = t.dir

	output, err := cmd.CombinedOutput()
	if ctx.Err() != nil {
		return "", errors.Classify(ctx.Err())
	}
	if err != nil {
		return "", errors.Wrapf(err, "command execution failed. Output:\n%s", string(output))
	}
	return fmt.Sprintf("Command executed successfully. Output:\n%s", string(output)), nil
}
