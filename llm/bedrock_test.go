package llm

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/m4xw311/acpbridge/protocol"
	"github.com/m4xw311/acpbridge/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockTool is a simple mock tool for testing
type MockTool struct {
	name        string
	description string
}

func (m *MockTool) Name() string            { return m.name }
func (m *MockTool) Description() string     { return m.description }
func (m *MockTool) Kind() protocol.ToolKind { return protocol.ToolKindOther }
func (m *MockTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	return "mock result", nil
}

func TestConvertMessagesToAnthropicFormat(t *testing.T) {
	result, system := convertMessagesToAnthropicFormat([]Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "Hello, world!"},
		{Role: "assistant", Content: "Looking.", ToolCalls: []ToolCall{
			{ToolCallID: "call_1", Name: "test_tool", Args: map[string]interface{}{"param1": "value1"}},
		}},
		{Role: "tool", Content: "Tool result", ToolCalls: []ToolCall{{ToolCallID: "call_1", Name: "test_tool"}}},
	})
	assert.Equal(t, "be brief", system)
	require.Len(t, result, 3)

	assert.Equal(t, "user", result[0]["role"])

	assert.Equal(t, "assistant", result[1]["role"])
	content := result[1]["content"].([]map[string]interface{})
	require.Len(t, content, 2)
	assert.Equal(t, "text", content[0]["type"])
	assert.Equal(t, "tool_use", content[1]["type"])
	assert.Equal(t, "call_1", content[1]["id"])

	assert.Equal(t, "user", result[2]["role"])
	toolResult := result[2]["content"].([]map[string]interface{})[0]
	assert.Equal(t, "tool_result", toolResult["type"])
	assert.Equal(t, "call_1", toolResult["tool_use_id"])
}

func TestCreateAnthropicRequest(t *testing.T) {
	messages, _ := convertMessagesToAnthropicFormat([]Message{{Role: "user", Content: "Hello!"}})

	body, err := createAnthropicRequest(messages, "", nil)
	require.NoError(t, err)
	var req map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &req))
	assert.NotContains(t, req, "tools")
	assert.NotContains(t, req, "system")

	body, err = createAnthropicRequest(messages, "sys", []tools.Tool{&MockTool{name: "test_tool", description: "A test tool"}})
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(body, &req))
	assert.Equal(t, "sys", req["system"])
	defs := req["tools"].([]interface{})
	require.Len(t, defs, 1)
	def := defs[0].(map[string]interface{})
	assert.Equal(t, "test_tool", def["name"])
	assert.Equal(t, "object", def["input_schema"].(map[string]interface{})["type"])
}

func TestProcessBedrockResponse(t *testing.T) {
	msg, err := processBedrockResponse([]byte(`{"content":[
		{"type":"text","text":"Reading. "},
		{"type":"tool_use","id":"tu_1","name":"read_file","input":{"path":"a.go"}},
		{"type":"tool_use","name":"read_dir","input":{}}
	]}`))
	require.NoError(t, err)
	assert.Equal(t, "Reading. ", msg.Content)
	require.Len(t, msg.ToolCalls, 2)
	assert.Equal(t, "tu_1", msg.ToolCalls[0].ToolCallID)
	assert.Equal(t, "a.go", msg.ToolCalls[0].Args["path"])
	assert.Regexp(t, `^call_[0-9a-f-]{36}$`, msg.ToolCalls[1].ToolCallID)

	_, err = processBedrockResponse([]byte(`{"error":"throttled"}`))
	assert.Error(t, err)

	_, err = processBedrockResponse([]byte(`not json`))
	assert.Error(t, err)
}
