package protocol

// Session update kinds.
const (
	UpdateUserMessageChunk  = "user_message_chunk"
	UpdateAgentMessageChunk = "agent_message_chunk"
	UpdateAgentThoughtChunk = "agent_thought_chunk"
	UpdateToolCall          = "tool_call"
	UpdateToolCallUpdate    = "tool_call_update"
)

// ToolKind categorises a tool call for permission decisions and display.
type ToolKind string

const (
	ToolKindRead    ToolKind = "read"
	ToolKindEdit    ToolKind = "edit"
	ToolKindDelete  ToolKind = "delete"
	ToolKindMove    ToolKind = "move"
	ToolKindSearch  ToolKind = "search"
	ToolKindExecute ToolKind = "execute"
	ToolKindThink   ToolKind = "think"
	ToolKindFetch   ToolKind = "fetch"
	ToolKindOther   ToolKind = "other"
)

type ToolCallStatus string

const (
	ToolCallPending    ToolCallStatus = "pending"
	ToolCallInProgress ToolCallStatus = "in_progress"
	ToolCallCompleted  ToolCallStatus = "completed"
	ToolCallFailed     ToolCallStatus = "failed"
)

// SessionNotification is the params of a session/update notification.
type SessionNotification struct {
	SessionID string        `json:"sessionId"`
	Update    SessionUpdate `json:"update"`
}

// SessionUpdate is discriminated by SessionUpdate. Message chunks carry a
// single content block; tool call updates carry a list of ToolCallContent.
type SessionUpdate struct {
	SessionUpdate string `json:"sessionUpdate"`

	Content any `json:"content,omitempty"`

	ToolCallID string         `json:"toolCallId,omitempty"`
	Title      string         `json:"title,omitempty"`
	Kind       ToolKind       `json:"kind,omitempty"`
	Status     ToolCallStatus `json:"status,omitempty"`
	RawInput   map[string]any `json:"rawInput,omitempty"`
	RawOutput  map[string]any `json:"rawOutput,omitempty"`
	Locations  []ToolLocation `json:"locations,omitempty"`
}

type ToolLocation struct {
	Path string `json:"path"`
	Line int    `json:"line,omitempty"`
}

// ToolCallContent wraps a content block produced by a tool.
type ToolCallContent struct {
	Type    string       `json:"type"`
	Content ContentBlock `json:"content"`
}

func AgentMessageChunk(text string) SessionUpdate {
	block := TextBlock(text)
	return SessionUpdate{SessionUpdate: UpdateAgentMessageChunk, Content: &block}
}

func UserMessageChunk(block ContentBlock) SessionUpdate {
	return SessionUpdate{SessionUpdate: UpdateUserMessageChunk, Content: &block}
}

func AgentThoughtChunk(text string) SessionUpdate {
	block := TextBlock(text)
	return SessionUpdate{SessionUpdate: UpdateAgentThoughtChunk, Content: &block}
}

// ToolCallStarted announces a tool call before permission is sought.
func ToolCallStarted(id, title string, kind ToolKind, input map[string]any, locations []ToolLocation) SessionUpdate {
	return SessionUpdate{
		SessionUpdate: UpdateToolCall,
		ToolCallID:    id,
		Title:         title,
		Kind:          kind,
		Status:        ToolCallPending,
		RawInput:      input,
		Locations:     locations,
	}
}

// ToolCallProgress moves a tool call to a new status, optionally with text
// output.
func ToolCallProgress(id string, status ToolCallStatus, text string) SessionUpdate {
	u := SessionUpdate{
		SessionUpdate: UpdateToolCallUpdate,
		ToolCallID:    id,
		Status:        status,
	}
	if text != "" {
		u.Content = []ToolCallContent{{Type: "content", Content: TextBlock(text)}}
	}
	return u
}

// --- Permission ---

type PermissionOptionKind string

const (
	PermissionAllowOnce    PermissionOptionKind = "allow_once"
	PermissionAllowAlways  PermissionOptionKind = "allow_always"
	PermissionRejectOnce   PermissionOptionKind = "reject_once"
	PermissionRejectAlways PermissionOptionKind = "reject_always"
)

type PermissionOption struct {
	OptionID string               `json:"optionId"`
	Name     string               `json:"name"`
	Kind     PermissionOptionKind `json:"kind"`
}

// ToolCallRef identifies the tool call a permission request is about.
type ToolCallRef struct {
	ToolCallID string         `json:"toolCallId"`
	Title      string         `json:"title,omitempty"`
	Kind       ToolKind       `json:"kind,omitempty"`
	Status     ToolCallStatus `json:"status,omitempty"`
	RawInput   map[string]any `json:"rawInput,omitempty"`
	Locations  []ToolLocation `json:"locations,omitempty"`
}

type RequestPermissionRequest struct {
	SessionID string             `json:"sessionId"`
	ToolCall  ToolCallRef        `json:"toolCall"`
	Options   []PermissionOption `json:"options"`
}

const (
	OutcomeSelected  = "selected"
	OutcomeCancelled = "cancelled"
)

type RequestPermissionResponse struct {
	Outcome PermissionOutcome `json:"outcome"`
}

type PermissionOutcome struct {
	Outcome  string `json:"outcome"`
	OptionID string `json:"optionId,omitempty"`
}
