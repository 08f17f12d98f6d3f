package models

import (
	"encoding/json"
	"time"
)

// ChannelType represents a transport a conversation arrives on.
type ChannelType string

const (
	ChannelWeb      ChannelType = "web"
	ChannelWeCom    ChannelType = "wecom"
	ChannelFeishu   ChannelType = "feishu"
	ChannelDingTalk ChannelType = "dingtalk"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// User represents a registered account. Usernames are unique; the ID is
// immutable for the lifetime of the account.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	AgentName    string    `json:"agent_name,omitempty"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Session is an ordered sequence of turns owned by exactly one user.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SessionSummary is the compact listing form returned by the sessions API.
type SessionSummary struct {
	ID           string    `json:"session_id"`
	Title        string    `json:"title,omitempty"`
	LastMessage  string    `json:"last_message,omitempty"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Message is one durable entry in a session transcript. Messages are
// append-only once their turn commits; streaming drafts are never stored.
type Message struct {
	ID        string     `json:"id"`
	SessionID string     `json:"session_id"`
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	TurnIndex int        `json:"turn_index"`
	CreatedAt time.Time  `json:"created_at"`
}

// ToolCallStatus tracks a tool call through its lifecycle.
type ToolCallStatus string

const (
	ToolPending         ToolCallStatus = "pending"
	ToolAwaitingConfirm ToolCallStatus = "awaiting_confirm"
	ToolRunning         ToolCallStatus = "running"
	ToolDone            ToolCallStatus = "done"
	ToolErrored         ToolCallStatus = "error"
	ToolRejected        ToolCallStatus = "rejected"
)

// ToolCall represents the model's request to execute a tool.
// The ID is unique within a turn.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Status    ToolCallStatus  `json:"status,omitempty"`
	Result    string          `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// ToolResult is the structured envelope every tool invocation returns.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// TurnState tracks a turn transaction through its lifecycle.
type TurnState string

const (
	TurnOpen      TurnState = "open"
	TurnCommitted TurnState = "committed"
	TurnAborted   TurnState = "aborted"
)

// PendingConfirmation holds a suspended tool call awaiting a user decision.
// Entries expire after a TTL; expiry behaves as reject.
type PendingConfirmation struct {
	CallID    string          `json:"call_id"`
	SessionID string          `json:"session_id"`
	UserID    string          `json:"user_id"`
	ToolName  string          `json:"tool_name"`
	Arguments json.RawMessage `json:"arguments"`
	CreatedAt time.Time       `json:"created_at"`
}

// ConnectionBinding ties a live transport connection to the identity it
// authenticated as. Its lifecycle matches the transport's.
type ConnectionBinding struct {
	ConnectionID  string `json:"connection_id"`
	UserID        string `json:"user_id,omitempty"`
	SessionID     string `json:"session_id,omitempty"`
	TransportKind string `json:"transport_kind"`
}

// MemoryCandidate is produced on turn commit and consumed asynchronously by
// the memory service.
type MemoryCandidate struct {
	SessionID     string    `json:"session_id"`
	UserID        string    `json:"user_id"`
	UserText      string    `json:"user_text"`
	AssistantText string    `json:"assistant_text"`
	Timestamp     time.Time `json:"timestamp"`
}
