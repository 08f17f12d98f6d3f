package models

import "encoding/json"

// Frame is one line of the streaming chat response: a single JSON object
// terminated by a newline. The final frame of a successful turn is
// {"type":"done","session_id":...}.
type Frame struct {
	Type      string          `json:"type"`
	Content   string          `json:"content,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	CallID    string          `json:"call_id,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	Args      json.RawMessage `json:"args,omitempty"`
	Status    string          `json:"status,omitempty"`
	Result    string          `json:"result,omitempty"`
}

// Frame type tags.
const (
	FrameText         = "text"
	FrameToolDetected = "tool_detected"
	FrameToolStart    = "tool_start"
	FrameToolResult   = "tool_result"
	FrameToolError    = "tool_error"
	FrameDone         = "done"
	FrameError        = "error"
)

func TextFrame(content string) Frame {
	return Frame{Type: FrameText, Content: content}
}

func DoneFrame(sessionID string) Frame {
	return Frame{Type: FrameDone, SessionID: sessionID}
}

func ErrorFrame(content string) Frame {
	return Frame{Type: FrameError, Content: content}
}
