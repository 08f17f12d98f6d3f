package models

import "time"

// EventType enumerates every event that can travel on the bus. The set is
// closed; components must not invent ad-hoc types.
type EventType string

const (
	EventChannelMessage     EventType = "channel.message"
	EventConversationStart  EventType = "conversation.start"
	EventStreamText         EventType = "conversation.stream.text"
	EventStreamToolDetected EventType = "conversation.stream.tool_detected"
	EventStreamToolStart    EventType = "conversation.stream.tool_start"
	EventStreamToolResult   EventType = "conversation.stream.tool_result"
	EventStreamToolError    EventType = "conversation.stream.tool_error"
	EventConversationDone   EventType = "conversation.complete"
	EventConversationError  EventType = "conversation.error"
	EventToolCallStart      EventType = "tool.call.start"
	EventToolCallResult     EventType = "tool.call.result"
	EventToolCallError      EventType = "tool.call.error"
	EventMemorySaved        EventType = "memory.saved"
	EventMemoryRecalled     EventType = "memory.recalled"
	EventMemoryClusterDone  EventType = "memory.cluster.done"
	EventMemorySummaryDone  EventType = "memory.summary.done"
	EventConfigChanged      EventType = "config.changed"
	EventConnectionBound    EventType = "connection.bound"
	EventConnectionClosed   EventType = "connection.closed"
)

// Event is the envelope delivered to bus subscribers.
type Event struct {
	Type          EventType `json:"type"`
	Payload       any       `json:"payload"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}
