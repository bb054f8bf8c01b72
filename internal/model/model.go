// Package model holds the data types shared across SpecMem components.
// Types here carry no behavior beyond small constructors; persistence
// and derivation live in the owning package
// (project, ingest, coordination, registry).
package model

import "time"

// Role is the speaker of a SessionEntry or Memory row.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ToolCall records metadata about an assistant tool invocation surfaced
// inside a session file; SpecMem keeps it for provenance, it does not
// execute tools.
type ToolCall struct {
	Name  string         `json:"name"`
	Input map[string]any `json:"input,omitempty"`
}

// SessionEntry is a transient record produced by the session-file
// parser, before hashing, embedding, or persistence.
type SessionEntry struct {
	SessionID string     `json:"session_id"`
	MessageID string     `json:"message_id,omitempty"`
	Role      Role       `json:"role"`
	Timestamp time.Time  `json:"timestamp"`
	Project   string     `json:"project"`
	Content   string     `json:"content"`
	Thinking  string     `json:"thinking,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Model     string     `json:"model,omitempty"`

	// EntryHash and ContentHash are populated by the ingestor after
	// parsing, before the content is formatted for storage; they are
	// not computed by the parser itself.
	EntryHash   string `json:"-"`
	ContentHash string `json:"-"`

	// Tag distinguishes a normal user prompt from a context-restoration
	// summary so downstream "what did the user ask" queries can exclude it.
	Tag string `json:"-"`
}

// EntryTag values used to classify a SessionEntry for retrieval filtering.
const (
	TagUserPrompt         = "user-prompt"
	TagContextRestoration = "context-restoration"
	TagClaudeSession      = "claude-session"
)

// Memory is a persisted, embedded row produced by the ingestor.
type Memory struct {
	ID         string         `json:"id"`
	Content    string         `json:"content"`
	Role       Role           `json:"role"`
	Tags       []string       `json:"tags"`
	Metadata   MemoryMetadata `json:"metadata"`
	Embedding  []float32      `json:"embedding,omitempty"`
	ProjectPath string        `json:"project_path"`
	CreatedAt  time.Time      `json:"created_at"`
}

// MemoryMetadata is the structured metadata column of a Memory row.
type MemoryMetadata struct {
	SessionID   string `json:"session_id"`
	Timestamp   int64  `json:"timestamp"`
	TimestampMS int64  `json:"timestamp_ms"`
	Role        Role   `json:"role"`
	MessageID   string `json:"message_id,omitempty"`
	Hash        string `json:"hash"`
	ContentHash string `json:"content_hash"`
}

// ChannelType enumerates the kinds of coordination channel.
type ChannelType string

const (
	ChannelDefault   ChannelType = "default"
	ChannelBroadcast ChannelType = "broadcast"
	ChannelTask      ChannelType = "task"
	ChannelProject   ChannelType = "project"
	ChannelDirect    ChannelType = "direct"
)

// Channel is a named conversation bucket within a project.
type Channel struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Type         ChannelType `json:"type"`
	ProjectPath  string      `json:"project_path"`
	LastActivity time.Time   `json:"last_activity"`
}

// FixedChannelNames are always provisioned for every project.
var FixedChannelNames = []string{"main", "broadcast", "swarm-1", "swarm-2", "swarm-3", "swarm-4", "swarm-5"}

// MessageType enumerates the kinds of coordination message.
type MessageType string

const (
	MessageStatus       MessageType = "status"
	MessageQuestion     MessageType = "question"
	MessageUpdate       MessageType = "update"
	MessageBroadcast    MessageType = "broadcast"
	MessageHelpRequest  MessageType = "help_request"
	MessageHelpResponse MessageType = "help_response"
)

// MessagePriority enumerates message urgency.
type MessagePriority string

const (
	PriorityLow    MessagePriority = "low"
	PriorityNormal MessagePriority = "normal"
	PriorityHigh   MessagePriority = "high"
	PriorityUrgent MessagePriority = "urgent"
)

// Message is one coordination-channel row.
type Message struct {
	ID          string          `json:"id"`
	ChannelID   string          `json:"channel_id"`
	SenderID    string          `json:"sender_id"`
	SenderName  string          `json:"sender_name"`
	Content     string          `json:"content"`
	Type        MessageType     `json:"type"`
	Priority    MessagePriority `json:"priority"`
	ThreadID    string          `json:"thread_id,omitempty"`
	Mentions    []string        `json:"mentions,omitempty"`
	ReadBy      []string        `json:"read_by,omitempty"`
	ProjectPath string          `json:"project_path"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ClaimStatus enumerates a TaskClaim's lifecycle state.
type ClaimStatus string

const (
	ClaimActive   ClaimStatus = "active"
	ClaimReleased ClaimStatus = "released"
)

// TaskClaim is an advisory declaration that an agent is working on files.
type TaskClaim struct {
	ID          string      `json:"id"`
	Description string      `json:"description"`
	Files       []string    `json:"files"`
	ClaimedBy   string      `json:"claimed_by"`
	ClaimedAt   time.Time   `json:"claimed_at"`
	Status      ClaimStatus `json:"status"`
	ProjectPath string      `json:"project_path"`
}

// HelpRequestStatus enumerates a HelpRequest's lifecycle state.
type HelpRequestStatus string

const (
	HelpOpen     HelpRequestStatus = "open"
	HelpAnswered HelpRequestStatus = "answered"
)

// HelpRequest is a broadcast question from one agent to the project.
type HelpRequest struct {
	ID          string            `json:"id"`
	Question    string            `json:"question"`
	Context     string            `json:"context,omitempty"`
	RequestedBy string            `json:"requested_by"`
	Status      HelpRequestStatus `json:"status"`
	ProjectPath string            `json:"project_path"`
}

// AgentState enumerates the AgentEntry lifecycle states.
type AgentState string

const (
	StateInitializing     AgentState = "initializing"
	StateReady            AgentState = "ready"
	StateWorking          AgentState = "working"
	StateWaitingPermission AgentState = "waiting_permission"
	StateBlocked          AgentState = "blocked"
	StateCompleted        AgentState = "completed"
	StateError            AgentState = "error"
	StateDisconnected     AgentState = "disconnected"
)

// AgentIdentity is the immutable identity portion of a registered agent.
type AgentIdentity struct {
	AgentID      string   `json:"agent_id"`
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	Capabilities []string `json:"capabilities,omitempty"`
	Priority     int      `json:"priority"`
}

// AgentMetrics are the monotonically-accumulated counters on an AgentEntry.
type AgentMetrics struct {
	HeartbeatsReceived int `json:"heartbeats_received"`
	EventsProcessed    int `json:"events_processed"`
	ErrorsEncountered  int `json:"errors_encountered"`
	TasksCompleted     int `json:"tasks_completed"`
}

// AgentEntry is the in-memory registry record for one agent.
type AgentEntry struct {
	Agent          AgentIdentity `json:"agent"`
	State          AgentState    `json:"state"`
	RegisteredAt   time.Time     `json:"registered_at"`
	LastHeartbeat  time.Time     `json:"last_heartbeat"`
	LastActivity   time.Time     `json:"last_activity"`
	ConnectionID   string        `json:"connection_id,omitempty"`
	Metrics        AgentMetrics  `json:"metrics"`
}
