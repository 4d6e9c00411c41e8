package tree

import (
	"errors"
	"time"
)

// ErrNotFound is returned when an operation targets a node or
// conversation id that does not exist. Callers treat this as a logic
// error, never a transient one.
var ErrNotFound = errors.New("tree: not found")

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// MessageNode is one node in a branching conversation tree. Children
// are derived by querying for nodes whose ParentID matches, never
// stored as live references.
type MessageNode struct {
	ID             string
	ConversationID string
	ParentID       string // empty for root nodes
	Role           string
	Content        string
	Thinking       string // model's thinking trace, assistant nodes only
	Images         []string
	ToolCalls      []ToolCallRecord
	SiblingIndex   int
	CreatedAt      time.Time
}

// IsRoot reports whether the node has no parent.
func (n *MessageNode) IsRoot() bool {
	return n.ParentID == ""
}

// ToolCallRecord is a tool invocation attached to an assistant node,
// together with its eventual outcome.
type ToolCallRecord struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Result    string         `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Conversation owns a set of message nodes. MessageCount and UpdatedAt
// are bookkeeping maintained by the engine on every shape change.
type Conversation struct {
	ID           string
	Title        string
	Model        string
	MessageCount int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TreeView is the derived shape of a conversation: the canonical root
// and the active root-to-leaf path. Both are empty for an empty tree.
type TreeView struct {
	RootMessageID string
	ActivePath    []string
}
