package tree

import "context"

// NodeStore is the persistence boundary for conversations and message
// nodes. Implementations must make DeleteNodes atomic: either the whole
// subtree and its attachments disappear, or nothing does.
//
// A missing id surfaces as ErrNotFound from the read operations.
type NodeStore interface {
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)

	// BumpConversation adjusts the message count by delta and refreshes
	// the conversation's UpdatedAt.
	BumpConversation(ctx context.Context, id string, delta int) error

	CreateNode(ctx context.Context, node *MessageNode) error
	GetNode(ctx context.Context, id string) (*MessageNode, error)

	// ListNodes returns every node of a conversation in no particular
	// order; callers sort by SiblingIndex as needed.
	ListNodes(ctx context.Context, conversationID string) ([]*MessageNode, error)

	// CountChildren counts nodes whose ParentID equals parentID; an
	// empty parentID counts the conversation's roots.
	CountChildren(ctx context.Context, conversationID, parentID string) (int, error)

	AppendContent(ctx context.Context, id, delta string) error
	SetContent(ctx context.Context, id, content string) error
	SetThinking(ctx context.Context, id, thinking string) error
	SetToolCalls(ctx context.Context, id string, calls []ToolCallRecord) error

	// DeleteNodes removes the given nodes, any attachments that
	// reference them, and the conversation's message-count bookkeeping
	// for them in one atomic unit.
	DeleteNodes(ctx context.Context, conversationID string, ids []string) error
}
