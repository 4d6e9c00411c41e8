package tree

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/loomchat/loom/pkg/logger"
)

// NewMessage carries the caller-supplied fields of a node about to be
// inserted; everything else is computed by the engine.
type NewMessage struct {
	Role      string
	Content   string
	Images    []string
	ToolCalls []ToolCallRecord
}

// Engine implements the branching-history operations on top of a
// NodeStore. All shape queries are computed from ParentID back-links;
// the engine holds no tree state of its own.
type Engine struct {
	store NodeStore
	log   zerolog.Logger
}

// NewEngine creates an engine backed by the given store.
func NewEngine(store NodeStore) *Engine {
	return &Engine{
		store: store,
		log:   logger.WithComponent("tree"),
	}
}

// Store returns the underlying node store.
func (e *Engine) Store() NodeStore {
	return e.store
}

// CreateConversation creates an empty conversation.
func (e *Engine) CreateConversation(ctx context.Context, title, model string) (*Conversation, error) {
	now := time.Now()
	conv := &Conversation{
		ID:        uuid.NewString(),
		Title:     title,
		Model:     model,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return conv, nil
}

// GetConversation loads a conversation by id.
func (e *Engine) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	return e.store.GetConversation(ctx, id)
}

// AddMessage inserts a new node under parentID (or as a root when
// parentID is empty). The sibling index is the current count of nodes
// in the same (conversation, parent) group at insertion time; it is
// assigned once and never renumbered, so indices stop being contiguous
// after deletions. Correct only under a single in-flight writer per
// parent: two unsynchronized inserts can read the same count and
// collide.
func (e *Engine) AddMessage(ctx context.Context, conversationID string, msg NewMessage, parentID string) (*MessageNode, error) {
	if _, err := e.store.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	if parentID != "" {
		parent, err := e.store.GetNode(ctx, parentID)
		if err != nil {
			return nil, fmt.Errorf("parent lookup failed: %w", err)
		}
		if parent.ConversationID != conversationID {
			return nil, fmt.Errorf("parent %s belongs to a different conversation", parentID)
		}
	}

	index, err := e.store.CountChildren(ctx, conversationID, parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to count siblings: %w", err)
	}

	node := &MessageNode{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		ParentID:       parentID,
		Role:           msg.Role,
		Content:        msg.Content,
		Images:         msg.Images,
		ToolCalls:      msg.ToolCalls,
		SiblingIndex:   index,
		CreatedAt:      time.Now(),
	}
	if err := e.store.CreateNode(ctx, node); err != nil {
		return nil, fmt.Errorf("failed to persist node: %w", err)
	}
	if err := e.store.BumpConversation(ctx, conversationID, 1); err != nil {
		return nil, fmt.Errorf("failed to update conversation: %w", err)
	}

	e.log.Debug().
		Str("node_id", node.ID).
		Str("parent_id", parentID).
		Int("sibling_index", index).
		Msg("message added")
	return node, nil
}

// GetMessage loads a single node by id.
func (e *Engine) GetMessage(ctx context.Context, id string) (*MessageNode, error) {
	return e.store.GetNode(ctx, id)
}

// AppendToMessage concatenates delta onto the node's content. This is
// the only mutation used during active streaming; it never touches
// SiblingIndex or ParentID and never recomputes tree shape. Callers
// that observe the tree should throttle their reads, not this call.
func (e *Engine) AppendToMessage(ctx context.Context, id, delta string) error {
	if delta == "" {
		return nil
	}
	return e.store.AppendContent(ctx, id, delta)
}

// EditMessage replaces the node's content wholesale.
func (e *Engine) EditMessage(ctx context.Context, id, content string) error {
	if err := e.store.SetContent(ctx, id, content); err != nil {
		return err
	}
	e.log.Debug().Str("node_id", id).Msg("message edited")
	return nil
}

// AttachToolCalls records tool invocations and their results on a node.
func (e *Engine) AttachToolCalls(ctx context.Context, id string, calls []ToolCallRecord) error {
	return e.store.SetToolCalls(ctx, id, calls)
}

// AttachThinking records the model's thinking trace on a node.
func (e *Engine) AttachThinking(ctx context.Context, id, thinking string) error {
	return e.store.SetThinking(ctx, id, thinking)
}

// DeleteMessage removes a node and its entire subtree atomically and
// returns the deleted ids in depth-first order, the target first.
func (e *Engine) DeleteMessage(ctx context.Context, id string) ([]string, error) {
	target, err := e.store.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}

	nodes, err := e.store.ListNodes(ctx, target.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation nodes: %w", err)
	}
	children := childMap(nodes)

	var collect func(nodeID string) []string
	collect = func(nodeID string) []string {
		ids := []string{nodeID}
		for _, child := range children[nodeID] {
			ids = append(ids, collect(child.ID)...)
		}
		return ids
	}
	doomed := collect(id)

	if err := e.store.DeleteNodes(ctx, target.ConversationID, doomed); err != nil {
		return nil, fmt.Errorf("failed to delete subtree: %w", err)
	}

	e.log.Debug().
		Str("node_id", id).
		Int("deleted", len(doomed)).
		Msg("subtree deleted")
	return doomed, nil
}

// GetMessageTree resolves the canonical root and the active path of a
// conversation: the newest root, then the newest child at every level,
// down to a leaf. An empty conversation yields an empty view.
func (e *Engine) GetMessageTree(ctx context.Context, conversationID string) (*TreeView, error) {
	nodes, err := e.store.ListNodes(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation nodes: %w", err)
	}
	if len(nodes) == 0 {
		return &TreeView{}, nil
	}

	children := childMap(nodes)
	roots := children[""]
	if len(roots) == 0 {
		return &TreeView{}, nil
	}

	current := roots[len(roots)-1]
	view := &TreeView{RootMessageID: current.ID}
	for {
		view.ActivePath = append(view.ActivePath, current.ID)
		siblings := children[current.ID]
		if len(siblings) == 0 {
			return view, nil
		}
		current = siblings[len(siblings)-1]
	}
}

// GetSiblings returns the ids of all nodes sharing the target's parent
// (all roots, when the target is itself a root), ordered by sibling
// index ascending.
func (e *Engine) GetSiblings(ctx context.Context, id string) ([]string, error) {
	node, err := e.store.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}

	nodes, err := e.store.ListNodes(ctx, node.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation nodes: %w", err)
	}

	siblings := childMap(nodes)[node.ParentID]
	ids := make([]string, len(siblings))
	for i, sibling := range siblings {
		ids[i] = sibling.ID
	}
	return ids, nil
}

// GetPathToMessage walks parent pointers from the target up to its
// root and returns the path in root-first order.
func (e *Engine) GetPathToMessage(ctx context.Context, id string) ([]string, error) {
	var path []string
	seen := make(map[string]bool)

	currentID := id
	for currentID != "" {
		if seen[currentID] {
			return nil, fmt.Errorf("parent cycle detected at node %s", currentID)
		}
		seen[currentID] = true

		node, err := e.store.GetNode(ctx, currentID)
		if err != nil {
			return nil, err
		}
		path = append(path, node.ID)
		currentID = node.ParentID
	}

	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}

// ActiveMessages returns the full nodes of the active path in order,
// ready to be packed into a chat request.
func (e *Engine) ActiveMessages(ctx context.Context, conversationID string) ([]*MessageNode, error) {
	view, err := e.GetMessageTree(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	messages := make([]*MessageNode, 0, len(view.ActivePath))
	for _, id := range view.ActivePath {
		node, err := e.store.GetNode(ctx, id)
		if err != nil {
			return nil, err
		}
		messages = append(messages, node)
	}
	return messages, nil
}

// childMap groups nodes by ParentID, each group sorted by sibling
// index ascending (creation time breaks duplicate-index ties from
// racing inserts). The "" key holds the conversation's roots.
func childMap(nodes []*MessageNode) map[string][]*MessageNode {
	children := make(map[string][]*MessageNode)
	for _, node := range nodes {
		children[node.ParentID] = append(children[node.ParentID], node)
	}
	for _, group := range children {
		sort.Slice(group, func(i, j int) bool {
			if group[i].SiblingIndex != group[j].SiblingIndex {
				return group[i].SiblingIndex < group[j].SiblingIndex
			}
			return group[i].CreatedAt.Before(group[j].CreatedAt)
		})
	}
	return children
}
