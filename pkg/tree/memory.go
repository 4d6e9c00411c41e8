package tree

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-memory NodeStore. It is the default history
// backend and the reference implementation for the store contract.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	nodes         map[string]*MessageNode
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*Conversation),
		nodes:         make(map[string]*MessageNode),
	}
}

func (s *MemoryStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.conversations[conv.ID]; exists {
		return fmt.Errorf("conversation %s already exists", conv.ID)
	}
	copied := *conv
	s.conversations[conv.ID] = &copied
	return nil
}

func (s *MemoryStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	copied := *conv
	return &copied, nil
}

func (s *MemoryStore) BumpConversation(ctx context.Context, id string, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok {
		return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	conv.MessageCount += delta
	conv.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) CreateNode(ctx context.Context, node *MessageNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.nodes[node.ID]; exists {
		return fmt.Errorf("node %s already exists", node.ID)
	}
	s.nodes[node.ID] = cloneNode(node)
	return nil
}

func (s *MemoryStore) GetNode(ctx context.Context, id string) (*MessageNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	node, ok := s.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	return cloneNode(node), nil
}

func (s *MemoryStore) ListNodes(ctx context.Context, conversationID string) ([]*MessageNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var nodes []*MessageNode
	for _, node := range s.nodes {
		if node.ConversationID == conversationID {
			nodes = append(nodes, cloneNode(node))
		}
	}
	return nodes, nil
}

func (s *MemoryStore) CountChildren(ctx context.Context, conversationID, parentID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, node := range s.nodes {
		if node.ConversationID == conversationID && node.ParentID == parentID {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) AppendContent(ctx context.Context, id, delta string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[id]
	if !ok {
		return fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	node.Content += delta
	return nil
}

func (s *MemoryStore) SetContent(ctx context.Context, id, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[id]
	if !ok {
		return fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	node.Content = content
	return nil
}

func (s *MemoryStore) SetThinking(ctx context.Context, id, thinking string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[id]
	if !ok {
		return fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	node.Thinking = thinking
	return nil
}

func (s *MemoryStore) SetToolCalls(ctx context.Context, id string, calls []ToolCallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[id]
	if !ok {
		return fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	node.ToolCalls = append([]ToolCallRecord(nil), calls...)
	return nil
}

func (s *MemoryStore) DeleteNodes(ctx context.Context, conversationID string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	for _, id := range ids {
		node, ok := s.nodes[id]
		if !ok {
			return fmt.Errorf("node %s: %w", id, ErrNotFound)
		}
		if node.ConversationID != conversationID {
			return fmt.Errorf("node %s belongs to conversation %s, not %s", id, node.ConversationID, conversationID)
		}
	}
	for _, id := range ids {
		delete(s.nodes, id)
	}
	conv.MessageCount -= len(ids)
	conv.UpdatedAt = time.Now()
	return nil
}

func cloneNode(node *MessageNode) *MessageNode {
	copied := *node
	copied.Images = append([]string(nil), node.Images...)
	copied.ToolCalls = append([]ToolCallRecord(nil), node.ToolCalls...)
	return &copied
}
