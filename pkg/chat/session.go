package chat

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/loomchat/loom/pkg/logger"
	"github.com/loomchat/loom/pkg/ollama"
	"github.com/loomchat/loom/pkg/tokens"
	"github.com/loomchat/loom/pkg/tree"
	"github.com/loomchat/loom/pkg/usage"
)

// Options configures a new session.
type Options struct {
	Model        string
	Title        string
	SystemPrompt string

	// KeepAlive controls how long the server keeps the model loaded
	// after each request; empty uses the server default.
	KeepAlive string

	// Think asks the model for a separate thinking trace, persisted on
	// the assistant node alongside the reply.
	Think bool

	// Tracker receives token-usage updates; nil disables tracking.
	Tracker *usage.Tracker
}

// Session glues the conversation tree to the streaming client: it packs
// the active path into requests, streams replies into freshly created
// assistant nodes, and keeps branch navigation consistent throughout.
type Session struct {
	engine  *tree.Engine
	client  *ollama.Client
	counter *tokens.Counter
	tracker *usage.Tracker

	conversationID string
	model          string
	keepAlive      string
	think          bool
	log            zerolog.Logger
}

// NewSession creates a conversation and a session over it. A non-empty
// system prompt becomes the root node of the tree.
func NewSession(ctx context.Context, engine *tree.Engine, client *ollama.Client, opts Options) (*Session, error) {
	conv, err := engine.CreateConversation(ctx, opts.Title, opts.Model)
	if err != nil {
		return nil, err
	}

	if opts.SystemPrompt != "" {
		if _, err := engine.AddMessage(ctx, conv.ID, tree.NewMessage{
			Role:    tree.RoleSystem,
			Content: opts.SystemPrompt,
		}, ""); err != nil {
			return nil, fmt.Errorf("failed to seed system prompt: %w", err)
		}
	}

	return newSession(engine, client, conv.ID, opts)
}

// ResumeSession opens a session over an existing conversation.
func ResumeSession(ctx context.Context, engine *tree.Engine, client *ollama.Client, conversationID string, opts Options) (*Session, error) {
	conv, err := engine.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if opts.Model == "" {
		opts.Model = conv.Model
	}
	return newSession(engine, client, conv.ID, opts)
}

func newSession(engine *tree.Engine, client *ollama.Client, conversationID string, opts Options) (*Session, error) {
	counter, err := tokens.NewCounter(opts.Model)
	if err != nil {
		return nil, fmt.Errorf("failed to build token counter: %w", err)
	}

	return &Session{
		engine:         engine,
		client:         client,
		counter:        counter,
		tracker:        opts.Tracker,
		conversationID: conversationID,
		model:          opts.Model,
		keepAlive:      opts.KeepAlive,
		think:          opts.Think,
		log:            logger.WithComponent("chat"),
	}, nil
}

// ConversationID returns the id of the conversation the session drives.
func (s *Session) ConversationID() string {
	return s.conversationID
}

// History returns the nodes of the active path in order.
func (s *Session) History(ctx context.Context) ([]*tree.MessageNode, error) {
	return s.engine.ActiveMessages(ctx, s.conversationID)
}

// Send appends a user message at the active leaf and streams the reply
// into a new assistant node underneath it. Deltas are persisted as they
// arrive and mirrored to onDelta (which may be nil).
//
// The assistant node is created only once the server has accepted the
// request, so a rejected request leaves no empty node behind. On abort
// or mid-stream failure the partial node is kept; the returned error
// tells the caller which case it is.
func (s *Session) Send(ctx context.Context, content string, images []string, onDelta func(string)) (*tree.MessageNode, error) {
	parentID, err := s.activeLeaf(ctx)
	if err != nil {
		return nil, err
	}

	userNode, err := s.engine.AddMessage(ctx, s.conversationID, tree.NewMessage{
		Role:    tree.RoleUser,
		Content: content,
		Images:  images,
	}, parentID)
	if err != nil {
		return nil, err
	}

	return s.streamReply(ctx, userNode.ID, onDelta)
}

// Regenerate streams a fresh reply as a new sibling branch under the
// same user node. The previous reply stays in the tree; the new branch
// becomes the active path by virtue of its higher sibling index.
func (s *Session) Regenerate(ctx context.Context, userNodeID string, onDelta func(string)) (*tree.MessageNode, error) {
	userNode, err := s.engine.GetMessage(ctx, userNodeID)
	if err != nil {
		return nil, err
	}
	if userNode.Role != tree.RoleUser {
		return nil, fmt.Errorf("can only regenerate under a user message, got role %s", userNode.Role)
	}
	return s.streamReply(ctx, userNodeID, onDelta)
}

// Ask performs a one-shot, non-streaming exchange: both the question
// and the complete answer are persisted in a single step. The request
// goes through the retry-wrapped client path.
func (s *Session) Ask(ctx context.Context, content string) (*tree.MessageNode, error) {
	parentID, err := s.activeLeaf(ctx)
	if err != nil {
		return nil, err
	}

	userNode, err := s.engine.AddMessage(ctx, s.conversationID, tree.NewMessage{
		Role:    tree.RoleUser,
		Content: content,
	}, parentID)
	if err != nil {
		return nil, err
	}

	messages, err := s.requestMessages(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Chat(ctx, ollama.ChatRequest{
		Model:     s.model,
		Messages:  messages,
		KeepAlive: s.keepAlive,
		Think:     s.think,
	})
	if err != nil {
		return nil, err
	}

	if s.tracker != nil {
		s.tracker.RecordPrompt(s.counter.CountConversation(messages), s.model)
		s.tracker.RecordFinal(s.counter.CountConversation(messages), 0, resp)
	}

	return s.engine.AddMessage(ctx, s.conversationID, tree.NewMessage{
		Role:    tree.RoleAssistant,
		Content: resp.Message.Content,
	}, userNode.ID)
}

// DeleteBranch removes a node and its whole subtree; the active path
// falls back to the newest surviving branch.
func (s *Session) DeleteBranch(ctx context.Context, nodeID string) ([]string, error) {
	return s.engine.DeleteMessage(ctx, nodeID)
}

func (s *Session) streamReply(ctx context.Context, parentID string, onDelta func(string)) (*tree.MessageNode, error) {
	messages, err := s.requestMessagesUpTo(ctx, parentID)
	if err != nil {
		return nil, err
	}

	promptEstimate := s.counter.CountConversation(messages)
	if s.tracker != nil {
		s.tracker.RecordPrompt(promptEstimate, s.model)
	}

	stream, err := s.client.StreamChat(ctx, ollama.ChatRequest{
		Model:     s.model,
		Messages:  messages,
		KeepAlive: s.keepAlive,
		Think:     s.think,
	})
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	node, err := s.engine.AddMessage(ctx, s.conversationID, tree.NewMessage{
		Role: tree.RoleAssistant,
	}, parentID)
	if err != nil {
		return nil, err
	}

	completionEstimate := 0
	streamErr := s.drainInto(ctx, stream, node.ID, &completionEstimate, onDelta)

	if streamErr != nil {
		if ollama.IsAbort(streamErr) {
			s.log.Debug().Str("node_id", node.ID).Msg("stream aborted, keeping partial reply")
		} else {
			s.log.Error().Err(streamErr).Str("node_id", node.ID).Msg("stream failed")
		}
		partial, loadErr := s.engine.GetMessage(ctx, node.ID)
		if loadErr != nil {
			return nil, streamErr
		}
		return partial, streamErr
	}

	result := stream.Result()
	if len(result.ToolCalls) > 0 {
		if err := s.engine.AttachToolCalls(ctx, node.ID, toolCallRecords(result.ToolCalls)); err != nil {
			return nil, err
		}
	}
	if result.Thinking != "" {
		if err := s.engine.AttachThinking(ctx, node.ID, result.Thinking); err != nil {
			return nil, err
		}
	}
	if s.tracker != nil {
		s.tracker.RecordFinal(promptEstimate, completionEstimate, result.Response)
	}

	return s.engine.GetMessage(ctx, node.ID)
}

func (s *Session) drainInto(ctx context.Context, stream *ollama.ChatStream, nodeID string, completionEstimate *int, onDelta func(string)) error {
	for {
		record, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		delta := record.Message.Content
		if delta == "" {
			continue
		}
		if err := s.engine.AppendToMessage(ctx, nodeID, delta); err != nil {
			return err
		}
		if s.tracker != nil {
			deltaTokens := s.counter.Count(delta)
			*completionEstimate += deltaTokens
			s.tracker.RecordDelta(deltaTokens)
		}
		if onDelta != nil {
			onDelta(delta)
		}
	}
}

// activeLeaf resolves the node new messages attach under; empty for the
// first message of a conversation.
func (s *Session) activeLeaf(ctx context.Context) (string, error) {
	view, err := s.engine.GetMessageTree(ctx, s.conversationID)
	if err != nil {
		return "", err
	}
	if len(view.ActivePath) == 0 {
		return "", nil
	}
	return view.ActivePath[len(view.ActivePath)-1], nil
}

func (s *Session) requestMessages(ctx context.Context) ([]ollama.Message, error) {
	nodes, err := s.engine.ActiveMessages(ctx, s.conversationID)
	if err != nil {
		return nil, err
	}
	return wireMessages(nodes), nil
}

// requestMessagesUpTo packs the path ending at nodeID, so regeneration
// never leaks the sibling reply it is replacing into the prompt.
func (s *Session) requestMessagesUpTo(ctx context.Context, nodeID string) ([]ollama.Message, error) {
	path, err := s.engine.GetPathToMessage(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	nodes := make([]*tree.MessageNode, 0, len(path))
	for _, id := range path {
		node, err := s.engine.GetMessage(ctx, id)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return wireMessages(nodes), nil
}

func wireMessages(nodes []*tree.MessageNode) []ollama.Message {
	messages := make([]ollama.Message, 0, len(nodes))
	for _, node := range nodes {
		messages = append(messages, ollama.Message{
			Role:     node.Role,
			Content:  node.Content,
			Thinking: node.Thinking,
			Images:   node.Images,
		})
	}
	return messages
}

func toolCallRecords(calls []ollama.ToolCall) []tree.ToolCallRecord {
	records := make([]tree.ToolCallRecord, 0, len(calls))
	for _, call := range calls {
		records = append(records, tree.ToolCallRecord{
			ID:        uuid.NewString(),
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		})
	}
	return records
}
