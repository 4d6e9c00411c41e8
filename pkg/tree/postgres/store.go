package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/loomchat/loom/pkg/tree"
)

// DB is the subset of pgxpool.Pool the store needs. pgxmock satisfies
// it too, which is how the store is tested without a live database.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store is a PostgreSQL-backed tree.NodeStore. Root nodes are stored
// with a NULL parent_id; the empty-string convention of the domain
// model is translated at the SQL boundary.
type Store struct {
	db DB
}

// NewStore creates a store on top of an open pool.
func NewStore(db DB) *Store {
	return &Store{db: db}
}

// Schema holds the DDL for the tables the store expects.
const Schema = `
CREATE TABLE IF NOT EXISTS loom_conversations (
	id            TEXT PRIMARY KEY,
	title         TEXT NOT NULL DEFAULT '',
	model         TEXT NOT NULL DEFAULT '',
	message_count INTEGER NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS loom_messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES loom_conversations(id),
	parent_id       TEXT REFERENCES loom_messages(id),
	role            TEXT NOT NULL,
	content         TEXT NOT NULL DEFAULT '',
	thinking        TEXT NOT NULL DEFAULT '',
	images          TEXT[],
	tool_calls      JSONB,
	sibling_index   INTEGER NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_loom_messages_conversation ON loom_messages(conversation_id);
CREATE INDEX IF NOT EXISTS idx_loom_messages_parent ON loom_messages(parent_id);

CREATE TABLE IF NOT EXISTS loom_attachments (
	id         TEXT PRIMARY KEY,
	message_id TEXT NOT NULL REFERENCES loom_messages(id),
	path       TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_loom_attachments_message ON loom_attachments(message_id);
`

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, Schema)
	return err
}

func (s *Store) CreateConversation(ctx context.Context, conv *tree.Conversation) error {
	query := `
		INSERT INTO loom_conversations (id, title, model, message_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.db.Exec(ctx, query,
		conv.ID,
		conv.Title,
		conv.Model,
		conv.MessageCount,
		conv.CreatedAt,
		conv.UpdatedAt,
	)
	return err
}

func (s *Store) GetConversation(ctx context.Context, id string) (*tree.Conversation, error) {
	query := `
		SELECT id, title, model, message_count, created_at, updated_at
		FROM loom_conversations
		WHERE id = $1`

	var conv tree.Conversation
	err := s.db.QueryRow(ctx, query, id).Scan(
		&conv.ID,
		&conv.Title,
		&conv.Model,
		&conv.MessageCount,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("conversation %s: %w", id, tree.ErrNotFound)
		}
		return nil, err
	}
	return &conv, nil
}

func (s *Store) BumpConversation(ctx context.Context, id string, delta int) error {
	query := `
		UPDATE loom_conversations
		SET message_count = message_count + $2, updated_at = NOW()
		WHERE id = $1`

	tag, err := s.db.Exec(ctx, query, id, delta)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conversation %s: %w", id, tree.ErrNotFound)
	}
	return nil
}

func (s *Store) CreateNode(ctx context.Context, node *tree.MessageNode) error {
	toolCalls, err := marshalToolCalls(node.ToolCalls)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO loom_messages (id, conversation_id, parent_id, role, content, thinking, images, tool_calls, sibling_index, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10)`

	_, err = s.db.Exec(ctx, query,
		node.ID,
		node.ConversationID,
		node.ParentID,
		node.Role,
		node.Content,
		node.Thinking,
		node.Images,
		toolCalls,
		node.SiblingIndex,
		node.CreatedAt,
	)
	return err
}

func (s *Store) GetNode(ctx context.Context, id string) (*tree.MessageNode, error) {
	query := `
		SELECT id, conversation_id, parent_id, role, content, thinking, images, tool_calls, sibling_index, created_at
		FROM loom_messages
		WHERE id = $1`

	node, err := scanNode(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("node %s: %w", id, tree.ErrNotFound)
		}
		return nil, err
	}
	return node, nil
}

func (s *Store) ListNodes(ctx context.Context, conversationID string) ([]*tree.MessageNode, error) {
	query := `
		SELECT id, conversation_id, parent_id, role, content, thinking, images, tool_calls, sibling_index, created_at
		FROM loom_messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC`

	rows, err := s.db.Query(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*tree.MessageNode
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

func (s *Store) CountChildren(ctx context.Context, conversationID, parentID string) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM loom_messages
		WHERE conversation_id = $1 AND parent_id IS NOT DISTINCT FROM NULLIF($2, '')`

	var count int
	err := s.db.QueryRow(ctx, query, conversationID, parentID).Scan(&count)
	return count, err
}

func (s *Store) AppendContent(ctx context.Context, id, delta string) error {
	query := `UPDATE loom_messages SET content = content || $2 WHERE id = $1`

	tag, err := s.db.Exec(ctx, query, id, delta)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("node %s: %w", id, tree.ErrNotFound)
	}
	return nil
}

func (s *Store) SetContent(ctx context.Context, id, content string) error {
	query := `UPDATE loom_messages SET content = $2 WHERE id = $1`

	tag, err := s.db.Exec(ctx, query, id, content)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("node %s: %w", id, tree.ErrNotFound)
	}
	return nil
}

func (s *Store) SetThinking(ctx context.Context, id, thinking string) error {
	query := `UPDATE loom_messages SET thinking = $2 WHERE id = $1`

	tag, err := s.db.Exec(ctx, query, id, thinking)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("node %s: %w", id, tree.ErrNotFound)
	}
	return nil
}

func (s *Store) SetToolCalls(ctx context.Context, id string, calls []tree.ToolCallRecord) error {
	toolCalls, err := marshalToolCalls(calls)
	if err != nil {
		return err
	}

	query := `UPDATE loom_messages SET tool_calls = $2 WHERE id = $1`

	tag, err := s.db.Exec(ctx, query, id, toolCalls)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("node %s: %w", id, tree.ErrNotFound)
	}
	return nil
}

// DeleteNodes removes the subtree's attachments and nodes and adjusts
// the conversation's message count in one transaction, so a partial
// failure leaves both the tree and the bookkeeping untouched.
func (s *Store) DeleteNodes(ctx context.Context, conversationID string, ids []string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM loom_attachments WHERE message_id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("failed to delete attachments: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`DELETE FROM loom_messages WHERE conversation_id = $1 AND id = ANY($2)`,
		conversationID, ids,
	)
	if err != nil {
		return fmt.Errorf("failed to delete nodes: %w", err)
	}
	if int(tag.RowsAffected()) != len(ids) {
		return fmt.Errorf("expected to delete %d nodes, deleted %d: %w", len(ids), tag.RowsAffected(), tree.ErrNotFound)
	}

	tag, err = tx.Exec(ctx,
		`UPDATE loom_conversations SET message_count = message_count - $2, updated_at = NOW() WHERE id = $1`,
		conversationID, len(ids),
	)
	if err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conversation %s: %w", conversationID, tree.ErrNotFound)
	}

	return tx.Commit(ctx)
}

func scanNode(row pgx.Row) (*tree.MessageNode, error) {
	var node tree.MessageNode
	var parentID sql.NullString
	var toolCalls []byte

	err := row.Scan(
		&node.ID,
		&node.ConversationID,
		&parentID,
		&node.Role,
		&node.Content,
		&node.Thinking,
		&node.Images,
		&toolCalls,
		&node.SiblingIndex,
		&node.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if parentID.Valid {
		node.ParentID = parentID.String
	}
	if len(toolCalls) > 0 {
		if err := json.Unmarshal(toolCalls, &node.ToolCalls); err != nil {
			return nil, fmt.Errorf("failed to decode tool calls for node %s: %w", node.ID, err)
		}
	}
	return &node, nil
}

func marshalToolCalls(calls []tree.ToolCallRecord) ([]byte, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(calls)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tool calls: %w", err)
	}
	return raw, nil
}
