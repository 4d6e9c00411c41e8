package ollama

import (
	"context"
	"errors"
	"io"
)

// StreamCallbacks is the push-based consumption surface for a chat stream.
// Any callback may be nil. OnToolCall fires at most once per stream, the
// first time tool calls are observed. Exactly one of OnComplete / OnError
// fires at the end.
type StreamCallbacks struct {
	OnChunk    func(record *ChatResponse)
	OnToken    func(token string)
	OnToolCall func(calls []ToolCall)
	OnComplete func(result *StreamResult)
	OnError    func(err error)
}

// StreamChatWithCallbacks drives a chat stream to completion, delivering
// records through the callbacks. It is a thin adapter over StreamChat and
// never re-implements the read loop.
func (c *Client) StreamChatWithCallbacks(ctx context.Context, req ChatRequest, cb StreamCallbacks) (*StreamResult, error) {
	stream, err := c.StreamChat(ctx, req)
	if err != nil {
		if cb.OnError != nil {
			cb.OnError(err)
		}
		return nil, err
	}
	defer stream.Close()

	toolCallsSeen := false
	for {
		record, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if cb.OnError != nil {
				cb.OnError(err)
			}
			return nil, err
		}

		if cb.OnChunk != nil {
			cb.OnChunk(record)
		}
		if cb.OnToken != nil && record.Message.Content != "" {
			cb.OnToken(record.Message.Content)
		}
		if cb.OnToolCall != nil && !toolCallsSeen && len(record.Message.ToolCalls) > 0 {
			toolCallsSeen = true
			cb.OnToolCall(record.Message.ToolCalls)
		}
	}

	result := stream.Result()
	if cb.OnComplete != nil {
		cb.OnComplete(result)
	}
	return result, nil
}
