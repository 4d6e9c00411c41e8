package ollama

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/loomchat/loom/pkg/logger"
	"github.com/loomchat/loom/pkg/ndjson"
)

// ChatStream is a pull-based streaming chat response. Callers drain it with
// Recv until io.EOF, then read the accumulated outcome from Result. The
// callback consumer in callbacks.go is a thin adapter over this type; the
// read/parse/accumulate loop lives only here.
type ChatStream struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	body   io.ReadCloser
	dec    *ndjson.Decoder

	pending   []json.RawMessage
	readBuf   []byte
	eof       bool
	badDecode error // malformed line, surfaced once pending drains
	err       error

	content   strings.Builder
	thinking  strings.Builder
	toolCalls []ToolCall
	final     *ChatResponse
}

// StreamChat issues a streaming chat request and returns the live stream.
// The client's per-stream timeout and the caller's context are composed so
// that whichever fires first cancels the request, with its cause preserved.
func (c *Client) StreamChat(ctx context.Context, req ChatRequest) (*ChatStream, error) {
	return c.StreamChatWithTimeout(ctx, req, c.timeout)
}

// StreamChatWithTimeout is StreamChat with an explicit timeout for this
// stream only. A timeout of zero disables the internal bound.
func (c *Client) StreamChatWithTimeout(ctx context.Context, req ChatRequest, timeout time.Duration) (*ChatStream, error) {
	// Abort precedence: a cancelled caller never produces a request
	if err := ctx.Err(); err != nil {
		return nil, Classify(context.Cause(ctx))
	}

	var cancel context.CancelCauseFunc
	if timeout > 0 {
		timeoutErr := &Error{Kind: KindTimeout, Message: "stream timed out"}
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeoutCause(ctx, timeout, timeoutErr)
		cancel = func(cause error) { cancelTimeout() }
	} else {
		ctx, cancel = context.WithCancelCause(ctx)
	}

	req.Stream = true
	raw, err := json.Marshal(req)
	if err != nil {
		cancel(nil)
		return nil, &Error{Kind: KindUnknown, Message: "failed to marshal request", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", strings.NewReader(string(raw)))
	if err != nil {
		cancel(nil)
		return nil, &Error{Kind: KindUnknown, Message: "failed to create request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	log := logger.WithComponent("ollama_stream")
	log.Debug().Str("model", req.Model).Int("messages", len(req.Messages)).Msg("starting chat stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		defer cancel(nil)
		if cause := context.Cause(ctx); cause != nil && ctx.Err() != nil {
			return nil, Classify(cause)
		}
		return nil, Classify(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		classified := ClassifyResponse(resp)
		resp.Body.Close()
		cancel(nil)
		log.Debug().Int("status", resp.StatusCode).Str("kind", string(classified.Kind)).Msg("chat request rejected")
		return nil, classified
	}

	if resp.Body == nil || resp.Body == http.NoBody {
		cancel(nil)
		return nil, &Error{Kind: KindStream, Message: "response has no body"}
	}

	return &ChatStream{
		ctx:     ctx,
		cancel:  cancel,
		body:    resp.Body,
		dec:     ndjson.NewDecoder(),
		readBuf: make([]byte, 4096),
	}, nil
}

// Recv returns the next response record. It returns io.EOF once the stream
// has ended cleanly; any other error is classified and terminal.
func (s *ChatStream) Recv() (*ChatResponse, error) {
	if s.err != nil {
		return nil, s.err
	}

	for {
		if len(s.pending) > 0 {
			raw := s.pending[0]
			s.pending = s.pending[1:]
			return s.consume(raw)
		}

		if s.badDecode != nil {
			return nil, s.fail(s.badDecode)
		}

		if s.eof {
			return nil, io.EOF
		}

		n, err := s.body.Read(s.readBuf)
		if n > 0 {
			// Records decoded before a malformed line are still
			// delivered; the parse error follows them
			records, decErr := s.dec.Decode(s.readBuf[:n])
			s.pending = append(s.pending, records...)
			if decErr != nil {
				s.badDecode = decErr
				continue
			}
		}

		if err == io.EOF {
			final, flushErr := s.dec.Flush()
			if flushErr != nil {
				return nil, s.fail(flushErr)
			}
			if final != nil {
				s.pending = append(s.pending, final)
			}
			s.eof = true
			continue
		}
		if err != nil {
			// A cancelled context surfaces as a read error; prefer the
			// cancellation cause so abort stays distinguishable
			if s.ctx.Err() != nil {
				return nil, s.fail(context.Cause(s.ctx))
			}
			return nil, s.fail(err)
		}
	}
}

// consume decodes one raw record, folds it into the accumulated result and
// hands it to the caller.
func (s *ChatStream) consume(raw json.RawMessage) (*ChatResponse, error) {
	var record ChatResponse
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, s.fail(&ndjson.SyntaxError{Line: string(raw), Err: err})
	}

	if record.Message.Content != "" {
		s.content.WriteString(record.Message.Content)
	}
	if record.Message.Thinking != "" {
		s.thinking.WriteString(record.Message.Thinking)
	}
	if len(record.Message.ToolCalls) > 0 {
		// Last one wins: only one tool-call burst is expected per turn
		s.toolCalls = record.Message.ToolCalls
	}
	if record.Done {
		s.final = &record
	}

	return &record, nil
}

// fail classifies err, tears down the transport best-effort and latches
// the stream into a terminal error state.
func (s *ChatStream) fail(err error) error {
	classified := Classify(err)
	s.err = classified
	_ = s.body.Close() // best-effort, secondary errors are swallowed
	s.cancel(classified)
	return classified
}

// Result returns the accumulated content, thinking, tool calls and final
// metrics record. Valid once Recv has returned io.EOF; partial before that.
func (s *ChatStream) Result() *StreamResult {
	return &StreamResult{
		Content:   s.content.String(),
		Thinking:  s.thinking.String(),
		ToolCalls: s.toolCalls,
		Response:  s.final,
	}
}

// Err returns the terminal error, if the stream failed.
func (s *ChatStream) Err() error {
	return s.err
}

// Close cancels the stream and releases the transport. Safe to call at any
// point and more than once.
func (s *ChatStream) Close() error {
	if s.err == nil && !s.eof {
		s.err = &Error{Kind: KindAbort, Message: "stream closed by caller"}
	}
	s.cancel(s.err)
	return s.body.Close()
}
