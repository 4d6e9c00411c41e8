package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomchat/loom/pkg/ollama"
	"github.com/loomchat/loom/pkg/tree"
	"github.com/loomchat/loom/pkg/usage"
)

// scriptedServer streams a fixed reply, split into word deltas, for
// every chat request it receives. It records the prompts it was sent.
type scriptedServer struct {
	*httptest.Server
	reply    string
	thinking string
	requests atomic.Int64
	lastReq  atomic.Value // ollama.ChatRequest
}

func newScriptedServer(t *testing.T, reply string) *scriptedServer {
	t.Helper()
	s := &scriptedServer{reply: reply}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requests.Add(1)

		var req ollama.ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		s.lastReq.Store(req)

		flusher := w.(http.Flusher)
		if s.thinking != "" {
			fmt.Fprintf(w, `{"message":{"role":"assistant","thinking":%q},"done":false}`+"\n", s.thinking)
			flusher.Flush()
		}
		words := strings.SplitAfter(s.reply, " ")
		for _, word := range words {
			fmt.Fprintf(w, `{"message":{"role":"assistant","content":%q},"done":false}`+"\n", word)
			flusher.Flush()
		}
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","prompt_eval_count":12,"eval_count":7}`)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *scriptedServer) lastRequest() ollama.ChatRequest {
	req, _ := s.lastReq.Load().(ollama.ChatRequest)
	return req
}

func newTestSession(t *testing.T, server *scriptedServer, opts Options) (*Session, *tree.Engine) {
	t.Helper()
	engine := tree.NewEngine(tree.NewMemoryStore())
	if opts.Model == "" {
		opts.Model = "qwen3:latest"
	}
	session, err := NewSession(context.Background(), engine, ollama.NewClient(server.URL), opts)
	require.NoError(t, err)
	return session, engine
}

func TestSessionSend(t *testing.T) {
	ctx := context.Background()

	t.Run("should persist the streamed reply under the user node", func(t *testing.T) {
		server := newScriptedServer(t, "hello there")
		session, engine := newTestSession(t, server, Options{SystemPrompt: "be brief"})

		var deltas []string
		node, err := session.Send(ctx, "hi", nil, func(delta string) { deltas = append(deltas, delta) })
		require.NoError(t, err)

		assert.Equal(t, "hello there", node.Content)
		assert.Equal(t, tree.RoleAssistant, node.Role)
		assert.NotEmpty(t, deltas)
		assert.Equal(t, "hello there", strings.Join(deltas, ""))

		// Active path: system prompt, user, assistant.
		history, err := session.History(ctx)
		require.NoError(t, err)
		require.Len(t, history, 3)
		assert.Equal(t, tree.RoleSystem, history[0].Role)
		assert.Equal(t, "hi", history[1].Content)
		assert.Equal(t, node.ID, history[2].ID)

		_ = engine
	})

	t.Run("should send the full active path as the prompt", func(t *testing.T) {
		server := newScriptedServer(t, "second answer")
		session, _ := newTestSession(t, server, Options{SystemPrompt: "be brief"})

		_, err := session.Send(ctx, "first question", nil, nil)
		require.NoError(t, err)
		_, err = session.Send(ctx, "second question", nil, nil)
		require.NoError(t, err)

		req := server.lastRequest()
		require.Len(t, req.Messages, 4)
		assert.Equal(t, "be brief", req.Messages[0].Content)
		assert.Equal(t, "first question", req.Messages[1].Content)
		assert.Equal(t, "second answer", req.Messages[2].Content)
		assert.Equal(t, "second question", req.Messages[3].Content)
	})

	t.Run("should forward keep-alive and think and persist the thinking trace", func(t *testing.T) {
		server := newScriptedServer(t, "the answer")
		server.thinking = "reasoning first"
		session, _ := newTestSession(t, server, Options{KeepAlive: "10m", Think: true})

		node, err := session.Send(ctx, "why?", nil, nil)
		require.NoError(t, err)

		req := server.lastRequest()
		assert.True(t, req.Think)
		assert.Equal(t, "10m", req.KeepAlive)

		assert.Equal(t, "the answer", node.Content)
		assert.Equal(t, "reasoning first", node.Thinking)
	})

	t.Run("should not create an assistant node when the request is rejected", func(t *testing.T) {
		rejecting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `{"error": "model 'missing' not found"}`)
		}))
		defer rejecting.Close()

		engine := tree.NewEngine(tree.NewMemoryStore())
		session, err := NewSession(ctx, engine, ollama.NewClient(rejecting.URL), Options{Model: "missing"})
		require.NoError(t, err)

		_, err = session.Send(ctx, "hi", nil, nil)
		require.Error(t, err)

		var classified *ollama.Error
		require.ErrorAs(t, err, &classified)
		assert.Equal(t, ollama.KindModelNotFound, classified.Kind)

		// Only the user node exists.
		history, histErr := session.History(ctx)
		require.NoError(t, histErr)
		require.Len(t, history, 1)
		assert.Equal(t, tree.RoleUser, history[0].Role)
	})

	t.Run("should keep the partial reply on abort", func(t *testing.T) {
		blocked := make(chan struct{})
		aborting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			flusher := w.(http.Flusher)
			fmt.Fprintln(w, `{"message":{"role":"assistant","content":"partial "},"done":false}`)
			flusher.Flush()
			<-blocked
		}))
		defer aborting.Close()
		defer close(blocked)

		engine := tree.NewEngine(tree.NewMemoryStore())
		session, err := NewSession(ctx, engine, ollama.NewClient(aborting.URL), Options{Model: "m"})
		require.NoError(t, err)

		streamCtx, cancel := context.WithCancel(ctx)
		node, err := session.Send(streamCtx, "hi", nil, func(string) { cancel() })
		require.Error(t, err)
		assert.True(t, ollama.IsAbort(err), "expected abort, got %v", err)

		require.NotNil(t, node)
		assert.Equal(t, "partial ", node.Content)
	})
}

func TestSessionRegenerate(t *testing.T) {
	ctx := context.Background()

	t.Run("should branch a sibling reply and switch the active path", func(t *testing.T) {
		server := newScriptedServer(t, "first reply")
		session, engine := newTestSession(t, server, Options{})

		firstReply, err := session.Send(ctx, "question", nil, nil)
		require.NoError(t, err)

		userID := firstReply.ParentID
		server.reply = "better reply"
		secondReply, err := session.Regenerate(ctx, userID, nil)
		require.NoError(t, err)

		assert.Equal(t, userID, secondReply.ParentID)
		assert.Greater(t, secondReply.SiblingIndex, firstReply.SiblingIndex)

		history, err := session.History(ctx)
		require.NoError(t, err)
		assert.Equal(t, "better reply", history[len(history)-1].Content)

		// The replaced reply must not leak into the regeneration prompt.
		req := server.lastRequest()
		for _, msg := range req.Messages {
			assert.NotEqual(t, "first reply", msg.Content)
		}

		// The old branch is still addressable.
		siblings, err := engine.GetSiblings(ctx, secondReply.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{firstReply.ID, secondReply.ID}, siblings)
	})

	t.Run("should refuse to regenerate under a non-user node", func(t *testing.T) {
		server := newScriptedServer(t, "reply")
		session, _ := newTestSession(t, server, Options{})

		reply, err := session.Send(ctx, "question", nil, nil)
		require.NoError(t, err)

		_, err = session.Regenerate(ctx, reply.ID, nil)
		assert.Error(t, err)
	})
}

func TestSessionAsk(t *testing.T) {
	t.Run("should persist a one-shot exchange", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var req ollama.ChatRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.False(t, req.Stream)
			json.NewEncoder(w).Encode(ollama.ChatResponse{
				Message: ollama.Message{Role: ollama.RoleAssistant, Content: "four"},
				Done:    true,
			})
		}))
		defer server.Close()

		engine := tree.NewEngine(tree.NewMemoryStore())
		session, err := NewSession(context.Background(), engine, ollama.NewClient(server.URL), Options{Model: "m"})
		require.NoError(t, err)

		node, err := session.Ask(context.Background(), "2+2?")
		require.NoError(t, err)
		assert.Equal(t, "four", node.Content)

		history, err := session.History(context.Background())
		require.NoError(t, err)
		require.Len(t, history, 2)
	})
}

func TestSessionUsageTracking(t *testing.T) {
	t.Run("should report usage reconciled against server counts", func(t *testing.T) {
		server := newScriptedServer(t, "hello there")

		tracker := usage.NewTracker(usage.DefaultInterval, nil)
		engine := tree.NewEngine(tree.NewMemoryStore())
		session, err := NewSession(context.Background(), engine, ollama.NewClient(server.URL), Options{
			Model:   "qwen3:latest",
			Tracker: tracker,
		})
		require.NoError(t, err)

		_, err = session.Send(context.Background(), "hi", nil, nil)
		require.NoError(t, err)

		// The scripted final record reports 12 prompt and 7 eval tokens.
		stats := tracker.Stats()
		assert.Equal(t, 12, stats.PromptTokens)
		assert.Equal(t, 7, stats.CompletionTokens)
		assert.Equal(t, 1, stats.Requests)
	})
}

func TestSessionDeleteBranch(t *testing.T) {
	t.Run("should fall back to the previous branch", func(t *testing.T) {
		server := newScriptedServer(t, "first reply")
		session, _ := newTestSession(t, server, Options{})

		ctx := context.Background()
		firstReply, err := session.Send(ctx, "question", nil, nil)
		require.NoError(t, err)

		server.reply = "second reply"
		secondReply, err := session.Regenerate(ctx, firstReply.ParentID, nil)
		require.NoError(t, err)

		deleted, err := session.DeleteBranch(ctx, secondReply.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{secondReply.ID}, deleted)

		history, err := session.History(ctx)
		require.NoError(t, err)
		assert.Equal(t, firstReply.ID, history[len(history)-1].ID)
	})
}
