package tokens

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomchat/loom/pkg/ollama"
)

func TestNewCounter(t *testing.T) {
	for _, model := range []string{"gpt-4", "qwen3:latest", "llama3:8b", "unknown-model"} {
		t.Run("should build a counter for "+model, func(t *testing.T) {
			counter, err := NewCounter(model)
			require.NoError(t, err)
			require.NotNil(t, counter)
		})
	}
}

func TestCount(t *testing.T) {
	counter, err := NewCounter("qwen3:latest")
	require.NoError(t, err)

	t.Run("should count simple text within a plausible range", func(t *testing.T) {
		count := counter.Count("The quick brown fox jumps over the lazy dog.")
		assert.GreaterOrEqual(t, count, 8)
		assert.LessOrEqual(t, count, 12)
	})

	t.Run("should count empty text as zero", func(t *testing.T) {
		assert.Zero(t, counter.Count(""))
	})
}

func TestCountMessage(t *testing.T) {
	counter, err := NewCounter("qwen3:latest")
	require.NoError(t, err)

	t.Run("should include boundary overhead", func(t *testing.T) {
		count := counter.CountMessage(ollama.Message{Role: "user", Content: "Hello!"})
		bare := counter.Count("user") + counter.Count("Hello!")
		assert.Equal(t, bare+4, count)
	})

	t.Run("should include thinking output", func(t *testing.T) {
		without := counter.CountMessage(ollama.Message{Role: "assistant", Content: "42"})
		with := counter.CountMessage(ollama.Message{Role: "assistant", Content: "42", Thinking: "let me reason about this"})
		assert.Greater(t, with, without)
	})

	t.Run("should include tool call payloads", func(t *testing.T) {
		without := counter.CountMessage(ollama.Message{Role: "assistant"})
		with := counter.CountMessage(ollama.Message{
			Role: "assistant",
			ToolCalls: []ollama.ToolCall{{
				Function: ollama.ToolCallFunction{
					Name:      "get_weather",
					Arguments: map[string]any{"city": "Paris"},
				},
			}},
		})
		assert.Greater(t, with, without)
	})
}

func TestCountConversation(t *testing.T) {
	counter, err := NewCounter("qwen3:latest")
	require.NoError(t, err)

	messages := []ollama.Message{
		{Role: "system", Content: "You are a helpful assistant."},
		{Role: "user", Content: "Hello!"},
		{Role: "assistant", Content: "Hi there! How can I help you today?"},
	}

	t.Run("should exceed the sum of contents and grow with history", func(t *testing.T) {
		count := counter.CountConversation(messages)
		assert.Greater(t, count, counter.Count(messages[0].Content))

		longer := counter.CountConversation(append(messages, ollama.Message{Role: "user", Content: "Tell me more."}))
		assert.Greater(t, longer, count)
	})

	t.Run("should count an empty history as priming overhead only", func(t *testing.T) {
		assert.Equal(t, 3, counter.CountConversation(nil))
	})
}

func TestEncodingForModel(t *testing.T) {
	cases := map[string]string{
		"gpt-4":            "cl100k_base",
		"gpt-3.5-turbo":    "cl100k_base",
		"text-davinci-003": "p50k_base",
		"code-davinci-002": "p50k_base",
		"qwen3:latest":     "cl100k_base",
		"llama3:8b":        "cl100k_base",
		"nomic-embed-text": "cl100k_base",
	}
	for model, want := range cases {
		assert.Equal(t, want, encodingForModel(model), "model %q", model)
	}
}

func TestEstimateTokens(t *testing.T) {
	t.Run("should use word count for normal prose", func(t *testing.T) {
		count := estimateTokens("The quick brown fox jumps over the lazy dog")
		assert.GreaterOrEqual(t, count, 9)
	})

	t.Run("should use character count for long single words", func(t *testing.T) {
		count := estimateTokens("Supercalifragilisticexpialidocious")
		assert.GreaterOrEqual(t, count, 3)
	})
}
