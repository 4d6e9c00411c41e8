package tokens

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/loomchat/loom/pkg/ollama"
)

// Counter estimates token usage for chat messages. Local models do not
// expose their tokenizers, so counts are approximate: a BPE encoding
// close enough to the model family, plus fixed per-message overhead.
type Counter struct {
	encoder *tiktoken.Tiktoken
	mu      sync.RWMutex
}

// NewCounter creates a counter for the given model name. Unknown models
// fall back to cl100k_base, which tracks modern local models reasonably.
func NewCounter(modelName string) (*Counter, error) {
	encoder, err := tiktoken.GetEncoding(encodingForModel(modelName))
	if err != nil {
		encoder, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}
	return &Counter{encoder: encoder}, nil
}

// Count counts tokens in a piece of text.
func (c *Counter) Count(text string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.encoder == nil {
		return estimateTokens(text)
	}
	return len(c.encoder.Encode(text, nil, nil))
}

// CountMessage counts the tokens one chat message contributes to the
// context window, including role markers and tool-call payloads.
func (c *Counter) CountMessage(msg ollama.Message) int {
	tokens := c.Count(msg.Role) + c.Count(msg.Content)

	// Thinking output occupies context on models that emit it inline.
	if msg.Thinking != "" {
		tokens += c.Count(msg.Thinking)
	}

	for _, call := range msg.ToolCalls {
		tokens += c.Count(call.Function.Name)
		if args, err := json.Marshal(call.Function.Arguments); err == nil {
			tokens += c.Count(string(args))
		}
	}

	// Message boundary markers, <|start|>role ... <|end|> style.
	return tokens + 4
}

// CountConversation counts tokens for a full message history, the way it
// would be packed into a chat request.
func (c *Counter) CountConversation(messages []ollama.Message) int {
	total := 0
	for _, msg := range messages {
		total += c.CountMessage(msg)
	}
	// Every reply is primed with the assistant role.
	return total + 3
}

func encodingForModel(modelName string) string {
	lower := strings.ToLower(modelName)

	if strings.Contains(lower, "gpt-4") || strings.Contains(lower, "gpt-3.5") {
		return "cl100k_base"
	}
	if strings.Contains(lower, "davinci") || strings.Contains(lower, "curie") {
		return "p50k_base"
	}
	if strings.Contains(lower, "code") {
		return "p50k_base"
	}
	return "cl100k_base"
}

// estimateTokens is the rough fallback when no encoder is available:
// one token per word or per four characters, whichever is larger.
func estimateTokens(text string) int {
	wordEstimate := len(strings.Fields(text))
	charEstimate := len(text) / 4
	if wordEstimate > charEstimate {
		return wordEstimate
	}
	return charEstimate
}
