package usage

import (
	"sync"
	"time"

	"github.com/bep/debounce"

	"github.com/loomchat/loom/pkg/ollama"
)

// Stats is a point-in-time snapshot of accumulated token usage.
type Stats struct {
	PromptTokens     int
	CompletionTokens int
	Requests         int
	Model            string
	UpdatedAt        time.Time
}

// Total returns prompt plus completion tokens.
func (s Stats) Total() int {
	return s.PromptTokens + s.CompletionTokens
}

// Tracker accumulates token usage across chat requests and pushes
// snapshots to an observer. Streaming updates arrive per token, so
// observer notifications are debounced; Flush delivers the current
// snapshot immediately and is always called on stream completion.
type Tracker struct {
	mu       sync.Mutex
	stats    Stats
	onUpdate func(Stats)
	notify   func(f func())
}

// DefaultInterval is the notification debounce window.
const DefaultInterval = 250 * time.Millisecond

// NewTracker creates a tracker that reports snapshots through onUpdate,
// coalescing bursts within interval. A nil onUpdate disables reporting.
func NewTracker(interval time.Duration, onUpdate func(Stats)) *Tracker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Tracker{
		onUpdate: onUpdate,
		notify:   debounce.New(interval),
	}
}

// RecordPrompt records the estimated prompt-side tokens of one request.
func (t *Tracker) RecordPrompt(tokens int, model string) {
	t.mu.Lock()
	t.stats.PromptTokens += tokens
	t.stats.Requests++
	t.stats.Model = model
	t.stats.UpdatedAt = time.Now()
	t.mu.Unlock()

	t.scheduleNotify()
}

// RecordDelta records completion tokens as they stream in.
func (t *Tracker) RecordDelta(tokens int) {
	if tokens == 0 {
		return
	}
	t.mu.Lock()
	t.stats.CompletionTokens += tokens
	t.stats.UpdatedAt = time.Now()
	t.mu.Unlock()

	t.scheduleNotify()
}

// RecordFinal reconciles the running estimate against the server's own
// counts from the final record, then flushes. Server counts win: local
// estimates drift on models whose tokenizer we approximate.
func (t *Tracker) RecordFinal(estPrompt, estCompletion int, resp *ollama.ChatResponse) {
	t.mu.Lock()
	if resp != nil {
		if resp.PromptEvalCount > 0 {
			t.stats.PromptTokens += resp.PromptEvalCount - estPrompt
		}
		if resp.EvalCount > 0 {
			t.stats.CompletionTokens += resp.EvalCount - estCompletion
		}
	}
	t.stats.UpdatedAt = time.Now()
	t.mu.Unlock()

	t.Flush()
}

// Stats returns the current snapshot.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// Reset clears all accumulated counters.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.stats = Stats{}
	t.mu.Unlock()
}

// Flush delivers the current snapshot to the observer immediately,
// bypassing the debounce window.
func (t *Tracker) Flush() {
	if t.onUpdate == nil {
		return
	}
	t.onUpdate(t.Stats())
}

func (t *Tracker) scheduleNotify() {
	if t.onUpdate == nil {
		return
	}
	t.notify(func() {
		t.onUpdate(t.Stats())
	})
}
