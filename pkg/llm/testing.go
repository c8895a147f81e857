package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rexxy-sasori/rlm/pkg/models"
)

// ScriptEntry defines a single scripted model response.
type ScriptEntry struct {
	// Response content (at most one of Message/Err should be set)
	Message         models.Message
	Usage           models.UsageRecord
	ContentFiltered bool
	Err             error // Return error from Complete()

	// Test control
	BlockUntilCancelled bool            // Block Complete() until ctx is cancelled
	WaitCh              <-chan struct{} // Block Complete() until closed, then return normally
	OnBlock             chan<- struct{} // Notified when Complete() enters its blocking path
}

// TextEntry is a shorthand for a plain assistant answer with nominal usage.
func TextEntry(text string) ScriptEntry {
	return ScriptEntry{
		Message: models.Message{Role: models.RoleAssistant, Content: text},
		Usage:   models.UsageRecord{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

// ToolCallEntry is a shorthand for an assistant turn issuing one tool call.
func ToolCallEntry(callID, tool string, args any) ScriptEntry {
	raw, err := json.Marshal(args)
	if err != nil {
		panic(fmt.Sprintf("ToolCallEntry: unmarshalable args: %v", err))
	}
	return ScriptEntry{
		Message: models.Message{
			Role: models.RoleAssistant,
			ToolCalls: []models.ToolCall{
				{ID: callID, Name: tool, Arguments: raw},
			},
		},
		Usage: models.UsageRecord{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

// ScriptedClient implements Client with a dual-dispatch mock: sequential
// fallback for single-model flows, plus model-aware routing for recursive
// flows where root and sub levels interleave non-deterministically.
type ScriptedClient struct {
	mu         sync.Mutex
	sequential []ScriptEntry // consumed in order for non-routed calls
	seqIndex   int
	routes     map[string][]ScriptEntry // modelID → per-model script
	routeIndex map[string]int           // modelID → current index
	captured   []*Request
}

// NewScriptedClient creates a new ScriptedClient.
func NewScriptedClient() *ScriptedClient {
	return &ScriptedClient{
		routes:     make(map[string][]ScriptEntry),
		routeIndex: make(map[string]int),
	}
}

// AddSequential adds an entry consumed in order for non-routed calls.
func (c *ScriptedClient) AddSequential(entry ScriptEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sequential = append(c.sequential, entry)
}

// AddRouted adds an entry for a specific model ID. Used when root and sub
// levels need differentiated responses.
func (c *ScriptedClient) AddRouted(modelID string, entry ScriptEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.routes[modelID] = append(c.routes[modelID], entry)
}

// Complete implements Client.
func (c *ScriptedClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	c.mu.Lock()
	c.captured = append(c.captured, req)
	entry, err := c.nextEntry(req)
	c.mu.Unlock()

	if err != nil {
		return nil, err
	}

	if entry.BlockUntilCancelled {
		if entry.OnBlock != nil {
			entry.OnBlock <- struct{}{}
		}
		<-ctx.Done()
		return nil, &Error{Kind: models.ErrorKindCancelled, Err: ctx.Err()}
	}

	if entry.WaitCh != nil {
		if entry.OnBlock != nil {
			entry.OnBlock <- struct{}{}
		}
		select {
		case <-entry.WaitCh:
			// Released, fall through to the normal response.
		case <-ctx.Done():
			return nil, &Error{Kind: models.ErrorKindCancelled, Err: ctx.Err()}
		}
	}

	if entry.Err != nil {
		return nil, entry.Err
	}

	msg := entry.Message
	if msg.Role == "" {
		msg.Role = models.RoleAssistant
	}
	usage := entry.Usage
	if usage.ModelID == "" {
		usage.ModelID = req.ModelID
	}
	return &Response{
		Message:         msg,
		Usage:           usage,
		ContentFiltered: entry.ContentFiltered,
	}, nil
}

// Close implements Client.
func (c *ScriptedClient) Close() error { return nil }

// CallCount returns the total number of Complete() calls made.
func (c *ScriptedClient) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.captured)
}

// Requests returns the captured requests in call order.
func (c *ScriptedClient) Requests() []*Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Request, len(c.captured))
	copy(out, c.captured)
	return out
}

// nextEntry selects the next script entry using dual dispatch.
// Must be called with c.mu held.
func (c *ScriptedClient) nextEntry(req *Request) (*ScriptEntry, error) {
	if entries, ok := c.routes[req.ModelID]; ok {
		idx := c.routeIndex[req.ModelID]
		if idx < len(entries) {
			c.routeIndex[req.ModelID] = idx + 1
			return &entries[idx], nil
		}
	}

	if c.seqIndex < len(c.sequential) {
		entry := &c.sequential[c.seqIndex]
		c.seqIndex++
		return entry, nil
	}

	return nil, fmt.Errorf("ScriptedClient: no more entries (model=%q, sequential=%d/%d)",
		req.ModelID, c.seqIndex, len(c.sequential))
}

var _ Client = (*ScriptedClient)(nil)
