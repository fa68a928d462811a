// Package agent drives model-backed analysis and conversation for failure
// sessions. Each invocation builds a fresh react agent over a session-bound
// toolset; continuity lives in the stored conversation, not the agent.
package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
)

// Invocation is one request to the model: a system persona, a user prompt,
// and the tools the model may call during its react loop.
type Invocation struct {
	System   string
	Prompt   string
	Tools    []tool.BaseTool
	MaxSteps int // react loop bound; provider default when zero
}

// Result is the normalized model output of one invocation.
type Result struct {
	Text string
}

// Provider runs agent invocations. ClaudeProvider is the production
// implementation; MockProvider serves tests and credential-free setups.
type Provider interface {
	// Analyze runs a fresh failure analysis with no conversation history.
	Analyze(ctx context.Context, inv Invocation) (Result, error)
	// Chat answers a user message within an ongoing session.
	Chat(ctx context.Context, inv Invocation) (Result, error)
}

// Normalize converts a model message into a Result. A nil message or empty
// content yields an empty Result.
func Normalize(msg *schema.Message) Result {
	if msg == nil {
		return Result{}
	}
	return Result{Text: strings.TrimSpace(msg.Content)}
}

// ExtractText flattens a stored response payload to plain text. Earlier
// versions of the session store kept whole model responses as JSON; this
// accepts every historical shape: a bare string, a content block list, a
// content string, or a message wrapper.
func ExtractText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case map[string]any:
		switch c := t["content"].(type) {
		case string:
			return c
		case []any:
			var b strings.Builder
			for _, item := range c {
				if m, ok := item.(map[string]any); ok {
					if s, ok := m["text"].(string); ok {
						b.WriteString(s)
					}
				}
			}
			return b.String()
		}
		if m, ok := t["message"]; ok {
			return fmt.Sprintf("%v", m)
		}
	}
	return fmt.Sprintf("%v", v)
}
