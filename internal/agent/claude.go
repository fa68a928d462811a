package agent

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/flow/agent/react"
	"github.com/cloudwego/eino/schema"

	"pipemedic/internal/config"
)

// defaultMaxSteps bounds the react tool loop for a single invocation.
const defaultMaxSteps = 30

// ClaudeProvider runs invocations against Anthropic Claude through the eino
// react agent, via AWS Bedrock or the Anthropic API depending on config.
type ClaudeProvider struct {
	model model.ToolCallingChatModel
}

// NewClaudeProvider builds the chat model from config. Provider "bedrock"
// selects the Bedrock runtime with AWS credentials; anything else uses the
// Anthropic API key directly.
func NewClaudeProvider(ctx context.Context, cfg config.LLMConfig) (*ClaudeProvider, error) {
	mc := &claude.Config{
		Model:     cfg.ModelID,
		MaxTokens: cfg.MaxTokens,
	}
	if cfg.Provider == "bedrock" {
		mc.ByBedrock = true
		mc.Region = cfg.AWSRegion
		mc.AccessKey = cfg.AWSAccessKey
		mc.SecretAccessKey = cfg.AWSSecretKey
		mc.SessionToken = cfg.AWSSessionToken
	} else {
		mc.APIKey = cfg.AnthropicAPIKey
	}

	cm, err := claude.NewChatModel(ctx, mc)
	if err != nil {
		return nil, fmt.Errorf("agent: create claude model: %w", err)
	}
	return &ClaudeProvider{model: cm}, nil
}

// Analyze runs a fresh failure analysis with no conversation history.
func (p *ClaudeProvider) Analyze(ctx context.Context, inv Invocation) (Result, error) {
	return p.run(ctx, inv)
}

// Chat answers a user message within an ongoing session.
func (p *ClaudeProvider) Chat(ctx context.Context, inv Invocation) (Result, error) {
	return p.run(ctx, inv)
}

func (p *ClaudeProvider) run(ctx context.Context, inv Invocation) (Result, error) {
	maxSteps := inv.MaxSteps
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}

	ra, err := react.NewAgent(ctx, &react.AgentConfig{
		ToolCallingModel: p.model,
		ToolsConfig: compose.ToolsNodeConfig{
			Tools: inv.Tools,
		},
		MessageModifier: func(_ context.Context, input []*schema.Message) []*schema.Message {
			if inv.System == "" {
				return input
			}
			out := make([]*schema.Message, 0, len(input)+1)
			out = append(out, schema.SystemMessage(inv.System))
			out = append(out, input...)
			return out
		},
		MaxStep: maxSteps,
	})
	if err != nil {
		return Result{}, fmt.Errorf("agent: create react agent: %w", err)
	}

	msg, err := ra.Generate(ctx, []*schema.Message{schema.UserMessage(inv.Prompt)})
	if err != nil {
		return Result{}, fmt.Errorf("agent: generate: %w", err)
	}
	return Normalize(msg), nil
}
