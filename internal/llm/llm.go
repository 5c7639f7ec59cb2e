// Package llm wraps the language model behind two narrow operations: open
// generation and closed-set classification. Node handlers never talk to the
// provider SDK directly.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// Turn is one message of model-visible conversation context.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolSpec describes a callable capability advertised to the model.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolCallRequest is the model asking for a tool invocation. The executor
// decides whether to honor it.
type ToolCallRequest struct {
	ID        string
	Name      string
	Arguments map[string]any
}

type Reply struct {
	Text      string
	ToolCalls []ToolCallRequest
}

type CompletionRequest struct {
	System      string
	Turns       []Turn
	Temperature float64
	MaxTokens   int
	Tools       []ToolSpec
}

// Client is the model contract the engine consumes. Classify must return a
// label from the given set, or "" when the model's answer is not in the set.
type Client interface {
	Complete(ctx context.Context, req CompletionRequest) (*Reply, error)
	Classify(ctx context.Context, instruction string, history []Turn, labels []string) (string, error)
}

type OpenAIClient struct {
	model               llms.Model
	modelName           string
	maxTokens           int
	classifyTemperature float64
}

type Options struct {
	APIKey              string
	BaseURL             string
	Model               string
	MaxTokens           int
	ClassifyTemperature float64
}

func NewOpenAIClient(opts Options) (*OpenAIClient, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("llm: api key is required")
	}
	clientOpts := []openai.Option{
		openai.WithToken(opts.APIKey),
		openai.WithModel(opts.Model),
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, openai.WithBaseURL(opts.BaseURL))
	}
	model, err := openai.New(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("llm: create client: %w", err)
	}
	return &OpenAIClient{
		model:               model,
		modelName:           opts.Model,
		maxTokens:           opts.MaxTokens,
		classifyTemperature: opts.ClassifyTemperature,
	}, nil
}

func (c *OpenAIClient) Complete(ctx context.Context, req CompletionRequest) (*Reply, error) {
	messages := buildMessages(req.System, req.Turns)

	callOpts := []llms.CallOption{
		llms.WithTemperature(req.Temperature),
	}
	if req.MaxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(req.MaxTokens))
	} else if c.maxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(c.maxTokens))
	}
	if len(req.Tools) > 0 {
		callOpts = append(callOpts, llms.WithTools(toLangchainTools(req.Tools)))
	}

	resp, err := c.model.GenerateContent(ctx, messages, callOpts...)
	if err != nil {
		return nil, fmt.Errorf("llm: generate: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("llm: empty response from %s", c.modelName)
	}

	choice := resp.Choices[0]
	reply := &Reply{Text: strings.TrimSpace(choice.Content)}
	for _, tc := range choice.ToolCalls {
		if tc.FunctionCall == nil {
			continue
		}
		args := map[string]any{}
		if raw := tc.FunctionCall.Arguments; raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				return nil, fmt.Errorf("llm: tool call %s has malformed arguments: %w", tc.FunctionCall.Name, err)
			}
		}
		reply.ToolCalls = append(reply.ToolCalls, ToolCallRequest{
			ID:        tc.ID,
			Name:      tc.FunctionCall.Name,
			Arguments: args,
		})
	}
	return reply, nil
}

// Classify asks the model to pick exactly one label. The answer is matched
// case-insensitively against the label set; anything else comes back as "".
func (c *OpenAIClient) Classify(ctx context.Context, instruction string, history []Turn, labels []string) (string, error) {
	system := fmt.Sprintf("%s\n\nAnswer with exactly one of: %s. Output only the label, nothing else.",
		instruction, strings.Join(labels, ", "))

	messages := buildMessages(system, history)
	resp, err := c.model.GenerateContent(ctx, messages,
		llms.WithTemperature(c.classifyTemperature),
		llms.WithMaxTokens(16),
	)
	if err != nil {
		return "", fmt.Errorf("llm: classify: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("llm: empty classify response from %s", c.modelName)
	}

	return MatchLabel(resp.Choices[0].Content, labels), nil
}

// MatchLabel normalizes a raw model answer against a closed label set.
// Returns "" when the answer does not name any label.
func MatchLabel(raw string, labels []string) string {
	answer := strings.ToLower(strings.TrimSpace(raw))
	answer = strings.Trim(answer, `"'.!`)
	for _, label := range labels {
		if answer == strings.ToLower(label) {
			return label
		}
	}
	// tolerate answers like "the label is: study"
	for _, label := range labels {
		if strings.Contains(answer, strings.ToLower(label)) {
			return label
		}
	}
	return ""
}

func buildMessages(system string, turns []Turn) []llms.MessageContent {
	messages := make([]llms.MessageContent, 0, len(turns)+1)
	if system != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, system))
	}
	for _, turn := range turns {
		messages = append(messages, llms.TextParts(roleToMessageType(turn.Role), turn.Content))
	}
	return messages
}

func roleToMessageType(role string) llms.ChatMessageType {
	switch role {
	case "assistant":
		return llms.ChatMessageTypeAI
	case "system":
		return llms.ChatMessageTypeSystem
	case "tool":
		return llms.ChatMessageTypeTool
	default:
		return llms.ChatMessageTypeHuman
	}
}

func toLangchainTools(specs []ToolSpec) []llms.Tool {
	tools := make([]llms.Tool, 0, len(specs))
	for _, spec := range specs {
		tools = append(tools, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  spec.Parameters,
			},
		})
	}
	return tools
}
