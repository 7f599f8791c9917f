package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

// Message roles in the tool loop.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// ToolCall is one tool invocation the model requested.
type ToolCall struct {
	ID    string
	Name  string
	Input map[string]any
}

// TurnMessage is one message in the running conversation. Tool-result
// turns carry ToolCallID and Text (the serialized result).
type TurnMessage struct {
	Role       string
	Text       string
	ToolCalls  []ToolCall
	ToolCallID string
}

// ConverseRequest is one model invocation.
type ConverseRequest struct {
	Model       string
	System      []string
	Messages    []TurnMessage
	Tools       []ToolDef
	MaxTokens   int32
	Temperature float32
}

// ConverseResponse is the model's reply: text, any requested tool calls,
// and why it stopped.
type ConverseResponse struct {
	Text       string
	ToolCalls  []ToolCall
	StopReason string
}

// LLMClient abstracts the model API so the loop can be tested with a
// scripted client.
type LLMClient interface {
	Converse(ctx context.Context, req ConverseRequest) (*ConverseResponse, error)
}

type bedrockConverseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockClient implements LLMClient over the Bedrock Converse API with
// tool-use blocks.
type BedrockClient struct {
	api bedrockConverseAPI
}

func NewBedrockClient(api bedrockConverseAPI) *BedrockClient {
	if api == nil {
		panic("agent: bedrock converse client cannot be nil")
	}
	return &BedrockClient{api: api}
}

func (c *BedrockClient) Converse(ctx context.Context, req ConverseRequest) (*ConverseResponse, error) {
	if strings.TrimSpace(req.Model) == "" {
		return nil, errors.New("agent: bedrock model id is required")
	}

	systemBlocks := make([]brtypes.SystemContentBlock, 0, len(req.System))
	for _, block := range req.System {
		if strings.TrimSpace(block) == "" {
			continue
		}
		systemBlocks = append(systemBlocks, &brtypes.SystemContentBlockMemberText{Value: block})
	}

	messages := make([]brtypes.Message, 0, len(req.Messages))
	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			if strings.TrimSpace(msg.Text) != "" {
				systemBlocks = append(systemBlocks, &brtypes.SystemContentBlockMemberText{Value: msg.Text})
			}
		case RoleUser:
			messages = append(messages, brtypes.Message{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: msg.Text}},
			})
		case RoleAssistant:
			content := make([]brtypes.ContentBlock, 0, 1+len(msg.ToolCalls))
			if strings.TrimSpace(msg.Text) != "" {
				content = append(content, &brtypes.ContentBlockMemberText{Value: msg.Text})
			}
			for _, tc := range msg.ToolCalls {
				content = append(content, &brtypes.ContentBlockMemberToolUse{
					Value: brtypes.ToolUseBlock{
						ToolUseId: aws.String(tc.ID),
						Name:      aws.String(tc.Name),
						Input:     document.NewLazyDocument(tc.Input),
					},
				})
			}
			messages = append(messages, brtypes.Message{Role: brtypes.ConversationRoleAssistant, Content: content})
		case RoleTool:
			messages = append(messages, brtypes.Message{
				Role: brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{
					&brtypes.ContentBlockMemberToolResult{
						Value: brtypes.ToolResultBlock{
							ToolUseId: aws.String(msg.ToolCallID),
							Content: []brtypes.ToolResultContentBlock{
								&brtypes.ToolResultContentBlockMemberText{Value: msg.Text},
							},
						},
					},
				},
			})
		default:
			return nil, fmt.Errorf("agent: unsupported role %q", msg.Role)
		}
	}

	var toolConfig *brtypes.ToolConfiguration
	if len(req.Tools) > 0 {
		tools := make([]brtypes.Tool, 0, len(req.Tools))
		for _, def := range req.Tools {
			tools = append(tools, &brtypes.ToolMemberToolSpec{
				Value: brtypes.ToolSpecification{
					Name:        aws.String(def.Name),
					Description: aws.String(def.Description),
					InputSchema: &brtypes.ToolInputSchemaMemberJson{
						Value: document.NewLazyDocument(def.InputSchema),
					},
				},
			})
		}
		toolConfig = &brtypes.ToolConfiguration{Tools: tools}
	}

	inference := &brtypes.InferenceConfiguration{}
	if req.MaxTokens > 0 {
		inference.MaxTokens = aws.Int32(req.MaxTokens)
	}
	if req.Temperature >= 0 {
		inference.Temperature = aws.Float32(req.Temperature)
	}

	out, err := c.api.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId:         aws.String(req.Model),
		System:          systemBlocks,
		Messages:        messages,
		ToolConfig:      toolConfig,
		InferenceConfig: inference,
	})
	if err != nil {
		return nil, err
	}
	return parseConverseOutput(out)
}

func parseConverseOutput(out *bedrockruntime.ConverseOutput) (*ConverseResponse, error) {
	if out == nil {
		return nil, errors.New("agent: bedrock response is nil")
	}
	msgOut, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return nil, errors.New("agent: bedrock response did not include a message output")
	}

	resp := &ConverseResponse{StopReason: string(out.StopReason)}
	var builder strings.Builder
	for _, block := range msgOut.Value.Content {
		switch v := block.(type) {
		case *brtypes.ContentBlockMemberText:
			builder.WriteString(v.Value)
		case *brtypes.ContentBlockMemberToolUse:
			call := ToolCall{
				ID:   aws.ToString(v.Value.ToolUseId),
				Name: aws.ToString(v.Value.Name),
			}
			if v.Value.Input != nil {
				var input map[string]any
				if err := v.Value.Input.UnmarshalSmithyDocument(&input); err != nil {
					return nil, fmt.Errorf("agent: decode tool input for %s: %w", call.Name, err)
				}
				call.Input = input
			}
			resp.ToolCalls = append(resp.ToolCalls, call)
		}
	}
	resp.Text = strings.TrimSpace(builder.String())
	return resp, nil
}
