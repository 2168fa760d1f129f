// Package bedrock implements the AWS Bedrock Converse dialect via the
// official SDK. The adapter depends on a narrow RuntimeClient interface so
// tests can substitute a fake for the real bedrockruntime client.
package bedrock

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"go.uber.org/zap"

	"github.com/lynkr/lynkr/internal/domain/entity"
	"github.com/lynkr/lynkr/internal/infrastructure/config"
	llm "github.com/lynkr/lynkr/internal/infrastructure/llm"
	apperrors "github.com/lynkr/lynkr/pkg/errors"
)

func init() {
	llm.RegisterFactory("bedrock", func(name string, cfg config.Provider, transport *llm.Transport, logger *zap.Logger) (llm.Provider, error) {
		return New(name, cfg, logger)
	})
}

// RuntimeClient is the subset of *bedrockruntime.Client the adapter needs.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Provider speaks the Bedrock Converse API.
type Provider struct {
	name    string
	model   string
	runtime RuntimeClient
	logger  *zap.Logger
}

// New creates a Bedrock dialect provider with a real runtime client built
// from static credentials.
func New(name string, cfg config.Provider, logger *zap.Logger) (*Provider, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("bedrock provider %q requires a region", name)
	}
	creds := aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
		return aws.Credentials{
			AccessKeyID:     cfg.APIKey,
			SecretAccessKey: cfg.SecretKey,
			Source:          "lynkr config",
		}, nil
	})
	runtime := bedrockruntime.New(bedrockruntime.Options{
		Region:      cfg.Region,
		Credentials: creds,
	})
	return NewWithRuntime(name, cfg.Model, runtime, logger), nil
}

// NewWithRuntime creates a provider around an existing runtime client.
func NewWithRuntime(name, model string, runtime RuntimeClient, logger *zap.Logger) *Provider {
	return &Provider{
		name:    name,
		model:   model,
		runtime: runtime,
		logger:  logger.With(zap.String("provider", name), zap.String("dialect", "bedrock")),
	}
}

var _ llm.Provider = (*Provider)(nil)

func (p *Provider) Name() string { return p.name }

func (p *Provider) Capabilities() llm.Capabilities {
	return llm.Capabilities{SupportsTools: true, SupportsStreaming: false}
}

// EncodeRequest builds the ConverseInput from the canonical request.
func (p *Provider) EncodeRequest(req *entity.Request) (*bedrockruntime.ConverseInput, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(model),
	}

	if req.System != "" {
		input.System = []brtypes.SystemContentBlock{
			&brtypes.SystemContentBlockMemberText{Value: string(req.System)},
		}
	}

	for _, msg := range req.Messages {
		blocks, err := encodeBlocks(msg.Content.Blocks())
		if err != nil {
			return nil, err
		}
		if len(blocks) == 0 {
			continue
		}
		role := brtypes.ConversationRoleUser
		if msg.Role == entity.RoleAssistant {
			role = brtypes.ConversationRoleAssistant
		}
		input.Messages = append(input.Messages, brtypes.Message{Role: role, Content: blocks})
	}

	if len(req.Tools) > 0 {
		toolList := make([]brtypes.Tool, 0, len(req.Tools))
		for _, td := range req.Tools {
			schema := td.InputSchema
			if schema == nil {
				schema = map[string]any{"type": "object", "properties": map[string]any{}}
			}
			description := td.Description
			if description == "" {
				description = td.Name
			}
			toolList = append(toolList, &brtypes.ToolMemberToolSpec{Value: brtypes.ToolSpecification{
				Name:        aws.String(td.Name),
				Description: aws.String(description),
				InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: lazyDocument(schema)},
			}})
		}
		toolCfg := &brtypes.ToolConfiguration{Tools: toolList}
		if req.ToolChoice != nil {
			switch req.ToolChoice.Type {
			case "auto":
				toolCfg.ToolChoice = &brtypes.ToolChoiceMemberAuto{Value: brtypes.AutoToolChoice{}}
			case "tool":
				toolCfg.ToolChoice = &brtypes.ToolChoiceMemberTool{Value: brtypes.SpecificToolChoice{
					Name: aws.String(req.ToolChoice.Name),
				}}
			}
		}
		input.ToolConfig = toolCfg
	}

	if req.MaxTokens > 0 || req.Temperature != nil || req.TopP != nil {
		cfg := &brtypes.InferenceConfiguration{}
		if req.MaxTokens > 0 {
			cfg.MaxTokens = aws.Int32(int32(req.MaxTokens))
		}
		if req.Temperature != nil {
			cfg.Temperature = aws.Float32(float32(*req.Temperature))
		}
		if req.TopP != nil {
			cfg.TopP = aws.Float32(float32(*req.TopP))
		}
		input.InferenceConfig = cfg
	}

	return input, nil
}

func encodeBlocks(blocks []entity.ContentBlock) ([]brtypes.ContentBlock, error) {
	var out []brtypes.ContentBlock
	for _, b := range blocks {
		switch b.Kind {
		case entity.BlockText, entity.BlockInputText:
			if b.Text != "" {
				out = append(out, &brtypes.ContentBlockMemberText{Value: b.Text})
			}
		case entity.BlockToolUse:
			if b.ToolUse == nil {
				continue
			}
			tb := brtypes.ToolUseBlock{
				Name:  aws.String(b.ToolUse.Name),
				Input: lazyDocument(b.ToolUse.Input),
			}
			if b.ToolUse.ID != "" {
				tb.ToolUseId = aws.String(b.ToolUse.ID)
			}
			out = append(out, &brtypes.ContentBlockMemberToolUse{Value: tb})
		case entity.BlockToolResult:
			if b.ToolResult == nil {
				continue
			}
			tr := brtypes.ToolResultBlock{
				ToolUseId: aws.String(b.ToolResult.ToolUseID),
				Content: []brtypes.ToolResultContentBlock{
					&brtypes.ToolResultContentBlockMemberText{Value: b.ToolResult.Content},
				},
			}
			if b.ToolResult.IsError {
				tr.Status = brtypes.ToolResultStatusError
			}
			out = append(out, &brtypes.ContentBlockMemberToolResult{Value: tr})
		default:
			return nil, fmt.Errorf("bedrock: unsupported content block kind %q", b.Kind)
		}
	}
	return out, nil
}

func lazyDocument(v any) document.Interface {
	if v == nil {
		v = map[string]any{}
	}
	return document.NewLazyDocument(&v)
}

// DecodeResponse translates the Converse output to the canonical shape.
func (p *Provider) DecodeResponse(output *bedrockruntime.ConverseOutput) (*entity.Response, error) {
	out := &entity.Response{
		Type: "message",
		Role: entity.RoleAssistant,
	}

	msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok || msg == nil {
		// The SDK response decoded but has no message; there is no HTTP
		// status to relay.
		return nil, apperrors.NewMalformedResponse(p.name, 0, "converse output carries no message")
	}

	for _, block := range msg.Value.Content {
		switch v := block.(type) {
		case *brtypes.ContentBlockMemberText:
			if v.Value != "" {
				out.Content = append(out.Content, entity.TextBlock(v.Value))
			}
		case *brtypes.ContentBlockMemberToolUse:
			call := entity.ToolCall{ID: aws.ToString(v.Value.ToolUseId), Name: aws.ToString(v.Value.Name)}
			if raw := decodeDocument(v.Value.Input); raw != nil {
				_ = json.Unmarshal(raw, &call.Input)
			}
			out.Content = append(out.Content, entity.ToolUseBlock(call))
		}
	}

	if usage := output.Usage; usage != nil {
		out.Usage = entity.Usage{
			InputTokens:  int(aws.ToInt32(usage.InputTokens)),
			OutputTokens: int(aws.ToInt32(usage.OutputTokens)),
		}
	}

	switch output.StopReason {
	case brtypes.StopReasonToolUse:
		out.StopReason = entity.StopToolUse
	case brtypes.StopReasonMaxTokens:
		out.StopReason = entity.StopMaxTokens
	case brtypes.StopReasonStopSequence:
		out.StopReason = entity.StopStopSequence
	default:
		out.StopReason = entity.StopEndTurn
	}
	return out, nil
}

func decodeDocument(doc document.Interface) json.RawMessage {
	if doc == nil {
		return nil
	}
	data, err := doc.MarshalSmithyDocument()
	if err != nil || len(data) == 0 {
		return nil
	}
	return data
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req *entity.Request) (*entity.Response, error) {
	input, err := p.EncodeRequest(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidRequest, "encode converse request", err)
	}

	output, err := p.runtime.Converse(ctx, input)
	if err != nil {
		return nil, apperrors.NewTransportError(err)
	}
	return p.DecodeResponse(output)
}

// Stream implements llm.Provider. The Converse adapter is non-streaming;
// callers must check Capabilities first.
func (p *Provider) Stream(ctx context.Context, req *entity.Request) (*llm.StreamResult, error) {
	return nil, apperrors.New(apperrors.CodeInvalidRequest, "bedrock dialect does not support streaming")
}
