package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrock"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"routegate/internal/domain"
)

// BedrockClient speaks the AWS Bedrock Converse dialect. Static IAM
// credentials are optional; without them the default AWS credential
// chain applies.
type BedrockClient struct {
	name    string
	runtime *bedrockruntime.Client
	control *bedrock.Client
}

// NewBedrockClient creates a Bedrock dialect client for a region.
func NewBedrockClient(ctx context.Context, name, region, accessKey, secretKey string) (*BedrockClient, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	return &BedrockClient{
		name:    name,
		runtime: bedrockruntime.NewFromConfig(awsCfg),
		control: bedrock.NewFromConfig(awsCfg),
	}, nil
}

// ChatComplete sends a Converse request. model is the Bedrock model
// id, already resolved by the manager.
func (c *BedrockClient) ChatComplete(ctx context.Context, model string, req *domain.LLMRequest) (*domain.ProviderResult, error) {
	var messages []types.Message
	for _, m := range req.Messages {
		role := types.ConversationRoleUser
		if m.Role == domain.RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		if m.Role == domain.RoleSystem {
			// System text travels in the top-level System field.
			continue
		}
		messages = append(messages, types.Message{
			Role: role,
			Content: []types.ContentBlock{
				&types.ContentBlockMemberText{Value: m.Content},
			},
		})
	}

	var system []types.SystemContentBlock
	if req.System != "" {
		system = append(system, &types.SystemContentBlockMemberText{Value: req.System})
	}

	inference := &types.InferenceConfiguration{}
	if req.MaxTokens > 0 {
		inference.MaxTokens = aws.Int32(int32(req.MaxTokens))
	}
	if req.Temperature > 0 {
		inference.Temperature = aws.Float32(float32(req.Temperature))
	}

	output, err := c.runtime.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId:         aws.String(model),
		Messages:        messages,
		System:          system,
		InferenceConfig: inference,
	})
	if err != nil {
		return nil, c.classify(err)
	}

	var text strings.Builder
	if msg, ok := output.Output.(*types.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			if t, ok := block.(*types.ContentBlockMemberText); ok {
				text.WriteString(t.Value)
			}
		}
	}
	if text.Len() == 0 {
		return nil, domain.NewError(domain.ErrUnknown, "provider %s returned no text content", c.name)
	}

	result := &domain.ProviderResult{
		Content:      text.String(),
		FinishReason: string(output.StopReason),
		Provider:     c.name,
	}
	if output.Usage != nil {
		in := int(aws.ToInt32(output.Usage.InputTokens))
		out := int(aws.ToInt32(output.Usage.OutputTokens))
		result.Usage = domain.Usage{
			PromptTokens:     in,
			CompletionTokens: out,
			TotalTokens:      in + out,
		}
	}
	return result, nil
}

// classify maps AWS SDK errors to the taxonomy using the underlying
// HTTP status when available.
func (c *BedrockClient) classify(err error) error {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return classifyStatus(c.name, respErr.HTTPStatusCode(), err.Error(), "")
	}
	var throttle *types.ThrottlingException
	if errors.As(err, &throttle) {
		return &domain.Error{Kind: domain.ErrRateLimit, Provider: c.name, Message: err.Error(), Err: err}
	}
	return classifyTransport(c.name, err)
}

// Ping lists foundation models on the control plane.
func (c *BedrockClient) Ping(ctx context.Context) bool {
	_, err := c.control.ListFoundationModels(ctx, &bedrock.ListFoundationModelsInput{})
	return err == nil
}

var _ domain.LLMClient = (*BedrockClient)(nil)
