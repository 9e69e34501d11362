package llm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var openaiTracer = otel.Tracer("aleutian.chat.llm.openai")

// openaiKeySecretPath is where the container runtime mounts the API key when
// it is provided as a secret instead of an env var.
const openaiKeySecretPath = "/run/secrets/openai_api_key"

const defaultSystemPrompt = "You are a helpful assistant."

type OpenAIClient struct {
	client       *openai.Client
	model        string
	systemPrompt string
}

// NewOpenAIClient builds a client for OpenAI-compatible chat completion.
//
// The API key comes from OPENAI_API_KEY or the container secret. The model
// resolves OPENAI_MODEL first, then the configured default, then
// gpt-4o-mini. OPENAI_BASE_URL points the client at a compatible proxy when
// set. CHATCORE_SYSTEM_PROMPT overrides the system persona.
func NewOpenAIClient(defaultModel string) (*OpenAIClient, error) {
	apiKey, err := openaiAPIKey()
	if err != nil {
		return nil, err
	}

	model := os.Getenv("OPENAI_MODEL")
	if model == "" {
		model = defaultModel
	}
	if model == "" {
		model = "gpt-4o-mini"
	}

	systemPrompt := os.Getenv("CHATCORE_SYSTEM_PROMPT")
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}

	clientCfg := openai.DefaultConfig(apiKey)
	if base := os.Getenv("OPENAI_BASE_URL"); base != "" {
		clientCfg.BaseURL = strings.TrimSuffix(base, "/")
	}

	slog.Info("Initializing OpenAI client", "model", model)
	return &OpenAIClient{
		client:       openai.NewClientWithConfig(clientCfg),
		model:        model,
		systemPrompt: systemPrompt,
	}, nil
}

func openaiAPIKey() (string, error) {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		return key, nil
	}
	raw, err := os.ReadFile(openaiKeySecretPath)
	if err != nil {
		slog.Error("OpenAI API key unavailable", "secret_path", openaiKeySecretPath)
		return "", fmt.Errorf("OPENAI_API_KEY not set and no secret at %s", openaiKeySecretPath)
	}
	slog.Info("Read the OpenAI API key from the container secret")
	return strings.TrimSpace(string(raw)), nil
}

// Generate implements the Generator interface
func (o *OpenAIClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	ctx, span := openaiTracer.Start(ctx, "OpenAIClient.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model))
	slog.Debug("Generating text via OpenAI", "model", o.model)

	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: o.systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("OpenAI API call failed", "error", err)
		return "", fmt.Errorf("OpenAI API call failed: %w", err)
	}

	if len(resp.Choices) == 0 {
		slog.Warn("OpenAI returned no choices")
		return "", fmt.Errorf("OpenAI returned no choices")
	}
	slog.Debug("Received response from OpenAI", "finish_reason", resp.Choices[0].FinishReason)
	return resp.Choices[0].Message.Content, nil
}

var _ Generator = (*OpenAIClient)(nil)
