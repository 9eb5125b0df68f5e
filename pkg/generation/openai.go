package generation

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/go-go-golems/branchchat/pkg/conversation"
	go_openai "github.com/sashabaranov/go-openai"
	"github.com/rs/zerolog/log"
)

// OpenAIGenerator streams chat completions from an OpenAI compatible API.
type OpenAIGenerator struct {
	client       *go_openai.Client
	defaultModel string
}

func NewOpenAIGenerator(apiKey string, baseURL string, defaultModel string) *OpenAIGenerator {
	config := go_openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	if defaultModel == "" {
		defaultModel = "gpt-4o-mini"
	}
	return &OpenAIGenerator{
		client:       go_openai.NewClientWithConfig(config),
		defaultModel: defaultModel,
	}
}

func (g *OpenAIGenerator) Generate(ctx context.Context, req GenerateRequest, onDelta func(delta string)) (*Result, error) {
	model := req.Model
	if model == "" {
		model = g.defaultModel
	}
	chatReq := go_openai.ChatCompletionRequest{
		Model:    model,
		Messages: messagesToOpenAI(req.History),
		Stream:   true,
	}

	stream, err := g.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		log.Error().Err(err).Str("model", model).Msg("OpenAI streaming request failed")
		return nil, err
	}
	defer stream.Close()

	var sb strings.Builder
	chunkCount := 0
	finishReason := ""
	for {
		select {
		case <-ctx.Done():
			log.Debug().Int("chunks_received", chunkCount).Msg("OpenAI streaming cancelled by context")
			return partialResult(sb.String(), model), ctx.Err()
		default:
		}

		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			log.Debug().Int("chunks_received", chunkCount).Msg("OpenAI stream completed")
			break
		}
		if err != nil {
			log.Error().Err(err).Int("chunks_received", chunkCount).Msg("OpenAI stream receive failed")
			return partialResult(sb.String(), model), err
		}
		chunkCount++
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]
		if choice.FinishReason != "" {
			finishReason = string(choice.FinishReason)
		}
		if delta := choice.Delta.Content; delta != "" {
			sb.WriteString(delta)
			onDelta(delta)
		}
	}

	ret := partialResult(sb.String(), model)
	ret.Metadata[conversation.MetadataKeyUsage] = map[string]any{"chunks": chunkCount}
	if finishReason != "" {
		ret.Metadata["finishReason"] = finishReason
	}
	return ret, nil
}

func partialResult(text string, model string) *Result {
	return &Result{
		Parts:    []conversation.Part{conversation.NewTextPart(text)},
		Metadata: map[string]any{conversation.MetadataKeyModel: model},
	}
}

func messagesToOpenAI(history conversation.Messages) []go_openai.ChatCompletionMessage {
	ret := make([]go_openai.ChatCompletionMessage, 0, len(history))
	for _, m := range history {
		text := m.Text()
		if text == "" {
			continue
		}
		role := go_openai.ChatMessageRoleUser
		switch m.Role {
		case conversation.RoleSystem:
			role = go_openai.ChatMessageRoleSystem
		case conversation.RoleAssistant:
			role = go_openai.ChatMessageRoleAssistant
		case conversation.RoleUser:
		}
		ret = append(ret, go_openai.ChatCompletionMessage{Role: role, Content: text})
	}
	return ret
}
