package llmservice

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"document-rag-server/internal/apperr"
	"document-rag-server/internal/config"
	"document-rag-server/internal/models"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

var thinkRe = regexp.MustCompile(models.ThinkTag)

// Generator produces an answer from a question and the retrieved context.
type Generator interface {
	Generate(ctx context.Context, system, query, contextText string) (string, error)
}

// Client is a Generator backed by a langchaingo chat model.
type Client struct {
	llm   llms.Model
	model string
}

// NewClient connects to an OpenAI-compatible chat completion endpoint.
func NewClient(cfg *config.LLMConfig) (*Client, error) {
	log.Debug().Str("base_url", cfg.BaseURL).Str("model", cfg.Model).Msg("Creating llm client")
	llm, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithToken(strings.TrimPrefix(cfg.Key, "Bearer ")),
		openai.WithModel(cfg.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize llm client: %w", err)
	}
	return &Client{llm: llm, model: cfg.Model}, nil
}

// NewClientWithModel wraps an existing model.
func NewClientWithModel(llm llms.Model) *Client {
	return &Client{llm: llm}
}

func (c *Client) Generate(ctx context.Context, system, query, contextText string) (string, error) {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, system),
		llms.TextParts(llms.ChatMessageTypeHuman, fmt.Sprintf(models.UserPromptTemplate, contextText, query)),
	}

	resp, err := c.llm.GenerateContent(ctx, messages)
	if err != nil {
		return "", apperr.Wrap(apperr.KindGeneration, "generate", err)
	}
	if resp == nil || len(resp.Choices) == 0 || resp.Choices[0] == nil {
		return "", apperr.Wrap(apperr.KindGeneration, "generate", errors.New("empty response from model"))
	}

	content := strings.TrimSpace(thinkRe.ReplaceAllString(resp.Choices[0].Content, ""))
	if content == "" {
		return "", apperr.Wrap(apperr.KindGeneration, "generate", errors.New("model returned no text"))
	}
	return content, nil
}
