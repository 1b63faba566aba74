// Package vision reclassifies low-confidence images with a multimodal model
// and recomputes the heroes of the providers it touched.
package vision

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	openai "github.com/sashabaranov/go-openai"

	"github.com/sells-group/listing-images/internal/resilience"
	"github.com/sells-group/listing-images/pkg/anthropic"
)

// Image is one downloaded image sent to the vision service.
type Image struct {
	// URL is where the image was downloaded from. It is listed in the
	// request text so verdicts can be matched to sources in the logs.
	URL       string
	MediaType string
	Data      []byte
}

func imageURLs(images []Image) []string {
	urls := make([]string, len(images))
	for i, img := range images {
		urls[i] = img.URL
	}
	return urls
}

// DataURL encodes the image as a data: URI.
func (i Image) DataURL() string {
	return fmt.Sprintf("data:%s;base64,%s", i.MediaType, base64.StdEncoding.EncodeToString(i.Data))
}

// Reply is the raw text answer of the vision service.
type Reply struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
}

// Classifier abstracts the multimodal call. Implementations send every image
// in a single request, in order.
type Classifier interface {
	Classify(ctx context.Context, images []Image) (Reply, error)
}

// AnthropicClassifier sends base64 image blocks to the Messages API.
type AnthropicClassifier struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropicClassifier creates a Classifier over an Anthropic client.
func NewAnthropicClassifier(client anthropic.Client, model string, maxTokens int64) *AnthropicClassifier {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &AnthropicClassifier{client: client, model: model, maxTokens: maxTokens}
}

// Classify implements Classifier.
func (c *AnthropicClassifier) Classify(ctx context.Context, images []Image) (Reply, error) {
	imgs := make([]anthropic.Image, len(images))
	for i, img := range images {
		imgs[i] = anthropic.Image{MediaType: img.MediaType, Data: img.Data}
	}
	temp := 0.0
	resp, err := c.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		System:      anthropic.BuildCachedSystemBlocks(SystemPrompt),
		Temperature: &temp,
		Messages: []anthropic.Message{{
			Role:    "user",
			Content: UserPrompt(imageURLs(images)),
			Images:  imgs,
		}},
	})
	if err != nil {
		return Reply{}, err
	}
	resp.Usage.LogCost(c.model, "vision")
	return Reply{
		Text:         resp.Text(),
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}, nil
}

// OpenAIClassifier sends data-URL image parts to an OpenAI-compatible chat
// completions endpoint.
type OpenAIClassifier struct {
	client    *openai.Client
	model     string
	maxTokens int
}

// NewOpenAIClassifier creates a Classifier for an OpenAI-compatible service.
func NewOpenAIClassifier(apiKey, baseURL, model string, maxTokens int64, timeout time.Duration) *OpenAIClassifier {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if timeout > 0 {
		cfg.HTTPClient = &http.Client{Timeout: timeout}
	}
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &OpenAIClassifier{
		client:    openai.NewClientWithConfig(cfg),
		model:     model,
		maxTokens: int(maxTokens),
	}
}

// Classify implements Classifier.
func (c *OpenAIClassifier) Classify(ctx context.Context, images []Image) (Reply, error) {
	parts := make([]openai.ChatMessagePart, 0, len(images)+1)
	for _, img := range images {
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{
				URL:    img.DataURL(),
				Detail: openai.ImageURLDetailLow,
			},
		})
	}
	parts = append(parts, openai.ChatMessagePart{
		Type: openai.ChatMessagePartTypeText,
		Text: UserPrompt(imageURLs(images)),
	})

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: SystemPrompt},
			{Role: openai.ChatMessageRoleUser, MultiContent: parts},
		},
	})
	if err != nil {
		return Reply{}, classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return Reply{}, eris.New("openai: empty choices")
	}
	return Reply{
		Text:         resp.Choices[0].Message.Content,
		InputTokens:  int64(resp.Usage.PromptTokens),
		OutputTokens: int64(resp.Usage.CompletionTokens),
	}, nil
}

func classifyOpenAIError(err error) error {
	wrapped := eris.Wrap(err, "openai: create chat completion")
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	if resilience.IsTransientHTTPStatus(status) {
		return resilience.NewTransientError(wrapped, status)
	}
	return wrapped
}
