// Package aiclient は genai SDK を使って generator.GenerativeModel を実装します。
package aiclient

import (
	"context"
	"errors"
	"fmt"

	"github.com/shouni/go-gemini-client/pkg/gemini"
	"google.golang.org/genai"
)

// ContentGenerator は *genai.Models が満たす呼び出し口です。
type ContentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Client は GenerateWithParts を genai の GenerateContent に変換します。
type Client struct {
	models      ContentGenerator
	imageModels map[string]bool
}

// New は API キーから genai クライアントを作成します。
// imageModels に含まれるモデルには画像とテキストの両方を返すよう要求します。
func New(ctx context.Context, apiKey string, imageModels ...string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("genai クライアントの初期化に失敗しました: %w", err)
	}
	return NewWithGenerator(gc.Models, imageModels...), nil
}

// NewWithGenerator は任意の ContentGenerator で Client を作成します。
func NewWithGenerator(models ContentGenerator, imageModels ...string) *Client {
	set := make(map[string]bool, len(imageModels))
	for _, m := range imageModels {
		set[m] = true
	}
	return &Client{models: models, imageModels: set}
}

// GenerateWithParts はパーツ列を1つのユーザーターンとして送信します。
func (c *Client) GenerateWithParts(ctx context.Context, model string, parts []*genai.Part, opts gemini.GenerateOptions) (*gemini.Response, error) {
	if len(parts) == 0 {
		return nil, errors.New("at least one part is required")
	}
	contents := []*genai.Content{{Role: "user", Parts: parts}}

	resp, err := c.models.GenerateContent(ctx, model, contents, c.buildConfig(model, opts))
	if err != nil {
		return nil, fmt.Errorf("generate content (%s): %w", model, err)
	}
	return &gemini.Response{RawResponse: resp}, nil
}

func (c *Client) buildConfig(model string, opts gemini.GenerateOptions) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if opts.SystemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: opts.SystemPrompt}}}
	}
	if c.imageModels[model] {
		cfg.ResponseModalities = []string{string(genai.ModalityText), string(genai.ModalityImage)}
		if opts.AspectRatio != "" {
			cfg.ImageConfig = &genai.ImageConfig{AspectRatio: opts.AspectRatio}
		}
	}
	return cfg
}
