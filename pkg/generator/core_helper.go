package generator

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/shouni/go-gemini-client/pkg/gemini"
	"github.com/shouni/go-storybook-kit/pkg/domain"
	"github.com/shouni/go-storybook-kit/pkg/imgutil"
	"google.golang.org/genai"
)

func compressForModel(data []byte) ([]byte, error) {
	return imgutil.CompressToJPEG(data, ImageCompressionQuality)
}

func (c *GeminiImageCore) fetchImageData(ctx context.Context, rawURL string) ([]byte, error) {
	if strings.HasPrefix(rawURL, "gs://") {
		if c.objects == nil {
			return nil, fmt.Errorf("object reader is not configured: cannot read %s", rawURL)
		}
		return c.objects.ReadObject(ctx, rawURL)
	}
	if c.httpClient == nil {
		return nil, fmt.Errorf("httpClient is not configured: cannot fetch %s", rawURL)
	}
	if safe, err := c.httpClient.IsSafeURL(rawURL); err != nil || !safe {
		return nil, fmt.Errorf("安全ではないURLが指定されました: %w", err)
	}
	return c.httpClient.FetchBytes(ctx, rawURL)
}

func (c *GeminiImageCore) toPart(data []byte) (*genai.Part, error) {
	mimeType := http.DetectContentType(data)
	if !strings.HasPrefix(mimeType, "image/") {
		return nil, fmt.Errorf("MIMEタイプが画像ではありません: %s", mimeType)
	}
	return &genai.Part{InlineData: &genai.Blob{MIMEType: mimeType, Data: data}}, nil
}

// parseToResponse は最初の候補から画像を取り出します。
// 画像が含まれない応答はすべて domain.ErrNoContent として扱います。
func (c *GeminiImageCore) parseToResponse(resp *gemini.Response) (*ImageOutput, error) {
	if resp == nil || resp.RawResponse == nil {
		return nil, fmt.Errorf("empty response: %w", domain.ErrNoContent)
	}
	raw := resp.RawResponse
	if len(raw.Candidates) == 0 {
		if raw.PromptFeedback != nil && raw.PromptFeedback.BlockReason != "" {
			return nil, fmt.Errorf("prompt blocked (%s): %w", raw.PromptFeedback.BlockReason, domain.ErrNoContent)
		}
		return nil, fmt.Errorf("no candidates: %w", domain.ErrNoContent)
	}

	// 現在の仕様では、Geminiからの最初の候補 (Candidate) のみを利用する。
	candidate := raw.Candidates[0]
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if part.InlineData != nil && len(part.InlineData.Data) > 0 {
				return &ImageOutput{Data: part.InlineData.Data, MimeType: part.InlineData.MIMEType}, nil
			}
		}
	}

	// 安全フィルター等によるブロックの確認
	if fr := candidate.FinishReason; fr != "" && fr != genai.FinishReasonUnspecified && fr != genai.FinishReasonStop {
		return nil, fmt.Errorf("画像生成が異常終了しました (FinishReason: %s): %w", fr, domain.ErrNoContent)
	}
	return nil, fmt.Errorf("no image data: %w", domain.ErrNoContent)
}
