package generator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/shouni/go-gemini-client/pkg/gemini"
	"github.com/shouni/go-storybook-kit/pkg/domain"
	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

// GeminiImageCore は参照画像の準備とリクエスト実行（ImageExecutor）を担う基盤クラスです。
type GeminiImageCore struct {
	aiClient   GenerativeModel
	httpClient HTTPClient
	objects    ObjectReader
	cache      ImageCacher
	expiration time.Duration
	limiter    *rate.Limiter
}

// CoreOption は GeminiImageCore の任意設定です。
type CoreOption func(*GeminiImageCore)

// WithRateLimiter はモデル呼び出しの前に待機するレートリミッタを設定します。
func WithRateLimiter(l *rate.Limiter) CoreOption {
	return func(c *GeminiImageCore) { c.limiter = l }
}

// WithObjectReader は gs:// の参照画像の読み込み先を設定します。
func WithObjectReader(r ObjectReader) CoreOption {
	return func(c *GeminiImageCore) { c.objects = r }
}

// NewGeminiImageCore は依存関係を注入して GeminiImageCore を初期化します。
func NewGeminiImageCore(aiClient GenerativeModel, httpClient HTTPClient, cache ImageCacher, cacheTTL time.Duration, opts ...CoreOption) (*GeminiImageCore, error) {
	if aiClient == nil {
		return nil, fmt.Errorf("aiClient is required")
	}
	// httpClient は nil を許容（URL参照は利用不可）
	// cache は nil を許容（キャッシュなし動作）

	c := &GeminiImageCore{
		aiClient:   aiClient,
		httpClient: httpClient,
		cache:      cache,
		expiration: cacheTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// PrepareImagePart は参照画像を genai.Part に変換します。
// 圧縮済みのデータは内容のハッシュをキーにキャッシュされ、同じ写真を毎ページ再圧縮しません。
func (c *GeminiImageCore) PrepareImagePart(ctx context.Context, ref domain.ReferenceImage) (*genai.Part, error) {
	key := cacheKey(ref)
	if c.cache != nil && key != "" {
		if val, ok := c.cache.Get(key); ok {
			if data, ok := val.([]byte); ok {
				return c.toPart(data)
			}
		}
	}

	data := ref.Data
	if len(data) == 0 {
		if ref.URL == "" {
			return nil, fmt.Errorf("reference %s has neither data nor url", ref.Role)
		}
		fetched, err := c.fetchImageData(ctx, ref.URL)
		if err != nil {
			return nil, err
		}
		data = fetched
	}

	finalData := data
	if UseImageCompression {
		if compressed, err := compressForModel(data); err == nil {
			finalData = compressed
		}
	}

	part, err := c.toPart(finalData)
	if err != nil {
		return nil, err
	}
	if c.cache != nil && key != "" {
		c.cache.Set(key, finalData, c.expiration)
	}
	return part, nil
}

// ExecuteRequest はモデルを1回呼び出し、レスポンスから画像を取り出します。
func (c *GeminiImageCore) ExecuteRequest(ctx context.Context, model string, parts []*genai.Part, opts gemini.GenerateOptions) (*domain.ImageResponse, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	gOpts := gemini.GenerateOptions{
		AspectRatio:  opts.AspectRatio,
		SystemPrompt: opts.SystemPrompt,
	}

	resp, err := c.aiClient.GenerateWithParts(ctx, model, parts, gOpts)
	if err != nil {
		return nil, err
	}

	out, err := c.parseToResponse(resp)
	if err != nil {
		return nil, err
	}

	return &domain.ImageResponse{
		Data:     out.Data,
		MimeType: out.MimeType,
	}, nil
}

func cacheKey(ref domain.ReferenceImage) string {
	if len(ref.Data) > 0 {
		sum := sha256.Sum256(ref.Data)
		return cacheKeyInlineData + hex.EncodeToString(sum[:])
	}
	if ref.URL != "" {
		return cacheKeyRemoteURL + ref.URL
	}
	return ""
}
