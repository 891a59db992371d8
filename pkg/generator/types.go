package generator

import (
	"context"
	"time"

	"github.com/shouni/go-gemini-client/pkg/gemini"
	"google.golang.org/genai"
)

const (
	UseImageCompression     = true
	ImageCompressionQuality = 75
	cacheKeyInlineData      = "inline_data:"
	cacheKeyRemoteURL       = "remote_url:"
)

// ImageOutput は Core の内部解析結果
type ImageOutput struct {
	Data     []byte
	MimeType string
}

// GenerativeModel は画像生成モデルとの通信部分です。
// go-gemini-client の GenerativeModel はこのメソッドを満たします。
type GenerativeModel interface {
	GenerateWithParts(ctx context.Context, model string, parts []*genai.Part, opts gemini.GenerateOptions) (*gemini.Response, error)
}

// HTTPClient は参照画像の取得に使います。httpkit.Client が満たします。
type HTTPClient interface {
	FetchBytes(ctx context.Context, url string) ([]byte, error)
	IsSafeURL(urlStr string) (bool, error)
}

// ObjectReader は gs:// 形式の参照画像を読み込みます。
type ObjectReader interface {
	ReadObject(ctx context.Context, uri string) ([]byte, error)
}

type ImageCacher interface {
	Get(key string) (any, bool)
	Set(key string, value any, d time.Duration)
}
