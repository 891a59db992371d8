package generator

import (
	"context"

	"github.com/shouni/go-gemini-client/pkg/gemini"
	"github.com/shouni/go-storybook-kit/pkg/domain"
	"google.golang.org/genai"
)

// ImageGenerator はパイプライン層が利用する統合窓口です。
type ImageGenerator interface {
	// Generate は全参照画像での生成を試み、必要に応じて縮退フォールバックします。
	Generate(ctx context.Context, req Request) (*domain.ImageResponse, error)
	// GenerateSingle はフォールバックなしの単発生成です（キャラクターシート用）。
	GenerateSingle(ctx context.Context, req Request) (*domain.ImageResponse, error)
}

// ImageExecutor は、画像生成リクエストを処理し、画像関連データを準備するためのメソッドを定義するインターフェースです。
type ImageExecutor interface {
	// ExecuteRequest は、指定されたパラメータで画像生成リクエストを実行し、結果を返します。
	ExecuteRequest(ctx context.Context, model string, parts []*genai.Part, opts gemini.GenerateOptions) (*domain.ImageResponse, error)
	// PrepareImagePart は、参照画像から後続処理で利用する画像パーツを作成します。
	PrepareImagePart(ctx context.Context, ref domain.ReferenceImage) (*genai.Part, error)
}
