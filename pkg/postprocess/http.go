package postprocess

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/shouni/go-storybook-kit/pkg/imgutil"
)

// Client は変換エンドポイントとの通信部分です。httpkit.Client が満たします。
type Client interface {
	DoRequest(req *http.Request) ([]byte, error)
	PostJSONAndFetchBytes(ctx context.Context, url string, data any) ([]byte, error)
	FetchBytes(ctx context.Context, url string) ([]byte, error)
	IsSafeURL(urlStr string) (bool, error)
}

// HTTPTransformer は JSON で画像を送り、変換結果を受け取る Transformer です。
//
// リクエスト: {"image": base64, "reference": base64, "params": {...}}
// レスポンス: {"image": base64} または {"output_url": "https://..."}
type HTTPTransformer struct {
	endpoint string
	apiKey   string
	client   Client
}

// NewHTTPTransformer は HTTPTransformer を作成します。
// client のリトライは無効にしておきます。再試行は Processor が行います。
func NewHTTPTransformer(endpoint, apiKey string, client Client) (*HTTPTransformer, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	if client == nil {
		return nil, fmt.Errorf("http client is required")
	}
	return &HTTPTransformer{endpoint: endpoint, apiKey: apiKey, client: client}, nil
}

type transformRequest struct {
	Image     string         `json:"image"`
	Reference string         `json:"reference,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
}

type transformResponse struct {
	Image     string `json:"image"`
	OutputURL string `json:"output_url"`
	Error     string `json:"error"`
}

// Transform はエンドポイントを1回呼び出します。
func (h *HTTPTransformer) Transform(ctx context.Context, image, reference []byte, params map[string]any) ([]byte, error) {
	body := transformRequest{Image: imgutil.EncodeBase64(image), Params: params}
	if len(reference) > 0 {
		body.Reference = imgutil.EncodeBase64(reference)
	}

	raw, err := h.post(ctx, body)
	if err != nil {
		return nil, fmt.Errorf("transformer %s: %w", h.endpoint, err)
	}

	var out transformResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	switch {
	case out.Error != "":
		return nil, fmt.Errorf("transformer error: %s", out.Error)
	case out.Image != "":
		return imgutil.DecodeBase64(out.Image)
	case out.OutputURL != "":
		// エンドポイントは運用者が設定するが、output_url は応答由来なので検証する
		if ok, err := h.client.IsSafeURL(out.OutputURL); !ok {
			return nil, fmt.Errorf("unsafe output_url %q: %w", out.OutputURL, err)
		}
		return h.client.FetchBytes(ctx, out.OutputURL)
	}
	return nil, fmt.Errorf("transformer response has neither image nor output_url")
}

func (h *HTTPTransformer) post(ctx context.Context, body transformRequest) ([]byte, error) {
	if h.apiKey == "" {
		return h.client.PostJSONAndFetchBytes(ctx, h.endpoint, body)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.apiKey)
	return h.client.DoRequest(req)
}
