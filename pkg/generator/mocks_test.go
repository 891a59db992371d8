package generator

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/shouni/go-gemini-client/pkg/gemini"
	"github.com/shouni/go-http-kit/pkg/httpkit"
	"google.golang.org/genai"
)

// --- Mocks ---

// mockAIClient は呼び出しごとのパーツ数を記録し、respond の結果を返します。
type mockAIClient struct {
	mu        sync.Mutex
	calls     int
	partCount []int
	lastOpts  gemini.GenerateOptions
	respond   func(call int, parts []*genai.Part) (*gemini.Response, error)
}

func (m *mockAIClient) GenerateWithParts(ctx context.Context, model string, parts []*genai.Part, opts gemini.GenerateOptions) (*gemini.Response, error) {
	m.mu.Lock()
	m.calls++
	call := m.calls
	m.partCount = append(m.partCount, len(parts))
	m.lastOpts = opts
	m.mu.Unlock()

	if m.respond != nil {
		return m.respond(call, parts)
	}
	return imageResponse([]byte("fake")), nil
}

type mockHTTPClient struct {
	data  []byte
	err   error
	calls int
}

func (m *mockHTTPClient) FetchBytes(ctx context.Context, url string) ([]byte, error) {
	m.calls++
	return m.data, m.err
}

// IsSafeURL は本物のクライアントと同じ検証を使います。
func (m *mockHTTPClient) IsSafeURL(urlStr string) (bool, error) {
	return httpkit.New(time.Second).IsSafeURL(urlStr)
}

type mockObjectReader struct {
	data []byte
	uris []string
}

func (m *mockObjectReader) ReadObject(ctx context.Context, uri string) ([]byte, error) {
	m.uris = append(m.uris, uri)
	return m.data, nil
}

type mockCache struct {
	data map[string]any
}

func (m *mockCache) Get(key string) (any, bool) {
	val, ok := m.data[key]
	return val, ok
}

func (m *mockCache) Set(key string, value any, d time.Duration) {
	m.data[key] = value
}

// --- Helpers ---

func imageResponse(data []byte) *gemini.Response {
	return &gemini.Response{
		RawResponse: &genai.GenerateContentResponse{
			Candidates: []*genai.Candidate{{
				Content: &genai.Content{
					Parts: []*genai.Part{{InlineData: &genai.Blob{MIMEType: "image/png", Data: data}}},
				},
				FinishReason: genai.FinishReasonStop,
			}},
		},
	}
}

func textOnlyResponse() *gemini.Response {
	return &gemini.Response{
		RawResponse: &genai.GenerateContentResponse{
			Candidates: []*genai.Candidate{{
				Content: &genai.Content{Parts: []*genai.Part{{Text: "I cannot draw that"}}},
			}},
		},
	}
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for x := 0; x < 8; x++ {
		for y := 0; y < 8; y++ {
			img.Set(x, y, color.RGBA{0, 128, 255, 255})
		}
	}
	buf := new(bytes.Buffer)
	if err := png.Encode(buf, img); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	return buf.Bytes()
}
