// Package analyzer は参照写真から子どもの外見を構造化したキャラクター説明を作ります。
// 結果はセッション単位でキャッシュされ、キャッシュがあればモデルは呼ばれません。
package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/shouni/go-gemini-client/pkg/gemini"
	"github.com/shouni/go-storybook-kit/pkg/domain"
	"github.com/shouni/go-storybook-kit/pkg/imgutil"
	"google.golang.org/genai"
)

// Model は解析に使う視覚言語モデルです。generator.GenerativeModel と同じ形です。
type Model interface {
	GenerateWithParts(ctx context.Context, model string, parts []*genai.Part, opts gemini.GenerateOptions) (*gemini.Response, error)
}

// Analyzer はキャラクター解析器です。
type Analyzer struct {
	model     Model
	modelName string
	cache     *DescriptionCache
}

// New は Analyzer を初期化します。cache が nil の場合はキャッシュしません。
func New(model Model, modelName string, cache *DescriptionCache) (*Analyzer, error) {
	if model == nil {
		return nil, fmt.Errorf("model is required")
	}
	if modelName == "" {
		return nil, fmt.Errorf("model name is required")
	}
	return &Analyzer{model: model, modelName: modelName, cache: cache}, nil
}

// Cached はモデルを呼ばずにキャッシュ済みの説明を返します。
func (a *Analyzer) Cached(ctx context.Context, sessionID string) (*domain.CharacterDescription, bool) {
	if a.cache == nil {
		return nil, false
	}
	return a.cache.Get(ctx, sessionID)
}

// Forget はセッションのキャッシュを破棄します。
func (a *Analyzer) Forget(sessionID string) {
	if a.cache != nil {
		a.cache.Delete(sessionID)
	}
}

// Analyze は写真からキャラクター説明を作ります。
// 失敗時は *domain.AnalysisError を返します。呼び出し側は説明なしで生成を続けてください。
func (a *Analyzer) Analyze(ctx context.Context, sessionID string, photos [][]byte) (*domain.CharacterDescription, error) {
	if d, ok := a.Cached(ctx, sessionID); ok {
		slog.DebugContext(ctx, "キャラクター説明のキャッシュを使用します", "session_id", sessionID)
		return d, nil
	}
	if len(photos) == 0 {
		return nil, &domain.AnalysisError{SessionID: sessionID, Err: domain.ErrPhotoRequired}
	}

	parts := []*genai.Part{{Text: analysisPrompt}}
	for i, p := range photos {
		mime, err := imgutil.DetectImageMIME(p)
		if err != nil {
			return nil, &domain.AnalysisError{SessionID: sessionID, Err: fmt.Errorf("photo %d: %w", i, err)}
		}
		parts = append(parts, &genai.Part{InlineData: &genai.Blob{MIMEType: mime, Data: p}})
	}

	resp, err := a.model.GenerateWithParts(ctx, a.modelName, parts, gemini.GenerateOptions{})
	if err != nil {
		return nil, &domain.AnalysisError{SessionID: sessionID, Err: fmt.Errorf("model call failed: %w", err)}
	}

	d, err := ParseDescription(responseText(resp))
	if err != nil {
		return nil, &domain.AnalysisError{SessionID: sessionID, Err: err}
	}

	slog.InfoContext(ctx, "キャラクター解析が完了しました", "session_id", sessionID, "age_range", d.AgeRange)
	if a.cache != nil {
		a.cache.Set(ctx, sessionID, d)
	}
	return d, nil
}

// ParseDescription はモデルの応答テキストから JSON を取り出して検証します。
// ```json のコードフェンスや前後の説明文は無視します。
func ParseDescription(text string) (*domain.CharacterDescription, error) {
	raw, ok := extractJSONObject(text)
	if !ok {
		return nil, fmt.Errorf("response contains no JSON object: %q", truncate(text, 80))
	}
	var d domain.CharacterDescription
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, fmt.Errorf("malformed description JSON: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// extractJSONObject は最初の '{' から対応する '}' までを返します。文字列中の括弧は数えません。
func extractJSONObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

func responseText(resp *gemini.Response) string {
	if resp == nil || resp.RawResponse == nil || len(resp.RawResponse.Candidates) == 0 {
		return ""
	}
	c := resp.RawResponse.Candidates[0]
	if c.Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range c.Content.Parts {
		if p != nil && p.Text != "" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// truncate は先頭 n 文字（ルーン単位）に切り詰めます。
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
