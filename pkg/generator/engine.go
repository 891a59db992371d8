package generator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shouni/go-gemini-client/pkg/gemini"
	"github.com/shouni/go-storybook-kit/pkg/domain"
	"github.com/shouni/go-storybook-kit/pkg/retry"
	"google.golang.org/genai"
)

const (
	DefaultMaxRetries       = 3
	DefaultFallbackAttempts = 2
	MaxReferenceImages      = 3
)

// Request はページ1枚分の生成要求です。References の先頭は元写真です。
type Request struct {
	Prompt string
	// SimplifiedPrompt は一貫性指示を含まない縮退用プロンプトです。空なら Prompt を使います。
	SimplifiedPrompt string
	SystemPrompt     string
	References       []domain.ReferenceImage
	AspectRatio      string
	Model            string
}

// Strategy は1段分の試行戦略です。Prepare が false を返した段は実行されません。
type Strategy struct {
	Name        string
	MaxAttempts int
	// Prepare は直前の段の失敗（最初の段では nil）を受け取り、この段で送るリクエストを返します。
	Prepare func(req Request, prev error) (Request, bool)
}

// StrategyEvent は1段の実行結果です。
type StrategyEvent struct {
	Strategy   string
	References int
	Attempts   int
	Err        error
}

// DefaultStrategies は「全参照でのリトライ → 写真のみの縮退リトライ」の2段構成を返します。
func DefaultStrategies(maxRetries, fallbackAttempts int) []Strategy {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if fallbackAttempts <= 0 {
		fallbackAttempts = DefaultFallbackAttempts
	}
	return []Strategy{
		{
			Name:        domain.StrategyFullReferences,
			MaxAttempts: maxRetries,
			Prepare: func(req Request, _ error) (Request, bool) {
				return req, true
			},
		},
		{
			Name:        domain.StrategyReducedReference,
			MaxAttempts: fallbackAttempts,
			Prepare:     reduceToPhoto,
		},
	}
}

// reduceToPhoto は、モデルが画像を返さなかった場合に限り、写真1枚と簡略プロンプトに組み替えます。
// 通信エラーでの失敗や参照が1枚だけの場合は縮退しません。
func reduceToPhoto(req Request, prev error) (Request, bool) {
	if !errors.Is(prev, domain.ErrNoContent) || len(req.References) <= 1 {
		return req, false
	}
	photo := req.References[0]
	for _, ref := range req.References {
		if ref.Role == domain.RolePhoto {
			photo = ref
			break
		}
	}
	reduced := req
	reduced.References = []domain.ReferenceImage{photo}
	if req.SimplifiedPrompt != "" {
		reduced.Prompt = req.SimplifiedPrompt
	}
	return reduced, true
}

// Engine は試行戦略の列に沿って画像生成を実行します。
type Engine struct {
	executor   ImageExecutor
	model      string
	policy     retry.Policy
	strategies []Strategy
	observer   func(StrategyEvent)
}

// EngineOption は Engine の任意設定です。
type EngineOption func(*Engine)

// WithStrategies は試行戦略の列を差し替えます。
func WithStrategies(s []Strategy) EngineOption {
	return func(e *Engine) { e.strategies = s }
}

// WithRetryPolicy は待機時間の計算方法を差し替えます。MaxAttempts は各段の値が使われます。
func WithRetryPolicy(p retry.Policy) EngineOption {
	return func(e *Engine) { e.policy = p }
}

// WithObserver は各段の実行後に呼ばれるフックを設定します。
func WithObserver(fn func(StrategyEvent)) EngineOption {
	return func(e *Engine) { e.observer = fn }
}

// NewEngine は Engine を初期化します。
func NewEngine(executor ImageExecutor, model string, opts ...EngineOption) (*Engine, error) {
	if executor == nil {
		return nil, fmt.Errorf("executor (ImageExecutor) is required")
	}
	if model == "" {
		return nil, fmt.Errorf("model is required")
	}
	e := &Engine{
		executor:   executor,
		model:      model,
		policy:     retry.NewPolicy(DefaultMaxRetries),
		strategies: DefaultStrategies(DefaultMaxRetries, DefaultFallbackAttempts),
	}
	for _, opt := range opts {
		opt(e)
	}
	if len(e.strategies) == 0 {
		return nil, fmt.Errorf("at least one strategy is required")
	}
	return e, nil
}

// Generate は戦略を順に適用し、最初に成功した画像を返します。
// 全段を使い切った場合は *domain.GenerationError を返します。
func (e *Engine) Generate(ctx context.Context, req Request) (*domain.ImageResponse, error) {
	return e.runStrategies(ctx, req, e.strategies)
}

// GenerateSingle は最初の戦略だけで生成します。
func (e *Engine) GenerateSingle(ctx context.Context, req Request) (*domain.ImageResponse, error) {
	return e.runStrategies(ctx, req, e.strategies[:1])
}

func (e *Engine) runStrategies(ctx context.Context, req Request, strategies []Strategy) (*domain.ImageResponse, error) {
	if len(req.References) == 0 {
		return nil, &domain.GenerationError{Err: fmt.Errorf("at least one reference image is required")}
	}
	if len(req.References) > MaxReferenceImages {
		req.References = req.References[:MaxReferenceImages]
	}

	var (
		lastErr  error
		lastName string
		total    int
	)
	for i, s := range strategies {
		r, ok := s.Prepare(req, lastErr)
		if !ok {
			break
		}
		if i > 0 {
			slog.WarnContext(ctx, "参照画像を減らしてフォールバック生成します",
				"strategy", s.Name, "previous", lastName, "references", len(r.References), "error", lastErr)
		}

		resp, attempts, err := e.runStrategy(ctx, s, r)
		total += attempts
		if e.observer != nil {
			e.observer(StrategyEvent{Strategy: s.Name, References: len(r.References), Attempts: attempts, Err: err})
		}
		if err == nil {
			resp.Strategy = s.Name
			resp.Attempts = total
			return resp, nil
		}
		lastErr, lastName = err, s.Name
		if ctx.Err() != nil {
			break
		}
	}
	return nil, &domain.GenerationError{Strategy: lastName, Attempts: total, Err: lastErr}
}

func (e *Engine) runStrategy(ctx context.Context, s Strategy, req Request) (*domain.ImageResponse, int, error) {
	parts, err := e.buildParts(ctx, req)
	if err != nil {
		return nil, 0, err
	}

	model := req.Model
	if model == "" {
		model = e.model
	}
	opts := gemini.GenerateOptions{AspectRatio: req.AspectRatio, SystemPrompt: req.SystemPrompt}

	var resp *domain.ImageResponse
	policy := e.policy.WithAttempts(s.MaxAttempts)
	attempts, err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
		out, err := e.executor.ExecuteRequest(ctx, model, parts, opts)
		if err != nil {
			if ctx.Err() != nil {
				return retry.Permanent(err)
			}
			return err
		}
		resp = out
		return nil
	}, func(err error, attempt int, wait time.Duration) {
		slog.WarnContext(ctx, "画像生成に失敗しました。再試行します",
			"strategy", s.Name, "attempt", attempt, "max_attempts", s.MaxAttempts, "wait", wait, "error", err)
	})
	if err != nil {
		return nil, attempts, err
	}
	return resp, attempts, nil
}

// buildParts はテキストと参照画像をパーツ列にします。写真が準備できない場合は失敗し、
// それ以外の参照は警告して読み飛ばします。
func (e *Engine) buildParts(ctx context.Context, req Request) ([]*genai.Part, error) {
	parts := []*genai.Part{{Text: req.Prompt}}
	for i, ref := range req.References {
		part, err := e.executor.PrepareImagePart(ctx, ref)
		if err != nil {
			if i == 0 {
				return nil, fmt.Errorf("reference photo could not be prepared: %w", err)
			}
			slog.WarnContext(ctx, "参照画像の読み込みに失敗しました", "index", i, "role", ref.Role, "error", err)
			continue
		}
		parts = append(parts, part)
	}
	slog.InfoContext(ctx, "AIに送信するパーツ構成が完了しました", "total_parts", len(parts), "model", req.Model)
	return parts, nil
}
