// Package postprocess は生成画像に顔の同一性転写と品質復元を順に適用します。
//
// 各ステップは失敗しても入力画像をそのまま次へ渡し、Process 自体はエラーを返しません。
// 結果は StepOutcome で呼び出し側に伝えます。
package postprocess

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/shouni/go-storybook-kit/pkg/domain"
	"github.com/shouni/go-storybook-kit/pkg/retry"
)

const (
	StepIdentityTransfer = "identity-transfer"
	StepRestoration      = "restoration"

	DefaultMaxRetries = 3
)

// Status はステップの結果です。
type Status string

const (
	StatusSuccess  Status = "success"
	StatusDegraded Status = "degraded"
	StatusSkipped  Status = "skipped"
)

// Transformer は外部の画像変換サービスです。reference は同一性転写の元写真で、復元では nil です。
type Transformer interface {
	Transform(ctx context.Context, image, reference []byte, params map[string]any) ([]byte, error)
}

// Options はセッションごとの後処理設定です。
type Options struct {
	IdentityTransfer bool
	Restoration      bool
	// Fidelity は復元時に元画像をどれだけ保つかです。[0,1] に丸められます。
	Fidelity float64
}

// StepOutcome は1ステップの実行結果です。Err は Status が degraded のときのみ設定されます。
type StepOutcome struct {
	Step     string
	Status   Status
	Attempts int
	Err      error
}

// Result は Process の結果です。
type Result struct {
	Image []byte
	Steps []StepOutcome
}

// Degraded は失敗したステップがあったかを返します。
func (r Result) Degraded() bool {
	for _, s := range r.Steps {
		if s.Status == StatusDegraded {
			return true
		}
	}
	return false
}

// DegradedSteps は失敗したステップ名を返します。
func (r Result) DegradedSteps() []string {
	var out []string
	for _, s := range r.Steps {
		if s.Status == StatusDegraded {
			out = append(out, s.Step)
		}
	}
	return out
}

// Processor は後処理の実行器です。
type Processor struct {
	identity    Transformer
	restoration Transformer
	policy      retry.Policy
}

// Option は Processor の任意設定です。
type Option func(*Processor)

// WithRetryPolicy はステップごとのリトライ方針を差し替えます。
func WithRetryPolicy(p retry.Policy) Option {
	return func(pr *Processor) { pr.policy = p }
}

// NewProcessor は Processor を作成します。nil の Transformer のステップは常に skipped になります。
func NewProcessor(identity, restoration Transformer, opts ...Option) *Processor {
	p := &Processor{
		identity:    identity,
		restoration: restoration,
		policy:      retry.NewPolicy(DefaultMaxRetries),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process は同一性転写、復元の順に適用します。
func (p *Processor) Process(ctx context.Context, image, photo []byte, opts Options) Result {
	res := Result{Image: image}

	identityOn := opts.IdentityTransfer && p.identity != nil && len(photo) > 0
	out, outcome := p.runStep(ctx, StepIdentityTransfer, identityOn, p.identity, res.Image, photo, nil)
	res.Image = out
	res.Steps = append(res.Steps, outcome)

	params := map[string]any{"fidelity": ClampFidelity(opts.Fidelity)}
	out, outcome = p.runStep(ctx, StepRestoration, opts.Restoration && p.restoration != nil, p.restoration, res.Image, nil, params)
	res.Image = out
	res.Steps = append(res.Steps, outcome)

	return res
}

func (p *Processor) runStep(ctx context.Context, step string, enabled bool, t Transformer, image, reference []byte, params map[string]any) ([]byte, StepOutcome) {
	if !enabled {
		return image, StepOutcome{Step: step, Status: StatusSkipped}
	}

	var out []byte
	attempts, err := p.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		b, err := t.Transform(ctx, image, reference, params)
		if err != nil {
			return err
		}
		if len(b) == 0 {
			return errors.New("transformer returned an empty image")
		}
		out = b
		return nil
	}, func(err error, attempt int, wait time.Duration) {
		slog.WarnContext(ctx, "後処理に失敗しました。再試行します", "step", step, "attempt", attempt, "wait", wait, "error", err)
	})
	if err != nil {
		perr := &domain.PostProcessError{Step: step, Attempts: attempts, Err: err}
		slog.WarnContext(ctx, "後処理をスキップして元の画像を使います", "step", step, "error", perr)
		return image, StepOutcome{Step: step, Status: StatusDegraded, Attempts: attempts, Err: perr}
	}
	return out, StepOutcome{Step: step, Status: StatusSuccess, Attempts: attempts}
}

// ClampFidelity は fidelity を [0,1] に収めます。
func ClampFidelity(f float64) float64 {
	switch {
	case math.IsNaN(f):
		return domain.DefaultRestorationFidelity
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

func (o StepOutcome) String() string {
	if o.Err != nil {
		return fmt.Sprintf("%s: %s (%d attempts): %v", o.Step, o.Status, o.Attempts, o.Err)
	}
	return fmt.Sprintf("%s: %s", o.Step, o.Status)
}
