package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shouni/go-storybook-kit/pkg/domain"
	"github.com/shouni/go-storybook-kit/pkg/generator"
	"github.com/shouni/go-storybook-kit/pkg/imgutil"
	"github.com/shouni/go-storybook-kit/pkg/postprocess"
	"github.com/shouni/go-storybook-kit/pkg/prompt"
	"github.com/shouni/go-storybook-kit/pkg/versionstore"
)

// エラーログの stage 値
const (
	StageAnalysis    = "analysis"
	StageSheet       = "character-sheet"
	StageReference   = "reference"
	StageGeneration  = "generation"
	StagePostProcess = "post-process"
	StageVersion     = "version"
)

// PageResult はページ1回分の生成結果です。
type PageResult struct {
	Version  domain.PageVersion       `json:"version"`
	State    domain.PageState         `json:"state"`
	Session  *domain.Session          `json:"session"`
	Strategy string                   `json:"strategy,omitempty"`
	Attempts int                      `json:"attempts,omitempty"`
	Steps    []postprocess.StepOutcome `json:"-"`
	// Reused は既存のバージョンを返しただけで生成していないことを表します。
	Reused bool `json:"reused,omitempty"`
}

// GeneratePage はページの最初の画像を生成します。生成済みのページでは既存の表示バージョンを返します。
func (p *Pipeline) GeneratePage(ctx context.Context, sessionID string, page int) (*PageResult, error) {
	return p.generate(ctx, sessionID, page, false)
}

// RegeneratePage はページの新しいバージョンを生成します。
// 再生成の上限に達している場合はモデルを呼ばずに ErrRegenerationLimitExceeded を返します。
func (p *Pipeline) RegeneratePage(ctx context.Context, sessionID string, page int) (*PageResult, error) {
	return p.generate(ctx, sessionID, page, true)
}

func (p *Pipeline) generate(ctx context.Context, sessionID string, page int, regenerate bool) (*PageResult, error) {
	sess, tmpl, err := p.loadPage(ctx, sessionID, page)
	if err != nil {
		return nil, err
	}
	if !sess.HasPhoto() {
		return nil, fmt.Errorf("session %s: %w", sessionID, domain.ErrPhotoRequired)
	}
	settings := tmpl.Settings

	unlock := p.locks.Lock(pageLockKey(sessionID, page))
	defer unlock()

	current, err := p.Versions.State(ctx, sessionID, page)
	if err != nil {
		return nil, err
	}
	if !regenerate && current.Versions > 0 {
		pv, err := p.Versions.Version(ctx, sessionID, page, current.EffectiveVersion())
		if err != nil {
			return nil, err
		}
		return &PageResult{Version: pv, State: current, Session: sess, Reused: true}, nil
	}
	if err := p.Versions.CheckCanCreate(ctx, sessionID, page, settings.RegenerationLimit()); err != nil {
		return nil, err
	}

	if err := p.markGenerating(ctx, sessionID); err != nil {
		return nil, err
	}

	photos := [][]byte{sess.PhotoData}
	pt, _ := tmpl.Page(page)

	// 1. キャラクター解析（失敗しても説明なしで続行）
	desc := p.describe(ctx, sessionID, page, photos)

	// 2. 参照画像の収集
	refs := []domain.ReferenceImage{{Role: domain.RolePhoto, Data: sess.PhotoData, MimeType: sess.PhotoMIME}}
	flags := prompt.Flags{}
	if settings.UseCharacterSheet && p.Sheets != nil {
		res, err := p.Sheets.Ensure(ctx, sessionID, photos, tmpl.Style, desc)
		if err != nil {
			p.recordError(ctx, sessionID, domain.CharacterSheetPage, 0, StageSheet, err)
		} else if len(res.Data) > 0 {
			refs = append(refs, domain.ReferenceImage{Role: domain.RoleCharacterSheet, Data: res.Data})
			flags.HasCharacterSheet = true
		}
	}
	if settings.UsePreviousPage {
		if data := p.firstPageImage(ctx, sessionID, tmpl, page); data != nil {
			refs = append(refs, domain.ReferenceImage{Role: domain.RolePreviousPage, Data: data})
			flags.HasPreviousPage = true
		}
	}

	// 3. プロンプト
	full, simplified := prompt.ComposePair(prompt.Input{
		Page:        pt,
		Style:       tmpl.Style,
		Description: desc,
		ChildName:   sess.ChildName,
		Consistency: flags,
	})

	// 4. 生成
	resp, err := p.Engine.Generate(ctx, generator.Request{
		Prompt:           full,
		SimplifiedPrompt: simplified,
		References:       refs,
		AspectRatio:      tmpl.AspectRatioFor(page),
		Model:            settings.Model,
	})
	if err != nil {
		attempts := 0
		var genErr *domain.GenerationError
		if errors.As(err, &genErr) {
			attempts = genErr.Attempts
		}
		p.recordError(ctx, sessionID, page, attempts, StageGeneration, err)
		return nil, err
	}

	var degraded []string
	if resp.Degraded() {
		degraded = append(degraded, resp.Strategy)
	}

	// 5. 後処理
	image, mime := resp.Data, resp.MimeType
	var steps []postprocess.StepOutcome
	if p.Post != nil && (settings.IdentityTransfer || settings.Restoration) {
		res := p.Post.Process(ctx, image, sess.PhotoData, postprocess.Options{
			IdentityTransfer: settings.IdentityTransfer,
			Restoration:      settings.Restoration,
			Fidelity:         settings.Fidelity(),
		})
		steps = res.Steps
		for _, s := range res.Steps {
			if s.Status == postprocess.StatusDegraded {
				p.recordError(ctx, sessionID, page, s.Attempts, StagePostProcess, s.Err)
			}
		}
		degraded = append(degraded, res.DegradedSteps()...)
		if len(res.Image) > 0 {
			image = res.Image
			if m, err := imgutil.DetectImageMIME(image); err == nil {
				mime = m
			}
		}
	}

	// 6. バージョン確定
	pv, err := p.Versions.TryCreateVersion(ctx, versionstore.NewVersion{
		SessionID:        sessionID,
		Page:             page,
		MimeType:         mime,
		Degraded:         degraded,
		MaxRegenerations: settings.RegenerationLimit(),
		Write: func(ctx context.Context, version int) (string, error) {
			return p.Assets.SaveGeneratedImage(ctx, sessionID, page, version, image)
		},
	})
	if err != nil {
		if !errors.Is(err, domain.ErrRegenerationLimitExceeded) {
			p.recordError(ctx, sessionID, page, 0, StageVersion, err)
		}
		return nil, err
	}

	updated, err := p.refreshProgress(ctx, sessionID, tmpl)
	if err != nil {
		return nil, err
	}
	state, err := p.Versions.State(ctx, sessionID, page)
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "ページ画像を生成しました",
		"session_id", sessionID, "page", page, "version", pv.Version,
		"strategy", resp.Strategy, "attempts", resp.Attempts, "degraded", degraded)
	return &PageResult{
		Version:  pv,
		State:    state,
		Session:  updated,
		Strategy: resp.Strategy,
		Attempts: resp.Attempts,
		Steps:    steps,
	}, nil
}

func (p *Pipeline) describe(ctx context.Context, sessionID string, page int, photos [][]byte) *domain.CharacterDescription {
	if p.Analyzer == nil {
		return nil
	}
	desc, err := p.Analyzer.Analyze(ctx, sessionID, photos)
	if err != nil {
		p.recordError(ctx, sessionID, page, 1, StageAnalysis, err)
		return nil
	}
	return desc
}

// firstPageImage は物語の1ページ目の表示中の画像を返します。対象ページ自身が1ページ目なら nil です。
func (p *Pipeline) firstPageImage(ctx context.Context, sessionID string, tmpl *domain.StoryTemplate, page int) []byte {
	nums := tmpl.PageNumbers()
	if len(nums) == 0 {
		return nil
	}
	first := nums[0]
	for _, n := range nums {
		if n < first {
			first = n
		}
	}
	if page == first {
		return nil
	}

	st, err := p.Versions.State(ctx, sessionID, first)
	if err != nil || st.EffectiveVersion() == 0 {
		return nil
	}
	data, err := p.Assets.GetGeneratedImageBytes(ctx, sessionID, first, st.EffectiveVersion())
	if err != nil {
		p.recordError(ctx, sessionID, page, 0, StageReference, fmt.Errorf("load page %d image: %w", first, err))
		return nil
	}
	return data
}

// markGenerating は写真アップロード済みのセッションを generating にします。
func (p *Pipeline) markGenerating(ctx context.Context, sessionID string) error {
	unlock := p.locks.Lock(sessionLockKey(sessionID))
	defer unlock()

	sess, err := p.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != domain.StatusPhotoUploaded {
		return nil
	}
	sess.Transition(domain.StatusGenerating)
	if err := p.Sessions.SaveSession(ctx, sess); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}
