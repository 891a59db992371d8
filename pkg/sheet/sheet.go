// Package sheet は物語の画風でのキャラクターシート（公式の参照イラスト）を1セッションに1枚だけ作ります。
package sheet

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shouni/go-storybook-kit/pkg/domain"
	"github.com/shouni/go-storybook-kit/pkg/generator"
	"github.com/shouni/go-storybook-kit/pkg/prompt"
	"github.com/shouni/go-storybook-kit/pkg/store"
)

// SheetAspectRatio はキャラクターシートの縦横比です。全身が入るよう縦長にします。
const SheetAspectRatio = "3:4"

// Assets はシートの保存先です。
type Assets interface {
	HasCharacterSheet(ctx context.Context, sessionID string) (bool, error)
	GetCharacterSheet(ctx context.Context, sessionID string) ([]byte, error)
	SaveCharacterSheet(ctx context.Context, sessionID string, data []byte) (string, error)
}

var _ Assets = (store.Assets)(nil)

// Result は Ensure の結果です。
type Result struct {
	Data []byte
	Ref  string
	// Reused は既存のシートを返したことを表します。
	Reused bool
}

// Generator はキャラクターシート生成器です。
type Generator struct {
	engine generator.ImageGenerator
	assets Assets
	model  string
}

// New は Generator を初期化します。model が空なら Engine の既定モデルを使います。
func New(engine generator.ImageGenerator, assets Assets, model string) (*Generator, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if assets == nil {
		return nil, fmt.Errorf("assets is required")
	}
	return &Generator{engine: engine, assets: assets, model: model}, nil
}

// Ensure は既存のシートがあればそれを返し、なければ写真だけを参照に生成してページ0として保存します。
// 失敗時は *domain.SheetGenerationError を返します。
func (g *Generator) Ensure(ctx context.Context, sessionID string, photos [][]byte, style domain.StyleProfile, desc *domain.CharacterDescription) (Result, error) {
	fail := func(err error) (Result, error) {
		return Result{}, &domain.SheetGenerationError{SessionID: sessionID, Err: err}
	}

	exists, err := g.assets.HasCharacterSheet(ctx, sessionID)
	if err != nil {
		return fail(fmt.Errorf("check existing sheet: %w", err))
	}
	if exists {
		data, err := g.assets.GetCharacterSheet(ctx, sessionID)
		if err != nil {
			return fail(fmt.Errorf("load existing sheet: %w", err))
		}
		return Result{Data: data, Reused: true}, nil
	}

	if len(photos) == 0 {
		return fail(domain.ErrPhotoRequired)
	}
	refs := make([]domain.ReferenceImage, 0, len(photos))
	for _, p := range photos {
		refs = append(refs, domain.ReferenceImage{Role: domain.RolePhoto, Data: p})
	}

	resp, err := g.engine.GenerateSingle(ctx, generator.Request{
		Prompt:      BuildPrompt(style, desc),
		References:  refs,
		AspectRatio: SheetAspectRatio,
		Model:       g.model,
	})
	if err != nil {
		return fail(err)
	}

	ref, err := g.assets.SaveCharacterSheet(ctx, sessionID, resp.Data)
	if err != nil {
		return fail(fmt.Errorf("save sheet: %w", err))
	}
	slog.InfoContext(ctx, "キャラクターシートを生成しました", "session_id", sessionID, "ref", ref, "attempts", resp.Attempts)
	return Result{Data: resp.Data, Ref: ref}, nil
}

// BuildPrompt はキャラクターシート用の固定テンプレートに画風と外見を埋め込みます。
func BuildPrompt(style domain.StyleProfile, desc *domain.CharacterDescription) string {
	var sb strings.Builder
	sb.WriteString(prompt.NoTextInstruction)
	sb.WriteString("\n\n")
	sb.WriteString("### CHARACTER SHEET ###\n")
	sb.WriteString("Draw ONE full-body illustration of the child from the reference photo as the main character of a picture book.\n")
	sb.WriteString("- Pose: standing, neutral three-quarter view, arms relaxed, face fully visible\n")
	sb.WriteString("- Background: plain, flat, light neutral color, nothing else\n")
	sb.WriteString("- Lighting: clear, even, no dramatic shadows on the face\n")
	sb.WriteString("- No story props, no other characters, no scenery\n\n")

	sb.WriteString("### ART STYLE ###\n")
	for _, f := range []struct{ label, value string }{
		{"Name", style.Name},
		{"Technique", style.Technique},
		{"Color palette", style.Palette},
		{"Line work", style.LineWork},
		{"Texture", style.Texture},
		{"Lighting", style.Lighting},
		{"Detail level", style.DetailLevel},
		{"Atmosphere", style.Atmosphere},
	} {
		if f.value != "" {
			fmt.Fprintf(&sb, "- %s: %s\n", f.label, f.value)
		}
	}
	sb.WriteString("\n")

	if text := desc.PromptText(); text != "" {
		sb.WriteString("### APPEARANCE (must match exactly) ###\n")
		sb.WriteString(text)
		sb.WriteString("\n")
	}

	sb.WriteString(prompt.NoTextInstruction)
	return sb.String()
}
