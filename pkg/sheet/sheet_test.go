package sheet

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/shouni/go-storybook-kit/pkg/domain"
	"github.com/shouni/go-storybook-kit/pkg/prompt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildPrompt(t *testing.T) {
	style := domain.StyleProfile{Name: "gouache", Palette: "warm earth"}
	desc := &domain.CharacterDescription{HairColor: "black", FullDescription: "tall for age"}

	got := BuildPrompt(style, desc)

	assert.True(t, strings.HasPrefix(got, prompt.NoTextInstruction))
	assert.True(t, strings.HasSuffix(got, prompt.NoTextInstruction))
	assert.Contains(t, got, "three-quarter view")
	assert.Contains(t, got, "No story props")
	assert.Contains(t, got, "- Color palette: warm earth")
	assert.Contains(t, got, "hair color: black")

	t.Run("説明なしでも組み立てられる", func(t *testing.T) {
		got := BuildPrompt(style, nil)
		assert.NotContains(t, got, "APPEARANCE")
	})
}

func TestGenerator_Ensure(t *testing.T) {
	ctx := context.Background()
	style := domain.StyleProfile{Name: "crayon"}

	t.Run("未生成なら写真のみで単発生成して保存する", func(t *testing.T) {
		eng := &mockEngine{}
		assets := &mockAssets{sheets: map[string][]byte{}}
		g, err := New(eng, assets, "img-model")
		require.NoError(t, err)

		res, err := g.Ensure(ctx, "s1", [][]byte{[]byte("photo")}, style, nil)
		require.NoError(t, err)

		assert.False(t, res.Reused)
		assert.Equal(t, []byte("sheet"), res.Data)
		assert.Equal(t, "mem://s1/sheet", res.Ref)
		require.Len(t, eng.last.References, 1)
		assert.Equal(t, domain.RolePhoto, eng.last.References[0].Role)
		assert.Equal(t, SheetAspectRatio, eng.last.AspectRatio)
		assert.Equal(t, "img-model", eng.last.Model)
	})

	t.Run("既存のシートがあれば生成しない", func(t *testing.T) {
		eng := &mockEngine{}
		assets := &mockAssets{sheets: map[string][]byte{"s1": []byte("old")}}
		g, _ := New(eng, assets, "")

		res, err := g.Ensure(ctx, "s1", [][]byte{[]byte("photo")}, style, nil)
		require.NoError(t, err)
		assert.True(t, res.Reused)
		assert.Equal(t, []byte("old"), res.Data)
		assert.Equal(t, 0, eng.calls)
	})

	t.Run("生成失敗は SheetGenerationError", func(t *testing.T) {
		eng := &mockEngine{err: &domain.GenerationError{Strategy: domain.StrategyFullReferences, Attempts: 3, Err: domain.ErrNoContent}}
		g, _ := New(eng, &mockAssets{sheets: map[string][]byte{}}, "")

		_, err := g.Ensure(ctx, "s1", [][]byte{[]byte("photo")}, style, nil)
		var se *domain.SheetGenerationError
		require.ErrorAs(t, err, &se)
		assert.ErrorIs(t, err, domain.ErrNoContent)
	})

	t.Run("保存失敗も SheetGenerationError", func(t *testing.T) {
		g, _ := New(&mockEngine{}, &mockAssets{sheets: map[string][]byte{}, saveErr: errors.New("bucket gone")}, "")
		_, err := g.Ensure(ctx, "s1", [][]byte{[]byte("photo")}, style, nil)
		var se *domain.SheetGenerationError
		assert.ErrorAs(t, err, &se)
	})

	t.Run("写真がなければ失敗する", func(t *testing.T) {
		eng := &mockEngine{}
		g, _ := New(eng, &mockAssets{sheets: map[string][]byte{}}, "")
		_, err := g.Ensure(ctx, "s1", nil, style, nil)
		assert.ErrorIs(t, err, domain.ErrPhotoRequired)
		assert.Equal(t, 0, eng.calls)
	})
}
