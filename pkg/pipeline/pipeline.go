// Package pipeline は写真のアップロードからページ画像の生成、再生成、選択までの流れを束ねます。
//
// ページ生成は 解析 → キャラクターシート → プロンプト → 生成 → 後処理 → バージョン確定 の順に進みます。
// 生成エンジンが全ての試行を使い切った場合を除き、途中の失敗はセッションのエラーログに記録して続行します。
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shouni/go-storybook-kit/pkg/domain"
	"github.com/shouni/go-storybook-kit/pkg/generator"
	"github.com/shouni/go-storybook-kit/pkg/postprocess"
	"github.com/shouni/go-storybook-kit/pkg/sheet"
	"github.com/shouni/go-storybook-kit/pkg/store"
	"github.com/shouni/go-storybook-kit/pkg/versionstore"
)

const (
	DefaultSessionTTL  = 24 * time.Hour
	DefaultConcurrency = 3
)

// CharacterAnalyzer は写真からキャラクター説明を得ます。
type CharacterAnalyzer interface {
	Analyze(ctx context.Context, sessionID string, photos [][]byte) (*domain.CharacterDescription, error)
	Forget(sessionID string)
}

// SheetGenerator はセッションのキャラクターシートを用意します。
type SheetGenerator interface {
	Ensure(ctx context.Context, sessionID string, photos [][]byte, style domain.StyleProfile, desc *domain.CharacterDescription) (sheet.Result, error)
}

// PostProcessor は生成画像の後処理です。
type PostProcessor interface {
	Process(ctx context.Context, image, photo []byte, opts postprocess.Options) postprocess.Result
}

// Deps は Pipeline が利用するコラボレータです。Analyzer, Sheets, Post は nil でも動作します。
type Deps struct {
	Templates store.StoryTemplates
	Sessions  store.Sessions
	Assets    store.Assets
	Versions  versionstore.Store
	Engine    generator.ImageGenerator
	Analyzer  CharacterAnalyzer
	Sheets    SheetGenerator
	Post      PostProcessor
}

// Pipeline はパーソナライズ処理のオーケストレータです。
type Pipeline struct {
	Deps
	sessionTTL  time.Duration
	concurrency int
	now         func() time.Time
	newID       func() string
	locks       *keyedMutex
}

// Option は Pipeline の任意設定です。
type Option func(*Pipeline)

// WithSessionTTL はセッションの有効期間を設定します。
func WithSessionTTL(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.sessionTTL = d
		}
	}
}

// WithConcurrency は GenerateAll の同時実行数を設定します。
func WithConcurrency(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithClock は現在時刻の取得方法を差し替えます。
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New は Pipeline を初期化します。
func New(deps Deps, opts ...Option) (*Pipeline, error) {
	switch {
	case deps.Templates == nil:
		return nil, fmt.Errorf("story templates store is required")
	case deps.Sessions == nil:
		return nil, fmt.Errorf("session store is required")
	case deps.Assets == nil:
		return nil, fmt.Errorf("asset store is required")
	case deps.Versions == nil:
		return nil, fmt.Errorf("version store is required")
	case deps.Engine == nil:
		return nil, fmt.Errorf("image generator is required")
	}

	p := &Pipeline{
		Deps:        deps,
		sessionTTL:  DefaultSessionTTL,
		concurrency: DefaultConcurrency,
		now:         time.Now,
		newID:       uuid.NewString,
		locks:       newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func pageLockKey(sessionID string, page int) string {
	return fmt.Sprintf("page:%s:%d", sessionID, page)
}

func sessionLockKey(sessionID string) string {
	return "session:" + sessionID
}
