package analyzer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/shouni/go-storybook-kit/pkg/domain"
	"github.com/shouni/go-storybook-kit/pkg/store"
)

// DescriptionCache はセッションごとのキャラクター説明のキャッシュです。
// メモリ上のエントリは TTL で破棄され、durable が設定されていれば再起動後もそこから復元します。
type DescriptionCache struct {
	mem     *cache.Cache
	ttl     time.Duration
	durable store.DescriptionStore
}

// NewDescriptionCache は TTL 付きのキャッシュを作成します。durable は nil でも構いません。
func NewDescriptionCache(ttl time.Duration, durable store.DescriptionStore) *DescriptionCache {
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	cleanup := ttl
	if cleanup <= 0 || cleanup > time.Hour {
		cleanup = time.Hour
	}
	return &DescriptionCache{
		mem:     cache.New(ttl, cleanup),
		ttl:     ttl,
		durable: durable,
	}
}

// Get はメモリ、永続ストアの順に探します。永続ストアで見つかった値はメモリに戻します。
func (c *DescriptionCache) Get(ctx context.Context, sessionID string) (*domain.CharacterDescription, bool) {
	if v, ok := c.mem.Get(sessionID); ok {
		if d, ok := v.(*domain.CharacterDescription); ok {
			return d, true
		}
	}
	if c.durable == nil {
		return nil, false
	}

	d, err := c.durable.GetDescription(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.WarnContext(ctx, "キャラクター説明の読み込みに失敗しました", "session_id", sessionID, "error", err)
		}
		return nil, false
	}
	c.mem.Set(sessionID, d, c.ttl)
	return d, true
}

// Set はメモリに保存し、永続ストアにも書き込みます。永続化の失敗は警告のみです。
func (c *DescriptionCache) Set(ctx context.Context, sessionID string, d *domain.CharacterDescription) {
	c.mem.Set(sessionID, d, c.ttl)
	if c.durable == nil {
		return
	}
	if err := c.durable.SaveDescription(ctx, sessionID, d); err != nil {
		slog.WarnContext(ctx, "キャラクター説明の永続化に失敗しました", "session_id", sessionID, "error", err)
	}
}

// Delete はメモリ上のエントリを破棄します。永続側はセッション削除と一緒に消えます。
func (c *DescriptionCache) Delete(sessionID string) {
	c.mem.Delete(sessionID)
}
