// Package versionstore はページごとの生成バージョンと選択・お気に入り状態を管理します。
//
// バージョン番号はページごとに 1 から欠番なく振られます。新しいバージョンの作成は
// 再生成上限の確認とバージョン数の更新を1つの操作（CAS）で行うため、
// 同じページへの同時再生成でも上限を超えることはありません。
package versionstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/shouni/go-storybook-kit/pkg/domain"
)

// ErrConflict は CAS の競合を表します。TryCreateVersion 内部で再試行されます。
var ErrConflict = errors.New("concurrent version update")

const casRetries = 5

// WriteImage は確定したバージョン番号を受け取り画像を保存して参照を返します。
// エラーを返すとバージョンの作成は取り消されます。
type WriteImage func(ctx context.Context, version int) (ref string, err error)

// NewVersion は TryCreateVersion の入力です。
type NewVersion struct {
	SessionID        string
	Page             int
	MimeType         string
	Degraded         []string
	MaxRegenerations int
	Write            WriteImage
}

// Store は Version Store の契約です。
type Store interface {
	// CheckCanCreate は生成前の事前確認です。確定は TryCreateVersion が行います。
	CheckCanCreate(ctx context.Context, sessionID string, page, maxRegenerations int) error
	TryCreateVersion(ctx context.Context, nv NewVersion) (domain.PageVersion, error)
	SelectVersion(ctx context.Context, sessionID string, page, version int) error
	SetFavorite(ctx context.Context, sessionID string, page int, version *int) error
	Count(ctx context.Context, sessionID string, page int) (int, error)
	State(ctx context.Context, sessionID string, page int) (domain.PageState, error)
	States(ctx context.Context, sessionID string) ([]domain.PageState, error)
	Version(ctx context.Context, sessionID string, page, version int) (domain.PageVersion, error)
	Versions(ctx context.Context, sessionID string, page int) ([]domain.PageVersion, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// limitReached は現在のバージョン数で次の作成が上限に掛かるかを返します。
// 1枚目の生成は常に許可され、maxRegenerations は2枚目以降の枚数の上限です。
// max=2 なら v1〜v3 まで作れ、max=0 なら v1 のみです。
func limitReached(count, maxRegenerations int) bool {
	if count == 0 {
		return false
	}
	return count-1 >= maxRegenerations
}

func limitError(page, count, maxRegenerations int) error {
	return fmt.Errorf("page %d already has %d versions (max regenerations %d): %w",
		page, count, maxRegenerations, domain.ErrRegenerationLimitExceeded)
}

func notFound(page, version, count int) error {
	return fmt.Errorf("page %d version %d (have %d): %w", page, version, count, domain.ErrVersionNotFound)
}

func validate(nv NewVersion) error {
	if nv.SessionID == "" {
		return fmt.Errorf("versionstore: session id is required")
	}
	if nv.Page < 1 {
		return fmt.Errorf("versionstore: page must be >= 1, got %d", nv.Page)
	}
	if nv.Write == nil {
		return fmt.Errorf("versionstore: image writer is required")
	}
	return nil
}
