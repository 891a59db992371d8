// Package store はパイプラインが利用する外部コラボレータ（CMS、セッション保存、画像保存）の契約です。
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shouni/go-storybook-kit/pkg/domain"
)

// ErrNotFound は対象のオブジェクトが存在しないことを表します。
var ErrNotFound = errors.New("not found")

// StoryTemplates は物語テンプレートの取得元です。
type StoryTemplates interface {
	GetStoryTemplate(ctx context.Context, storyID string) (*domain.StoryTemplate, error)
}

// Sessions はセッションの永続化です。期限切れのセッションは見つからないものとして扱われます。
type Sessions interface {
	GetSession(ctx context.Context, id string) (*domain.Session, error)
	SaveSession(ctx context.Context, s *domain.Session) error
	DeleteSession(ctx context.Context, id string) error
	AppendError(ctx context.Context, id string, entry domain.GenerationErrorEntry) error
	ListExpired(ctx context.Context, now time.Time) ([]string, error)
}

// Assets は生成画像とキャラクターシートのバイナリ保存先です。
type Assets interface {
	SaveGeneratedImage(ctx context.Context, sessionID string, page, version int, data []byte) (string, error)
	GetGeneratedImageBytes(ctx context.Context, sessionID string, page, version int) ([]byte, error)
	SaveCharacterSheet(ctx context.Context, sessionID string, data []byte) (string, error)
	GetCharacterSheet(ctx context.Context, sessionID string) ([]byte, error)
	HasCharacterSheet(ctx context.Context, sessionID string) (bool, error)
	DeleteSessionAssets(ctx context.Context, sessionID string) error
}

// DescriptionStore はキャラクター説明の永続化です。プロセス再起動後の再解析を避けます。
type DescriptionStore interface {
	GetDescription(ctx context.Context, sessionID string) (*domain.CharacterDescription, error)
	SaveDescription(ctx context.Context, sessionID string, d *domain.CharacterDescription) error
}

// ImageKey は画像オブジェクトのキーを返します。キャラクターシートは page 0, version 1 です。
func ImageKey(sessionID string, page, version int) string {
	return fmt.Sprintf("%s/%s/page-%03d/v%03d", SessionPrefix, sessionID, page, version)
}

// SessionDir はセッション配下の全画像をまとめるキー接頭辞です。
func SessionDir(sessionID string) string {
	return fmt.Sprintf("%s/%s", SessionPrefix, sessionID)
}

const SessionPrefix = "sessions"
