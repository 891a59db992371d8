package domain

import "time"

// CharacterSheetPage はキャラクターシートを格納する予約ページ番号です。
const CharacterSheetPage = 0

// PageVersion はページの1回分の生成結果です。作成後は変更されません。
type PageVersion struct {
	SessionID string    `json:"session_id"`
	Page      int       `json:"page"`
	Version   int       `json:"version"`
	ImageRef  string    `json:"image_ref"`
	MimeType  string    `json:"mime_type"`
	CreatedAt time.Time `json:"created_at"`
	// Degraded は品質を落として生成された理由（フォールバック、後処理の失敗等）です。
	Degraded []string `json:"degraded,omitempty"`
}

// PageState はページごとの選択状態です。
type PageState struct {
	Page            int  `json:"page"`
	Versions        int  `json:"versions"`
	SelectedVersion int  `json:"selected_version"`
	FavoriteVersion *int `json:"favorite_version,omitempty"`
}

// EffectiveVersion は表示に使うバージョンを返します。お気に入りがあればそれを優先します。
func (s PageState) EffectiveVersion() int {
	if s.FavoriteVersion != nil {
		return *s.FavoriteVersion
	}
	return s.SelectedVersion
}

// HasSelection は選択済みバージョンがあるかを返します。
func (s PageState) HasSelection() bool {
	return s.SelectedVersion > 0
}

// RegenerationsUsed は1回目以降に作られたバージョン数です。
func (s PageState) RegenerationsUsed() int {
	if s.Versions == 0 {
		return 0
	}
	return s.Versions - 1
}
