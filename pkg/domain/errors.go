package domain

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNoContent はモデルが画像を返さなかったこと（安全フィルタ、テキストのみ等）を表します。
	// 通信エラーと区別され、縮退フォールバックの発動条件になります。
	ErrNoContent = errors.New("model returned no usable content")

	ErrRegenerationLimitExceeded = errors.New("regeneration limit exceeded")
	ErrVersionNotFound           = errors.New("version not found")
	ErrSessionNotFoundOrExpired  = errors.New("session not found or expired")
	ErrStoryNotFound             = errors.New("story template not found")
	ErrPageNotFound              = errors.New("page not found in story")
	ErrPhotoRequired             = errors.New("reference photo has not been uploaded")
	ErrInvalidTransition         = errors.New("operation not allowed in current session status")
	ErrInvalidInput              = errors.New("invalid input")
)

// AnalysisError はキャラクター解析の失敗です。呼び出し側は説明なしで続行します。
type AnalysisError struct {
	SessionID string
	Err       error
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("character analysis failed (session %s): %v", e.SessionID, e.Err)
}

func (e *AnalysisError) Unwrap() error { return e.Err }

// SheetGenerationError はキャラクターシート生成の失敗です。ページ生成は続行されます。
type SheetGenerationError struct {
	SessionID string
	Err       error
}

func (e *SheetGenerationError) Error() string {
	return fmt.Sprintf("character sheet generation failed (session %s): %v", e.SessionID, e.Err)
}

func (e *SheetGenerationError) Unwrap() error { return e.Err }

// GenerationError は全ての試行戦略を使い切った後の生成失敗です。
// ページ単位のリクエストにとって唯一の致命的な生成エラーです。
type GenerationError struct {
	Strategy string
	Attempts int
	Err      error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("image generation failed after %d attempts (last strategy %s): %v", e.Attempts, e.Strategy, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// PostProcessError は後処理ステップの失敗です。画像は処理前のものに戻されます。
type PostProcessError struct {
	Step     string
	Attempts int
	Err      error
}

func (e *PostProcessError) Error() string {
	return fmt.Sprintf("post-process %s failed after %d attempts: %v", e.Step, e.Attempts, e.Err)
}

func (e *PostProcessError) Unwrap() error { return e.Err }

// StatusCode はエラー分類を HTTP ステータスへ対応付けます。
func StatusCode(err error) int {
	var genErr *GenerationError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrRegenerationLimitExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrVersionNotFound),
		errors.Is(err, ErrSessionNotFoundOrExpired),
		errors.Is(err, ErrStoryNotFound),
		errors.Is(err, ErrPageNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrPhotoRequired), errors.Is(err, ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.As(err, &genErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// UserMessage はユーザー向けの短いメッセージを返します。
func UserMessage(err error) string {
	var genErr *GenerationError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRegenerationLimitExceeded):
		return "このページはこれ以上再生成できません。"
	case errors.Is(err, ErrVersionNotFound):
		return "指定されたバージョンが見つかりません。画面を更新してください。"
	case errors.Is(err, ErrSessionNotFoundOrExpired):
		return "セッションが見つからないか、有効期限が切れています。"
	case errors.Is(err, ErrStoryNotFound), errors.Is(err, ErrPageNotFound):
		return "指定された物語またはページが見つかりません。"
	case errors.Is(err, ErrPhotoRequired):
		return "先に写真をアップロードしてください。"
	case errors.Is(err, ErrInvalidTransition):
		return "現在の状態ではこの操作はできません。"
	case errors.Is(err, ErrInvalidInput):
		return "入力内容が正しくありません。"
	case errors.As(err, &genErr):
		return "画像の生成に失敗しました。しばらくしてからもう一度お試しください。"
	default:
		return "内部エラーが発生しました。"
	}
}
