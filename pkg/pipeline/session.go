package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shouni/go-storybook-kit/pkg/domain"
	"github.com/shouni/go-storybook-kit/pkg/imgutil"
	"github.com/shouni/go-storybook-kit/pkg/store"
)

// SessionState はセッションと全ページの状態です。未生成のページも Versions=0 で含まれます。
type SessionState struct {
	Session *domain.Session    `json:"session"`
	Pages   []domain.PageState `json:"pages"`
}

// CreateSession は物語テンプレートを確認してから新しいセッションを作ります。
func (p *Pipeline) CreateSession(ctx context.Context, storyID, childName string) (*domain.Session, error) {
	if strings.TrimSpace(storyID) == "" {
		return nil, fmt.Errorf("story id is required: %w", domain.ErrInvalidInput)
	}
	tmpl, err := p.Templates.GetStoryTemplate(ctx, storyID)
	if err != nil {
		return nil, err
	}

	now := p.now()
	sess := &domain.Session{
		ID:        p.newID(),
		StoryID:   tmpl.ID,
		ChildName: strings.TrimSpace(childName),
		Status:    domain.StatusCreated,
		CreatedAt: now,
		ExpiresAt: now.Add(p.sessionTTL),
		Progress:  domain.Progress{Total: len(tmpl.Pages)},
	}
	if err := p.Sessions.SaveSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	slog.InfoContext(ctx, "セッションを作成しました", "session_id", sess.ID, "story_id", sess.StoryID, "pages", len(tmpl.Pages))
	return sess, nil
}

// GetSession は期限内のセッションを返します。
func (p *Pipeline) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	return p.Sessions.GetSession(ctx, sessionID)
}

// UploadPhoto は参照写真を保存します。生成開始後の差し替えはできません。
func (p *Pipeline) UploadPhoto(ctx context.Context, sessionID string, data []byte) (*domain.Session, error) {
	mime, err := imgutil.DetectImageMIME(data)
	if err != nil {
		return nil, fmt.Errorf("photo: %v: %w", err, domain.ErrInvalidInput)
	}

	unlock := p.locks.Lock(sessionLockKey(sessionID))
	defer unlock()

	sess, err := p.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.Transition(domain.StatusPhotoUploaded) {
		return nil, fmt.Errorf("upload photo in status %s: %w", sess.Status, domain.ErrInvalidTransition)
	}
	sess.PhotoData = data
	sess.PhotoBase64 = imgutil.EncodeBase64(data)
	sess.PhotoMIME = mime
	if err := p.Sessions.SaveSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	// 写真が変わったので解析結果を作り直す
	if p.Analyzer != nil {
		p.Analyzer.Forget(sessionID)
	}
	slog.InfoContext(ctx, "写真をアップロードしました", "session_id", sessionID, "mime", mime, "bytes", len(data))
	return sess, nil
}

// DeleteSession はセッションとその全バージョン、全画像を削除します。
func (p *Pipeline) DeleteSession(ctx context.Context, sessionID string) error {
	unlock := p.locks.Lock(sessionLockKey(sessionID))
	defer unlock()

	if err := p.Versions.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("delete versions: %w", err)
	}
	if err := p.Assets.DeleteSessionAssets(ctx, sessionID); err != nil {
		return fmt.Errorf("delete assets: %w", err)
	}
	if p.Analyzer != nil {
		p.Analyzer.Forget(sessionID)
	}
	if err := p.Sessions.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	slog.InfoContext(ctx, "セッションを削除しました", "session_id", sessionID)
	return nil
}

// State はセッションと物語の全ページの状態を返します。
func (p *Pipeline) State(ctx context.Context, sessionID string) (*SessionState, error) {
	sess, tmpl, err := p.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	states, err := p.pageStates(ctx, sessionID, tmpl)
	if err != nil {
		return nil, err
	}
	return &SessionState{Session: sess, Pages: states}, nil
}

// SelectVersion はページの選択バージョンを切り替えます。
func (p *Pipeline) SelectVersion(ctx context.Context, sessionID string, page, version int) (domain.PageState, error) {
	_, tmpl, err := p.loadPage(ctx, sessionID, page)
	if err != nil {
		return domain.PageState{}, err
	}

	unlock := p.locks.Lock(pageLockKey(sessionID, page))
	defer unlock()

	if err := p.Versions.SelectVersion(ctx, sessionID, page, version); err != nil {
		return domain.PageState{}, err
	}
	if _, err := p.refreshProgress(ctx, sessionID, tmpl); err != nil {
		return domain.PageState{}, err
	}
	return p.Versions.State(ctx, sessionID, page)
}

// SetFavorite はお気に入りを設定します。version が nil なら解除します。
func (p *Pipeline) SetFavorite(ctx context.Context, sessionID string, page int, version *int) (domain.PageState, error) {
	if _, _, err := p.loadPage(ctx, sessionID, page); err != nil {
		return domain.PageState{}, err
	}

	unlock := p.locks.Lock(pageLockKey(sessionID, page))
	defer unlock()

	if err := p.Versions.SetFavorite(ctx, sessionID, page, version); err != nil {
		return domain.PageState{}, err
	}
	return p.Versions.State(ctx, sessionID, page)
}

// GetPageImage はページ画像のバイト列と MIME タイプを返します。version が 0 なら表示中のバージョンです。
func (p *Pipeline) GetPageImage(ctx context.Context, sessionID string, page, version int) ([]byte, string, error) {
	if _, _, err := p.loadPage(ctx, sessionID, page); err != nil {
		return nil, "", err
	}
	if version == 0 {
		st, err := p.Versions.State(ctx, sessionID, page)
		if err != nil {
			return nil, "", err
		}
		version = st.EffectiveVersion()
	}
	pv, err := p.Versions.Version(ctx, sessionID, page, version)
	if err != nil {
		return nil, "", err
	}
	data, err := p.Assets.GetGeneratedImageBytes(ctx, sessionID, page, version)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, "", fmt.Errorf("load image page %d v%d: %w", page, version, err)
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("image page %d v%d is missing: %w", page, version, domain.ErrVersionNotFound)
	}
	return data, pv.MimeType, nil
}

func (p *Pipeline) load(ctx context.Context, sessionID string) (*domain.Session, *domain.StoryTemplate, error) {
	sess, err := p.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	tmpl, err := p.Templates.GetStoryTemplate(ctx, sess.StoryID)
	if err != nil {
		return nil, nil, fmt.Errorf("session %s: %w", sessionID, err)
	}
	return sess, tmpl, nil
}

func (p *Pipeline) loadPage(ctx context.Context, sessionID string, page int) (*domain.Session, *domain.StoryTemplate, error) {
	sess, tmpl, err := p.load(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if _, ok := tmpl.Page(page); !ok {
		return nil, nil, fmt.Errorf("story %s page %d: %w", tmpl.ID, page, domain.ErrPageNotFound)
	}
	return sess, tmpl, nil
}

func (p *Pipeline) pageStates(ctx context.Context, sessionID string, tmpl *domain.StoryTemplate) ([]domain.PageState, error) {
	stored, err := p.Versions.States(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	byPage := make(map[int]domain.PageState, len(stored))
	for _, st := range stored {
		byPage[st.Page] = st
	}
	out := make([]domain.PageState, 0, len(tmpl.Pages))
	for _, n := range tmpl.PageNumbers() {
		st, ok := byPage[n]
		if !ok {
			st = domain.PageState{Page: n}
		}
		out = append(out, st)
	}
	return out, nil
}

// refreshProgress は選択済みページ数を数え直し、全ページが揃えば completed へ遷移させます。
func (p *Pipeline) refreshProgress(ctx context.Context, sessionID string, tmpl *domain.StoryTemplate) (*domain.Session, error) {
	unlock := p.locks.Lock(sessionLockKey(sessionID))
	defer unlock()

	sess, err := p.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	states, err := p.pageStates(ctx, sessionID, tmpl)
	if err != nil {
		return nil, err
	}
	completed := 0
	for _, st := range states {
		if st.HasSelection() {
			completed++
		}
	}
	sess.Progress = domain.Progress{Completed: completed, Total: len(tmpl.Pages)}
	if sess.Progress.Done() && sess.Transition(domain.StatusCompleted) {
		slog.InfoContext(ctx, "全ページの選択が揃いました", "session_id", sessionID)
	}
	if err := p.Sessions.SaveSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	return sess, nil
}

// recordError はセッションのエラーログに追記します。追記自体の失敗はログのみです。
func (p *Pipeline) recordError(ctx context.Context, sessionID string, page, attempt int, stage string, err error) {
	slog.WarnContext(ctx, "ページ生成中のエラーを記録します",
		"session_id", sessionID, "page", page, "stage", stage, "attempt", attempt, "error", err)
	entry := domain.GenerationErrorEntry{
		Page: page, Attempt: attempt, Stage: stage, Message: err.Error(), Timestamp: p.now(),
	}
	if aerr := p.Sessions.AppendError(ctx, sessionID, entry); aerr != nil && !errors.Is(aerr, context.Canceled) {
		slog.ErrorContext(ctx, "エラーログの追記に失敗しました", "session_id", sessionID, "error", aerr)
	}
}
