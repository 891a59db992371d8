package sqlstore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shouni/go-storybook-kit/pkg/domain"
	"github.com/shouni/go-storybook-kit/pkg/store"
	"gorm.io/gorm"
)

// Store は store.Sessions と store.DescriptionStore の gorm 実装です。
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// New は Store を作成します。
func New(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// GetSession は期限内のセッションを返します。期限切れは見つからないものとして扱います。
func (s *Store) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	var rec SessionRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("sqlstore: session %s: %w", id, domain.ErrSessionNotFoundOrExpired)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get session %s: %w", id, err)
	}

	sess := toDomain(rec)
	if sess.Expired(s.now()) {
		return nil, fmt.Errorf("sqlstore: session %s expired at %s: %w", id, sess.ExpiresAt.Format(time.RFC3339), domain.ErrSessionNotFoundOrExpired)
	}

	var errs []SessionErrorRecord
	if err := s.db.WithContext(ctx).Where("session_id = ?", id).Order("id").Find(&errs).Error; err != nil {
		return nil, fmt.Errorf("sqlstore: load errors for %s: %w", id, err)
	}
	for _, e := range errs {
		sess.Errors = append(sess.Errors, domain.GenerationErrorEntry{
			Page: e.Page, Attempt: e.Attempt, Stage: e.Stage, Message: e.Message, Timestamp: e.CreatedAt,
		})
	}
	return sess, nil
}

// SaveSession はセッションを作成または上書きします。エラーログは AppendError で追記します。
func (s *Store) SaveSession(ctx context.Context, sess *domain.Session) error {
	rec := SessionRecord{
		ID:                sess.ID,
		StoryID:           sess.StoryID,
		ChildName:         sess.ChildName,
		Status:            string(sess.Status),
		Photo:             sess.PhotoData,
		PhotoMIME:         sess.PhotoMIME,
		ProgressCompleted: sess.Progress.Completed,
		ProgressTotal:     sess.Progress.Total,
		CreatedAt:         sess.CreatedAt,
		ExpiresAt:         sess.ExpiresAt,
	}
	if err := s.db.WithContext(ctx).Save(&rec).Error; err != nil {
		return fmt.Errorf("sqlstore: save session %s: %w", sess.ID, err)
	}
	return nil
}

// DeleteSession はセッションと付随するエラーログ・キャラクター説明を削除します。
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", id).Delete(&SessionErrorRecord{}).Error; err != nil {
			return fmt.Errorf("sqlstore: delete errors for %s: %w", id, err)
		}
		if err := tx.Where("session_id = ?", id).Delete(&DescriptionRecord{}).Error; err != nil {
			return fmt.Errorf("sqlstore: delete description for %s: %w", id, err)
		}
		if err := tx.Where("id = ?", id).Delete(&SessionRecord{}).Error; err != nil {
			return fmt.Errorf("sqlstore: delete session %s: %w", id, err)
		}
		return nil
	})
}

// AppendError はエラーログに1行追記します。
func (s *Store) AppendError(ctx context.Context, id string, entry domain.GenerationErrorEntry) error {
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	rec := SessionErrorRecord{
		SessionID: id,
		Page:      entry.Page,
		Attempt:   entry.Attempt,
		Stage:     entry.Stage,
		Message:   entry.Message,
		CreatedAt: ts,
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("sqlstore: append error for %s: %w", id, err)
	}
	return nil
}

// ListExpired は now 時点で期限切れのセッションIDを返します。
func (s *Store) ListExpired(ctx context.Context, now time.Time) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&SessionRecord{}).
		Where("expires_at < ?", now).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list expired: %w", err)
	}
	return ids, nil
}

// GetDescription は保存済みのキャラクター説明を返します。
func (s *Store) GetDescription(ctx context.Context, sessionID string) (*domain.CharacterDescription, error) {
	var rec DescriptionRecord
	err := s.db.WithContext(ctx).First(&rec, "session_id = ?", sessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("sqlstore: description %s: %w", sessionID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get description %s: %w", sessionID, err)
	}
	var d domain.CharacterDescription
	if err := json.Unmarshal([]byte(rec.Body), &d); err != nil {
		return nil, fmt.Errorf("sqlstore: decode description %s: %w", sessionID, err)
	}
	return &d, nil
}

// SaveDescription はキャラクター説明を保存します。
func (s *Store) SaveDescription(ctx context.Context, sessionID string, d *domain.CharacterDescription) error {
	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("sqlstore: encode description: %w", err)
	}
	rec := DescriptionRecord{SessionID: sessionID, Body: string(body), CreatedAt: s.now()}
	if err := s.db.WithContext(ctx).Save(&rec).Error; err != nil {
		return fmt.Errorf("sqlstore: save description %s: %w", sessionID, err)
	}
	return nil
}

func toDomain(rec SessionRecord) *domain.Session {
	sess := &domain.Session{
		ID:        rec.ID,
		StoryID:   rec.StoryID,
		ChildName: rec.ChildName,
		Status:    domain.SessionStatus(rec.Status),
		PhotoData: rec.Photo,
		PhotoMIME: rec.PhotoMIME,
		CreatedAt: rec.CreatedAt,
		ExpiresAt: rec.ExpiresAt,
		Progress:  domain.Progress{Completed: rec.ProgressCompleted, Total: rec.ProgressTotal},
	}
	if len(rec.Photo) > 0 {
		sess.PhotoBase64 = base64.StdEncoding.EncodeToString(rec.Photo)
	}
	return sess
}
