package versionstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shouni/go-storybook-kit/pkg/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PageVersionRecord は page_versions テーブルの行です。作成後は更新しません。
type PageVersionRecord struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	SessionID string `gorm:"size:64;not null;uniqueIndex:idx_page_version,priority:1"`
	Page      int    `gorm:"not null;uniqueIndex:idx_page_version,priority:2"`
	Version   int    `gorm:"not null;uniqueIndex:idx_page_version,priority:3"`
	ImageRef  string `gorm:"size:512"`
	MimeType  string `gorm:"size:64"`
	Degraded  string `gorm:"size:512"`
	CreatedAt time.Time
}

func (PageVersionRecord) TableName() string { return "page_versions" }

// PageSelectionRecord はページごとの状態の行です。Versions が CAS の比較対象です。
type PageSelectionRecord struct {
	SessionID       string `gorm:"primaryKey;size:64"`
	Page            int    `gorm:"primaryKey;autoIncrement:false"`
	Versions        int    `gorm:"not null;default:0"`
	SelectedVersion int    `gorm:"not null;default:0"`
	FavoriteVersion *int
	UpdatedAt       time.Time
}

func (PageSelectionRecord) TableName() string { return "page_selections" }

// AutoMigrate はバージョン関連のテーブルを作成・更新します。
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&PageVersionRecord{}, &PageSelectionRecord{}); err != nil {
		return fmt.Errorf("versionstore: auto-migrate: %w", err)
	}
	return nil
}

// GormStore は Store の gorm 実装です。
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

var _ Store = (*GormStore)(nil)

// NewGormStore は GormStore を作成します。テーブルは AutoMigrate で用意してください。
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db, now: time.Now}
}

func (s *GormStore) selection(tx *gorm.DB, sessionID string, page int) (PageSelectionRecord, error) {
	var rec PageSelectionRecord
	err := tx.Where("session_id = ? AND page = ?", sessionID, page).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PageSelectionRecord{SessionID: sessionID, Page: page}, nil
	}
	return rec, err
}

// CheckCanCreate は現在のバージョン数で次の作成が許されるかを確認します。
func (s *GormStore) CheckCanCreate(ctx context.Context, sessionID string, page, maxRegenerations int) error {
	rec, err := s.selection(s.db.WithContext(ctx), sessionID, page)
	if err != nil {
		return fmt.Errorf("versionstore: read page %d: %w", page, err)
	}
	if limitReached(rec.Versions, maxRegenerations) {
		return limitError(page, rec.Versions, maxRegenerations)
	}
	return nil
}

// TryCreateVersion は上限を確認してから次のバージョン番号を確定し、画像を書き込んで記録します。
// 1枚目は自動的に選択状態になります。
func (s *GormStore) TryCreateVersion(ctx context.Context, nv NewVersion) (domain.PageVersion, error) {
	if err := validate(nv); err != nil {
		return domain.PageVersion{}, err
	}

	for i := 0; i < casRetries; i++ {
		pv, err := s.tryCreateOnce(ctx, nv)
		if errors.Is(err, ErrConflict) {
			slog.WarnContext(ctx, "バージョン作成が競合しました。再試行します",
				"session_id", nv.SessionID, "page", nv.Page, "retry", i+1)
			continue
		}
		return pv, err
	}
	return domain.PageVersion{}, fmt.Errorf("versionstore: page %d: %w", nv.Page, ErrConflict)
}

func (s *GormStore) tryCreateOnce(ctx context.Context, nv NewVersion) (domain.PageVersion, error) {
	var pv domain.PageVersion
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 行がなければ Versions=0 で作る
		seed := PageSelectionRecord{SessionID: nv.SessionID, Page: nv.Page}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
			return fmt.Errorf("versionstore: init page %d: %w", nv.Page, err)
		}
		rec, err := s.selection(tx, nv.SessionID, nv.Page)
		if err != nil {
			return fmt.Errorf("versionstore: read page %d: %w", nv.Page, err)
		}
		if limitReached(rec.Versions, nv.MaxRegenerations) {
			return limitError(nv.Page, rec.Versions, nv.MaxRegenerations)
		}

		next := rec.Versions + 1
		updates := map[string]interface{}{"versions": next, "updated_at": s.now()}
		if next == 1 {
			updates["selected_version"] = 1
		}
		res := tx.Model(&PageSelectionRecord{}).
			Where("session_id = ? AND page = ? AND versions = ?", nv.SessionID, nv.Page, rec.Versions).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("versionstore: bump page %d: %w", nv.Page, res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrConflict
		}

		ref, err := nv.Write(ctx, next)
		if err != nil {
			return fmt.Errorf("versionstore: write image for page %d v%d: %w", nv.Page, next, err)
		}

		row := PageVersionRecord{
			SessionID: nv.SessionID,
			Page:      nv.Page,
			Version:   next,
			ImageRef:  ref,
			MimeType:  nv.MimeType,
			Degraded:  strings.Join(nv.Degraded, ","),
			CreatedAt: s.now(),
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("versionstore: insert page %d v%d: %w", nv.Page, next, err)
		}
		pv = toVersion(row)
		return nil
	})
	return pv, err
}

// SelectVersion は選択中のバージョンを切り替えます。存在しない番号は ErrVersionNotFound です。
func (s *GormStore) SelectVersion(ctx context.Context, sessionID string, page, version int) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := s.selection(tx, sessionID, page)
		if err != nil {
			return fmt.Errorf("versionstore: read page %d: %w", page, err)
		}
		if version < 1 || version > rec.Versions {
			return notFound(page, version, rec.Versions)
		}
		return tx.Model(&PageSelectionRecord{}).
			Where("session_id = ? AND page = ?", sessionID, page).
			Updates(map[string]interface{}{"selected_version": version, "updated_at": s.now()}).Error
	})
}

// SetFavorite はお気に入りを設定します。nil で解除します。
func (s *GormStore) SetFavorite(ctx context.Context, sessionID string, page int, version *int) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := s.selection(tx, sessionID, page)
		if err != nil {
			return fmt.Errorf("versionstore: read page %d: %w", page, err)
		}
		if version != nil && (*version < 1 || *version > rec.Versions) {
			return notFound(page, *version, rec.Versions)
		}
		if version == nil && rec.Versions == 0 {
			return nil
		}
		return tx.Model(&PageSelectionRecord{}).
			Where("session_id = ? AND page = ?", sessionID, page).
			Updates(map[string]interface{}{"favorite_version": version, "updated_at": s.now()}).Error
	})
}

// Count はページのバージョン数を返します。
func (s *GormStore) Count(ctx context.Context, sessionID string, page int) (int, error) {
	st, err := s.State(ctx, sessionID, page)
	return st.Versions, err
}

// State はページの状態を返します。未生成のページは Versions=0 の状態です。
func (s *GormStore) State(ctx context.Context, sessionID string, page int) (domain.PageState, error) {
	rec, err := s.selection(s.db.WithContext(ctx), sessionID, page)
	if err != nil {
		return domain.PageState{}, fmt.Errorf("versionstore: read page %d: %w", page, err)
	}
	return toState(rec), nil
}

// States はセッション内で1枚以上生成されたページの状態をページ順に返します。
func (s *GormStore) States(ctx context.Context, sessionID string) ([]domain.PageState, error) {
	var recs []PageSelectionRecord
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND versions > 0", sessionID).
		Order("page").Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("versionstore: list pages for %s: %w", sessionID, err)
	}
	out := make([]domain.PageState, 0, len(recs))
	for _, r := range recs {
		out = append(out, toState(r))
	}
	return out, nil
}

// Version は1件のバージョン記録を返します。
func (s *GormStore) Version(ctx context.Context, sessionID string, page, version int) (domain.PageVersion, error) {
	var row PageVersionRecord
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND page = ? AND version = ?", sessionID, page, version).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.PageVersion{}, fmt.Errorf("page %d version %d: %w", page, version, domain.ErrVersionNotFound)
	}
	if err != nil {
		return domain.PageVersion{}, fmt.Errorf("versionstore: get page %d v%d: %w", page, version, err)
	}
	return toVersion(row), nil
}

// Versions はページの全バージョンを番号順に返します。
func (s *GormStore) Versions(ctx context.Context, sessionID string, page int) ([]domain.PageVersion, error) {
	var rows []PageVersionRecord
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND page = ?", sessionID, page).
		Order("version").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("versionstore: list page %d: %w", page, err)
	}
	out := make([]domain.PageVersion, 0, len(rows))
	for _, r := range rows {
		out = append(out, toVersion(r))
	}
	return out, nil
}

// DeleteSession はセッションの全バージョンと状態を削除します。
func (s *GormStore) DeleteSession(ctx context.Context, sessionID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", sessionID).Delete(&PageVersionRecord{}).Error; err != nil {
			return fmt.Errorf("versionstore: delete versions for %s: %w", sessionID, err)
		}
		if err := tx.Where("session_id = ?", sessionID).Delete(&PageSelectionRecord{}).Error; err != nil {
			return fmt.Errorf("versionstore: delete pages for %s: %w", sessionID, err)
		}
		return nil
	})
}

func toState(r PageSelectionRecord) domain.PageState {
	return domain.PageState{
		Page:            r.Page,
		Versions:        r.Versions,
		SelectedVersion: r.SelectedVersion,
		FavoriteVersion: r.FavoriteVersion,
	}
}

func toVersion(r PageVersionRecord) domain.PageVersion {
	pv := domain.PageVersion{
		SessionID: r.SessionID,
		Page:      r.Page,
		Version:   r.Version,
		ImageRef:  r.ImageRef,
		MimeType:  r.MimeType,
		CreatedAt: r.CreatedAt,
	}
	if r.Degraded != "" {
		pv.Degraded = strings.Split(r.Degraded, ",")
	}
	return pv
}
