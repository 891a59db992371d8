package sqlstore

import "time"

// SessionRecord は sessions テーブルの行です。
type SessionRecord struct {
	ID                string `gorm:"primaryKey;size:64"`
	StoryID           string `gorm:"size:128;index;not null"`
	ChildName         string `gorm:"size:128"`
	Status            string `gorm:"size:24;index"`
	Photo             []byte
	PhotoMIME         string `gorm:"size:64"`
	ProgressCompleted int
	ProgressTotal     int
	CreatedAt         time.Time
	ExpiresAt         time.Time `gorm:"index"`
}

func (SessionRecord) TableName() string { return "sessions" }

// SessionErrorRecord はセッションのエラーログの1行です（追記のみ）。
type SessionErrorRecord struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	SessionID string `gorm:"size:64;index"`
	Page      int
	Attempt   int
	Stage     string `gorm:"size:32"`
	Message   string `gorm:"type:text"`
	CreatedAt time.Time
}

func (SessionErrorRecord) TableName() string { return "session_errors" }

// DescriptionRecord はキャラクター説明を JSON で保持します。
type DescriptionRecord struct {
	SessionID string `gorm:"primaryKey;size:64"`
	Body      string `gorm:"type:text"`
	CreatedAt time.Time
}

func (DescriptionRecord) TableName() string { return "character_descriptions" }
