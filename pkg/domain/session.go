package domain

import "time"

// SessionStatus はパーソナライズセッションの状態です。
type SessionStatus string

const (
	StatusCreated       SessionStatus = "created"
	StatusPhotoUploaded SessionStatus = "photo-uploaded"
	StatusGenerating    SessionStatus = "generating"
	StatusCompleted     SessionStatus = "completed"
	// StatusExpired は保存されず、読み出し時に ExpiresAt から判定されます。
	StatusExpired       SessionStatus = "expired"
)

var sessionTransitions = map[SessionStatus][]SessionStatus{
	StatusCreated:       {StatusPhotoUploaded},
	StatusPhotoUploaded: {StatusPhotoUploaded, StatusGenerating},
	StatusGenerating:    {StatusGenerating, StatusCompleted},
	StatusCompleted:     {StatusCompleted},
}

// CanTransition は from から to への遷移が許可されているかを返します。
// expired はどの状態からでも到達できます。
func CanTransition(from, to SessionStatus) bool {
	if to == StatusExpired {
		return true
	}
	for _, s := range sessionTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Session は1人の子供と1つの物語テンプレートに対するパーソナライズ実行です。
type Session struct {
	ID          string                 `json:"id"`
	StoryID     string                 `json:"story_id"`
	ChildName   string                 `json:"child_name"`
	Status      SessionStatus          `json:"status"`
	PhotoData   []byte                 `json:"-"`
	PhotoBase64 string                 `json:"-"`
	PhotoMIME   string                 `json:"photo_mime,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	ExpiresAt   time.Time              `json:"expires_at"`
	Progress    Progress               `json:"progress"`
	Errors      []GenerationErrorEntry `json:"errors,omitempty"`
}

// Expired は now が有効期限を過ぎているかを返します。
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// HasPhoto は参照写真がアップロード済みかを返します。
func (s *Session) HasPhoto() bool {
	return len(s.PhotoData) > 0
}

// Transition は状態遷移を試み、許可されない場合は false を返します。
func (s *Session) Transition(to SessionStatus) bool {
	if !CanTransition(s.Status, to) {
		return false
	}
	s.Status = to
	return true
}

// Progress は選択済みページ数と総ページ数です。
type Progress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// Done は全ページに選択バージョンがあるかを返します。
func (p Progress) Done() bool {
	return p.Total > 0 && p.Completed >= p.Total
}

// GenerationErrorEntry はセッションのエラーログの1行です。
type GenerationErrorEntry struct {
	Page      int       `json:"page"`
	Attempt   int       `json:"attempt"`
	Stage     string    `json:"stage"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
