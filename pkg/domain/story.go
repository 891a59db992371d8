package domain

import (
	"fmt"
	"strings"
)

const (
	DefaultMaxRegenerations    = 3
	DefaultAspectRatio         = "3:4"
	DefaultRestorationFidelity = 0.7
)

// StoryTemplate は CMS が管理する物語テンプレートです。
type StoryTemplate struct {
	ID       string         `json:"id" yaml:"id"`
	Title    string         `json:"title" yaml:"title"`
	Pages    []PageTemplate `json:"pages" yaml:"pages"`
	Style    StyleProfile   `json:"style" yaml:"style"`
	Settings StorySettings  `json:"settings" yaml:"settings"`
}

// PageTemplate は物語の1ページ分のテンプレートとシーン情報です。
type PageTemplate struct {
	Number       int    `json:"number" yaml:"number"`
	Template     string `json:"template,omitempty" yaml:"template,omitempty"` // {scene} 等の変数を含むプロンプト本文
	Scene        string `json:"scene" yaml:"scene"`
	Emotion      string `json:"emotion,omitempty" yaml:"emotion,omitempty"`
	FacePosition string `json:"face_position,omitempty" yaml:"face_position,omitempty"`
	Difficulty   string `json:"difficulty,omitempty" yaml:"difficulty,omitempty"`
	AspectRatio  string `json:"aspect_ratio,omitempty" yaml:"aspect_ratio,omitempty"`
}

// StyleProfile は物語全体の画風定義です。
type StyleProfile struct {
	Name        string `json:"name" yaml:"name"`
	Technique   string `json:"technique" yaml:"technique"`
	Palette     string `json:"palette" yaml:"palette"`
	LineWork    string `json:"line_work" yaml:"line_work"`
	Texture     string `json:"texture" yaml:"texture"`
	Lighting    string `json:"lighting" yaml:"lighting"`
	DetailLevel string `json:"detail_level" yaml:"detail_level"`
	Atmosphere  string `json:"atmosphere" yaml:"atmosphere"`
}

// Summary はプロンプトの {style} に差し込む1行表現を返します。
func (s StyleProfile) Summary() string {
	parts := make([]string, 0, 8)
	for _, v := range []string{s.Name, s.Technique, s.Palette, s.LineWork, s.Texture, s.Lighting, s.DetailLevel, s.Atmosphere} {
		if v = strings.TrimSpace(v); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, ", ")
}

// StorySettings は物語ごとの生成設定です。
// MaxRegenerations と RestorationFidelity は 0 が有効値なので、未設定を nil で区別します。
type StorySettings struct {
	MaxRegenerations    *int     `json:"max_regenerations" yaml:"max_regenerations"`
	Model               string   `json:"model,omitempty" yaml:"model,omitempty"`
	AspectRatio         string   `json:"aspect_ratio,omitempty" yaml:"aspect_ratio,omitempty"`
	UseCharacterSheet   bool     `json:"use_character_sheet" yaml:"use_character_sheet"`
	UsePreviousPage     bool     `json:"use_previous_page" yaml:"use_previous_page"`
	IdentityTransfer    bool     `json:"identity_transfer" yaml:"identity_transfer"`
	Restoration         bool     `json:"restoration" yaml:"restoration"`
	RestorationFidelity *float64 `json:"restoration_fidelity" yaml:"restoration_fidelity"`
}

// RegenerationLimit は再生成の上限回数です。0 なら最初の1枚のみ作れます。
func (s StorySettings) RegenerationLimit() int {
	if s.MaxRegenerations == nil {
		return DefaultMaxRegenerations
	}
	return *s.MaxRegenerations
}

// Fidelity は復元の忠実度です。0 が最大補正、1 が原画維持です。
func (s StorySettings) Fidelity() float64 {
	if s.RestorationFidelity == nil {
		return DefaultRestorationFidelity
	}
	return *s.RestorationFidelity
}

// Ptr は設定値のポインタを返します。
func Ptr[T any](v T) *T {
	return &v
}

// ApplyDefaults は未設定の項目に既定値を埋めます。
func (t *StoryTemplate) ApplyDefaults() {
	if t.Settings.MaxRegenerations == nil {
		t.Settings.MaxRegenerations = Ptr(DefaultMaxRegenerations)
	}
	if t.Settings.AspectRatio == "" {
		t.Settings.AspectRatio = DefaultAspectRatio
	}
	if t.Settings.RestorationFidelity == nil {
		t.Settings.RestorationFidelity = Ptr(DefaultRestorationFidelity)
	}
	for i := range t.Pages {
		if t.Pages[i].Number == 0 {
			t.Pages[i].Number = i + 1
		}
	}
}

// Validate はテンプレートの整合性を検証します。
func (t *StoryTemplate) Validate() error {
	var errs []string
	if t.ID == "" {
		errs = append(errs, "id is required")
	}
	if len(t.Pages) == 0 {
		errs = append(errs, "at least one page is required")
	}
	seen := make(map[int]struct{}, len(t.Pages))
	for i, p := range t.Pages {
		if p.Number < 1 {
			errs = append(errs, fmt.Sprintf("pages[%d].number must be >= 1", i))
		}
		if _, dup := seen[p.Number]; dup {
			errs = append(errs, fmt.Sprintf("pages[%d].number %d is duplicated", i, p.Number))
		}
		seen[p.Number] = struct{}{}
		if p.Scene == "" && p.Template == "" {
			errs = append(errs, fmt.Sprintf("pages[%d] needs scene or template", i))
		}
	}
	if n := t.Settings.RegenerationLimit(); n < 0 {
		errs = append(errs, fmt.Sprintf("settings.max_regenerations must be >= 0, got %d", n))
	}
	if f := t.Settings.Fidelity(); f < 0 || f > 1 {
		errs = append(errs, "settings.restoration_fidelity must be within [0,1]")
	}
	if len(errs) > 0 {
		return fmt.Errorf("story %q: validation failed: %s", t.ID, strings.Join(errs, "; "))
	}
	return nil
}

// Page はページ番号からテンプレートを引きます。
func (t *StoryTemplate) Page(number int) (PageTemplate, bool) {
	for _, p := range t.Pages {
		if p.Number == number {
			return p, true
		}
	}
	return PageTemplate{}, false
}

// AspectRatioFor はページ固有の設定を優先してアスペクト比を返します。
func (t *StoryTemplate) AspectRatioFor(number int) string {
	if p, ok := t.Page(number); ok && p.AspectRatio != "" {
		return p.AspectRatio
	}
	if t.Settings.AspectRatio != "" {
		return t.Settings.AspectRatio
	}
	return DefaultAspectRatio
}

// PageNumbers は全ページ番号を定義順に返します。
func (t *StoryTemplate) PageNumbers() []int {
	nums := make([]int, 0, len(t.Pages))
	for _, p := range t.Pages {
		nums = append(nums, p.Number)
	}
	return nums
}
