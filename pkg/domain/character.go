package domain

import (
	"fmt"
	"strings"
)

// CharacterDescription は参照写真から導出した外見の構造化プロファイルです。
// 一度作成された後は読み取り専用です。
type CharacterDescription struct {
	AgeRange         string `json:"age_range"`
	SkinTone         string `json:"skin_tone"`
	EyeColor         string `json:"eye_color"`
	EyeShape         string `json:"eye_shape"`
	HairColor        string `json:"hair_color"`
	HairTexture      string `json:"hair_texture"`
	HairStyle        string `json:"hair_style"`
	FaceShape        string `json:"face_shape"`
	Nose             string `json:"nose"`
	Lips             string `json:"lips"`
	Smile            string `json:"smile"`
	Eyebrows         string `json:"eyebrows"`
	Ears             string `json:"ears"`
	Cheeks           string `json:"cheeks"`
	Chin             string `json:"chin"`
	Proportions      string `json:"proportions"`
	DistinctiveMarks string `json:"distinctive_marks"`
	FullDescription  string `json:"full_description"`
}

func (d *CharacterDescription) fields() []struct{ name, value string } {
	return []struct{ name, value string }{
		{"age_range", d.AgeRange},
		{"skin_tone", d.SkinTone},
		{"eye_color", d.EyeColor},
		{"eye_shape", d.EyeShape},
		{"hair_color", d.HairColor},
		{"hair_texture", d.HairTexture},
		{"hair_style", d.HairStyle},
		{"face_shape", d.FaceShape},
		{"nose", d.Nose},
		{"lips", d.Lips},
		{"smile", d.Smile},
		{"eyebrows", d.Eyebrows},
		{"ears", d.Ears},
		{"cheeks", d.Cheeks},
		{"chin", d.Chin},
		{"proportions", d.Proportions},
		{"distinctive_marks", d.DistinctiveMarks},
		{"full_description", d.FullDescription},
	}
}

// MissingFields は空の必須項目名を返します。
func (d *CharacterDescription) MissingFields() []string {
	var missing []string
	for _, f := range d.fields() {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	return missing
}

// Validate は全項目が埋まっているかを検証します。
func (d *CharacterDescription) Validate() error {
	if missing := d.MissingFields(); len(missing) > 0 {
		return fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

// PromptText はプロンプトへ差し込むための複数行テキストを返します。
func (d *CharacterDescription) PromptText() string {
	if d == nil {
		return ""
	}
	var sb strings.Builder
	for _, f := range d.fields() {
		if f.name == "full_description" || f.value == "" {
			continue
		}
		sb.WriteString(fmt.Sprintf("- %s: %s\n", strings.ReplaceAll(f.name, "_", " "), f.value))
	}
	if d.FullDescription != "" {
		sb.WriteString("- overall: " + d.FullDescription + "\n")
	}
	return sb.String()
}
