// Package prompt は物語ページのテンプレート、画風、キャラクター説明から
// 画像生成モデルへの最終指示文を組み立てます。ネットワーク呼び出しや副作用はありません。
package prompt

import (
	"fmt"
	"strings"

	"github.com/shouni/go-storybook-kit/pkg/domain"
)

// NoTextInstruction はプロンプトの先頭と末尾の両方に置かれます。
// 生成モデルの指示追従を高めるための意図的な重複です。
const NoTextInstruction = "ABSOLUTE RULE: The image must contain ZERO text of any kind. No letters, no words, no numbers, no captions, no signs with writing, no speech bubbles, no thought bubbles, no watermarks, no logos."

// NegativeConstraints は常に付与される禁止事項です。
var NegativeConstraints = []string{
	"embedded text or lettering",
	"speech bubbles or captions",
	"deformed faces",
	"mismatched eyes",
	"extra limbs or fingers",
	"blurry facial features",
	"duplicate characters",
	"frames, borders or panel gutters",
}

// Flags は画像と一緒に送る追加参照の有無です。
type Flags struct {
	HasCharacterSheet bool
	HasPreviousPage   bool
}

// Extra は写真以外の参照画像の枚数です。
func (f Flags) Extra() int {
	n := 0
	if f.HasCharacterSheet {
		n++
	}
	if f.HasPreviousPage {
		n++
	}
	return n
}

// Input は Compose の入力です。
type Input struct {
	Page        domain.PageTemplate
	Style       domain.StyleProfile
	Description *domain.CharacterDescription
	ChildName   string
	Consistency Flags
	// Simplified は一貫性指示を省いた縮退用プロンプトを要求します。
	Simplified bool
}

// Compose は最終プロンプトを返します。同じ入力には常に同じ文字列を返します。
func Compose(in Input) string {
	var sb strings.Builder

	sb.WriteString(NoTextInstruction)
	sb.WriteString("\n\n")

	sb.WriteString("### SCENE ###\n")
	sb.WriteString(renderScene(in))
	sb.WriteString("\n\n")

	sb.WriteString("### ART STYLE ###\n")
	writeStyle(&sb, in.Style)
	sb.WriteString("\n")

	if text := in.Description.PromptText(); text != "" {
		sb.WriteString("### MAIN CHARACTER APPEARANCE ###\n")
		sb.WriteString("The main character is the child shown in the reference photo. Keep these traits exactly:\n")
		sb.WriteString(text)
		sb.WriteString("\n")
	}

	if !in.Simplified && in.Consistency.Extra() > 0 {
		sb.WriteString(consistencyBlock(in.Consistency))
		sb.WriteString("\n")
	} else {
		sb.WriteString("### REFERENCE ###\n")
		sb.WriteString("IMAGE 1 is a photo of the child. Draw the main character with the same face, hair and skin tone, in the art style above.\n\n")
	}

	sb.WriteString("### AVOID ###\n")
	sb.WriteString(strings.Join(NegativeConstraints, ", "))
	sb.WriteString("\n\n")

	sb.WriteString(NoTextInstruction)
	return sb.String()
}

// ComposePair は通常版と縮退版（一貫性指示なし）のプロンプトを同時に返します。
func ComposePair(in Input) (full, simplified string) {
	full = Compose(in)
	in.Simplified = true
	simplified = Compose(in)
	return full, simplified
}

// renderScene はテンプレート本文の変数を置換します。本文がなければ構造化メタデータから組み立てます。
func renderScene(in Input) string {
	p := in.Page
	if strings.TrimSpace(p.Template) == "" {
		var lines []string
		lines = append(lines, "Scene: "+p.Scene)
		if p.Emotion != "" {
			lines = append(lines, "Emotional tone: "+p.Emotion)
		}
		if p.FacePosition != "" {
			lines = append(lines, "Main character's face: "+p.FacePosition+", clearly visible")
		}
		if p.Difficulty != "" {
			lines = append(lines, "Composition complexity: "+p.Difficulty)
		}
		if in.ChildName != "" {
			lines = append(lines, "The main character is named "+in.ChildName+" (do not write the name in the image).")
		}
		return strings.Join(lines, "\n")
	}

	r := strings.NewReplacer(
		"{scene}", p.Scene,
		"{emotion}", p.Emotion,
		"{style}", in.Style.Summary(),
		"{face_position}", p.FacePosition,
		"{difficulty}", p.Difficulty,
		"{child_name}", in.ChildName,
	)
	return strings.TrimSpace(r.Replace(p.Template))
}

func writeStyle(sb *strings.Builder, s domain.StyleProfile) {
	for _, f := range []struct{ label, value string }{
		{"Name", s.Name},
		{"Technique", s.Technique},
		{"Color palette", s.Palette},
		{"Line work", s.LineWork},
		{"Texture", s.Texture},
		{"Lighting", s.Lighting},
		{"Detail level", s.DetailLevel},
		{"Atmosphere", s.Atmosphere},
	} {
		if f.value != "" {
			sb.WriteString(fmt.Sprintf("- %s: %s\n", f.label, f.value))
		}
	}
}

// consistencyBlock は添付した各画像が何であるかをモデルに伝えます。
// 写真以外の参照が1枚以上ある場合にのみ呼ばれます。
func consistencyBlock(f Flags) string {
	var sb strings.Builder
	sb.WriteString("### REFERENCE IMAGES (VISUAL CONSISTENCY) ###\n")
	idx := 1
	sb.WriteString(fmt.Sprintf("- IMAGE %d: a real photo of the child. Source of facial identity only.\n", idx))
	if f.HasCharacterSheet {
		idx++
		sb.WriteString(fmt.Sprintf("- IMAGE %d: the official character sheet of this child in the story's art style. Copy the face, hair, proportions and outfit colors from it.\n", idx))
	}
	if f.HasPreviousPage {
		idx++
		sb.WriteString(fmt.Sprintf("- IMAGE %d: the previously generated page 1 of this story. Match its art style, rendering and character design.\n", idx))
	}
	sb.WriteString("- RULE: The character's identity, appearance and the art style must remain exactly the same across all of these images. Do not copy their backgrounds or poses; draw the new scene above.\n")
	return sb.String()
}
