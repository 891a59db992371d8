package domain

// ReferenceRole は参照画像がモデルに対して何を表すかを示します。
type ReferenceRole string

const (
	// RolePhoto は子供の元写真です。参照リストの先頭に必ず置かれます。
	RolePhoto ReferenceRole = "photo"
	// RoleCharacterSheet は物語の画風で描かれたキャラクターシートです。
	RoleCharacterSheet ReferenceRole = "character_sheet"
	// RolePreviousPage は既に生成済みのページ（通常は1ページ目）です。
	RolePreviousPage ReferenceRole = "previous_page"
)

// ReferenceImage は生成リクエストに添付する1枚の参照画像です。
// Data が空の場合は URL から取得されます。
type ReferenceImage struct {
	Role     ReferenceRole
	Data     []byte
	MimeType string
	URL      string
}

// ImageResponse は生成された画像データとそのメタデータです。
type ImageResponse struct {
	Data     []byte
	MimeType string
	// Strategy は画像を生成できた試行戦略の名前です（"full-references" など）。
	Strategy string
	// Attempts は成功までに要した総試行回数です。
	Attempts int
}

// Degraded は一貫性を落としたフォールバック経路で生成されたかを返します。
func (r *ImageResponse) Degraded() bool {
	return r != nil && r.Strategy != "" && r.Strategy != StrategyFullReferences
}

const (
	StrategyFullReferences   = "full-references"
	StrategyReducedReference = "reduced-reference"
)
