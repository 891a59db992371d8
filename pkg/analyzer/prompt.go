package analyzer

// analysisPrompt は写真から外見情報を JSON で抽出させる指示です。
// キーは domain.CharacterDescription の JSON タグと一致させること。
const analysisPrompt = `You are an expert character designer preparing a children's picture book.
Study the child in the attached photo(s) very carefully and describe their appearance so that an
illustrator who has never seen the photo could draw them recognizably.

Respond with ONLY a single JSON object, no markdown, no commentary, using exactly these keys:
{
  "age_range": "apparent age range, e.g. 4-5 years",
  "skin_tone": "precise skin tone and undertone",
  "eye_color": "eye color",
  "eye_shape": "eye shape and size",
  "hair_color": "hair color including highlights",
  "hair_texture": "straight, wavy, curly, coily...",
  "hair_style": "length, parting, bangs, accessories",
  "face_shape": "overall face shape",
  "nose": "nose shape and size",
  "lips": "lip shape and fullness",
  "smile": "how the child smiles, teeth visible or not",
  "eyebrows": "eyebrow shape and thickness",
  "ears": "ear size and visibility",
  "cheeks": "cheek fullness, dimples, freckles",
  "chin": "chin shape",
  "proportions": "head-to-body proportions and build",
  "distinctive_marks": "glasses, birthmarks, missing teeth, or 'none'",
  "full_description": "two or three sentences summarizing the child's look"
}

Every value must be a non-empty string. Describe only physical appearance, never clothing brands,
background or identity.`
