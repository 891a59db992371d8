package analyzer

import (
	"context"
	"sync"

	"github.com/shouni/go-gemini-client/pkg/gemini"
	"github.com/shouni/go-storybook-kit/pkg/domain"
	"github.com/shouni/go-storybook-kit/pkg/store"
	"google.golang.org/genai"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

type mockModel struct {
	mu    sync.Mutex
	calls int
	parts []*genai.Part
	text  string
	err   error
}

func (m *mockModel) GenerateWithParts(ctx context.Context, model string, parts []*genai.Part, opts gemini.GenerateOptions) (*gemini.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.parts = parts
	if m.err != nil {
		return nil, m.err
	}
	return &gemini.Response{
		RawResponse: &genai.GenerateContentResponse{
			Candidates: []*genai.Candidate{{
				Content: &genai.Content{Parts: []*genai.Part{{Text: m.text}}},
			}},
		},
	}, nil
}

type memDescriptions struct {
	data  map[string]*domain.CharacterDescription
	saves int
}

func (m *memDescriptions) GetDescription(ctx context.Context, id string) (*domain.CharacterDescription, error) {
	d, ok := m.data[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return d, nil
}

func (m *memDescriptions) SaveDescription(ctx context.Context, id string, d *domain.CharacterDescription) error {
	m.saves++
	m.data[id] = d
	return nil
}

const validJSON = `{
  "age_range": "5-6 years", "skin_tone": "light olive", "eye_color": "hazel", "eye_shape": "round",
  "hair_color": "chestnut", "hair_texture": "wavy", "hair_style": "shoulder length with a {clip}",
  "face_shape": "oval", "nose": "small button", "lips": "full", "smile": "wide, gap in front teeth",
  "eyebrows": "soft arches", "ears": "hidden by hair", "cheeks": "rosy with freckles", "chin": "rounded",
  "proportions": "slim, large head", "distinctive_marks": "none", "full_description": "A cheerful girl."
}`
