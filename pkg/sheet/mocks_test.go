package sheet

import (
	"context"
	"errors"

	"github.com/shouni/go-storybook-kit/pkg/domain"
	"github.com/shouni/go-storybook-kit/pkg/generator"
)

type mockEngine struct {
	calls int
	last  generator.Request
	err   error
}

func (m *mockEngine) Generate(ctx context.Context, req generator.Request) (*domain.ImageResponse, error) {
	return nil, errors.New("Generate must not be used for sheets")
}

func (m *mockEngine) GenerateSingle(ctx context.Context, req generator.Request) (*domain.ImageResponse, error) {
	m.calls++
	m.last = req
	if m.err != nil {
		return nil, m.err
	}
	return &domain.ImageResponse{Data: []byte("sheet"), MimeType: "image/png", Strategy: domain.StrategyFullReferences, Attempts: 1}, nil
}

type mockAssets struct {
	sheets  map[string][]byte
	saveErr error
}

func (m *mockAssets) HasCharacterSheet(ctx context.Context, id string) (bool, error) {
	_, ok := m.sheets[id]
	return ok, nil
}

func (m *mockAssets) GetCharacterSheet(ctx context.Context, id string) ([]byte, error) {
	return m.sheets[id], nil
}

func (m *mockAssets) SaveCharacterSheet(ctx context.Context, id string, data []byte) (string, error) {
	if m.saveErr != nil {
		return "", m.saveErr
	}
	m.sheets[id] = data
	return "mem://" + id + "/sheet", nil
}
