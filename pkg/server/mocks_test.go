package server

import (
	"context"

	"github.com/shouni/go-storybook-kit/pkg/domain"
	"github.com/shouni/go-storybook-kit/pkg/pipeline"
)

// mockService は各メソッドの戻り値を差し替えられる Service なのだ。
type mockService struct {
	err       error
	uploaded  []byte
	favorite  *int
	selected  int
	lastPage  int
	lastVer   int
	reused    bool
	deletedID string
}

func (m *mockService) CreateSession(ctx context.Context, storyID, childName string) (*domain.Session, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &domain.Session{ID: "s1", StoryID: storyID, ChildName: childName, Status: domain.StatusCreated}, nil
}

func (m *mockService) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &domain.Session{ID: id, Status: domain.StatusGenerating}, nil
}

func (m *mockService) DeleteSession(ctx context.Context, id string) error {
	m.deletedID = id
	return m.err
}

func (m *mockService) UploadPhoto(ctx context.Context, id string, data []byte) (*domain.Session, error) {
	m.uploaded = data
	if m.err != nil {
		return nil, m.err
	}
	return &domain.Session{ID: id, Status: domain.StatusPhotoUploaded}, nil
}

func (m *mockService) GeneratePage(ctx context.Context, id string, page int) (*pipeline.PageResult, error) {
	m.lastPage = page
	if m.err != nil {
		return nil, m.err
	}
	return &pipeline.PageResult{Version: domain.PageVersion{Page: page, Version: 1}, Reused: m.reused}, nil
}

func (m *mockService) RegeneratePage(ctx context.Context, id string, page int) (*pipeline.PageResult, error) {
	m.lastPage = page
	if m.err != nil {
		return nil, m.err
	}
	return &pipeline.PageResult{Version: domain.PageVersion{Page: page, Version: 2}}, nil
}

func (m *mockService) State(ctx context.Context, id string) (*pipeline.SessionState, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &pipeline.SessionState{
		Session: &domain.Session{ID: id},
		Pages:   []domain.PageState{{Page: 1, Versions: 2, SelectedVersion: 1}},
	}, nil
}

func (m *mockService) SelectVersion(ctx context.Context, id string, page, version int) (domain.PageState, error) {
	m.selected = version
	if m.err != nil {
		return domain.PageState{}, m.err
	}
	return domain.PageState{Page: page, Versions: 3, SelectedVersion: version}, nil
}

func (m *mockService) SetFavorite(ctx context.Context, id string, page int, version *int) (domain.PageState, error) {
	m.favorite = version
	if m.err != nil {
		return domain.PageState{}, m.err
	}
	return domain.PageState{Page: page, Versions: 3, SelectedVersion: 1, FavoriteVersion: version}, nil
}

func (m *mockService) GetPageImage(ctx context.Context, id string, page, version int) ([]byte, string, error) {
	m.lastPage, m.lastVer = page, version
	if m.err != nil {
		return nil, "", m.err
	}
	return []byte("png-bytes"), "image/png", nil
}
