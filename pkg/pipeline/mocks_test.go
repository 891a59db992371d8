package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/shouni/go-storybook-kit/pkg/domain"
	"github.com/shouni/go-storybook-kit/pkg/generator"
	"github.com/shouni/go-storybook-kit/pkg/postprocess"
	"github.com/shouni/go-storybook-kit/pkg/sheet"
)

var photoPNG = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDRphoto")

type mockTemplates struct {
	tmpl *domain.StoryTemplate
}

func (m *mockTemplates) GetStoryTemplate(ctx context.Context, id string) (*domain.StoryTemplate, error) {
	if m.tmpl == nil || m.tmpl.ID != id {
		return nil, domain.ErrStoryNotFound
	}
	return m.tmpl, nil
}

// memSessions は値コピーで保存し、永続ストアと同じく呼び出し側の変更を反映しないのだ。
type memSessions struct {
	mu     sync.Mutex
	data   map[string]domain.Session
	errors map[string][]domain.GenerationErrorEntry
	now    func() time.Time
}

func newMemSessions(now func() time.Time) *memSessions {
	return &memSessions{data: map[string]domain.Session{}, errors: map[string][]domain.GenerationErrorEntry{}, now: now}
}

func (m *memSessions) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.data[id]
	if !ok || s.Expired(m.now()) {
		return nil, domain.ErrSessionNotFoundOrExpired
	}
	s.Errors = append([]domain.GenerationErrorEntry(nil), m.errors[id]...)
	return &s, nil
}

func (m *memSessions) SaveSession(ctx context.Context, s *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	cp.Errors = nil
	m.data[s.ID] = cp
	return nil
}

func (m *memSessions) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, id)
	delete(m.errors, id)
	return nil
}

func (m *memSessions) AppendError(ctx context.Context, id string, e domain.GenerationErrorEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[id] = append(m.errors[id], e)
	return nil
}

func (m *memSessions) ListExpired(ctx context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, s := range m.data {
		if s.Expired(now) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

type mockEngine struct {
	mu       sync.Mutex
	calls    int
	requests []generator.Request
	err      error
	strategy string
}

func (m *mockEngine) Generate(ctx context.Context, req generator.Request) (*domain.ImageResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	strategy := m.strategy
	if strategy == "" {
		strategy = domain.StrategyFullReferences
	}
	return &domain.ImageResponse{Data: []byte("generated"), MimeType: "image/png", Strategy: strategy, Attempts: 1}, nil
}

func (m *mockEngine) GenerateSingle(ctx context.Context, req generator.Request) (*domain.ImageResponse, error) {
	return m.Generate(ctx, req)
}

func (m *mockEngine) lastRequest() generator.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[len(m.requests)-1]
}

type mockAnalyzer struct {
	mu      sync.Mutex
	calls   int
	err     error
	forgets int
}

func (m *mockAnalyzer) Analyze(ctx context.Context, id string, photos [][]byte) (*domain.CharacterDescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return &domain.CharacterDescription{HairColor: "auburn", FullDescription: "smiley"}, nil
}

func (m *mockAnalyzer) Forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forgets++
}

type mockSheets struct {
	err error
}

func (m *mockSheets) Ensure(ctx context.Context, id string, photos [][]byte, style domain.StyleProfile, d *domain.CharacterDescription) (sheet.Result, error) {
	if m.err != nil {
		return sheet.Result{}, m.err
	}
	return sheet.Result{Data: []byte("sheet")}, nil
}

type mockPost struct {
	degrade bool
}

func (m *mockPost) Process(ctx context.Context, image, photo []byte, opts postprocess.Options) postprocess.Result {
	if m.degrade {
		return postprocess.Result{Image: image, Steps: []postprocess.StepOutcome{
			{Step: postprocess.StepIdentityTransfer, Status: postprocess.StatusDegraded, Attempts: 3,
				Err: &domain.PostProcessError{Step: postprocess.StepIdentityTransfer, Attempts: 3, Err: context.DeadlineExceeded}},
		}}
	}
	return postprocess.Result{Image: append(append([]byte{}, image...), "+post"...), Steps: []postprocess.StepOutcome{
		{Step: postprocess.StepIdentityTransfer, Status: postprocess.StatusSuccess, Attempts: 1},
	}}
}
