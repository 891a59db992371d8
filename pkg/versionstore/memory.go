package versionstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shouni/go-storybook-kit/pkg/domain"
)

type pageKey struct {
	session string
	page    int
}

type memPage struct {
	versions []domain.PageVersion
	selected int
	favorite *int
}

// Memory はプロセス内で完結する Store 実装です。CLI の単発実行とテストで使います。
type Memory struct {
	mu    sync.Mutex
	pages map[pageKey]*memPage
	now   func() time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory は空の Memory を作成します。
func NewMemory() *Memory {
	return &Memory{pages: make(map[pageKey]*memPage), now: time.Now}
}

func (m *Memory) page(sessionID string, page int) *memPage {
	p, ok := m.pages[pageKey{sessionID, page}]
	if !ok {
		p = &memPage{}
		m.pages[pageKey{sessionID, page}] = p
	}
	return p
}

func (m *Memory) CheckCanCreate(_ context.Context, sessionID string, page, maxRegenerations int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.page(sessionID, page).versions)
	if limitReached(n, maxRegenerations) {
		return limitError(page, n, maxRegenerations)
	}
	return nil
}

// TryCreateVersion はロックを保持したまま上限確認と画像の書き込みを行います。
func (m *Memory) TryCreateVersion(ctx context.Context, nv NewVersion) (domain.PageVersion, error) {
	if err := validate(nv); err != nil {
		return domain.PageVersion{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.page(nv.SessionID, nv.Page)
	n := len(p.versions)
	if limitReached(n, nv.MaxRegenerations) {
		return domain.PageVersion{}, limitError(nv.Page, n, nv.MaxRegenerations)
	}
	next := n + 1
	ref, err := nv.Write(ctx, next)
	if err != nil {
		return domain.PageVersion{}, fmt.Errorf("versionstore: write image for page %d v%d: %w", nv.Page, next, err)
	}
	pv := domain.PageVersion{
		SessionID: nv.SessionID,
		Page:      nv.Page,
		Version:   next,
		ImageRef:  ref,
		MimeType:  nv.MimeType,
		CreatedAt: m.now(),
		Degraded:  append([]string(nil), nv.Degraded...),
	}
	p.versions = append(p.versions, pv)
	if next == 1 {
		p.selected = 1
	}
	return pv, nil
}

func (m *Memory) SelectVersion(_ context.Context, sessionID string, page, version int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.page(sessionID, page)
	if version < 1 || version > len(p.versions) {
		return notFound(page, version, len(p.versions))
	}
	p.selected = version
	return nil
}

func (m *Memory) SetFavorite(_ context.Context, sessionID string, page int, version *int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.page(sessionID, page)
	if version == nil {
		p.favorite = nil
		return nil
	}
	if *version < 1 || *version > len(p.versions) {
		return notFound(page, *version, len(p.versions))
	}
	v := *version
	p.favorite = &v
	return nil
}

func (m *Memory) Count(ctx context.Context, sessionID string, page int) (int, error) {
	st, err := m.State(ctx, sessionID, page)
	return st.Versions, err
}

func (m *Memory) State(_ context.Context, sessionID string, page int) (domain.PageState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pages[pageKey{sessionID, page}]
	if !ok {
		return domain.PageState{Page: page}, nil
	}
	return p.state(page), nil
}

func (m *Memory) States(_ context.Context, sessionID string) ([]domain.PageState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.PageState
	for k, p := range m.pages {
		if k.session == sessionID && len(p.versions) > 0 {
			out = append(out, p.state(k.page))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Page < out[j].Page })
	return out, nil
}

func (m *Memory) Version(_ context.Context, sessionID string, page, version int) (domain.PageVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.page(sessionID, page)
	if version < 1 || version > len(p.versions) {
		return domain.PageVersion{}, notFound(page, version, len(p.versions))
	}
	return p.versions[version-1], nil
}

func (m *Memory) Versions(_ context.Context, sessionID string, page int) ([]domain.PageVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.page(sessionID, page)
	return append([]domain.PageVersion(nil), p.versions...), nil
}

func (m *Memory) DeleteSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.pages {
		if k.session == sessionID {
			delete(m.pages, k)
		}
	}
	return nil
}

func (p *memPage) state(page int) domain.PageState {
	st := domain.PageState{Page: page, Versions: len(p.versions), SelectedVersion: p.selected}
	if p.favorite != nil {
		v := *p.favorite
		st.FavoriteVersion = &v
	}
	return st
}
