// Package storyfs はディレクトリ内の YAML ファイルから物語テンプレートを読み込みます。
package storyfs

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/shouni/go-storybook-kit/pkg/domain"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Store は <dir>/<storyID>.yaml を物語テンプレートとして扱います。
// 一度読み込んだテンプレートはメモリに保持されます。
type Store struct {
	fs  afero.Fs
	dir string

	mu     sync.RWMutex
	loaded map[string]*domain.StoryTemplate
}

// New は Store を作成します。
func New(fs afero.Fs, dir string) *Store {
	return &Store{fs: fs, dir: dir, loaded: make(map[string]*domain.StoryTemplate)}
}

// GetStoryTemplate は storyID のテンプレートを返します。
func (s *Store) GetStoryTemplate(ctx context.Context, storyID string) (*domain.StoryTemplate, error) {
	if storyID == "" || strings.ContainsAny(storyID, `/\`) || strings.Contains(storyID, "..") {
		return nil, fmt.Errorf("storyfs: invalid story id %q: %w", storyID, domain.ErrStoryNotFound)
	}

	s.mu.RLock()
	tpl, ok := s.loaded[storyID]
	s.mu.RUnlock()
	if ok {
		return tpl, nil
	}

	tpl, err := s.load(storyID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.loaded[storyID] = tpl
	s.mu.Unlock()
	return tpl, nil
}

func (s *Store) load(storyID string) (*domain.StoryTemplate, error) {
	var data []byte
	var err error
	for _, ext := range []string{".yaml", ".yml"} {
		data, err = afero.ReadFile(s.fs, path.Join(s.dir, storyID+ext))
		if err == nil {
			break
		}
	}
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("storyfs: %s: %w", storyID, domain.ErrStoryNotFound)
		}
		return nil, fmt.Errorf("storyfs: read %s: %w", storyID, err)
	}

	tpl, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("storyfs: %s: %w", storyID, err)
	}
	if tpl.ID == "" {
		tpl.ID = storyID
	}
	if tpl.ID != storyID {
		return nil, fmt.Errorf("storyfs: file %s declares id %q", storyID, tpl.ID)
	}
	return tpl, nil
}

// Parse は YAML を検証済みのテンプレートに変換します。
func Parse(data []byte) (*domain.StoryTemplate, error) {
	var tpl domain.StoryTemplate
	if err := yaml.Unmarshal(data, &tpl); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	tpl.ApplyDefaults()
	if err := tpl.Validate(); err != nil {
		return nil, err
	}
	return &tpl, nil
}

// List はディレクトリ内の物語IDを返します。
func (s *Store) List() ([]string, error) {
	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return nil, fmt.Errorf("storyfs: list %s: %w", s.dir, err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			continue
		}
		for _, ext := range []string{".yaml", ".yml"} {
			if strings.HasSuffix(name, ext) {
				ids = append(ids, strings.TrimSuffix(name, ext))
			}
		}
	}
	return ids, nil
}
