// Package blob は生成画像のバイナリ保存先を提供します（ローカル/メモリ: afero、クラウド: GCS）。
package blob

import (
	"context"
	"fmt"
	"os"
	"path"

	"github.com/shouni/go-storybook-kit/pkg/domain"
	"github.com/shouni/go-storybook-kit/pkg/store"
	"github.com/spf13/afero"
)

// FSAssets は afero.Fs 上に画像を保存します。
type FSAssets struct {
	fs   afero.Fs
	root string
}

// NewFSAssets は root 配下に保存する FSAssets を作成します。
func NewFSAssets(fs afero.Fs, root string) *FSAssets {
	return &FSAssets{fs: fs, root: root}
}

func (a *FSAssets) pathFor(sessionID string, page, version int) string {
	return path.Join(a.root, store.ImageKey(sessionID, page, version))
}

func (a *FSAssets) write(p string, data []byte) (string, error) {
	if err := a.fs.MkdirAll(path.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("blob: mkdir %s: %w", path.Dir(p), err)
	}
	if err := afero.WriteFile(a.fs, p, data, 0o644); err != nil {
		return "", fmt.Errorf("blob: write %s: %w", p, err)
	}
	return p, nil
}

func (a *FSAssets) read(p string) ([]byte, error) {
	data, err := afero.ReadFile(a.fs, p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("blob: %s: %w", p, store.ErrNotFound)
		}
		return nil, fmt.Errorf("blob: read %s: %w", p, err)
	}
	return data, nil
}

func (a *FSAssets) SaveGeneratedImage(ctx context.Context, sessionID string, page, version int, data []byte) (string, error) {
	return a.write(a.pathFor(sessionID, page, version), data)
}

func (a *FSAssets) GetGeneratedImageBytes(ctx context.Context, sessionID string, page, version int) ([]byte, error) {
	return a.read(a.pathFor(sessionID, page, version))
}

func (a *FSAssets) SaveCharacterSheet(ctx context.Context, sessionID string, data []byte) (string, error) {
	return a.write(a.pathFor(sessionID, domain.CharacterSheetPage, 1), data)
}

func (a *FSAssets) GetCharacterSheet(ctx context.Context, sessionID string) ([]byte, error) {
	return a.read(a.pathFor(sessionID, domain.CharacterSheetPage, 1))
}

func (a *FSAssets) HasCharacterSheet(ctx context.Context, sessionID string) (bool, error) {
	ok, err := afero.Exists(a.fs, a.pathFor(sessionID, domain.CharacterSheetPage, 1))
	if err != nil {
		return false, fmt.Errorf("blob: stat character sheet: %w", err)
	}
	return ok, nil
}

func (a *FSAssets) DeleteSessionAssets(ctx context.Context, sessionID string) error {
	if err := a.fs.RemoveAll(path.Join(a.root, store.SessionDir(sessionID))); err != nil {
		return fmt.Errorf("blob: remove session %s: %w", sessionID, err)
	}
	return nil
}
