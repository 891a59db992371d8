package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/shouni/go-remote-io/pkg/remoteio"
	"github.com/shouni/go-storybook-kit/pkg/domain"
	"github.com/shouni/go-storybook-kit/pkg/store"
)

// removeFunc は gs:// URI のオブジェクトを削除します。
type removeFunc func(ctx context.Context, uri string) error

// GCSAssets は Cloud Storage のバケットに画像を保存します。
// 読み書きと一覧は remoteio を経由し、削除のみ storage.Client を直接使います。
type GCSAssets struct {
	reader remoteio.InputReader
	writer remoteio.OutputWriter
	remove removeFunc
	bucket string
	prefix string
}

// NewGCSAssets は bucket/prefix 配下に保存する GCSAssets を作成します。
func NewGCSAssets(client *storage.Client, bucket, prefix string) (*GCSAssets, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	remove := func(ctx context.Context, uri string) error {
		b, name, err := remoteio.ParseGCSURI(uri)
		if err != nil {
			return err
		}
		err = client.Bucket(b).Object(name).Delete(ctx)
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil
		}
		return err
	}
	return newGCSAssets(
		remoteio.NewUniversalInputReader(client, nil),
		remoteio.NewUniversalIOWriter(client, nil),
		remove, bucket, prefix,
	)
}

func newGCSAssets(r remoteio.InputReader, w remoteio.OutputWriter, remove removeFunc, bucket, prefix string) (*GCSAssets, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	return &GCSAssets{
		reader: r,
		writer: w,
		remove: remove,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}, nil
}

func (a *GCSAssets) objectName(key string) string {
	if a.prefix == "" {
		return key
	}
	return path.Join(a.prefix, key)
}

// URI は保存した画像の gs:// 参照を返します。
func (a *GCSAssets) URI(key string) string {
	return "gs://" + a.bucket + "/" + a.objectName(key)
}

func (a *GCSAssets) write(ctx context.Context, key string, data []byte) (string, error) {
	uri := a.URI(key)
	if err := a.writer.Write(ctx, uri, bytes.NewReader(data), http.DetectContentType(data)); err != nil {
		return "", fmt.Errorf("blob: gcs write %s: %w", key, err)
	}
	return uri, nil
}

func (a *GCSAssets) read(ctx context.Context, uri string) ([]byte, error) {
	rc, err := a.reader.Open(ctx, uri)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("blob: %s: %w", uri, store.ErrNotFound)
		}
		return nil, fmt.Errorf("blob: gcs open %s: %w", uri, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("blob: gcs read %s: %w", uri, err)
	}
	return data, nil
}

func (a *GCSAssets) SaveGeneratedImage(ctx context.Context, sessionID string, page, version int, data []byte) (string, error) {
	return a.write(ctx, store.ImageKey(sessionID, page, version), data)
}

func (a *GCSAssets) GetGeneratedImageBytes(ctx context.Context, sessionID string, page, version int) ([]byte, error) {
	return a.read(ctx, a.URI(store.ImageKey(sessionID, page, version)))
}

func (a *GCSAssets) SaveCharacterSheet(ctx context.Context, sessionID string, data []byte) (string, error) {
	return a.write(ctx, store.ImageKey(sessionID, domain.CharacterSheetPage, 1), data)
}

func (a *GCSAssets) GetCharacterSheet(ctx context.Context, sessionID string) ([]byte, error) {
	return a.read(ctx, a.URI(store.ImageKey(sessionID, domain.CharacterSheetPage, 1)))
}

func (a *GCSAssets) HasCharacterSheet(ctx context.Context, sessionID string) (bool, error) {
	uri := a.URI(store.ImageKey(sessionID, domain.CharacterSheetPage, 1))
	rc, err := a.reader.Open(ctx, uri)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("blob: gcs stat %s: %w", uri, err)
	}
	_ = rc.Close()
	return true, nil
}

func (a *GCSAssets) DeleteSessionAssets(ctx context.Context, sessionID string) error {
	dir := a.URI(store.SessionDir(sessionID)) + "/"
	var uris []string
	err := a.reader.List(ctx, dir, func(uri string) error {
		uris = append(uris, uri)
		return nil
	})
	if err != nil {
		return fmt.Errorf("blob: gcs list session %s: %w", sessionID, err)
	}
	for _, uri := range uris {
		if err := a.remove(ctx, uri); err != nil {
			return fmt.Errorf("blob: gcs delete %s: %w", uri, err)
		}
	}
	return nil
}

// ReadObject は gs://bucket/object 形式のURIから参照写真を読み込みます。
func (a *GCSAssets) ReadObject(ctx context.Context, uri string) ([]byte, error) {
	if _, _, err := ParseGCSURI(uri); err != nil {
		return nil, err
	}
	return a.read(ctx, uri)
}

// ParseGCSURI は gs:// URI をバケットとオブジェクト名に分解します。
func ParseGCSURI(uri string) (bucket, object string, err error) {
	rest, ok := strings.CutPrefix(uri, "gs://")
	if !ok {
		return "", "", fmt.Errorf("not a gs:// uri: %s", uri)
	}
	bucket, object, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || object == "" {
		return "", "", fmt.Errorf("invalid gs:// uri: %s", uri)
	}
	return bucket, object, nil
}
