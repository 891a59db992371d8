package cmd

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/shouni/go-storybook-kit/pkg/domain"
	"github.com/shouni/go-storybook-kit/pkg/pipeline"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

type generateFlags struct {
	story    string
	name     string
	photo    string
	outDir   string
	inMemory bool
}

func newGenerateCmd(root *rootOptions) *cobra.Command {
	f := &generateFlags{}

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "写真1枚から物語の全ページを生成してファイルに書き出します",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := wireApp(cmd.Context(), root.cfg, wireOptions{inMemory: f.inMemory})
			if err != nil {
				return err
			}
			defer a.Close()
			return runGenerate(cmd.Context(), a.pipeline, afero.NewOsFs(), f, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&f.story, "story", "s", "", "物語テンプレートの ID")
	cmd.Flags().StringVarP(&f.name, "name", "n", "", "主人公の名前")
	cmd.Flags().StringVarP(&f.photo, "photo", "p", "", "子どもの写真ファイル")
	cmd.Flags().StringVarP(&f.outDir, "out", "o", "./out", "生成画像の出力ディレクトリ")
	cmd.Flags().BoolVar(&f.inMemory, "in-memory", false, "DB と画像を保存せずプロセス内だけで処理する")
	_ = cmd.MarkFlagRequired("story")
	_ = cmd.MarkFlagRequired("photo")
	return cmd
}

// bookGenerator は generate コマンドが使うパイプラインの操作です。
type bookGenerator interface {
	CreateSession(ctx context.Context, storyID, childName string) (*domain.Session, error)
	UploadPhoto(ctx context.Context, sessionID string, data []byte) (*domain.Session, error)
	GenerateAll(ctx context.Context, sessionID string) ([]pipeline.PageOutcome, error)
	GetPageImage(ctx context.Context, sessionID string, page, version int) ([]byte, string, error)
}

func runGenerate(ctx context.Context, p bookGenerator, fs afero.Fs, f *generateFlags, out io.Writer) error {
	photo, err := afero.ReadFile(fs, f.photo)
	if err != nil {
		return fmt.Errorf("read photo: %w", err)
	}

	sess, err := p.CreateSession(ctx, f.story, f.name)
	if err != nil {
		return err
	}
	if _, err := p.UploadPhoto(ctx, sess.ID, photo); err != nil {
		return err
	}
	fmt.Fprintf(out, "session %s\n", sess.ID)

	outcomes, genErr := p.GenerateAll(ctx, sess.ID)

	if err := fs.MkdirAll(f.outDir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	for _, o := range outcomes {
		if o.Err != nil {
			fmt.Fprintf(out, "page %d: failed: %v\n", o.Page, o.Err)
			continue
		}
		data, mime, err := p.GetPageImage(ctx, sess.ID, o.Page, 0)
		if err != nil {
			fmt.Fprintf(out, "page %d: failed to load image: %v\n", o.Page, err)
			continue
		}
		path := filepath.Join(f.outDir, fmt.Sprintf("page-%03d%s", o.Page, extensionFor(mime)))
		if err := afero.WriteFile(fs, path, data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		line := fmt.Sprintf("page %d: %s (strategy=%s", o.Page, path, o.Result.Strategy)
		if degraded := o.Result.Version.Degraded; len(degraded) > 0 {
			line += fmt.Sprintf(", degraded=%v", degraded)
		}
		fmt.Fprintln(out, line+")")
	}
	return genErr
}

func extensionFor(mime string) string {
	switch mime {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".png"
	}
}
