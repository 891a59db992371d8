package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"cloud.google.com/go/storage"
	"github.com/patrickmn/go-cache"
	"github.com/shouni/go-gemini-client/pkg/gemini"
	"github.com/shouni/go-http-kit/pkg/httpkit"
	"github.com/shouni/go-storybook-kit/pkg/aiclient"
	"github.com/shouni/go-storybook-kit/pkg/analyzer"
	"github.com/shouni/go-storybook-kit/pkg/config"
	"github.com/shouni/go-storybook-kit/pkg/generator"
	"github.com/shouni/go-storybook-kit/pkg/pipeline"
	"github.com/shouni/go-storybook-kit/pkg/postprocess"
	"github.com/shouni/go-storybook-kit/pkg/retry"
	"github.com/shouni/go-storybook-kit/pkg/sheet"
	"github.com/shouni/go-storybook-kit/pkg/store"
	"github.com/shouni/go-storybook-kit/pkg/store/blob"
	"github.com/shouni/go-storybook-kit/pkg/store/sqlstore"
	"github.com/shouni/go-storybook-kit/pkg/store/storyfs"
	"github.com/shouni/go-storybook-kit/pkg/versionstore"
	"github.com/spf13/afero"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"
	"google.golang.org/genai"
	"gorm.io/gorm"
)

const (
	imageCacheCleanup = 10 * time.Minute
	imageCacheTTL     = 30 * time.Minute
)

var errOffline = errors.New("generative model is not configured for this command")

// wireOptions はコマンドごとの組み立て方の違いです。
type wireOptions struct {
	// inMemory は DB とアセットを全てプロセス内に置きます。
	inMemory bool
	// offline は生成モデルに接続しません。掃除など生成を伴わないコマンド用です。
	offline bool
}

// app は組み立て済みの依存関係です。
type app struct {
	pipeline *pipeline.Pipeline
	stories  *storyfs.Store
	closers  []func() error
}

// Close は開いたリソースを逆順に閉じます。
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

func wireApp(ctx context.Context, cfg *config.Config, opts wireOptions) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	db, err := openDatabase(cfg, opts.inMemory)
	if err != nil {
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		a.closers = append(a.closers, sqlDB.Close)
	}
	if err := sqlstore.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate sessions: %w", err)
	}

	var versions versionstore.Store
	if opts.inMemory {
		versions = versionstore.NewMemory()
	} else {
		if err := versionstore.AutoMigrate(db); err != nil {
			return nil, fmt.Errorf("migrate versions: %w", err)
		}
		versions = versionstore.NewGormStore(db)
	}

	assets, err := buildAssets(ctx, cfg, opts.inMemory, a)
	if err != nil {
		return nil, err
	}

	sessions := sqlstore.New(db)
	a.stories = storyfs.New(afero.NewOsFs(), cfg.StoryDir)
	httpClient := httpkit.New(cfg.Gemini.HTTPTimeout)

	model, err := buildModel(ctx, cfg, opts.offline)
	if err != nil {
		return nil, err
	}

	// GCS に保存している場合は gs:// の参照画像もそこから読む
	objects, _ := assets.(generator.ObjectReader)
	engine, err := buildEngine(cfg, model, httpClient, objects)
	if err != nil {
		return nil, err
	}

	an, err := analyzer.New(model, cfg.Gemini.TextModel, analyzer.NewDescriptionCache(cfg.SessionTTL, sessions))
	if err != nil {
		return nil, fmt.Errorf("キャラクター解析器の初期化に失敗しました: %w", err)
	}
	sheets, err := sheet.New(engine, assets, cfg.Gemini.ImageModel)
	if err != nil {
		return nil, fmt.Errorf("キャラクターシート生成器の初期化に失敗しました: %w", err)
	}
	post, err := buildPostProcessor(cfg.PostProcess)
	if err != nil {
		return nil, err
	}

	p, err := pipeline.New(pipeline.Deps{
		Templates: a.stories,
		Sessions:  sessions,
		Assets:    assets,
		Versions:  versions,
		Engine:    engine,
		Analyzer:  an,
		Sheets:    sheets,
		Post:      post,
	},
		pipeline.WithSessionTTL(cfg.SessionTTL),
		pipeline.WithConcurrency(cfg.Concurrency),
	)
	if err != nil {
		return nil, fmt.Errorf("パイプラインの初期化に失敗しました: %w", err)
	}
	a.pipeline = p
	return a, nil
}

func openDatabase(cfg *config.Config, inMemory bool) (*gorm.DB, error) {
	driver, dsn := cfg.Database.Driver, cfg.Database.DSN
	if inMemory {
		driver, dsn = "sqlite", ":memory:"
	} else if driver == "sqlite" && dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sqlstore.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if dsn == ":memory:" {
		// :memory: は接続ごとに別のDBになるため1本に固定する
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

func buildAssets(ctx context.Context, cfg *config.Config, inMemory bool, a *app) (store.Assets, error) {
	backend := cfg.Assets.Backend
	if inMemory {
		backend = "memory"
	}
	switch backend {
	case "memory":
		return blob.NewFSAssets(afero.NewMemMapFs(), "assets"), nil
	case "gcs":
		client, err := storage.NewClient(ctx, gcsClientOptions(cfg.Assets)...)
		if err != nil {
			return nil, fmt.Errorf("storage クライアントの初期化に失敗しました: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		gcs, err := blob.NewGCSAssets(client, cfg.Assets.Bucket, cfg.Assets.Prefix)
		if err != nil {
			return nil, err
		}
		return gcs, nil
	default:
		return blob.NewFSAssets(afero.NewOsFs(), cfg.Assets.Dir), nil
	}
}

func gcsClientOptions(cfg config.AssetsConfig) []option.ClientOption {
	if cfg.Endpoint == "" {
		return nil
	}
	return []option.ClientOption{option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication()}
}

func buildModel(ctx context.Context, cfg *config.Config, offline bool) (generator.GenerativeModel, error) {
	if offline {
		return offlineModel{}, nil
	}
	if err := cfg.RequireAPIKey(); err != nil {
		return nil, err
	}
	client, err := aiclient.New(ctx, cfg.Gemini.APIKey, cfg.Gemini.ImageModel)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func buildEngine(cfg *config.Config, model generator.GenerativeModel, httpClient generator.HTTPClient, objects generator.ObjectReader) (*generator.Engine, error) {
	limit := rate.Inf
	if cfg.Gemini.RateInterval > 0 {
		limit = rate.Every(cfg.Gemini.RateInterval)
	}
	burst := max(cfg.Gemini.RateBurst, 1)
	coreOpts := []generator.CoreOption{
		generator.WithRateLimiter(rate.NewLimiter(limit, burst)),
	}
	if objects != nil {
		coreOpts = append(coreOpts, generator.WithObjectReader(objects))
	}
	core, err := generator.NewGeminiImageCore(
		model,
		httpClient,
		cache.New(imageCacheTTL, imageCacheCleanup),
		imageCacheTTL,
		coreOpts...,
	)
	if err != nil {
		return nil, fmt.Errorf("GeminiImageCore の初期化に失敗しました: %w", err)
	}

	engine, err := generator.NewEngine(core, cfg.Gemini.ImageModel,
		generator.WithRetryPolicy(retry.NewPolicy(cfg.Gemini.MaxRetries)),
		generator.WithStrategies(generator.DefaultStrategies(cfg.Gemini.MaxRetries, cfg.Gemini.FallbackAttempts)),
		generator.WithObserver(logStrategy),
	)
	if err != nil {
		return nil, fmt.Errorf("画像生成エンジンの初期化に失敗しました: %w", err)
	}
	return engine, nil
}

// logStrategy は各試行段の結果を記録します。
func logStrategy(ev generator.StrategyEvent) {
	attrs := []any{"strategy", ev.Strategy, "references", ev.References, "attempts", ev.Attempts}
	if ev.Err != nil {
		slog.Warn("生成戦略が失敗しました", append(attrs, "error", ev.Err)...)
		return
	}
	slog.Info("生成戦略が成功しました", attrs...)
}

func buildPostProcessor(cfg config.PostProcessConfig) (*postprocess.Processor, error) {
	// 再試行は Processor のポリシーだけで数える
	client := httpkit.New(cfg.Timeout,
		httpkit.WithMaxRetries(0),
		httpkit.WithSkipNetworkValidation(cfg.AllowPrivateNetwork),
	)
	var identity, restoration postprocess.Transformer
	if cfg.IdentityEndpoint != "" {
		t, err := postprocess.NewHTTPTransformer(cfg.IdentityEndpoint, cfg.APIKey, client)
		if err != nil {
			return nil, fmt.Errorf("identity transformer: %w", err)
		}
		identity = t
	}
	if cfg.RestorationEndpoint != "" {
		t, err := postprocess.NewHTTPTransformer(cfg.RestorationEndpoint, cfg.APIKey, client)
		if err != nil {
			return nil, fmt.Errorf("restoration transformer: %w", err)
		}
		restoration = t
	}
	return postprocess.NewProcessor(identity, restoration,
		postprocess.WithRetryPolicy(retry.NewPolicy(cfg.MaxRetries)),
	), nil
}

// offlineModel は呼ばれると常に errOffline を返します。
type offlineModel struct{}

func (offlineModel) GenerateWithParts(context.Context, string, []*genai.Part, gemini.GenerateOptions) (*gemini.Response, error) {
	return nil, errOffline
}
