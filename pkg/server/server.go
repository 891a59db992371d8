// Package server はパイプラインの操作を HTTP で公開します。
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shouni/go-storybook-kit/pkg/domain"
	"github.com/shouni/go-storybook-kit/pkg/pipeline"
)

// DefaultMaxPhotoBytes はアップロードできる写真の上限サイズです。
const DefaultMaxPhotoBytes = 10 << 20

// Service は HTTP 層が呼び出すパイプラインの操作です。*pipeline.Pipeline が満たします。
type Service interface {
	CreateSession(ctx context.Context, storyID, childName string) (*domain.Session, error)
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	DeleteSession(ctx context.Context, sessionID string) error
	UploadPhoto(ctx context.Context, sessionID string, data []byte) (*domain.Session, error)
	GeneratePage(ctx context.Context, sessionID string, page int) (*pipeline.PageResult, error)
	RegeneratePage(ctx context.Context, sessionID string, page int) (*pipeline.PageResult, error)
	State(ctx context.Context, sessionID string) (*pipeline.SessionState, error)
	SelectVersion(ctx context.Context, sessionID string, page, version int) (domain.PageState, error)
	SetFavorite(ctx context.Context, sessionID string, page int, version *int) (domain.PageState, error)
	GetPageImage(ctx context.Context, sessionID string, page, version int) ([]byte, string, error)
}

var _ Service = (*pipeline.Pipeline)(nil)

// StartOpts は HTTP サーバーの設定です。
type StartOpts struct {
	Service Service
	Addr    string
	// RequestTimeout は生成系リクエストの上限時間です。0 なら無制限です。
	RequestTimeout time.Duration
	MaxPhotoBytes  int64
}

// Start はサーバーを起動し、ctx がキャンセルされるまでブロックします。
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Service == nil {
		return fmt.Errorf("server: service is required")
	}
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}

	srv := &http.Server{
		Addr:              opts.Addr,
		Handler:           NewRouter(opts),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.InfoContext(ctx, "HTTPサーバーを起動しました", "addr", opts.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// NewRouter はルーティング済みの gin.Engine を返します。
func NewRouter(opts StartOpts) *gin.Engine {
	if opts.MaxPhotoBytes <= 0 {
		opts.MaxPhotoBytes = DefaultMaxPhotoBytes
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	h := &handlers{svc: opts.Service, timeout: opts.RequestTimeout, maxPhoto: opts.MaxPhotoBytes}
	registerRoutes(router, h)
	return router
}

// requestLogger はリクエストごとに1行の slog を出力します。
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.InfoContext(c.Request.Context(), "http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"latency", time.Since(start),
		)
	}
}
