package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shouni/go-storybook-kit/pkg/domain"
	"github.com/shouni/go-storybook-kit/pkg/imgutil"
)

func registerRoutes(router *gin.Engine, h *handlers) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	s := router.Group("/sessions")
	s.POST("", h.createSession)
	s.GET("/:id", h.getSession)
	s.DELETE("/:id", h.deleteSession)
	s.PUT("/:id/photo", h.uploadPhoto)
	s.GET("/:id/state", h.state)

	p := s.Group("/:id/pages/:page")
	p.POST("/generate", h.generate)
	p.POST("/regenerate", h.regenerate)
	p.PUT("/selected", h.selectVersion)
	p.PUT("/favorite", h.setFavorite)
	p.GET("/image", h.image)
	p.GET("/versions/:version/image", h.image)
}

type handlers struct {
	svc      Service
	timeout  time.Duration
	maxPhoto int64
}

type errorBody struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

// writeError はエラー分類からステータスを決めて {"status", "message"} を返します。
func writeError(c *gin.Context, err error) {
	code := domain.StatusCode(err)
	if code >= http.StatusInternalServerError {
		slog.ErrorContext(c.Request.Context(), "リクエストの処理に失敗しました", "path", c.FullPath(), "error", err)
	}
	c.AbortWithStatusJSON(code, errorBody{Status: code, Message: domain.UserMessage(err)})
}

func badRequest(c *gin.Context, format string, args ...any) {
	writeError(c, fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), domain.ErrInvalidInput))
}

func (h *handlers) generationContext(c *gin.Context) (context.Context, context.CancelFunc) {
	if h.timeout <= 0 {
		return c.Request.Context(), func() {}
	}
	return context.WithTimeout(c.Request.Context(), h.timeout)
}

func pageParam(c *gin.Context) (int, bool) {
	page, err := strconv.Atoi(c.Param("page"))
	if err != nil || page < 1 {
		badRequest(c, "invalid page %q", c.Param("page"))
		return 0, false
	}
	return page, true
}

type createSessionRequest struct {
	StoryID   string `json:"story_id" binding:"required"`
	ChildName string `json:"child_name"`
}

func (h *handlers) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "create session: %v", err)
		return
	}
	sess, err := h.svc.CreateSession(c.Request.Context(), req.StoryID, req.ChildName)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (h *handlers) getSession(c *gin.Context) {
	sess, err := h.svc.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *handlers) deleteSession(c *gin.Context) {
	if err := h.svc.DeleteSession(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// uploadPhoto は生の画像バイト列、multipart の "photo" フィールド、
// JSON {"photo_base64": "..."} のいずれかを受け付けます。
func (h *handlers) uploadPhoto(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxPhoto)

	var data []byte
	var err error
	switch c.ContentType() {
	case "multipart/form-data":
		fh, ferr := c.FormFile("photo")
		if ferr != nil {
			badRequest(c, "photo field: %v", ferr)
			return
		}
		f, ferr := fh.Open()
		if ferr != nil {
			badRequest(c, "photo field: %v", ferr)
			return
		}
		defer f.Close()
		data, err = io.ReadAll(f)
	case "application/json":
		var body struct {
			PhotoBase64 string `json:"photo_base64" binding:"required"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			badRequest(c, "photo json: %v", err)
			return
		}
		data, err = imgutil.DecodeBase64(body.PhotoBase64)
	default:
		data, err = io.ReadAll(c.Request.Body)
	}
	if err != nil {
		badRequest(c, "read photo: %v", err)
		return
	}

	sess, err := h.svc.UploadPhoto(c.Request.Context(), c.Param("id"), data)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *handlers) state(c *gin.Context) {
	st, err := h.svc.State(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *handlers) generate(c *gin.Context) {
	page, ok := pageParam(c)
	if !ok {
		return
	}
	ctx, cancel := h.generationContext(c)
	defer cancel()

	res, err := h.svc.GeneratePage(ctx, c.Param("id"), page)
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusCreated
	if res.Reused {
		status = http.StatusOK
	}
	c.JSON(status, res)
}

func (h *handlers) regenerate(c *gin.Context) {
	page, ok := pageParam(c)
	if !ok {
		return
	}
	ctx, cancel := h.generationContext(c)
	defer cancel()

	res, err := h.svc.RegeneratePage(ctx, c.Param("id"), page)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

type versionRequest struct {
	// Version が null のお気に入り設定は解除を意味します。
	Version *int `json:"version"`
}

func (h *handlers) selectVersion(c *gin.Context) {
	page, ok := pageParam(c)
	if !ok {
		return
	}
	var req versionRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Version == nil {
		badRequest(c, "version is required")
		return
	}
	st, err := h.svc.SelectVersion(c.Request.Context(), c.Param("id"), page, *req.Version)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *handlers) setFavorite(c *gin.Context) {
	page, ok := pageParam(c)
	if !ok {
		return
	}
	var req versionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "favorite: %v", err)
		return
	}
	st, err := h.svc.SetFavorite(c.Request.Context(), c.Param("id"), page, req.Version)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// image は /image なら表示中のバージョン、/versions/:version/image なら指定バージョンを返します。
func (h *handlers) image(c *gin.Context) {
	page, ok := pageParam(c)
	if !ok {
		return
	}
	version := 0
	if raw := c.Param("version"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			badRequest(c, "invalid version %q", raw)
			return
		}
		version = v
	}

	data, mime, err := h.svc.GetPageImage(c.Request.Context(), c.Param("id"), page, version)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		writeError(c, err)
		return
	}
	if mime == "" {
		mime = "application/octet-stream"
	}
	c.Header("Cache-Control", "private, max-age=300")
	c.Data(http.StatusOK, mime, data)
}
