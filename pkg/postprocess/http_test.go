package postprocess

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shouni/go-http-kit/pkg/httpkit"
	"github.com/shouni/go-storybook-kit/pkg/imgutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// localClient は httptest のループバックに届くクライアントです。
func localClient() *httpkit.Client {
	return httpkit.New(time.Second, httpkit.WithSkipNetworkValidation(true), httpkit.WithMaxRetries(0))
}

func TestHTTPTransformer_Transform(t *testing.T) {
	ctx := context.Background()

	t.Run("APIキーがあれば Bearer を付けてインライン応答を受け取る", func(t *testing.T) {
		var got transformRequest
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			json.NewEncoder(w).Encode(map[string]string{"image": imgutil.EncodeBase64([]byte("swapped"))})
		}))
		defer srv.Close()

		tr, err := NewHTTPTransformer(srv.URL, "secret", localClient())
		require.NoError(t, err)

		out, err := tr.Transform(ctx, []byte("in"), []byte("face"), map[string]any{"fidelity": 0.7})
		require.NoError(t, err)
		assert.Equal(t, []byte("swapped"), out)
		assert.Equal(t, imgutil.EncodeBase64([]byte("face")), got.Reference)
		assert.Equal(t, 0.7, got.Params["fidelity"])
	})

	t.Run("APIキーがなければ Authorization を送らない", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Empty(t, r.Header.Get("Authorization"))
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			json.NewEncoder(w).Encode(map[string]string{"image": imgutil.EncodeBase64([]byte("ok"))})
		}))
		defer srv.Close()

		tr, _ := NewHTTPTransformer(srv.URL, "", localClient())
		out, err := tr.Transform(ctx, []byte("in"), nil, nil)
		require.NoError(t, err)
		assert.Equal(t, []byte("ok"), out)
	})

	t.Run("output_url 応答は同じクライアントでダウンロードする", func(t *testing.T) {
		doer := &routeDoer{routes: map[string]routeReply{
			"https://8.8.4.4/restore": {status: http.StatusOK, body: `{"output_url":"https://8.8.8.8/out.png"}`},
			"https://8.8.8.8/out.png": {status: http.StatusOK, body: "downloaded"},
		}}
		client := httpkit.New(time.Second, httpkit.WithHTTPClient(doer), httpkit.WithMaxRetries(0))
		tr, _ := NewHTTPTransformer("https://8.8.4.4/restore", "", client)

		out, err := tr.Transform(ctx, []byte("in"), nil, nil)
		require.NoError(t, err)
		assert.Equal(t, []byte("downloaded"), out)
		assert.Equal(t, []string{"https://8.8.4.4/restore", "https://8.8.8.8/out.png"}, doer.urls)
	})

	t.Run("内部アドレスの output_url は拒否する", func(t *testing.T) {
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			json.NewEncoder(w).Encode(map[string]string{"output_url": "http://169.254.169.254/latest"})
		}))
		defer srv.Close()

		tr, _ := NewHTTPTransformer(srv.URL, "", localClient())
		_, err := tr.Transform(ctx, []byte("in"), nil, nil)
		assert.ErrorContains(t, err, "unsafe output_url")
		assert.Equal(t, int32(1), hits.Load())
	})

	t.Run("5xx 応答はステータス付きのエラーになる", func(t *testing.T) {
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		tr, _ := NewHTTPTransformer(srv.URL, "key", localClient())
		_, err := tr.Transform(ctx, []byte("in"), nil, nil)
		assert.ErrorContains(t, err, "503")
		assert.Equal(t, int32(1), hits.Load(), "再試行は Processor に任せるのだ")
	})

	t.Run("error フィールドはそのままエラーになる", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]string{"error": "no face detected"})
		}))
		defer srv.Close()

		tr, _ := NewHTTPTransformer(srv.URL, "", localClient())
		_, err := tr.Transform(ctx, []byte("in"), nil, nil)
		assert.ErrorContains(t, err, "no face detected")
	})

	t.Run("エンドポイントとクライアントは必須", func(t *testing.T) {
		_, err := NewHTTPTransformer("", "", localClient())
		assert.Error(t, err)
		_, err = NewHTTPTransformer("https://8.8.8.8/swap", "", nil)
		assert.Error(t, err)
	})
}
