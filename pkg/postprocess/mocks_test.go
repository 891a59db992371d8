package postprocess

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

type mockTransformer struct {
	calls     int
	failUntil int // この回数までは失敗する（-1 なら常に失敗）
	lastRef   []byte
	params    map[string]any
	suffix    string
}

func (m *mockTransformer) Transform(ctx context.Context, image, reference []byte, params map[string]any) ([]byte, error) {
	m.calls++
	m.lastRef = reference
	m.params = params
	if m.failUntil < 0 || m.calls <= m.failUntil {
		return nil, errors.New("service unavailable")
	}
	return append(append([]byte{}, image...), m.suffix...), nil
}

// routeDoer は URL ごとに固定の応答を返す httpkit.Doer です。
type routeDoer struct {
	routes map[string]routeReply
	urls   []string
}

type routeReply struct {
	status int
	body   string
}

func (d *routeDoer) Do(req *http.Request) (*http.Response, error) {
	d.urls = append(d.urls, req.URL.String())
	reply, ok := d.routes[req.URL.String()]
	if !ok {
		return nil, fmt.Errorf("unexpected request: %s", req.URL)
	}
	return &http.Response{
		StatusCode: reply.status,
		Body:       io.NopCloser(strings.NewReader(reply.body)),
		Header:     make(http.Header),
	}, nil
}
