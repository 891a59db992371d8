package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
)

// memObjects は remoteio.InputReader と remoteio.OutputWriter を満たすメモリ上のバケットです。
type memObjects struct {
	mu       sync.Mutex
	objects  map[string][]byte
	types    map[string]string
	removed  []string
	writeErr error
}

func newMemObjects() *memObjects {
	return &memObjects{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *memObjects) Open(_ context.Context, uri string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[uri]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", uri, os.ErrNotExist)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memObjects) List(_ context.Context, prefix string, callback func(string) error) error {
	m.mu.Lock()
	var uris []string
	for uri := range m.objects {
		if strings.HasPrefix(uri, prefix) {
			uris = append(uris, uri)
		}
	}
	m.mu.Unlock()
	sort.Strings(uris)
	for _, uri := range uris {
		if err := callback(uri); err != nil {
			return err
		}
	}
	return nil
}

func (m *memObjects) Write(_ context.Context, uri string, r io.Reader, contentType string) error {
	if m.writeErr != nil {
		return m.writeErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[uri] = data
	m.types[uri] = contentType
	return nil
}

func (m *memObjects) Remove(_ context.Context, uri string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, uri)
	m.removed = append(m.removed, uri)
	return nil
}
