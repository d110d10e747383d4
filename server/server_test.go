package server

import (
	"context"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

type nopTransport struct {
	baseURL string
}

func (t *nopTransport) GetInfo(_ context.Context) (*Info, error) { return &Info{}, nil }

func (t *nopTransport) Open(_ context.Context, _, _ string) error { return nil }

func (t *nopTransport) Pay(_ context.Context, _, _ string) (*PayResult, error) {
	return &PayResult{Status: PayAccepted}, nil
}

func (t *nopTransport) Status(_ context.Context, _ string) (map[string]interface{}, error) {
	return nil, nil
}

func (t *nopTransport) Close(_ context.Context, _, _ string) (string, error) {
	return "", nil
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry()
	registry.Register("mock", func(baseURL *url.URL) (Transport, error) {
		return &nopTransport{baseURL: baseURL.String()}, nil
	})

	transport, err := registry.Resolve("mock://merchant/channels")
	require.NoError(t, err)
	require.Equal(t, "mock://merchant/channels", transport.(*nopTransport).baseURL)

	_, err = registry.Resolve("gopher://merchant")
	require.ErrorIs(t, err, ErrUnknownScheme)
}
