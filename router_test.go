package polyclient

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polyclient/lsphub/internal/docstore"
)

func newTestRouter(t *testing.T, store *docstore.Store) (*Router, *Registry) {
	t.Helper()
	registry := NewRegistry()
	reqCtxFactory := func(languageID string) *RequestContext {
		return &RequestContext{LanguageID: languageID}
	}
	return newRouter(registry, store, reqCtxFactory), registry
}

func registerEcho(t *testing.T, registry *Registry, languageID string) {
	t.Helper()
	_, err := registry.RegisterLanguage(context.Background(), AdapterConfig{
		LanguageID: languageID,
		Handlers: map[string]OperationHandler{
			"echo": func(ctx context.Context, params any, rc *RequestContext) (any, error) {
				return rc.LanguageID, nil
			},
		},
	}, noopActxFactory)
	require.NoError(t, err)
}

func TestRouterResolveSoleAdapterFallbackForUnstructuredParams(t *testing.T) {
	store := docstore.NewStore()
	rt, registry := newTestRouter(t, store)
	registerEcho(t, registry, "go")

	result, err := rt.Dispatch(context.Background(), "echo", 42)
	require.NoError(t, err)
	assert.Equal(t, "go", result)
}

func TestRouterResolveByLanguageIDField(t *testing.T) {
	store := docstore.NewStore()
	rt, registry := newTestRouter(t, store)
	registerEcho(t, registry, "go")
	registerEcho(t, registry, "rust")

	result, err := rt.Dispatch(context.Background(), "echo", map[string]any{"languageId": "rust"})
	require.NoError(t, err)
	assert.Equal(t, "rust", result)
}

func TestRouterResolveByURIField(t *testing.T) {
	store := docstore.NewStore()
	rt, registry := newTestRouter(t, store)
	registerEcho(t, registry, "go")
	registerEcho(t, registry, "rust")

	_, err := store.Open("file:///a.rs", "rust", "fn main() {}", 1)
	require.NoError(t, err)

	result, err := rt.Dispatch(context.Background(), "echo", map[string]any{"uri": "file:///a.rs"})
	require.NoError(t, err)
	assert.Equal(t, "rust", result)
}

func TestRouterResolveByTextDocumentURI(t *testing.T) {
	store := docstore.NewStore()
	rt, registry := newTestRouter(t, store)
	registerEcho(t, registry, "go")
	registerEcho(t, registry, "rust")

	_, err := store.Open("file:///a.go", "go", "package a", 1)
	require.NoError(t, err)

	raw, err := json.Marshal(map[string]any{
		"textDocument": map[string]any{"uri": "file:///a.go"},
	})
	require.NoError(t, err)

	result, err := rt.Dispatch(context.Background(), "echo", json.RawMessage(raw))
	require.NoError(t, err)
	assert.Equal(t, "go", result)
}

// TestRouterAmbiguousRoutingRejected exercises the ambiguous-routing
// scenario: structured params with no languageId/language and no
// recognized URI, against more than one registered adapter, must be
// rejected rather than guessed at.
func TestRouterAmbiguousRoutingRejected(t *testing.T) {
	store := docstore.NewStore()
	rt, registry := newTestRouter(t, store)
	registerEcho(t, registry, "go")
	registerEcho(t, registry, "rust")

	_, err := rt.Dispatch(context.Background(), "echo", map[string]any{"foo": "bar"})
	require.Error(t, err)
	assert.True(t, Is(err, KindLanguageNotResolved))
}

func TestRouterUnknownLanguageIDRejected(t *testing.T) {
	store := docstore.NewStore()
	rt, registry := newTestRouter(t, store)
	registerEcho(t, registry, "go")

	_, err := rt.Dispatch(context.Background(), "echo", map[string]any{"languageId": "python"})
	require.Error(t, err)
	assert.True(t, Is(err, KindUnknownLanguage))
}

func TestRouterURIForUnopenDocumentRejected(t *testing.T) {
	store := docstore.NewStore()
	rt, registry := newTestRouter(t, store)
	registerEcho(t, registry, "go")
	registerEcho(t, registry, "rust")

	_, err := rt.Dispatch(context.Background(), "echo", map[string]any{"uri": "file:///missing.go"})
	require.Error(t, err)
	assert.True(t, Is(err, KindDocumentNotOpen))
}

func TestRouterDispatchFeatureUnsupported(t *testing.T) {
	store := docstore.NewStore()
	rt, registry := newTestRouter(t, store)
	registerEcho(t, registry, "go")

	_, err := rt.Dispatch(context.Background(), "completions", nil)
	require.Error(t, err)
	assert.True(t, Is(err, KindFeatureUnsupported))
}

func TestRouterDispatchExplicitBypassesInference(t *testing.T) {
	store := docstore.NewStore()
	rt, registry := newTestRouter(t, store)
	registerEcho(t, registry, "go")
	registerEcho(t, registry, "rust")

	result, err := rt.DispatchExplicit(context.Background(), "rust", "echo", nil)
	require.NoError(t, err)
	assert.Equal(t, "rust", result)
}

func TestRouterDispatchAgainstNotReadyLanguage(t *testing.T) {
	store := docstore.NewStore()
	rt, registry := newTestRouter(t, store)

	gate := make(chan struct{})
	go func() {
		_, _ = registry.RegisterLanguage(context.Background(), AdapterConfig{
			LanguageID: "go",
			Initialize: func(context.Context, *AdapterContext) error {
				<-gate
				return nil
			},
		}, noopActxFactory)
	}()

	require.Eventually(t, func() bool { return registry.Has("go") }, assertEventuallyTimeout, assertEventuallyTick)

	_, err := rt.Dispatch(context.Background(), "echo", map[string]any{"languageId": "go"})
	require.Error(t, err)
	assert.True(t, Is(err, KindLanguageNotReady))

	close(gate)
}
