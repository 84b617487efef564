package polyclient

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polyclient/lsphub/internal/docstore"
	"github.com/polyclient/lsphub/internal/eventbus"
)

func newTestAdapterContext(t *testing.T, unhandled UnhandledServerRequestHandler) (*AdapterContext, *docstore.Store, *eventbus.Bus) {
	t.Helper()
	store := docstore.NewStore()
	bus := eventbus.NewBus()
	registry := NewRegistry()
	engine := newWorkspaceEditEngine(store, registry)
	rec, err := registry.RegisterLanguage(context.Background(), AdapterConfig{LanguageID: "go"}, noopActxFactory)
	require.NoError(t, err)
	actx := newAdapterContext("go", rec, store, bus, engine, []string{"/repo"}, unhandled)
	return actx, store, bus
}

func TestAdapterContextGetDocumentScopedToOwnLanguage(t *testing.T) {
	actx, store, _ := newTestAdapterContext(t, nil)
	_, err := store.Open("file:///a.go", "go", "package a", 1)
	require.NoError(t, err)
	_, err = store.Open("file:///a.rs", "rust", "fn main(){}", 1)
	require.NoError(t, err)

	doc, ok := actx.GetDocument("file:///a.go")
	require.True(t, ok)
	assert.Equal(t, "package a", doc.Text)

	_, ok = actx.GetDocument("file:///a.rs")
	assert.False(t, ok)
}

func TestAdapterContextListDocumentsScopedToOwnLanguage(t *testing.T) {
	actx, store, _ := newTestAdapterContext(t, nil)
	_, err := store.Open("file:///a.go", "go", "package a", 1)
	require.NoError(t, err)
	_, err = store.Open("file:///a.rs", "rust", "fn main(){}", 1)
	require.NoError(t, err)

	docs := actx.ListDocuments()
	require.Len(t, docs, 1)
	assert.Equal(t, "file:///a.go", docs[0].URI)
}

func TestAdapterContextPublishDiagnosticsNormalizesURI(t *testing.T) {
	actx, _, bus := newTestAdapterContext(t, nil)

	var got eventbus.DiagnosticsEvent
	bus.SubscribeDiagnostics(func(evt eventbus.DiagnosticsEvent) { got = evt })

	actx.PublishDiagnostics("file:///a.go", []Diagnostic{{Message: "oops"}})

	assert.Equal(t, "go", got.LanguageID)
	assert.Equal(t, "file:///a.go", got.URI)
	require.Len(t, got.Diagnostics, 1)
	assert.Equal(t, "oops", got.Diagnostics[0].Message)
}

func TestAdapterContextServerCapabilitiesRoundtrip(t *testing.T) {
	actx, _, _ := newTestAdapterContext(t, nil)
	assert.Nil(t, actx.ServerCapabilities())

	actx.SetServerCapabilities("some-caps")
	assert.Equal(t, "some-caps", actx.ServerCapabilities())
}

func TestAdapterContextWorkspaceFoldersReturnsDefensiveCopy(t *testing.T) {
	actx, _, _ := newTestAdapterContext(t, nil)
	folders := actx.WorkspaceFolders()
	folders[0] = "/mutated"
	assert.Equal(t, []string{"/repo"}, actx.WorkspaceFolders())
}

func TestHandleServerRequestApplyEdit(t *testing.T) {
	actx, store, _ := newTestAdapterContext(t, nil)
	_, err := store.Open("file:///a.go", "go", "package a", 1)
	require.NoError(t, err)

	result, err := actx.HandleServerRequest(context.Background(), "workspace/applyEdit", ApplyEditRequest{
		Edit: WorkspaceEdit{
			Changes: map[string][]TextEdit{
				"file:///a.go": {{Range: rangeAt(0, 7), NewText: "b"}},
			},
		},
	})
	require.NoError(t, err)

	resp, ok := result.(ApplyEditResponse)
	require.True(t, ok)
	assert.True(t, resp.Applied)
}

func TestHandleServerRequestWorkspaceFolders(t *testing.T) {
	actx, _, _ := newTestAdapterContext(t, nil)
	result, err := actx.HandleServerRequest(context.Background(), "workspace/workspaceFolders", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"/repo"}, result)
}

func TestHandleServerRequestShowMessageRequestPicksFirstAction(t *testing.T) {
	actx, _, _ := newTestAdapterContext(t, nil)
	result, err := actx.HandleServerRequest(context.Background(), "window/showMessageRequest", ShowMessageRequest{
		Message: "pick one",
		Actions: []MessageAction{{Title: "Yes"}, {Title: "No"}},
	})
	require.NoError(t, err)
	assert.Equal(t, MessageAction{Title: "Yes"}, result)
}

func TestHandleServerRequestUnhandledFallsBackToHook(t *testing.T) {
	called := false
	actx, _, _ := newTestAdapterContext(t, func(method string, params any) (any, bool) {
		called = true
		assert.Equal(t, "custom/method", method)
		return "handled", true
	})

	result, err := actx.HandleServerRequest(context.Background(), "custom/method", map[string]any{"x": 1})
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, "handled", result)
}

func TestHandleServerRequestUnhandledWithNoHookReturnsNil(t *testing.T) {
	actx, _, _ := newTestAdapterContext(t, nil)
	result, err := actx.HandleServerRequest(context.Background(), "custom/unknown", nil)
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestRequestContextGetDocumentUsesInjectedAccessor(t *testing.T) {
	called := false
	rc := &RequestContext{
		LanguageID: "go",
		getDocument: func(uri string) (Document, bool) {
			called = true
			return Document{URI: uri}, true
		},
	}
	doc, ok := rc.GetDocument("file:///a.go")
	require.True(t, ok)
	assert.True(t, called)
	assert.Equal(t, "file:///a.go", doc.URI)
}
