package polyclient

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient()
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Dispose(context.Background()) })
	return c
}

func registerEchoAdapter(t *testing.T, c *Client, languageID string, handlers map[string]OperationHandler) *Record {
	t.Helper()
	rec, err := c.RegisterLanguage(context.Background(), AdapterConfig{
		LanguageID: languageID,
		Handlers:   handlers,
	})
	require.NoError(t, err)
	return rec
}

func TestClientRegisterAndUnregisterLanguage(t *testing.T) {
	c := newTestClient(t)
	_, err := c.RegisterLanguage(context.Background(), AdapterConfig{LanguageID: "go"})
	require.NoError(t, err)

	_, err = c.RegisterLanguage(context.Background(), AdapterConfig{LanguageID: "go"})
	assert.True(t, Is(err, KindLanguageExists))

	require.NoError(t, c.UnregisterLanguage(context.Background(), "go"))
	err = c.UnregisterLanguage(context.Background(), "go")
	assert.True(t, Is(err, KindUnknownLanguage))
}

func TestClientOpenRejectsUnregisteredLanguage(t *testing.T) {
	c := newTestClient(t)
	_, err := c.Open(context.Background(), "file:///a.go", "go", "package a", 1)
	assert.True(t, Is(err, KindUnknownLanguage))
}

func TestClientOpenNotifiesAdapter(t *testing.T) {
	c := newTestClient(t)
	var opened OpenPayload
	registerEchoAdapter(t, c, "go", map[string]OperationHandler{
		OpOpenDocument: func(ctx context.Context, params any, _ *RequestContext) (any, error) {
			opened = params.(OpenPayload)
			return nil, nil
		},
	})

	doc, err := c.Open(context.Background(), "file:///a.go", "go", "package a", 1)
	require.NoError(t, err)
	assert.Equal(t, "file:///a.go", doc.URI)
	assert.Equal(t, "package a", opened.Text)
	assert.Equal(t, "go", opened.LanguageID)
}

// TestClientUpdateWithRangedEdits exercises the update-with-changes
// scenario: Update must apply the supplied ranged edits to the stored
// text, bump the version, and forward the original (unmaterialized)
// change list to the owning adapter's updateDocument handler alongside
// the resulting full text.
func TestClientUpdateWithRangedEdits(t *testing.T) {
	c := newTestClient(t)
	var updated UpdatePayload
	registerEchoAdapter(t, c, "go", map[string]OperationHandler{
		OpUpdateDocument: func(ctx context.Context, params any, _ *RequestContext) (any, error) {
			updated = params.(UpdatePayload)
			return nil, nil
		},
	})

	_, err := c.Open(context.Background(), "file:///a.go", "go", "package a", 1)
	require.NoError(t, err)

	changes := []Change{{Range: rangeAt(8, 0), Text: "b"}}
	doc, err := c.Update(context.Background(), "file:///a.go", 2, changes)
	require.NoError(t, err)

	assert.Equal(t, int32(2), doc.Version)
	assert.Equal(t, int32(2), updated.Version)
	assert.Equal(t, doc.Text, updated.Text)
	require.Len(t, updated.Changes, 1)
	assert.Equal(t, "b", updated.Changes[0].Text)
}

func TestClientUpdateRejectsUnopenDocument(t *testing.T) {
	c := newTestClient(t)
	_, err := c.Update(context.Background(), "file:///missing.go", 2, nil)
	assert.True(t, Is(err, KindDocumentNotOpen))
}

func TestClientCloseIsNoopWhenNotOpen(t *testing.T) {
	c := newTestClient(t)
	err := c.Close(context.Background(), "file:///missing.go")
	assert.NoError(t, err)
}

func TestClientCloseNotifiesAdapter(t *testing.T) {
	c := newTestClient(t)
	var closedURI string
	registerEchoAdapter(t, c, "go", map[string]OperationHandler{
		OpCloseDocument: func(ctx context.Context, params any, _ *RequestContext) (any, error) {
			closedURI = params.(ClosePayload).URI
			return nil, nil
		},
	})
	_, err := c.Open(context.Background(), "file:///a.go", "go", "x", 1)
	require.NoError(t, err)

	require.NoError(t, c.Close(context.Background(), "file:///a.go"))
	assert.Equal(t, "file:///a.go", closedURI)
}

func TestClientFeatureRequestRoutesToOwningAdapter(t *testing.T) {
	c := newTestClient(t)
	registerEchoAdapter(t, c, "go", map[string]OperationHandler{
		OpHover: func(ctx context.Context, params any, rc *RequestContext) (any, error) {
			return "hovered:" + rc.LanguageID, nil
		},
	})

	result, err := c.GetHover(context.Background(), map[string]any{"languageId": "go"})
	require.NoError(t, err)
	assert.Equal(t, "hovered:go", result)
}

// TestClientServerInitiatedApplyEdit exercises the server-initiated
// applyEdit scenario: an adapter's handler invokes the client's shared
// workspace-edit path (the same one ApplyWorkspaceEdit exposes to the
// host) in response to a simulated server-initiated request, and the
// edit lands in the document store.
func TestClientServerInitiatedApplyEdit(t *testing.T) {
	c := newTestClient(t)

	var applyResult ApplyResult
	registerEchoAdapter(t, c, "go", map[string]OperationHandler{
		OpHover: func(ctx context.Context, params any, rc *RequestContext) (any, error) {
			result, err := c.ApplyWorkspaceEdit(ctx, WorkspaceEdit{
				Changes: map[string][]TextEdit{
					"file:///a.go": {{Range: rangeAt(0, 7), NewText: "b"}},
				},
			})
			require.NoError(t, err)
			applyResult = result
			return nil, nil
		},
	})

	_, err := c.Open(context.Background(), "file:///a.go", "go", "package a", 1)
	require.NoError(t, err)

	_, err = c.GetHover(context.Background(), map[string]any{"languageId": "go"})
	require.NoError(t, err)

	assert.True(t, applyResult.Applied)
	doc, ok := c.store.Get("file:///a.go")
	require.True(t, ok)
	assert.Equal(t, int32(2), doc.Version)
}

func TestClientOnDiagnosticsFiltersByURI(t *testing.T) {
	c := newTestClient(t)
	var seenA, seenB int
	c.OnDiagnostics("file:///a.go", func(languageID, uri string, diags []Diagnostic) { seenA++ })

	rec := registerEchoAdapter(t, c, "go", nil)
	actx := newAdapterContext(rec.LanguageID, rec, c.store, c.bus, c.engine, nil, nil)
	actx.PublishDiagnostics("file:///a.go", []Diagnostic{{Message: "x"}})
	actx.PublishDiagnostics("file:///b.go", []Diagnostic{{Message: "y"}})

	assert.Equal(t, 1, seenA)
	_ = seenB
}

func TestClientOnErrorReceivesAdapterErrors(t *testing.T) {
	c := newTestClient(t)
	var gotLanguageID, gotOp string
	c.OnError(func(languageID, operation string, err error) {
		gotLanguageID, gotOp = languageID, operation
	})

	registerEchoAdapter(t, c, "go", map[string]OperationHandler{
		OpHover: func(ctx context.Context, params any, rc *RequestContext) (any, error) {
			return nil, newError(KindInvalidOptions, "bad request")
		},
	})

	_, err := c.GetHover(context.Background(), map[string]any{"languageId": "go"})
	assert.Error(t, err)
	assert.Equal(t, "go", gotLanguageID)
	assert.Equal(t, OpHover, gotOp)
}

func TestClientDisposeRejectsFurtherOperations(t *testing.T) {
	c := newTestClient(t)
	require.NoError(t, c.Dispose(context.Background()))
	assert.True(t, c.IsDisposed())

	_, err := c.Open(context.Background(), "file:///a.go", "go", "x", 1)
	assert.True(t, Is(err, KindClientDisposed))

	require.NoError(t, c.Dispose(context.Background()))
}

func TestClientSendRequestToBypassesRouting(t *testing.T) {
	c := newTestClient(t)
	registerEchoAdapter(t, c, "go", map[string]OperationHandler{
		"custom/method": func(ctx context.Context, params any, rc *RequestContext) (any, error) {
			return "ok", nil
		},
	})
	registerEchoAdapter(t, c, "rust", nil)

	result, err := c.SendRequestTo(context.Background(), "go", "custom/method", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}
