// Package polyclient implements a multiplexing Language Server Protocol
// client hub: a single host-facing surface backed by any number of
// per-language adapters, each optionally driving an external language
// server over stdio.
package polyclient

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/polyclient/lsphub/internal/docstore"
	"github.com/polyclient/lsphub/internal/eventbus"
)

// ClientOptions is the functional-options config surface for a Client:
// transport, workspace folders, and opaque metadata — no file format, no
// environment variables, no on-disk state.
type ClientOptions struct {
	Transport        string
	WorkspaceFolders []string
	Metadata         map[string]any
}

// ClientOption configures a Client at construction.
type ClientOption func(*Client)

// WithClientLogger attaches a logger threaded through every internal
// component; omitted, a no-op logger is used.
func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithClientTransport sets the transport kind. "stdio" is the only
// transport this core ships; the option exists so callers can express
// intent and so a future transport can be added without an API break.
func WithClientTransport(transport string) ClientOption {
	return func(c *Client) { c.opts.Transport = transport }
}

// WithClientWorkspaceFolders sets the workspace root paths handed to
// adapters during initialization.
func WithClientWorkspaceFolders(folders ...string) ClientOption {
	return func(c *Client) { c.opts.WorkspaceFolders = append([]string{}, folders...) }
}

// WithClientMetadata attaches opaque metadata retrievable by adapters.
func WithClientMetadata(meta map[string]any) ClientOption {
	return func(c *Client) { c.opts.Metadata = meta }
}

// WithUnhandledServerRequestHandler registers the fallback used to answer
// a server-initiated request matching none of AdapterContext's built-ins.
func WithUnhandledServerRequestHandler(fn UnhandledServerRequestHandler) ClientOption {
	return func(c *Client) { c.unhandled = fn }
}

// Client is the host-facing entry point: it owns the document store, the
// adapter registry, the router, the workspace-edit engine, and the event
// bus, and exposes the hub's full operation surface to the host.
type Client struct {
	logger *zap.Logger
	opts   ClientOptions

	store    *docstore.Store
	bus      *eventbus.Bus
	registry *Registry
	router   *Router
	engine   *WorkspaceEditEngine

	unhandled UnhandledServerRequestHandler

	disposed atomic.Bool
}

// NewClient constructs a Client. Transport defaults to "stdio" when unset.
func NewClient(opts ...ClientOption) (*Client, error) {
	c := &Client{
		logger: zap.NewNop(),
		opts:   ClientOptions{Transport: "stdio"},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.opts.Transport == "" {
		c.opts.Transport = "stdio"
	}

	c.store = docstore.NewStore()
	c.bus = eventbus.NewBus(eventbus.WithLogger(c.logger.With(zap.String("component", "eventbus"))))
	c.registry = NewRegistry(
		WithRegistryLogger(c.logger.With(zap.String("component", "registry"))),
		WithAdapterErrorSink(c.publishAdapterError),
	)
	c.engine = newWorkspaceEditEngine(c.store, c.registry)
	c.router = newRouter(c.registry, c.store, c.newRequestContext)

	return c, nil
}

func (c *Client) publishAdapterError(languageID, operation string, err error) {
	c.bus.PublishAdapterError(eventbus.AdapterErrorEvent{
		LanguageID: languageID,
		Operation:  operation,
		Err:        err,
	})
}

func (c *Client) newRequestContext(languageID string) *RequestContext {
	return &RequestContext{
		LanguageID:       languageID,
		Options:          c.opts,
		WorkspaceFolders: append([]string{}, c.opts.WorkspaceFolders...),
		getDocument: func(uri string) (Document, bool) {
			normalized, err := docstore.Normalize(uri)
			if err != nil {
				return Document{}, false
			}
			doc, ok := c.store.Get(normalized)
			if !ok {
				return Document{}, false
			}
			return fromDocstoreDocument(doc), true
		},
	}
}

func (c *Client) checkDisposed() error {
	if c.disposed.Load() {
		return newError(KindClientDisposed, "client has been disposed")
	}
	return nil
}

// RegisterLanguage registers a new adapter under cfg.LanguageID, running
// its Initialize function (if any) to completion before returning.
func (c *Client) RegisterLanguage(ctx context.Context, cfg AdapterConfig) (*Record, error) {
	if err := c.checkDisposed(); err != nil {
		return nil, err
	}
	return c.registry.RegisterLanguage(ctx, cfg, func(rec *Record) *AdapterContext {
		return newAdapterContext(cfg.LanguageID, rec, c.store, c.bus, c.engine, c.opts.WorkspaceFolders, c.unhandled)
	})
}

// UnregisterLanguage tears down one adapter: drains its queue, runs its
// disposables and Dispose handler.
func (c *Client) UnregisterLanguage(ctx context.Context, languageID string) error {
	if err := c.checkDisposed(); err != nil {
		return err
	}
	return c.registry.UnregisterLanguage(ctx, languageID)
}

// Open registers a newly opened document and notifies its owning adapter.
func (c *Client) Open(ctx context.Context, uri, languageID, text string, version int32) (Document, error) {
	if err := c.checkDisposed(); err != nil {
		return Document{}, err
	}

	normalized, err := docstore.Normalize(uri)
	if err != nil {
		return Document{}, wrapError(KindInvalidURI, err, "invalid uri %q", uri)
	}
	if !c.registry.Has(languageID) {
		return Document{}, newError(KindUnknownLanguage, "language %q is not registered", languageID)
	}

	doc, err := c.store.Open(normalized, languageID, text, version)
	if err != nil {
		return Document{}, wrapError(KindInvalidOptions, err, "open failed")
	}

	_ = c.registry.DispatchOrEnqueueSync(ctx, languageID, OpOpenDocument, OpenPayload{
		URI: doc.URI, LanguageID: doc.LanguageID, Text: doc.Text, Version: doc.Version,
	})
	return fromDocstoreDocument(doc), nil
}

// Update applies a batch of content changes to an open document and
// bumps its version.
func (c *Client) Update(ctx context.Context, uri string, version int32, changes []Change) (Document, error) {
	if err := c.checkDisposed(); err != nil {
		return Document{}, err
	}

	normalized, err := docstore.Normalize(uri)
	if err != nil {
		return Document{}, wrapError(KindInvalidURI, err, "invalid uri %q", uri)
	}

	before, ok := c.store.Get(normalized)
	if !ok {
		return Document{}, newError(KindDocumentNotOpen, "document %q is not open", normalized)
	}

	edits := make([]docstore.RangedEdit, len(changes))
	for i, ch := range changes {
		edits[i] = toDocstoreEdit(ch)
	}

	doc, err := c.store.Update(normalized, version, edits)
	if err != nil {
		return Document{}, wrapError(KindInvalidVersion, err, "update failed")
	}

	forwarded := changes
	if len(forwarded) == 0 {
		forwarded = []Change{{Text: doc.Text}}
	}
	_ = c.registry.DispatchOrEnqueueSync(ctx, before.LanguageID, OpUpdateDocument, UpdatePayload{
		URI: doc.URI, Version: doc.Version, Text: doc.Text, Changes: forwarded,
	})
	return fromDocstoreDocument(doc), nil
}

// Close removes a tracked document and notifies its owning adapter. A
// no-op if the URI is not open.
func (c *Client) Close(ctx context.Context, uri string) error {
	if err := c.checkDisposed(); err != nil {
		return err
	}

	normalized, err := docstore.Normalize(uri)
	if err != nil {
		return wrapError(KindInvalidURI, err, "invalid uri %q", uri)
	}

	doc, ok := c.store.Get(normalized)
	if !ok {
		return nil
	}
	if err := c.store.Close(normalized); err != nil {
		return wrapError(KindInvalidOptions, err, "close failed")
	}

	_ = c.registry.DispatchOrEnqueueSync(ctx, doc.LanguageID, OpCloseDocument, ClosePayload{URI: normalized})
	return nil
}

// Feature request operations. Each resolves its adapter via the router
// and dispatches to the corresponding handler name.
const (
	OpCompletions        = "completions"
	OpHover              = "hover"
	OpDefinition         = "definition"
	OpReferences         = "references"
	OpCodeActions        = "codeActions"
	OpDocumentHighlights = "documentHighlights"
	OpDocumentSymbols    = "documentSymbols"
	OpRenameSymbol       = "renameSymbol"
	OpFormatDocument     = "formatDocument"
	OpFormatRange        = "formatRange"
)

func (c *Client) feature(ctx context.Context, op string, params any) (any, error) {
	if err := c.checkDisposed(); err != nil {
		return nil, err
	}
	return c.router.Dispatch(ctx, op, params)
}

// GetCompletions resolves an adapter for params and invokes its
// "completions" handler.
func (c *Client) GetCompletions(ctx context.Context, params any) (any, error) {
	return c.feature(ctx, OpCompletions, params)
}

// GetHover resolves an adapter for params and invokes its "hover" handler.
func (c *Client) GetHover(ctx context.Context, params any) (any, error) {
	return c.feature(ctx, OpHover, params)
}

// GetDefinition resolves an adapter for params and invokes its
// "definition" handler.
func (c *Client) GetDefinition(ctx context.Context, params any) (any, error) {
	return c.feature(ctx, OpDefinition, params)
}

// GetReferences resolves an adapter for params and invokes its
// "references" handler.
func (c *Client) GetReferences(ctx context.Context, params any) (any, error) {
	return c.feature(ctx, OpReferences, params)
}

// GetCodeActions resolves an adapter for params and invokes its
// "codeActions" handler.
func (c *Client) GetCodeActions(ctx context.Context, params any) (any, error) {
	return c.feature(ctx, OpCodeActions, params)
}

// GetDocumentHighlights resolves an adapter for params and invokes its
// "documentHighlights" handler.
func (c *Client) GetDocumentHighlights(ctx context.Context, params any) (any, error) {
	return c.feature(ctx, OpDocumentHighlights, params)
}

// GetDocumentSymbols resolves an adapter for params and invokes its
// "documentSymbols" handler.
func (c *Client) GetDocumentSymbols(ctx context.Context, params any) (any, error) {
	return c.feature(ctx, OpDocumentSymbols, params)
}

// RenameSymbol resolves an adapter for params and invokes its
// "renameSymbol" handler.
func (c *Client) RenameSymbol(ctx context.Context, params any) (any, error) {
	return c.feature(ctx, OpRenameSymbol, params)
}

// FormatDocument resolves an adapter for params and invokes its
// "formatDocument" handler.
func (c *Client) FormatDocument(ctx context.Context, params any) (any, error) {
	return c.feature(ctx, OpFormatDocument, params)
}

// FormatRange resolves an adapter for params and invokes its
// "formatRange" handler.
func (c *Client) FormatRange(ctx context.Context, params any) (any, error) {
	return c.feature(ctx, OpFormatRange, params)
}

// SendRequest is the escape hatch for methods this client does not model
// directly. With ≥2 adapters registered, params must carry an explicit
// languageId or a recognized URI for the router to resolve an adapter.
func (c *Client) SendRequest(ctx context.Context, method string, params any) (any, error) {
	if err := c.checkDisposed(); err != nil {
		return nil, err
	}
	return c.router.Dispatch(ctx, method, params)
}

// SendRequestTo bypasses routing inference and targets languageID
// directly.
func (c *Client) SendRequestTo(ctx context.Context, languageID, method string, params any) (any, error) {
	if err := c.checkDisposed(); err != nil {
		return nil, err
	}
	return c.router.DispatchExplicit(ctx, languageID, method, params)
}

// SendNotification is the fire-and-forget escape hatch. Adapter errors
// from the handler are reported through the adapter-error channel and do
// not propagate to the caller.
func (c *Client) SendNotification(ctx context.Context, method string, params any) error {
	if err := c.checkDisposed(); err != nil {
		return err
	}
	rec, err := c.router.Resolve(params)
	if err != nil {
		return err
	}
	ready, err := c.registry.RequireReady(rec.LanguageID)
	if err != nil {
		return err
	}
	h, ok := ready.handler(method)
	if !ok {
		return newError(KindFeatureUnsupported, "adapter %q does not implement %q", ready.LanguageID, method)
	}
	if _, err := h(ctx, params, c.newRequestContext(ready.LanguageID)); err != nil {
		c.publishAdapterError(ready.LanguageID, method, err)
	}
	return nil
}

// ApplyWorkspaceEdit applies a multi-file edit package.
func (c *Client) ApplyWorkspaceEdit(ctx context.Context, edit WorkspaceEdit) (ApplyResult, error) {
	if err := c.checkDisposed(); err != nil {
		return ApplyResult{}, err
	}
	return c.engine.Apply(ctx, edit), nil
}

// OnDiagnostics subscribes to diagnostics reports. If uri is non-empty,
// the listener only fires for that document.
func (c *Client) OnDiagnostics(uri string, listener func(languageID, docURI string, diagnostics []Diagnostic)) *eventbus.Subscription {
	var filterURI string
	if uri != "" {
		if normalized, err := docstore.Normalize(uri); err == nil {
			filterURI = normalized
		} else {
			filterURI = uri
		}
	}
	return c.bus.SubscribeDiagnostics(func(evt eventbus.DiagnosticsEvent) {
		if filterURI != "" && evt.URI != filterURI {
			return
		}
		listener(evt.LanguageID, evt.URI, fromEventbusDiagnostics(evt.Diagnostics))
	})
}

func fromEventbusDiagnostics(in []eventbus.Diagnostic) []Diagnostic {
	out := make([]Diagnostic, len(in))
	for i, d := range in {
		out[i] = Diagnostic{
			Range: Range{
				Start: Position{Line: d.Range.StartLine, Character: d.Range.StartCharacter},
				End:   Position{Line: d.Range.EndLine, Character: d.Range.EndCharacter},
			},
			Severity: d.Severity,
			Code:     d.Code,
			Source:   d.Source,
			Message:  d.Message,
		}
	}
	return out
}

// OnWorkspaceEvent subscribes to workspace-level events. If kind is
// non-empty, the listener only fires for events of that kind.
func (c *Client) OnWorkspaceEvent(kind string, listener func(languageID, eventKind string, payload any)) *eventbus.Subscription {
	return c.bus.SubscribeWorkspaceEvents(func(evt eventbus.WorkspaceEvent) {
		if kind != "" && evt.Method != kind {
			return
		}
		listener(evt.LanguageID, evt.Method, evt.Params)
	})
}

// OnNotification subscribes to server notifications not otherwise
// modeled. If method is non-empty, the listener only fires for that
// method.
func (c *Client) OnNotification(method string, listener func(languageID, notificationMethod string, payload any)) *eventbus.Subscription {
	return c.bus.SubscribeNotifications(func(evt eventbus.NotificationEvent) {
		if method != "" && evt.Method != method {
			return
		}
		listener(evt.LanguageID, evt.Method, evt.Params)
	})
}

// OnError subscribes to adapter errors.
func (c *Client) OnError(listener func(languageID, operation string, err error)) *eventbus.Subscription {
	return c.bus.SubscribeAdapterErrors(func(evt eventbus.AdapterErrorEvent) {
		listener(evt.LanguageID, evt.Operation, evt.Err)
	})
}

// Dispose tears down every adapter: its queue, disposables and Dispose
// handler. Subscriptions made through the On* methods are not cancelled.
// Subsequent calls to any operation fail with ClientDisposed; Dispose
// itself is idempotent.
func (c *Client) Dispose(ctx context.Context) error {
	if c.disposed.Swap(true) {
		return nil
	}
	c.registry.DisposeAll(ctx)
	return nil
}

// IsDisposed reports whether Dispose has run.
func (c *Client) IsDisposed() bool { return c.disposed.Load() }
