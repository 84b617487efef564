package polyclient

import (
	"context"

	"github.com/polyclient/lsphub/internal/docstore"
	"github.com/polyclient/lsphub/internal/eventbus"
)

// Diagnostic is a transport-agnostic diagnostic report for one document
// position span.
type Diagnostic struct {
	Range    Range
	Severity int
	Code     any
	Source   string
	Message  string
}

func toEventbusDiagnostics(in []Diagnostic) []eventbus.Diagnostic {
	out := make([]eventbus.Diagnostic, len(in))
	for i, d := range in {
		out[i] = eventbus.Diagnostic{
			Range: eventbus.Range{
				StartLine: d.Range.Start.Line, StartCharacter: d.Range.Start.Character,
				EndLine: d.Range.End.Line, EndCharacter: d.Range.End.Character,
			},
			Severity: d.Severity,
			Code:     d.Code,
			Source:   d.Source,
			Message:  d.Message,
		}
	}
	return out
}

// ApplyEditRequest is the domain-typed request passed to
// AdapterContext.HandleServerRequest for the built-in "workspace/applyEdit"
// method.
type ApplyEditRequest struct {
	Edit WorkspaceEdit
}

// ApplyEditResponse is the LSP-shaped answer to a workspace/applyEdit
// server request.
type ApplyEditResponse struct {
	Applied       bool
	FailureReason string
	FailedChange  *int
}

// ConfigurationRequest is the domain-typed request for the built-in
// "workspace/configuration" method: Items has one entry per requested
// configuration section.
type ConfigurationRequest struct {
	Items []any
}

// ShowMessageRequest is the domain-typed request for the built-in
// "window/showMessageRequest" method.
type ShowMessageRequest struct {
	Message string
	Actions []MessageAction
}

// MessageAction is one action a user could pick in response to a
// showMessageRequest.
type MessageAction struct {
	Title string
}

// UnhandledServerRequestHandler answers a server-initiated request whose
// method matches none of AdapterContext's built-ins. handled reports
// whether result should be used; when false, HandleServerRequest returns
// nil rather than an error. This dedicated hook exists because a plain
// notification handler cannot double as a request answerer, so unhandled
// request methods need a typed fallback, registered once per client.
type UnhandledServerRequestHandler func(method string, params any) (result any, handled bool)

// AdapterContext is handed to an adapter's Initialize function and closed
// over by its handlers, giving it access to the shared store, event bus,
// and workspace-edit engine, plus its own record for disposables.
type AdapterContext struct {
	languageID string
	record     *Record

	store  *docstore.Store
	bus    *eventbus.Bus
	engine *WorkspaceEditEngine

	workspaceFolders []string
	unhandled        UnhandledServerRequestHandler
}

func newAdapterContext(languageID string, rec *Record, store *docstore.Store, bus *eventbus.Bus, engine *WorkspaceEditEngine, workspaceFolders []string, unhandled UnhandledServerRequestHandler) *AdapterContext {
	return &AdapterContext{
		languageID:       languageID,
		record:           rec,
		store:            store,
		bus:              bus,
		engine:           engine,
		workspaceFolders: workspaceFolders,
		unhandled:        unhandled,
	}
}

// LanguageID returns the adapter's own languageId.
func (a *AdapterContext) LanguageID() string { return a.languageID }

// PublishDiagnostics routes a diagnostics report through the Event Bus.
func (a *AdapterContext) PublishDiagnostics(uri string, diagnostics []Diagnostic) {
	normalized, err := docstore.Normalize(uri)
	if err != nil {
		normalized = uri
	}
	a.bus.PublishDiagnostics(eventbus.DiagnosticsEvent{
		LanguageID:  a.languageID,
		URI:         normalized,
		Diagnostics: toEventbusDiagnostics(diagnostics),
	})
}

// EmitWorkspaceEvent routes a workspace-level event through the Event Bus.
func (a *AdapterContext) EmitWorkspaceEvent(kind string, payload any) {
	a.bus.PublishWorkspaceEvent(eventbus.WorkspaceEvent{
		LanguageID: a.languageID,
		Method:     kind,
		Params:     payload,
	})
}

// NotifyClient fans a server-originated notification (other than
// diagnostics) out to host subscribers.
func (a *AdapterContext) NotifyClient(method string, payload any) {
	a.bus.PublishNotification(eventbus.NotificationEvent{
		LanguageID: a.languageID,
		Method:     method,
		Params:     payload,
	})
}

// GetDocument returns a defensive copy of an open document, but only if it
// belongs to this adapter's language — the live store is never exposed
// and cross-language document access is not permitted.
func (a *AdapterContext) GetDocument(uri string) (Document, bool) {
	normalized, err := docstore.Normalize(uri)
	if err != nil {
		return Document{}, false
	}
	doc, ok := a.store.Get(normalized)
	if !ok || doc.LanguageID != a.languageID {
		return Document{}, false
	}
	return fromDocstoreDocument(doc), true
}

// ListDocuments returns a defensive copy of every open document belonging
// to this adapter's language.
func (a *AdapterContext) ListDocuments() []Document {
	all := a.store.List()
	out := make([]Document, 0, len(all))
	for _, d := range all {
		if d.LanguageID == a.languageID {
			out = append(out, fromDocstoreDocument(d))
		}
	}
	return out
}

// ApplyWorkspaceEdit gives an adapter direct access to C6.
func (a *AdapterContext) ApplyWorkspaceEdit(ctx context.Context, edit WorkspaceEdit) ApplyResult {
	return a.engine.Apply(ctx, edit)
}

// RegisterDisposable attaches a cleanup run once during unregistration.
func (a *AdapterContext) RegisterDisposable(fn func() error) {
	a.record.RegisterDisposable(fn)
}

// SetServerCapabilities stashes a real-backend adapter's negotiated server
// capabilities.
func (a *AdapterContext) SetServerCapabilities(caps any) {
	a.record.SetServerCapabilities(caps)
}

// ServerCapabilities returns whatever the adapter last stashed, or nil.
func (a *AdapterContext) ServerCapabilities() any {
	return a.record.ServerCapabilities()
}

// WorkspaceFolders returns the client's configured workspace folders.
func (a *AdapterContext) WorkspaceFolders() []string {
	out := make([]string, len(a.workspaceFolders))
	copy(out, a.workspaceFolders)
	return out
}

// HandleServerRequest answers a server-initiated request. A fixed set of
// built-in methods are handled directly; anything else is offered to the
// client's UnhandledServerRequestHandler, falling back to nil.
func (a *AdapterContext) HandleServerRequest(ctx context.Context, method string, params any) (any, error) {
	switch method {
	case "workspace/applyEdit":
		req, ok := params.(ApplyEditRequest)
		if !ok {
			return nil, newError(KindInvalidEdit, "workspace/applyEdit requires an ApplyEditRequest")
		}
		result := a.engine.Apply(ctx, req.Edit)
		return ApplyEditResponse{Applied: result.Applied, FailureReason: result.FailureReason, FailedChange: result.FailedChange}, nil

	case "workspace/configuration":
		req, _ := params.(ConfigurationRequest)
		out := make([]map[string]any, len(req.Items))
		for i := range out {
			out[i] = map[string]any{}
		}
		return out, nil

	case "workspace/workspaceFolders":
		return a.WorkspaceFolders(), nil

	case "window/showMessageRequest":
		req, ok := params.(ShowMessageRequest)
		if ok && len(req.Actions) > 0 {
			return req.Actions[0], nil
		}
		return nil, nil

	case "client/registerCapability", "client/unregisterCapability", "workspace/didChangeWorkspaceFolders":
		return nil, nil

	default:
		if a.unhandled != nil {
			if result, handled := a.unhandled(method, params); handled {
				return result, nil
			}
		}
		return nil, nil
	}
}

// RequestContext is handed to an adapter's handler on every routed
// operation: the resolved languageId, a snapshot of client options, the
// workspace folder list, and a defensive-copy document accessor.
type RequestContext struct {
	LanguageID       string
	Options          ClientOptions
	WorkspaceFolders []string

	getDocument func(uri string) (Document, bool)
}

// GetDocument returns a defensive copy of the document at uri, regardless
// of which adapter owns it — routed handlers may need to inspect a
// document outside their own language (e.g. cross-file navigation).
func (rc *RequestContext) GetDocument(uri string) (Document, bool) {
	return rc.getDocument(uri)
}
