package polyclient

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.lsp.dev/protocol"
	lspuri "go.lsp.dev/uri"
	"go.uber.org/zap"

	"github.com/polyclient/lsphub/internal/rpcconn"
)

// BackendConfig describes how to spawn and drive a child-process language
// server.
type BackendConfig struct {
	// Command and Args launch the server in stdio mode.
	Command string
	Args    []string
	Env     map[string]string
	WorkDir string

	// InitializationOptions is sent verbatim as initialize's
	// initializationOptions field.
	InitializationOptions any

	// RequestTimeout bounds every request sent to the child; zero means no
	// deadline beyond ctx's own.
	RequestTimeout time.Duration

	Logger *zap.Logger
}

// NewBackendAdapter builds an AdapterConfig that drives a real child-process
// language server for languageID: spawn, the initialize/initialized
// handshake, document-sync emission shaped by the negotiated sync kind,
// server-initiated request handling, and shutdown.
func NewBackendAdapter(languageID string, cfg BackendConfig) AdapterConfig {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	ba := &backendAdapter{languageID: languageID, cfg: cfg}

	return AdapterConfig{
		LanguageID:  languageID,
		DisplayName: cfg.Command,
		Initialize:  ba.initialize,
		Dispose:     ba.shutdown,
		Handlers: map[string]OperationHandler{
			OpOpenDocument:       ba.handleOpenDocument,
			OpUpdateDocument:     ba.handleUpdateDocument,
			OpCloseDocument:      ba.handleCloseDocument,
			OpCompletions:        ba.handleCompletions,
			OpHover:              ba.handleHover,
			OpDefinition:         ba.handleDefinition,
			OpReferences:         ba.handleReferences,
			OpCodeActions:        ba.handleCodeActions,
			OpDocumentHighlights: ba.handleDocumentHighlights,
			OpDocumentSymbols:    ba.handleDocumentSymbols,
			OpRenameSymbol:       ba.handleRenameSymbol,
			OpFormatDocument:     ba.handleFormatDocument,
			OpFormatRange:        ba.handleFormatRange,
		},
	}
}

// backendAdapter holds the one child process, one connection, and the
// negotiated sync options a real backend needs to speak to its server.
type backendAdapter struct {
	languageID string
	cfg        BackendConfig

	mu   sync.Mutex
	cmd  *exec.Cmd
	conn *rpcconn.Conn

	openClose bool
	syncKind  protocol.TextDocumentSyncKind
}

func (ba *backendAdapter) initialize(ctx context.Context, actx *AdapterContext) error {
	cmd := exec.CommandContext(ctx, ba.cfg.Command, ba.cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range ba.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if ba.cfg.WorkDir != "" {
		cmd.Dir = ba.cfg.WorkDir
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return wrapError(KindInvalidAdapter, err, "backend %q: stdin pipe", ba.languageID)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return wrapError(KindInvalidAdapter, err, "backend %q: stdout pipe", ba.languageID)
	}
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return wrapError(KindInvalidAdapter, err, "backend %q: start process", ba.languageID)
	}

	conn := rpcconn.NewConn(stdout, stdin, stdin,
		rpcconn.WithLogger(ba.cfg.Logger.With(zap.String("component", "backend"), zap.String("languageId", ba.languageID))),
	)
	conn.OnNotification(func(method string, params json.RawMessage) {
		ba.handleServerNotification(actx, method, params)
	})
	conn.OnRequest(func(ctx context.Context, method string, params json.RawMessage) (any, *rpcconn.RPCError) {
		return ba.handleServerRequest(ctx, actx, method, params)
	})
	conn.Start(ctx)

	ba.mu.Lock()
	ba.cmd = cmd
	ba.conn = conn
	ba.mu.Unlock()

	if err := ba.performHandshake(ctx, actx); err != nil {
		_ = conn.Close()
		_ = cmd.Process.Kill()
		return err
	}

	return nil
}

func (ba *backendAdapter) performHandshake(ctx context.Context, actx *AdapterContext) error {
	var folders []protocol.WorkspaceFolder
	for _, f := range actx.WorkspaceFolders() {
		uri := string(lspuri.File(f))
		folders = append(folders, protocol.WorkspaceFolder{URI: uri, Name: f})
	}

	var rootURI protocol.DocumentURI
	if len(folders) > 0 {
		rootURI = protocol.DocumentURI(folders[0].URI)
	}
	pid := int32(os.Getpid())

	params := &protocol.InitializeParams{
		ProcessID:             pid,
		RootURI:               rootURI,
		Capabilities:          protocol.ClientCapabilities{},
		InitializationOptions: ba.cfg.InitializationOptions,
		WorkspaceFolders:      folders,
	}

	rawResult, err := ba.conn.SendRequest(ctx, "initialize", params, ba.cfg.RequestTimeout)
	if err != nil {
		return wrapError(KindInvalidAdapter, err, "backend %q: initialize request", ba.languageID)
	}

	var result protocol.InitializeResult
	if err := json.Unmarshal(rawResult, &result); err != nil {
		return wrapError(KindInvalidAdapter, err, "backend %q: decode initialize result", ba.languageID)
	}

	ba.negotiateSync(result.Capabilities.TextDocumentSync)
	actx.SetServerCapabilities(&result.Capabilities)

	if err := ba.conn.SendNotification("initialized", &protocol.InitializedParams{}); err != nil {
		return wrapError(KindInvalidAdapter, err, "backend %q: initialized notification", ba.languageID)
	}

	return nil
}

// negotiateSync reads the server's advertised text-document-sync capability,
// which may arrive as a bare TextDocumentSyncKind enum or as a full
// TextDocumentSyncOptions struct. Absent either, the default is incremental
// sync with open/close notifications and no will-save.
func (ba *backendAdapter) negotiateSync(raw any) {
	ba.mu.Lock()
	defer ba.mu.Unlock()

	ba.openClose = true
	ba.syncKind = protocol.TextDocumentSyncKindIncremental

	switch v := raw.(type) {
	case nil:
		return
	case float64:
		ba.syncKind = protocol.TextDocumentSyncKind(int(v))
	case map[string]any:
		if oc, ok := v["openClose"].(bool); ok {
			ba.openClose = oc
		}
		if change, ok := v["change"].(float64); ok {
			ba.syncKind = protocol.TextDocumentSyncKind(int(change))
		}
	}
}

func (ba *backendAdapter) snapshotSync() (openClose bool, kind protocol.TextDocumentSyncKind, conn *rpcconn.Conn) {
	ba.mu.Lock()
	defer ba.mu.Unlock()
	return ba.openClose, ba.syncKind, ba.conn
}

// --- document sync ---

func (ba *backendAdapter) handleOpenDocument(ctx context.Context, params any, _ *RequestContext) (any, error) {
	p, ok := params.(OpenPayload)
	if !ok {
		return nil, newError(KindInvalidOptions, "openDocument requires an OpenPayload")
	}
	openClose, _, conn := ba.snapshotSync()
	if !openClose || conn == nil {
		return nil, nil
	}
	return nil, conn.SendNotification("textDocument/didOpen", &protocol.DidOpenTextDocumentParams{
		TextDocument: protocol.TextDocumentItem{
			URI:        protocol.DocumentURI(p.URI),
			LanguageID: protocol.LanguageIdentifier(p.LanguageID),
			Version:    p.Version,
			Text:       p.Text,
		},
	})
}

func (ba *backendAdapter) handleUpdateDocument(ctx context.Context, params any, _ *RequestContext) (any, error) {
	p, ok := params.(UpdatePayload)
	if !ok {
		return nil, newError(KindInvalidOptions, "updateDocument requires an UpdatePayload")
	}
	_, kind, conn := ba.snapshotSync()
	if conn == nil {
		return nil, nil
	}

	var contentChanges []protocol.TextDocumentContentChangeEvent
	switch kind {
	case protocol.TextDocumentSyncKindNone:
		return nil, nil
	case protocol.TextDocumentSyncKindFull:
		contentChanges = []protocol.TextDocumentContentChangeEvent{{Text: p.Text}}
	default: // incremental
		if len(p.Changes) == 0 {
			contentChanges = []protocol.TextDocumentContentChangeEvent{{Text: p.Text}}
		} else {
			for _, ch := range p.Changes {
				contentChanges = append(contentChanges, toProtocolContentChange(ch))
			}
		}
	}

	return nil, conn.SendNotification("textDocument/didChange", &protocol.DidChangeTextDocumentParams{
		TextDocument: protocol.VersionedTextDocumentIdentifier{
			TextDocumentIdentifier: protocol.TextDocumentIdentifier{URI: protocol.DocumentURI(p.URI)},
			Version:                p.Version,
		},
		ContentChanges: contentChanges,
	})
}

func (ba *backendAdapter) handleCloseDocument(ctx context.Context, params any, _ *RequestContext) (any, error) {
	p, ok := params.(ClosePayload)
	if !ok {
		return nil, newError(KindInvalidOptions, "closeDocument requires a ClosePayload")
	}
	openClose, _, conn := ba.snapshotSync()
	if !openClose || conn == nil {
		return nil, nil
	}
	return nil, conn.SendNotification("textDocument/didClose", &protocol.DidCloseTextDocumentParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: protocol.DocumentURI(p.URI)},
	})
}

func toProtocolContentChange(c Change) protocol.TextDocumentContentChangeEvent {
	if c.Range == nil {
		return protocol.TextDocumentContentChangeEvent{Text: c.Text}
	}
	rng := toProtocolRange(*c.Range)
	return protocol.TextDocumentContentChangeEvent{Range: rng, Text: c.Text}
}

func toProtocolRange(r Range) protocol.Range {
	return protocol.Range{
		Start: protocol.Position{Line: uint32(r.Start.Line), Character: uint32(r.Start.Character)},
		End:   protocol.Position{Line: uint32(r.End.Line), Character: uint32(r.End.Character)},
	}
}

// --- feature requests ---

func (ba *backendAdapter) call(ctx context.Context, method string, params any, out any) error {
	_, _, conn := ba.snapshotSync()
	if conn == nil {
		return newError(KindLanguageNotReady, "backend %q: not connected", ba.languageID)
	}
	raw, err := conn.SendRequest(ctx, method, params, ba.cfg.RequestTimeout)
	if err != nil {
		return wrapError(KindTimeout, err, "backend %q: %s", ba.languageID, method)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func (ba *backendAdapter) handleCompletions(ctx context.Context, params any, rc *RequestContext) (any, error) {
	req, ok := params.(protocol.CompletionParams)
	if !ok {
		return nil, newError(KindInvalidOptions, "completions requires a protocol.CompletionParams")
	}
	var result protocol.CompletionList
	if err := ba.call(ctx, "textDocument/completion", &req, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (ba *backendAdapter) handleHover(ctx context.Context, params any, rc *RequestContext) (any, error) {
	req, ok := params.(protocol.HoverParams)
	if !ok {
		return nil, newError(KindInvalidOptions, "hover requires a protocol.HoverParams")
	}
	var result protocol.Hover
	if err := ba.call(ctx, "textDocument/hover", &req, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (ba *backendAdapter) handleDefinition(ctx context.Context, params any, rc *RequestContext) (any, error) {
	req, ok := params.(protocol.DefinitionParams)
	if !ok {
		return nil, newError(KindInvalidOptions, "definition requires a protocol.DefinitionParams")
	}
	var result []protocol.Location
	if err := ba.call(ctx, "textDocument/definition", &req, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (ba *backendAdapter) handleReferences(ctx context.Context, params any, rc *RequestContext) (any, error) {
	req, ok := params.(protocol.ReferenceParams)
	if !ok {
		return nil, newError(KindInvalidOptions, "references requires a protocol.ReferenceParams")
	}
	var result []protocol.Location
	if err := ba.call(ctx, "textDocument/references", &req, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (ba *backendAdapter) handleCodeActions(ctx context.Context, params any, rc *RequestContext) (any, error) {
	req, ok := params.(protocol.CodeActionParams)
	if !ok {
		return nil, newError(KindInvalidOptions, "codeActions requires a protocol.CodeActionParams")
	}
	var result []protocol.CodeAction
	if err := ba.call(ctx, "textDocument/codeAction", &req, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (ba *backendAdapter) handleDocumentHighlights(ctx context.Context, params any, rc *RequestContext) (any, error) {
	req, ok := params.(protocol.DocumentHighlightParams)
	if !ok {
		return nil, newError(KindInvalidOptions, "documentHighlights requires a protocol.DocumentHighlightParams")
	}
	var result []protocol.DocumentHighlight
	if err := ba.call(ctx, "textDocument/documentHighlight", &req, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (ba *backendAdapter) handleDocumentSymbols(ctx context.Context, params any, rc *RequestContext) (any, error) {
	req, ok := params.(protocol.DocumentSymbolParams)
	if !ok {
		return nil, newError(KindInvalidOptions, "documentSymbols requires a protocol.DocumentSymbolParams")
	}
	var result []protocol.DocumentSymbol
	if err := ba.call(ctx, "textDocument/documentSymbol", &req, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (ba *backendAdapter) handleRenameSymbol(ctx context.Context, params any, rc *RequestContext) (any, error) {
	req, ok := params.(protocol.RenameParams)
	if !ok {
		return nil, newError(KindInvalidOptions, "renameSymbol requires a protocol.RenameParams")
	}
	var result protocol.WorkspaceEdit
	if err := ba.call(ctx, "textDocument/rename", &req, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (ba *backendAdapter) handleFormatDocument(ctx context.Context, params any, rc *RequestContext) (any, error) {
	req, ok := params.(protocol.DocumentFormattingParams)
	if !ok {
		return nil, newError(KindInvalidOptions, "formatDocument requires a protocol.DocumentFormattingParams")
	}
	var result []protocol.TextEdit
	if err := ba.call(ctx, "textDocument/formatting", &req, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (ba *backendAdapter) handleFormatRange(ctx context.Context, params any, rc *RequestContext) (any, error) {
	req, ok := params.(protocol.DocumentRangeFormattingParams)
	if !ok {
		return nil, newError(KindInvalidOptions, "formatRange requires a protocol.DocumentRangeFormattingParams")
	}
	var result []protocol.TextEdit
	if err := ba.call(ctx, "textDocument/rangeFormatting", &req, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// --- server-initiated traffic ---

func (ba *backendAdapter) handleServerNotification(actx *AdapterContext, method string, params json.RawMessage) {
	switch method {
	case "textDocument/publishDiagnostics":
		var p protocol.PublishDiagnosticsParams
		if err := json.Unmarshal(params, &p); err != nil {
			return
		}
		actx.PublishDiagnostics(string(p.URI), fromProtocolDiagnostics(p.Diagnostics))
	case "window/logMessage", "window/showMessage", "$/progress":
		actx.NotifyClient(method, json.RawMessage(params))
	default:
		actx.NotifyClient(method, json.RawMessage(params))
	}
}

func fromProtocolDiagnostics(in []protocol.Diagnostic) []Diagnostic {
	out := make([]Diagnostic, len(in))
	for i, d := range in {
		out[i] = Diagnostic{
			Range: Range{
				Start: Position{Line: int(d.Range.Start.Line), Character: int(d.Range.Start.Character)},
				End:   Position{Line: int(d.Range.End.Line), Character: int(d.Range.End.Character)},
			},
			Severity: int(d.Severity),
			Code:     d.Code,
			Source:   d.Source,
			Message:  d.Message,
		}
	}
	return out
}

func (ba *backendAdapter) handleServerRequest(ctx context.Context, actx *AdapterContext, method string, params json.RawMessage) (any, *rpcconn.RPCError) {
	switch method {
	case "workspace/applyEdit":
		var p struct {
			Edit protocol.WorkspaceEdit `json:"edit"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &rpcconn.RPCError{Code: rpcconn.CodeInvalidParams, Message: err.Error()}
		}
		var rawEdit struct {
			Edit struct {
				DocumentChanges json.RawMessage `json:"documentChanges"`
			} `json:"edit"`
		}
		_ = json.Unmarshal(params, &rawEdit)
		edit := fromProtocolWorkspaceEdit(p.Edit, rawEdit.Edit.DocumentChanges)
		result, err := actx.HandleServerRequest(ctx, "workspace/applyEdit", ApplyEditRequest{Edit: edit})
		if err != nil {
			return nil, &rpcconn.RPCError{Code: rpcconn.CodeInternalError, Message: err.Error()}
		}
		resp, _ := result.(ApplyEditResponse)
		return map[string]any{"applied": resp.Applied, "failureReason": resp.FailureReason, "failedChange": resp.FailedChange}, nil

	default:
		var raw any
		if len(params) > 0 {
			_ = json.Unmarshal(params, &raw)
		}
		result, err := actx.HandleServerRequest(ctx, method, raw)
		if err != nil {
			return nil, &rpcconn.RPCError{Code: rpcconn.CodeInternalError, Message: err.Error()}
		}
		return result, nil
	}
}

// documentChangeProbe decodes one element of a workspace/applyEdit
// request's raw documentChanges array into whichever shape it actually
// carries. go.lsp.dev/protocol's typed WorkspaceEdit does not expose the
// create/rename/delete union documentChanges can carry, so this package
// decodes that member itself, directly off the wire, the same way
// router.go's routingProbe pulls untyped fields out of arbitrary params.
type documentChangeProbe struct {
	Kind         string `json:"kind"`
	OldURI       string `json:"oldUri"`
	NewURI       string `json:"newUri"`
	TextDocument struct {
		URI     string `json:"uri"`
		Version *int32 `json:"version"`
	} `json:"textDocument"`
	Edits []struct {
		Range struct {
			Start struct{ Line, Character int } `json:"start"`
			End   struct{ Line, Character int } `json:"end"`
		} `json:"range"`
		NewText string `json:"newText"`
	} `json:"edits"`
}

// fromProtocolWorkspaceEdit converts go.lsp.dev/protocol's wire-shaped
// WorkspaceEdit into the domain WorkspaceEdit this package's engine
// understands. changes is read from the typed in.Changes; documentChanges
// is read from rawDocumentChanges, the untouched wire bytes of the edit's
// "documentChanges" member, and converted entry by entry into either a
// TextDocumentEdit or a rename/create/delete FileOperation. A malformed
// or unrecognized entry is skipped rather than failing the whole edit.
func fromProtocolWorkspaceEdit(in protocol.WorkspaceEdit, rawDocumentChanges json.RawMessage) WorkspaceEdit {
	out := WorkspaceEdit{}
	if len(in.Changes) > 0 {
		out.Changes = make(map[string][]TextEdit, len(in.Changes))
		for uri, edits := range in.Changes {
			te := make([]TextEdit, len(edits))
			for i, e := range edits {
				rng := Range{
					Start: Position{Line: int(e.Range.Start.Line), Character: int(e.Range.Start.Character)},
					End:   Position{Line: int(e.Range.End.Line), Character: int(e.Range.End.Character)},
				}
				te[i] = TextEdit{Range: &rng, NewText: e.NewText}
			}
			out.Changes[string(uri)] = te
		}
	}

	if len(rawDocumentChanges) == 0 {
		return out
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(rawDocumentChanges, &entries); err != nil {
		return out
	}
	for _, entry := range entries {
		var p documentChangeProbe
		if err := json.Unmarshal(entry, &p); err != nil {
			continue
		}
		switch {
		case p.Kind == "rename" && p.OldURI != "" && p.NewURI != "":
			out.DocumentChanges = append(out.DocumentChanges, DocumentChange{
				File: &FileOperation{Kind: FileOpRename, OldURI: p.OldURI, NewURI: p.NewURI},
			})
		case p.Kind == "create" && p.NewURI != "":
			out.DocumentChanges = append(out.DocumentChanges, DocumentChange{
				File: &FileOperation{Kind: FileOpCreate, NewURI: p.NewURI},
			})
		case p.Kind == "delete" && p.OldURI != "":
			out.DocumentChanges = append(out.DocumentChanges, DocumentChange{
				File: &FileOperation{Kind: FileOpDelete, OldURI: p.OldURI},
			})
		case p.TextDocument.URI != "" && len(p.Edits) > 0:
			edits := make([]TextEdit, len(p.Edits))
			for i, e := range p.Edits {
				rng := Range{
					Start: Position{Line: e.Range.Start.Line, Character: e.Range.Start.Character},
					End:   Position{Line: e.Range.End.Line, Character: e.Range.End.Character},
				}
				edits[i] = TextEdit{Range: &rng, NewText: e.NewText}
			}
			var version int32
			if p.TextDocument.Version != nil {
				version = *p.TextDocument.Version
			}
			out.DocumentChanges = append(out.DocumentChanges, DocumentChange{
				Edit: &TextDocumentEdit{URI: p.TextDocument.URI, Version: version, Edits: edits},
			})
		}
	}
	return out
}

// --- shutdown ---

func (ba *backendAdapter) shutdown(ctx context.Context) error {
	ba.mu.Lock()
	conn := ba.conn
	cmd := ba.cmd
	ba.mu.Unlock()

	if conn == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, _ = conn.SendRequest(shutdownCtx, "shutdown", nil, 2*time.Second)
	_ = conn.SendNotification("exit", nil)

	_ = conn.Close()

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}
	return nil
}
