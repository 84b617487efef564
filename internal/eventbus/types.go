// Package eventbus fans out the four event streams a multiplexing LSP hub
// exposes to its host: diagnostics, workspace events, passthrough
// notifications, and adapter errors. It implements C7 of the hub design.
package eventbus

// DiagnosticsEvent carries a fresh diagnostics report for one document, as
// published by exactly one adapter (the one owning the document's
// language).
type DiagnosticsEvent struct {
	LanguageID  string
	URI         string
	Version     *int32
	Diagnostics []Diagnostic
}

// Diagnostic is a transport-agnostic mirror of the LSP Diagnostic shape,
// kept local to eventbus so this package does not need to import the wire
// protocol types.
type Diagnostic struct {
	Range    Range
	Severity int
	Code     any
	Source   string
	Message  string
}

// Range is a zero-based line/character span, matching docstore.Range's
// shape without importing it.
type Range struct {
	StartLine, StartCharacter int
	EndLine, EndCharacter     int
}

// WorkspaceEvent carries a server-initiated workspace-level notification an
// adapter chose to surface to the host (e.g. workspace/configuration
// pushes it originated, or progress notifications), rather than a document
// diagnostic.
type WorkspaceEvent struct {
	LanguageID string
	Method     string
	Params     any
}

// NotificationEvent is the escape-hatch passthrough for any server
// notification method the hub does not model directly, delivered through
// the client's onNotification surface.
type NotificationEvent struct {
	LanguageID string
	Method     string
	Params     any
}

// AdapterErrorEvent reports a failure attributable to one adapter that did
// not have a more specific delivery path: a failed initialize, a crashed
// child process, a queued document-sync operation that could not be
// flushed, or a request that errored after the fact.
type AdapterErrorEvent struct {
	LanguageID string
	Operation  string
	Err        error
}

func cloneDiagnostics(in []Diagnostic) []Diagnostic {
	out := make([]Diagnostic, len(in))
	copy(out, in)
	return out
}
