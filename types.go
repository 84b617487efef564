package polyclient

import "github.com/polyclient/lsphub/internal/docstore"

// TextEdit is one range replacement within a document. Range is required:
// the workspace-edit engine records an edit with a nil Range as a failure.
type TextEdit struct {
	Range   *Range
	NewText string
}

// Range mirrors docstore.Range so callers of this package's public API
// never need to import the internal package directly.
type Range struct {
	Start Position
	End   Position
}

// Position is a zero-based line/UTF-16-code-unit coordinate.
type Position struct {
	Line      int
	Character int
}

func toDocstoreRange(r Range) docstore.Range {
	return docstore.Range{
		Start: docstore.Position{Line: r.Start.Line, Character: r.Start.Character},
		End:   docstore.Position{Line: r.End.Line, Character: r.End.Character},
	}
}

// Change is one content-change entry as delivered by an update call: a
// ranged replacement, or (Range nil) a full-text replacement.
type Change struct {
	Range   *Range
	Text    string
}

func toDocstoreEdit(c Change) docstore.RangedEdit {
	if c.Range == nil {
		return docstore.RangedEdit{NewText: c.Text}
	}
	rng := toDocstoreRange(*c.Range)
	return docstore.RangedEdit{Range: &rng, NewText: c.Text}
}

// OpenPayload is the structured payload passed to an adapter's
// "openDocument" handler.
type OpenPayload struct {
	URI        string
	LanguageID string
	Text       string
	Version    int32
}

// UpdatePayload is the structured payload passed to an adapter's
// "updateDocument" handler: the full resulting text plus either the
// supplied changes or a single full-text change.
type UpdatePayload struct {
	URI     string
	Version int32
	Text    string
	Changes []Change
}

// ClosePayload is the structured payload passed to an adapter's
// "closeDocument" handler.
type ClosePayload struct {
	URI string
}

// Document is a defensive copy of one open document, safe for the caller
// to retain and mutate without affecting the store.
type Document struct {
	URI        string
	LanguageID string
	Text       string
	Version    int32
}

func fromDocstoreDocument(d docstore.Document) Document {
	return Document{URI: d.URI, LanguageID: d.LanguageID, Text: d.Text, Version: d.Version}
}

// TextDocumentEdit targets one versioned document with an ordered list of
// non-overlapping edits.
type TextDocumentEdit struct {
	URI     string
	Version int32
	Edits   []TextEdit
}

// FileOperationKind names the file-level operation within a documentChanges
// list entry that is not itself a TextDocumentEdit.
type FileOperationKind string

const (
	FileOpRename FileOperationKind = "rename"
	FileOpCreate FileOperationKind = "create"
	FileOpDelete FileOperationKind = "delete"
)

// FileOperation is a rename/create/delete entry within documentChanges.
// Only Rename is implemented; Create and Delete are recorded as
// unsupported failures.
type FileOperation struct {
	Kind   FileOperationKind
	OldURI string // rename, delete
	NewURI string // rename, create
}

// DocumentChange is one element of a WorkspaceEdit's documentChanges list:
// either a TextDocumentEdit or a FileOperation, never both.
type DocumentChange struct {
	Edit *TextDocumentEdit
	File *FileOperation
}

// WorkspaceEdit is a multi-file edit package: a changes map, a
// documentChanges list, or both.
type WorkspaceEdit struct {
	// Changes maps URI to an ordered list of text edits, applied to the
	// existing document. Both Changes and DocumentChanges are processed
	// when both are present: documentChanges first, in the order supplied.
	Changes map[string][]TextEdit
	// ChangesOrder preserves the iteration order of Changes as supplied by
	// the caller (Go maps have no order); if empty, ChangesOrder falls back
	// to Go's randomized map iteration, which callers should avoid relying
	// on. Callers that care about specific ordering should populate this.
	ChangesOrder []string

	DocumentChanges []DocumentChange
}

// Failure records why one change in a WorkspaceEdit could not be applied.
type Failure struct {
	URI    string
	Reason string
}

// ApplyResult is the outcome of applyWorkspaceEdit.
type ApplyResult struct {
	Applied       bool
	Failures      []Failure
	FailureReason string
	FailedChange  *int
}
