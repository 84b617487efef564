package polyclient

import (
	"context"

	"github.com/polyclient/lsphub/internal/docstore"
)

// WorkspaceEditEngine applies a multi-file edit package to the document
// store and mirrors resulting changes back to each owning adapter.
type WorkspaceEditEngine struct {
	store    *docstore.Store
	registry *Registry
}

func newWorkspaceEditEngine(store *docstore.Store, registry *Registry) *WorkspaceEditEngine {
	return &WorkspaceEditEngine{store: store, registry: registry}
}

// Apply processes documentChanges (in order) then changes map entries (in
// ChangesOrder, or Go's map iteration order if unspecified), assigning
// each processed change a monotonically increasing index used as
// FailedChange for the first failure encountered.
func (e *WorkspaceEditEngine) Apply(ctx context.Context, edit WorkspaceEdit) ApplyResult {
	var failures []Failure
	var failureReason string
	var failedChange *int
	idx := 0

	recordFailure := func(uri, reason string) {
		failures = append(failures, Failure{URI: uri, Reason: reason})
		if failureReason == "" {
			failureReason = reason
			fc := idx
			failedChange = &fc
		}
	}

	for _, dc := range edit.DocumentChanges {
		switch {
		case dc.Edit != nil:
			e.applyTextDocumentEdit(ctx, *dc.Edit, recordFailure)
		case dc.File != nil:
			e.applyFileOperation(ctx, *dc.File, recordFailure)
		}
		idx++
	}

	keys := edit.ChangesOrder
	if len(keys) == 0 {
		for uri := range edit.Changes {
			keys = append(keys, uri)
		}
	}
	for _, uri := range keys {
		e.applyChangesEntry(ctx, uri, edit.Changes[uri], recordFailure)
		idx++
	}

	return ApplyResult{
		Applied:       len(failures) == 0,
		Failures:      failures,
		FailureReason: failureReason,
		FailedChange:  failedChange,
	}
}

// buildRangedEdits validates that every edit carries a range — an edit
// with no range fails the whole change — and converts to the docstore
// representation. Missing NewText defaults to the empty string (its Go
// zero value already does this).
func buildRangedEdits(edits []TextEdit) ([]docstore.RangedEdit, bool) {
	out := make([]docstore.RangedEdit, 0, len(edits))
	for _, e := range edits {
		if e.Range == nil {
			return nil, false
		}
		rng := toDocstoreRange(*e.Range)
		out = append(out, docstore.RangedEdit{Range: &rng, NewText: e.NewText})
	}
	return out, true
}

func (e *WorkspaceEditEngine) applyTextDocumentEdit(ctx context.Context, tde TextDocumentEdit, fail func(uri, reason string)) {
	normalized, err := docstore.Normalize(tde.URI)
	if err != nil {
		fail(tde.URI, "Invalid uri")
		return
	}

	current, ok := e.store.Get(normalized)
	if !ok {
		fail(normalized, "Document not open")
		return
	}

	ranged, ok := buildRangedEdits(tde.Edits)
	if !ok {
		fail(normalized, "Edit missing range")
		return
	}

	updated, err := e.store.Update(normalized, current.Version+1, ranged)
	if err != nil {
		fail(normalized, err.Error())
		return
	}

	e.emitUpdate(ctx, updated, tde.Edits)
}

func (e *WorkspaceEditEngine) applyChangesEntry(ctx context.Context, uri string, edits []TextEdit, fail func(uri, reason string)) {
	normalized, err := docstore.Normalize(uri)
	if err != nil {
		fail(uri, "Invalid uri")
		return
	}

	current, ok := e.store.Get(normalized)
	if !ok {
		fail(normalized, "Document not open")
		return
	}

	ranged, ok := buildRangedEdits(edits)
	if !ok {
		fail(normalized, "Edit missing range")
		return
	}

	updated, err := e.store.Update(normalized, current.Version+1, ranged)
	if err != nil {
		fail(normalized, err.Error())
		return
	}

	e.emitUpdate(ctx, updated, edits)
}

func (e *WorkspaceEditEngine) applyFileOperation(ctx context.Context, fo FileOperation, fail func(uri, reason string)) {
	switch fo.Kind {
	case FileOpRename:
		e.applyRename(ctx, fo, fail)
	case FileOpCreate:
		fail(fo.NewURI, "Unsupported file operation: create")
	case FileOpDelete:
		fail(fo.OldURI, "Unsupported file operation: delete")
	default:
		fail(fo.OldURI, "Unknown file operation")
	}
}

func (e *WorkspaceEditEngine) applyRename(ctx context.Context, fo FileOperation, fail func(uri, reason string)) {
	oldURI, err := docstore.Normalize(fo.OldURI)
	if err != nil {
		fail(fo.OldURI, "Invalid uri")
		return
	}
	newURI, err := docstore.Normalize(fo.NewURI)
	if err != nil {
		fail(fo.NewURI, "Invalid uri")
		return
	}

	before, ok := e.store.Get(oldURI)
	if !ok {
		fail(oldURI, "Document not open")
		return
	}

	moved, err := e.store.Rename(oldURI, newURI)
	if err != nil {
		fail(oldURI, err.Error())
		return
	}

	_ = e.registry.DispatchOrEnqueueSync(ctx, before.LanguageID, OpCloseDocument, ClosePayload{URI: oldURI})
	_ = e.registry.DispatchOrEnqueueSync(ctx, moved.LanguageID, OpOpenDocument, OpenPayload{
		URI: moved.URI, LanguageID: moved.LanguageID, Text: moved.Text, Version: moved.Version,
	})
}

// emitUpdate synthesizes an updateDocument adapter call carrying the
// resulting text and the edit list that produced it (or a single full-text
// change when the list is empty).
func (e *WorkspaceEditEngine) emitUpdate(ctx context.Context, doc docstore.Document, edits []TextEdit) {
	changes := make([]Change, len(edits))
	for i, ed := range edits {
		changes[i] = Change{Range: ed.Range, Text: ed.NewText}
	}
	if len(changes) == 0 {
		changes = []Change{{Text: doc.Text}}
	}
	_ = e.registry.DispatchOrEnqueueSync(ctx, doc.LanguageID, OpUpdateDocument, UpdatePayload{
		URI:     doc.URI,
		Version: doc.Version,
		Text:    doc.Text,
		Changes: changes,
	})
}
