package polyclient

import (
	"context"
	"encoding/json"

	"github.com/polyclient/lsphub/internal/docstore"
)

// routingProbe pulls the candidate languageId/uri fields out of an
// arbitrary params value. A plain unmarshal into this small untyped-field
// struct is clearer than a JSON-path-query library for four fixed, shallow
// paths (see DESIGN.md for why gjson was not used here).
type routingProbe struct {
	LanguageID string `json:"languageId"`
	Language   string `json:"language"`
	URI        string `json:"uri"`
	TextDoc    struct {
		LanguageID string `json:"languageId"`
		URI        string `json:"uri"`
	} `json:"textDocument"`
	Document struct {
		LanguageID string `json:"languageId"`
		URI        string `json:"uri"`
	} `json:"document"`
	Left struct {
		TextDoc struct {
			URI string `json:"uri"`
		} `json:"textDocument"`
	} `json:"left"`
}

func probeParams(params any) (routingProbe, bool) {
	var probe routingProbe

	raw, ok := params.(json.RawMessage)
	if !ok {
		data, err := json.Marshal(params)
		if err != nil {
			return probe, false
		}
		raw = data
	}
	if len(raw) == 0 {
		return probe, false
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return probe, false
	}
	return probe, true
}

// candidateLanguageID resolves a languageId candidate using a fixed
// precedence order across the probe's fields.
func (p routingProbe) candidateLanguageID() string {
	switch {
	case p.LanguageID != "":
		return p.LanguageID
	case p.Language != "":
		return p.Language
	case p.TextDoc.LanguageID != "":
		return p.TextDoc.LanguageID
	case p.Document.LanguageID != "":
		return p.Document.LanguageID
	default:
		return ""
	}
}

// candidateURI resolves a uri candidate using a fixed precedence order
// across the probe's fields.
func (p routingProbe) candidateURI() string {
	switch {
	case p.URI != "":
		return p.URI
	case p.TextDoc.URI != "":
		return p.TextDoc.URI
	case p.Document.URI != "":
		return p.Document.URI
	case p.Left.TextDoc.URI != "":
		return p.Left.TextDoc.URI
	default:
		return ""
	}
}

// Router resolves a host call's params to exactly one registered adapter,
// then enforces the readiness gate before returning the adapter's
// handler.
type Router struct {
	registry      *Registry
	store         *docstore.Store
	reqCtxFactory func(languageID string) *RequestContext
}

func newRouter(registry *Registry, store *docstore.Store, reqCtxFactory func(string) *RequestContext) *Router {
	return &Router{registry: registry, store: store, reqCtxFactory: reqCtxFactory}
}

// Resolve runs the five-step adapter-resolution algorithm: unstructured
// params with a sole adapter, explicit languageId, a uri matching an open
// document, a sole-adapter fallback for unhinted structured params, and
// finally ambiguous failure.
func (rt *Router) Resolve(params any) (*Record, error) {
	probe, structured := probeParams(params)

	// Step 1: unstructured params + exactly one adapter registered.
	if !structured {
		if id, ok := rt.registry.SoleLanguage(); ok {
			return rt.registry.lookup(id)
		}
	}

	// Step 2: languageId candidates.
	if lang := probe.candidateLanguageID(); lang != "" {
		if !rt.registry.Has(lang) {
			return nil, newError(KindUnknownLanguage, "language %q is not registered", lang)
		}
		return rt.registry.lookup(lang)
	}

	// Step 3: URI candidates.
	if uri := probe.candidateURI(); uri != "" {
		normalized, err := docstore.Normalize(uri)
		if err != nil {
			return nil, wrapError(KindInvalidURI, err, "invalid uri %q", uri)
		}
		doc, ok := rt.store.Get(normalized)
		if !ok {
			return nil, newError(KindDocumentNotOpen, "document %q is not open", normalized)
		}
		return rt.registry.lookup(doc.LanguageID)
	}

	// Step 4: sole-adapter fallback for structured params with no hint.
	if id, ok := rt.registry.SoleLanguage(); ok {
		return rt.registry.lookup(id)
	}

	// Step 5: ambiguous.
	return nil, newError(KindLanguageNotResolved, "cannot resolve an adapter for this call")
}

// Dispatch resolves params to a ready adapter and invokes its handler for
// op. FeatureUnsupported is raised when the adapter has no handler
// registered for op.
func (rt *Router) Dispatch(ctx context.Context, op string, params any) (any, error) {
	rec, err := rt.Resolve(params)
	if err != nil {
		return nil, err
	}

	ready, err := rt.registry.RequireReady(rec.LanguageID)
	if err != nil {
		return nil, err
	}

	h, ok := ready.handler(op)
	if !ok {
		return nil, newError(KindFeatureUnsupported, "adapter %q does not implement %q", ready.LanguageID, op)
	}

	result, err := h(ctx, params, rt.reqCtxFactory(ready.LanguageID))
	if err != nil {
		rt.reportAdapterError(ready.LanguageID, op, err)
		return nil, err
	}
	return result, nil
}

// DispatchExplicit resolves against an explicit languageId (used by
// sendRequest/sendNotification when the host names a language directly)
// instead of running the full inference chain.
func (rt *Router) DispatchExplicit(ctx context.Context, languageID, op string, params any) (any, error) {
	ready, err := rt.registry.RequireReady(languageID)
	if err != nil {
		return nil, err
	}
	h, ok := ready.handler(op)
	if !ok {
		return nil, newError(KindFeatureUnsupported, "adapter %q does not implement %q", languageID, op)
	}
	result, err := h(ctx, params, rt.reqCtxFactory(ready.LanguageID))
	if err != nil {
		rt.reportAdapterError(languageID, op, err)
		return nil, err
	}
	return result, nil
}

func (rt *Router) reportAdapterError(languageID, op string, err error) {
	rt.registry.onAdapterError(languageID, op, err)
}
