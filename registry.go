package polyclient

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// State is a record's position in the adapter lifecycle lattice:
// registering → {ready | initializing} → {ready | failed} →
// disposed. There is no transition back out of failed or disposed.
type State int32

const (
	StateRegistering State = iota
	StateInitializing
	StateReady
	StateFailed
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateRegistering:
		return "registering"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// OperationHandler answers one call routed to an adapter, whether a routed
// feature request (completions, hover, ...) or a document-sync operation
// (openDocument, updateDocument, closeDocument). reqCtx is a *RequestContext
// for routed operations, and nil for document-sync dispatch run from the
// registry's flush loop.
type OperationHandler func(ctx context.Context, params any, reqCtx *RequestContext) (any, error)

// Names of the three document-sync operations, used as fixed keys into an
// adapter's Handlers table.
const (
	OpOpenDocument   = "openDocument"
	OpUpdateDocument = "updateDocument"
	OpCloseDocument  = "closeDocument"
)

// AdapterConfig is the shape an embedder (or the real-backend skeleton,
// C9) registers under a languageId.
type AdapterConfig struct {
	LanguageID   string
	DisplayName  string
	Capabilities map[string]any
	Handlers     map[string]OperationHandler

	// Initialize, if set, runs once after registration, with the freshly
	// built AdapterContext. A nil Initialize transitions straight to ready.
	Initialize func(ctx context.Context, actx *AdapterContext) error

	// Dispose, if set, runs during unregistration after the record's queue
	// has drained, concurrently with its disposables.
	Dispose func(ctx context.Context) error
}

// syncOp is one buffered document-sync call, carrying the sequence number
// assigned when it was enqueued. The flush does not read seq and no
// accessor exposes it; ordering comes from the queue slice itself.
type syncOp struct {
	seq     uint64
	op      string
	payload any
}

// Record is one registered adapter: its handler table, lifecycle state,
// and the document-sync queue buffered while registering/initializing.
type Record struct {
	LanguageID   string
	DisplayName  string
	Capabilities map[string]any

	registeredAt   time.Time
	initializedAt  time.Time

	handlers map[string]OperationHandler
	dispose  func(ctx context.Context) error

	state atomic.Int32

	mu           sync.Mutex
	disposables  []func() error
	serverCaps   any // *protocol.ServerCapabilities, set by backend adapters

	queueMu sync.Mutex
	queue   []syncOp
	nextSeq atomic.Uint64

	settled chan struct{} // closed once the record leaves registering/initializing
}

// State returns the record's current lifecycle state.
func (r *Record) State() State { return State(r.state.Load()) }

// RegisterDisposable attaches a cleanup invoked once, during
// unregistration, after handler dispatch has stopped.
func (r *Record) RegisterDisposable(fn func() error) {
	r.mu.Lock()
	r.disposables = append(r.disposables, fn)
	r.mu.Unlock()
}

// SetServerCapabilities stashes the real-backend adapter's negotiated
// server capabilities for host inspection; a no-op for adapters with no
// such concept.
func (r *Record) SetServerCapabilities(caps any) {
	r.mu.Lock()
	r.serverCaps = caps
	r.mu.Unlock()
}

// ServerCapabilities returns whatever was last passed to
// SetServerCapabilities, or nil.
func (r *Record) ServerCapabilities() any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.serverCaps
}

func (r *Record) handler(op string) (OperationHandler, bool) {
	h, ok := r.handlers[op]
	return h, ok
}

// Registry owns every registered adapter record and drives registration,
// document-sync dispatch/queueing, readiness gating, and unregistration.
type Registry struct {
	logger *zap.Logger

	mu      sync.RWMutex
	records map[string]*Record

	onAdapterError func(languageID, operation string, err error)
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger attaches a logger; omitted, a no-op logger is used.
func WithRegistryLogger(l *zap.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// WithAdapterErrorSink registers the callback invoked for every adapter
// error the registry itself detects (queue flush failures on init
// failure, disposal errors). The Client wires this to the Event Bus.
func WithAdapterErrorSink(fn func(languageID, operation string, err error)) RegistryOption {
	return func(r *Registry) { r.onAdapterError = fn }
}

// NewRegistry constructs an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		logger:  zap.NewNop(),
		records: make(map[string]*Record),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.onAdapterError == nil {
		r.onAdapterError = func(string, string, error) {}
	}
	return r
}

// RegisterLanguage validates and inserts a new record, then — if cfg
// provides Initialize — runs it to completion before returning. A slow or
// asynchronous initialize is a suspension point for the calling goroutine
// only, not for other goroutines operating on the same client.
//
// actxFactory builds the AdapterContext handed to Initialize; it is
// supplied by the Client so this package does not need to know about
// AdapterContext's dependencies (Router, Workspace-Edit Engine, Event Bus).
func (r *Registry) RegisterLanguage(ctx context.Context, cfg AdapterConfig, actxFactory func(*Record) *AdapterContext) (*Record, error) {
	if cfg.LanguageID == "" {
		return nil, newError(KindInvalidAdapter, "languageId must not be empty")
	}

	r.mu.Lock()
	if _, exists := r.records[cfg.LanguageID]; exists {
		r.mu.Unlock()
		return nil, newError(KindLanguageExists, "language %q already registered", cfg.LanguageID)
	}

	rec := &Record{
		LanguageID:   cfg.LanguageID,
		DisplayName:  cfg.DisplayName,
		Capabilities: cfg.Capabilities,
		handlers:     cfg.Handlers,
		dispose:      cfg.Dispose,
		registeredAt: time.Now(),
		settled:      make(chan struct{}),
	}
	if rec.handlers == nil {
		rec.handlers = make(map[string]OperationHandler)
	}
	rec.state.Store(int32(StateRegistering))
	r.records[cfg.LanguageID] = rec
	r.mu.Unlock()

	if cfg.Initialize == nil {
		rec.state.Store(int32(StateReady))
		rec.initializedAt = time.Now()
		close(rec.settled)
		return rec, nil
	}

	rec.state.Store(int32(StateInitializing))
	actx := actxFactory(rec)

	err := cfg.Initialize(ctx, actx)
	if err != nil {
		rec.state.Store(int32(StateFailed))
		close(rec.settled)
		r.flushFailedQueue(rec, err)

		r.mu.Lock()
		delete(r.records, cfg.LanguageID)
		r.mu.Unlock()
		r.runDisposables(ctx, rec)

		return nil, wrapError(KindInvalidAdapter, err, "initialize failed for %q", cfg.LanguageID)
	}

	rec.state.Store(int32(StateReady))
	rec.initializedAt = time.Now()
	close(rec.settled)
	r.flushReadyQueue(ctx, rec, actx)

	return rec, nil
}

// flushReadyQueue drains and dispatches every buffered document-sync op in
// the order it was appended to the queue, on transition to ready.
func (r *Registry) flushReadyQueue(ctx context.Context, rec *Record, actx *AdapterContext) {
	rec.queueMu.Lock()
	pending := rec.queue
	rec.queue = nil
	rec.queueMu.Unlock()

	for _, op := range pending {
		r.dispatchSync(ctx, rec, op)
	}
}

// flushFailedQueue reports every buffered op through the adapter-error
// channel with its operation name.
func (r *Registry) flushFailedQueue(rec *Record, cause error) {
	rec.queueMu.Lock()
	pending := rec.queue
	rec.queue = nil
	rec.queueMu.Unlock()

	for _, op := range pending {
		r.onAdapterError(rec.LanguageID, op.op, cause)
	}
}

// dispatchSync invokes a document-sync handler, if the adapter provides
// one, and reports a returned error through the adapter-error channel —
// fire-and-forget document syncs never propagate to the caller.
func (r *Registry) dispatchSync(ctx context.Context, rec *Record, op syncOp) {
	h, ok := rec.handler(op.op)
	if !ok {
		return
	}
	if _, err := h(ctx, op.payload, nil); err != nil {
		r.onAdapterError(rec.LanguageID, op.op, err)
	}
}

// DispatchOrEnqueueSync is called by Client.Open/Update/Close and by the
// workspace-edit engine for openDocument/updateDocument/closeDocument. While the record is
// registering or initializing, the op is buffered; once ready, it is
// dispatched immediately on the calling goroutine — document-sync calls
// never block, since dispatch here is a direct, non-blocking handler
// invocation, not a network round trip.
func (r *Registry) DispatchOrEnqueueSync(ctx context.Context, languageID, op string, payload any) error {
	rec, err := r.lookup(languageID)
	if err != nil {
		return err
	}

	switch rec.State() {
	case StateReady:
		r.dispatchSync(ctx, rec, syncOp{op: op, payload: payload})
		return nil
	case StateRegistering, StateInitializing:
		rec.queueMu.Lock()
		rec.queue = append(rec.queue, syncOp{seq: rec.nextSeq.Add(1), op: op, payload: payload})
		rec.queueMu.Unlock()
		return nil
	case StateFailed:
		return newError(KindLanguageFailed, "language %q failed to initialize", languageID)
	default: // disposed
		return newError(KindUnknownLanguage, "language %q is not registered", languageID)
	}
}

// Lookup returns the record for languageID, or UnknownLanguage.
func (r *Registry) Lookup(languageID string) (*Record, error) {
	return r.lookup(languageID)
}

func (r *Registry) lookup(languageID string) (*Record, error) {
	r.mu.RLock()
	rec, ok := r.records[languageID]
	r.mu.RUnlock()
	if !ok {
		return nil, newError(KindUnknownLanguage, "language %q is not registered", languageID)
	}
	return rec, nil
}

// RequireReady enforces the readiness gate for routed operations.
func (r *Registry) RequireReady(languageID string) (*Record, error) {
	rec, err := r.lookup(languageID)
	if err != nil {
		return nil, err
	}
	switch rec.State() {
	case StateReady:
		return rec, nil
	case StateFailed:
		return nil, newError(KindLanguageFailed, "language %q failed to initialize", languageID)
	case StateDisposed:
		return nil, newError(KindUnknownLanguage, "language %q is not registered", languageID)
	default:
		return nil, newError(KindLanguageNotReady, "language %q is not ready", languageID)
	}
}

// Count returns the number of currently registered adapters (any state).
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// SoleLanguage returns the languageId of the only registered adapter, if
// exactly one exists — used by the router's sole-adapter fallback.
func (r *Registry) SoleLanguage() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.records) != 1 {
		return "", false
	}
	for id := range r.records {
		return id, true
	}
	return "", false
}

// Has reports whether languageID is registered in any state.
func (r *Registry) Has(languageID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.records[languageID]
	return ok
}

// UnregisterLanguage marks the record disposed, removes it from the
// registry, runs its disposables and Dispose handler. Disposal errors are
// reported through the adapter-error channel rather than returned.
func (r *Registry) UnregisterLanguage(ctx context.Context, languageID string) error {
	r.mu.Lock()
	rec, ok := r.records[languageID]
	if !ok {
		r.mu.Unlock()
		return newError(KindUnknownLanguage, "language %q is not registered", languageID)
	}
	delete(r.records, languageID)
	r.mu.Unlock()

	rec.state.Store(int32(StateDisposed))
	r.flushFailedQueue(rec, newError(KindUnknownLanguage, "language %q was unregistered", languageID))
	r.runDisposables(ctx, rec)
	return nil
}

// runDisposables runs rec's registered disposables and Dispose handler
// concurrently via errgroup, reporting each disposal error through the
// adapter-error channel instead of aborting the group on the first one.
func (r *Registry) runDisposables(ctx context.Context, rec *Record) {
	rec.mu.Lock()
	disposables := rec.disposables
	rec.mu.Unlock()

	var g errgroup.Group
	for _, fn := range disposables {
		fn := fn
		g.Go(func() error {
			if err := fn(); err != nil {
				r.onAdapterError(rec.LanguageID, "dispose", err)
			}
			return nil
		})
	}
	if rec.dispose != nil {
		g.Go(func() error {
			if err := rec.dispose(ctx); err != nil {
				r.onAdapterError(rec.LanguageID, "dispose", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// DisposeAll unregisters every adapter as one cooperative sequence, not
// per-listener finalize hooks.
func (r *Registry) DisposeAll(ctx context.Context) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.records))
	for id := range r.records {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		_ = r.UnregisterLanguage(ctx, id)
	}
}
