package eventbus

import (
	"sync"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// DiagnosticsHandler receives one DiagnosticsEvent per publish.
type DiagnosticsHandler func(DiagnosticsEvent)

// WorkspaceEventHandler receives one WorkspaceEvent per publish.
type WorkspaceEventHandler func(WorkspaceEvent)

// NotificationHandler receives one NotificationEvent per publish.
type NotificationHandler func(NotificationEvent)

// AdapterErrorHandler receives one AdapterErrorEvent per publish.
type AdapterErrorHandler func(AdapterErrorEvent)

// Bus fans out the hub's four event streams to any number of subscribers.
// Delivery within one Publish call runs synchronously on the calling
// goroutine; the order in which handlers are called is not defined. A
// handler that panics is recovered and reported through the logger rather
// than taking down the publisher.
type Bus struct {
	logger *zap.Logger

	mu            sync.RWMutex
	diagnostics   map[string]DiagnosticsHandler
	workspace     map[string]WorkspaceEventHandler
	notifications map[string]NotificationHandler
	adapterErrors map[string]AdapterErrorHandler
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger attaches a logger used to report handler panics; omitted, a
// no-op logger is used.
func WithLogger(l *zap.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// NewBus constructs an empty event bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		logger:        zap.NewNop(),
		diagnostics:   make(map[string]DiagnosticsHandler),
		workspace:     make(map[string]WorkspaceEventHandler),
		notifications: make(map[string]NotificationHandler),
		adapterErrors: make(map[string]AdapterErrorHandler),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.Must(uuid.NewV4())
	}
	return id.String()
}

// SubscribeDiagnostics registers h to receive every published
// DiagnosticsEvent.
func (b *Bus) SubscribeDiagnostics(h DiagnosticsHandler) *Subscription {
	id := newID()
	b.mu.Lock()
	b.diagnostics[id] = h
	b.mu.Unlock()
	return newSubscription(id, b.unsubscribeDiagnostics)
}

// SubscribeWorkspaceEvents registers h to receive every published
// WorkspaceEvent.
func (b *Bus) SubscribeWorkspaceEvents(h WorkspaceEventHandler) *Subscription {
	id := newID()
	b.mu.Lock()
	b.workspace[id] = h
	b.mu.Unlock()
	return newSubscription(id, b.unsubscribeWorkspace)
}

// SubscribeNotifications registers h to receive every published
// NotificationEvent.
func (b *Bus) SubscribeNotifications(h NotificationHandler) *Subscription {
	id := newID()
	b.mu.Lock()
	b.notifications[id] = h
	b.mu.Unlock()
	return newSubscription(id, b.unsubscribeNotifications)
}

// SubscribeAdapterErrors registers h to receive every published
// AdapterErrorEvent.
func (b *Bus) SubscribeAdapterErrors(h AdapterErrorHandler) *Subscription {
	id := newID()
	b.mu.Lock()
	b.adapterErrors[id] = h
	b.mu.Unlock()
	return newSubscription(id, b.unsubscribeAdapterErrors)
}

func (b *Bus) unsubscribeDiagnostics(id string) {
	b.mu.Lock()
	delete(b.diagnostics, id)
	b.mu.Unlock()
}

func (b *Bus) unsubscribeWorkspace(id string) {
	b.mu.Lock()
	delete(b.workspace, id)
	b.mu.Unlock()
}

func (b *Bus) unsubscribeNotifications(id string) {
	b.mu.Lock()
	delete(b.notifications, id)
	b.mu.Unlock()
}

func (b *Bus) unsubscribeAdapterErrors(id string) {
	b.mu.Lock()
	delete(b.adapterErrors, id)
	b.mu.Unlock()
}

// PublishDiagnostics fans a diagnostics report out to every current
// subscriber. The Diagnostics slice is cloned on entry and again for each
// handler, so a handler mutating its copy cannot affect the caller's slice
// or another handler's view.
func (b *Bus) PublishDiagnostics(evt DiagnosticsEvent) {
	evt.Diagnostics = cloneDiagnostics(evt.Diagnostics)

	b.mu.RLock()
	handlers := make([]DiagnosticsHandler, 0, len(b.diagnostics))
	for _, h := range b.diagnostics {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		perHandler := evt
		perHandler.Diagnostics = cloneDiagnostics(evt.Diagnostics)
		b.safeCall("diagnostics", func() { h(perHandler) })
	}
}

// PublishWorkspaceEvent fans a workspace event out to every current
// subscriber.
func (b *Bus) PublishWorkspaceEvent(evt WorkspaceEvent) {
	b.mu.RLock()
	handlers := make([]WorkspaceEventHandler, 0, len(b.workspace))
	for _, h := range b.workspace {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.safeCall("workspaceEvent", func() { h(evt) })
	}
}

// PublishNotification fans an unmodeled notification out to every current
// subscriber.
func (b *Bus) PublishNotification(evt NotificationEvent) {
	b.mu.RLock()
	handlers := make([]NotificationHandler, 0, len(b.notifications))
	for _, h := range b.notifications {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.safeCall("notification", func() { h(evt) })
	}
}

// PublishAdapterError fans an adapter error out to every current
// subscriber.
func (b *Bus) PublishAdapterError(evt AdapterErrorEvent) {
	b.mu.RLock()
	handlers := make([]AdapterErrorHandler, 0, len(b.adapterErrors))
	for _, h := range b.adapterErrors {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.safeCall("adapterError", func() { h(evt) })
	}
}

func (b *Bus) safeCall(stream string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("eventbus: subscriber panicked", zap.String("stream", stream), zap.Any("panic", r))
		}
	}()
	fn()
}
