package event

import (
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"sync"
)

// Handler processes a published event. Handlers run synchronously on the
// goroutine that published the event and must be non-blocking to avoid
// delaying the scheduler. A panicking handler is isolated: the panic is
// recovered and logged, and delivery to remaining handlers continues.
type Handler func(Event)

// ExternalPublisher forwards events beyond the process boundary, e.g. to a
// message broker. A returned error is logged and never surfaced to the
// in-process publisher.
type ExternalPublisher func(Event) error

// DefaultHistoryLimit is the maximum number of events the bus keeps in its
// in-memory history buffer before discarding the oldest.
const DefaultHistoryLimit = 1000

type patternSub struct {
	pattern string
	handler Handler
}

// Bus is a typed publish/subscribe channel for workflow events.
//
// It supports exact-match subscription per event type, glob-pattern
// subscription ("workflow:step:*"), a queryable in-memory history buffer,
// and an optional external publisher hook that decouples in-process
// fan-out from cross-process delivery.
//
// All methods are safe for concurrent use.
type Bus struct {
	mu           sync.RWMutex
	handlers     map[Type][]Handler
	patterns     []patternSub
	history      []Event
	historyLimit int
	external     ExternalPublisher
	errWriter    io.Writer
}

// NewBus creates a bus with the default history limit, logging handler
// failures to stderr.
func NewBus() *Bus {
	return &Bus{
		handlers:     make(map[Type][]Handler),
		historyLimit: DefaultHistoryLimit,
		errWriter:    os.Stderr,
	}
}

// SetErrorWriter redirects handler-failure logging, primarily for tests.
func (b *Bus) SetErrorWriter(w io.Writer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if w == nil {
		w = os.Stderr
	}
	b.errWriter = w
}

// Subscribe registers an exact-match handler for one event type.
func (b *Bus) Subscribe(t Type, h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// SubscribePattern registers a wildcard handler. Pattern segments are
// colon-delimited; "*" matches exactly one segment, and a trailing "*"
// matches the entire remaining suffix. "workflow:step:*" therefore matches
// every step sub-event but no "workflow:approval:*" event.
func (b *Bus) SubscribePattern(pattern string, h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.patterns = append(b.patterns, patternSub{pattern: pattern, handler: h})
}

// Unsubscribe removes a previously registered exact-match handler. The
// handler is identified by function pointer, so the same function value
// passed to Subscribe must be passed here.
func (b *Bus) Unsubscribe(t Type, h Handler) {
	if h == nil {
		return
	}
	target := reflect.ValueOf(h).Pointer()

	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.handlers[t]
	filtered := subs[:0]
	for _, sub := range subs {
		if reflect.ValueOf(sub).Pointer() != target {
			filtered = append(filtered, sub)
		}
	}
	if len(filtered) == 0 {
		delete(b.handlers, t)
	} else {
		b.handlers[t] = filtered
	}
}

// SetExternalPublisher installs the cross-process delivery hook. Pass nil
// to remove it.
func (b *Bus) SetExternalPublisher(p ExternalPublisher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.external = p
}

// Publish dispatches the event synchronously to all exact and pattern
// subscribers, appends it to the history buffer, and forwards it to the
// external publisher if one is set.
//
// A failure inside one subscriber never prevents delivery to the others
// and never propagates to the caller.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	exact := append([]Handler(nil), b.handlers[e.Type]...)
	var matched []Handler
	for _, sub := range b.patterns {
		if MatchType(sub.pattern, e.Type) {
			matched = append(matched, sub.handler)
		}
	}
	external := b.external
	errWriter := b.errWriter

	b.history = append(b.history, e)
	if len(b.history) > b.historyLimit {
		b.history = b.history[len(b.history)-b.historyLimit:]
	}
	b.mu.Unlock()

	for _, h := range exact {
		b.safeInvoke(h, e, errWriter)
	}
	for _, h := range matched {
		b.safeInvoke(h, e, errWriter)
	}

	if external != nil {
		if err := b.safePublishExternal(external, e); err != nil {
			fmt.Fprintf(errWriter, "event: external publisher failed for %s: %v\n", e.Type, err)
		}
	}
}

func (b *Bus) safeInvoke(h Handler, e Event, errWriter io.Writer) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(errWriter, "event: handler panic on %s: %v\n", e.Type, r)
		}
	}()
	h(e)
}

func (b *Bus) safePublishExternal(p ExternalPublisher, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p(e)
}

// GetEventHistory returns buffered events filtered by event type and
// workflow type. A zero value for either filter means "any". Filters
// combine with AND. Events are returned oldest first, as copies of the
// buffer slice.
func (b *Bus) GetEventHistory(t Type, workflowType string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]Event, 0, len(b.history))
	for _, e := range b.history {
		if t != "" && e.Type != t {
			continue
		}
		if workflowType != "" && e.WorkflowType != workflowType {
			continue
		}
		result = append(result, e)
	}
	return result
}

// ClearHandlers removes every exact and pattern subscription and the
// external publisher. Intended for test isolation and explicit resets.
func (b *Bus) ClearHandlers() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[Type][]Handler)
	b.patterns = nil
	b.external = nil
}

// ClearHistory empties the in-memory history buffer.
func (b *Bus) ClearHistory() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = nil
}

// MatchType reports whether a colon-delimited glob pattern matches the
// event type. "*" matches exactly one segment; a trailing "*" matches one
// or more remaining segments.
func MatchType(pattern string, t Type) bool {
	if pattern == string(t) {
		return true
	}

	pSegs := strings.Split(pattern, ":")
	tSegs := strings.Split(string(t), ":")

	for i, p := range pSegs {
		last := i == len(pSegs)-1
		if p == "*" && last {
			// Trailing wildcard consumes the remaining suffix.
			return len(tSegs) > i
		}
		if i >= len(tSegs) {
			return false
		}
		if p != "*" && p != tSegs[i] {
			return false
		}
	}
	return len(pSegs) == len(tSegs)
}
