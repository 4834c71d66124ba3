package session

import (
	"encoding/json"
	"sync"

	"github.com/pion/logging"
)

// Handler consumes a decoded message of a registered type.
type Handler func(fromPeerID string, env Envelope)

// Subscriber receives every message whose type has no registered handler,
// with the raw payload untouched. This is the extensibility seam: presence,
// chat and cursor messages flow through here without router changes.
type Subscriber func(fromPeerID, msgType string, raw []byte)

// Router demultiplexes inbound data-channel payloads by their type tag.
type Router struct {
	mu      sync.RWMutex
	routes  map[string]Handler
	subs    map[int]Subscriber
	nextSub int
	log     logging.LeveledLogger
}

// NewRouter creates an empty router.
func NewRouter(loggerFactory logging.LoggerFactory) *Router {
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &Router{
		routes: make(map[string]Handler),
		subs:   make(map[int]Subscriber),
		log:    loggerFactory.NewLogger("router"),
	}
}

// Route registers the handler for one message type.
func (r *Router) Route(msgType string, h Handler) {
	r.mu.Lock()
	r.routes[msgType] = h
	r.mu.Unlock()
}

// Subscribe adds a generic subscriber and returns its unsubscribe func.
func (r *Router) Subscribe(s Subscriber) func() {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = s
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

// Dispatch decodes one inbound payload and routes it. Malformed JSON drops
// the single message; the connection stays up.
func (r *Router) Dispatch(fromPeerID string, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		r.log.Warnf("dropping malformed message from %s: %v", fromPeerID, err)
		return
	}
	if env.Type == "" {
		r.log.Warnf("dropping untyped message from %s", fromPeerID)
		return
	}

	r.mu.RLock()
	handler, routed := r.routes[env.Type]
	subs := make([]Subscriber, 0, len(r.subs))
	for _, s := range r.subs {
		subs = append(subs, s)
	}
	r.mu.RUnlock()

	if routed {
		handler(fromPeerID, env)
		return
	}

	for _, s := range subs {
		s(fromPeerID, env.Type, raw)
	}
}
