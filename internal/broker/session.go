package broker

import (
	"maps"
	"net"
	"sync"

	"github.com/pyr33x/goqtt/internal/session"
)

// Session is the live, in-memory state of one connected client. It is
// distinct from session.Record (internal/session), which is what survives
// a disconnect; Session exists only while Conn is open.
type Session struct {
	// Key Identifiers
	ClientID      string
	CleanSession  bool
	ProtocolLevel byte

	// Will
	WillTopic         *string
	WillMessage       *string
	WillQoS           byte
	WillRetain        bool
	WillDelayInterval uint32

	// Connection
	KeepAlive           uint16
	ConnectionTimestamp int64
	Conn                net.Conn

	// IDPool hands out this session's outbound QoS 1/2 packet IDs. Built
	// fresh on every CONNECT and re-seeded from the persisted inflight
	// tables on session resume, so an ID already in flight for this
	// client is never handed out a second time.
	IDPool *session.IDPool

	// Cluster
	NodeID string
}

type sessionMap map[string]Session

// sessionRegistry is the copy-on-write map of locally-connected sessions,
// following the teacher's maps.Copy pattern: a writer builds a new map and
// swaps it into atomicSessionMap under its RWMutex, so readers wait only for
// that swap, never for the copy.
type sessionRegistry struct {
	mu sync.Mutex
	v  atomicSessionMap
}

// atomicSessionMap is kept as a thin wrapper instead of a bare atomic.Value
// so Broker can embed it without exposing the interface{} load/store calls
// at every call site.
type atomicSessionMap struct {
	value sessionMap
	mu    sync.RWMutex
}

func (a *atomicSessionMap) Load() sessionMap {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.value
}

func (a *atomicSessionMap) Store(m sessionMap) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.value = m
}

func newSessionRegistry() *sessionRegistry {
	r := &sessionRegistry{}
	r.v.Store(make(sessionMap))
	return r
}

func (r *sessionRegistry) Store(key string, session *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.v.Load()
	updated := make(sessionMap, len(current)+1)
	maps.Copy(updated, current)
	updated[key] = *session

	r.v.Store(updated)
}

func (r *sessionRegistry) Get(key string) (*Session, bool) {
	current := r.v.Load()
	val, ok := current[key]
	if !ok {
		return nil, false
	}
	return &val, true
}

func (r *sessionRegistry) Delete(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.v.Load()
	updated := make(sessionMap, len(current))
	maps.Copy(updated, current)
	delete(updated, key)

	r.v.Store(updated)
}

// Store, Get and Delete are kept on Broker for drop-in compatibility with
// the transport layer's original call sites.
func (b *Broker) Store(key string, session *Session) { b.registry.Store(key, session) }
func (b *Broker) Get(key string) (*Session, bool)     { return b.registry.Get(key) }
func (b *Broker) Delete(key string)                   { b.registry.Delete(key) }
