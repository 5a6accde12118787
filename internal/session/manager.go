// Package session owns the per-connection state machine of the master
// protocol. A Session consumes decoded frames from exactly one reader
// goroutine; everything it emits goes through a buffered outbound queue that a
// writer goroutine drains onto the wire.
package session

import (
	"sync"
	"time"

	uuid "github.com/satori/go.uuid"

	"skirmish/master/internal/arranged"
	"skirmish/master/internal/auth"
	"skirmish/master/internal/cache"
	"skirmish/master/internal/config"
	"skirmish/master/internal/logging"
	"skirmish/master/internal/protocol"
	"skirmish/master/internal/registry"
	"skirmish/master/internal/store"
)

// Deps bundles the shared components every session talks to. Broker is bound
// separately because it needs the manager's Send as its delivery path.
type Deps struct {
	Registry  *registry.Registry
	Ratings   *cache.RatingCache
	Scores    *cache.HighScoreCache
	Validator *auth.Validator
	Games     store.GameStore
	Stats     *store.StatsPublisher
	Logger    *logging.Logger
}

// Option customises manager construction.
type Option func(*Manager)

// WithClock overrides the wall clock, enabling deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.now = clock
		}
	}
}

// WithIDGenerator overrides session identity allocation for tests.
func WithIDGenerator(gen func() string) Option {
	return func(m *Manager) {
		if gen != nil {
			m.newID = gen
		}
	}
}

// Manager indexes live sessions by identity and routes outbound messages to
// them. It implements the delivery contract the arranged broker and the chat
// hub depend on.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	cfg    *config.Config
	deps   Deps
	broker *arranged.Broker
	hub    *Hub
	logger *logging.Logger
	now    func() time.Time
	newID  func() string
}

// NewManager constructs a manager over the shared components.
func NewManager(cfg *config.Config, deps Deps, opts ...Option) *Manager {
	m := &Manager{
		sessions: make(map[string]*Session),
		cfg:      cfg,
		deps:     deps,
		logger:   deps.Logger,
		now:      time.Now,
		newID:    func() string { return uuid.NewV4().String() },
	}
	m.hub = NewHub(m.Send)
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// BindBroker attaches the arranged broker once it has been constructed with
// this manager's Send as its sender.
func (m *Manager) BindBroker(b *arranged.Broker) {
	if m == nil {
		return
	}
	m.broker = b
}

// Hub exposes the global chat hub so surrounding code can observe membership.
func (m *Manager) Hub() *Hub { return m.hub }

// Open admits a new connection and returns its session, already waiting for
// the handshake frame.
func (m *Manager) Open(remoteAddr string) *Session {
	if m == nil {
		return nil
	}
	s := &Session{
		id:         m.newID(),
		remoteAddr: remoteAddr,
		state:      StateHandshaking,
		manager:    m,
		gate: NewStrikeGate(GateConfig{
			MinInterval: m.cfg.MinRequestInterval,
			Limit:       m.cfg.StrikeLimit,
			Decay:       m.cfg.StrikeDecay,
		}, m.now),
		out:    make(chan []byte, outboundQueueDepth),
		logger: m.logger.With(logging.String("remote", remoteAddr)),
	}
	s.logger = s.logger.With(logging.String("session", s.id))

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	s.logger.Info("session opened")
	return s
}

// Send delivers one message to the identified peer. Delivery to a vanished
// peer is a silent no-op, which is exactly what the broker and the caches
// expect.
func (m *Manager) Send(peerID string, msgType protocol.Type, payload any) {
	if m == nil {
		return
	}
	m.mu.RLock()
	s := m.sessions[peerID]
	m.mu.RUnlock()
	if s == nil {
		return
	}
	s.enqueue(msgType, payload)
}

// IsAlive reports whether the session still exists, letting the caches skip
// waiters whose connection vanished mid-refresh.
func (m *Manager) IsAlive(sessionID string) bool {
	if m == nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[sessionID]
	return ok
}

// Len reports how many sessions are currently attached.
func (m *Manager) Len() int {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) remove(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}
