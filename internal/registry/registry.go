// Package registry is the authoritative directory of live game server and
// client connections. All mutation flows through Registry methods; sessions
// never touch records directly.
package registry

import (
	"sort"
	"strings"
	"sync"
	"time"

	"skirmish/master/internal/protocol"
)

// Record is the master's view of one connected game server. Records are owned
// exclusively by the Registry; callers receive copies.
type Record struct {
	ID           string              `json:"id"`
	Info         protocol.ServerInfo `json:"info"`
	Admin        bool                `json:"admin,omitempty"`
	Ignored      bool                `json:"ignored,omitempty"`
	RegisteredAt time.Time           `json:"registered_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// ClientInfo is the authentication-relevant state of one connected player.
type ClientInfo struct {
	ID            string    `json:"id"`
	DisplayName   string    `json:"display_name,omitempty"`
	PlayerID      uint32    `json:"player_id,omitempty"`
	Authenticated bool      `json:"authenticated,omitempty"`
	Badges        uint32    `json:"badges,omitempty"`
	GamesPlayed   uint32    `json:"games_played,omitempty"`
	GlobalChat    bool      `json:"global_chat,omitempty"`
	LastActive    time.Time `json:"last_active"`
}

// Filter narrows a server list query. PingOf is supplied out of band by the
// caller because round-trip times are client-measured; when nil the ping
// ceiling is not applied.
type Filter struct {
	ClientProtocol uint32
	MaxPing        int
	SearchText     string
	LevelType      string
	MinPlayers     int
	MaxPlayers     int
	DedicatedOnly  bool
	HostileToBots  bool
	PingOf         func(serverID string) int
}

// matches applies every criterion the master can evaluate itself.
func (f *Filter) matches(rec *Record) bool {
	if f == nil {
		return true
	}
	info := &rec.Info
	if f.ClientProtocol != 0 && info.ClientProtocol != f.ClientProtocol {
		return false
	}
	if f.DedicatedOnly && !info.Dedicated {
		return false
	}
	if f.HostileToBots && info.BotCount > 0 {
		return false
	}
	if f.MinPlayers > 0 && info.PlayerCount < f.MinPlayers {
		return false
	}
	if f.MaxPlayers > 0 && info.MaxPlayers > f.MaxPlayers {
		return false
	}
	if f.LevelType != "" && !strings.Contains(strings.ToLower(info.LevelType), strings.ToLower(f.LevelType)) {
		return false
	}
	if f.SearchText != "" {
		needle := strings.ToLower(f.SearchText)
		if !strings.Contains(strings.ToLower(info.Name), needle) &&
			!strings.Contains(strings.ToLower(info.Description), needle) &&
			!strings.Contains(strings.ToLower(info.LevelName), needle) {
			return false
		}
	}
	if f.MaxPing > 0 && f.PingOf != nil {
		if ping := f.PingOf(rec.ID); ping > f.MaxPing {
			return false
		}
	}
	return true
}

// Option customises registry construction.
type Option func(*Registry)

// WithClock overrides the wall clock, enabling deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) {
		if clock != nil {
			r.now = clock
		}
	}
}

// Registry holds every live server record and client info entry.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]*Record
	clients map[string]*ClientInfo
	now     func() time.Time

	hookMu       sync.RWMutex
	onUnregister []func(id string)
	onMutation   []func()
}

// New constructs an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		servers: make(map[string]*Record),
		clients: make(map[string]*ClientInfo),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// OnUnregister installs a hook fired after a connection leaves the registry.
// Hooks run outside the registry lock.
func (r *Registry) OnUnregister(hook func(id string)) {
	if r == nil || hook == nil {
		return
	}
	r.hookMu.Lock()
	r.onUnregister = append(r.onUnregister, hook)
	r.hookMu.Unlock()
}

// OnMutation installs a hook fired after any registry change, used to nudge
// the dashboard snapshot writer. Hooks run outside the registry lock.
func (r *Registry) OnMutation(hook func()) {
	if r == nil || hook == nil {
		return
	}
	r.hookMu.Lock()
	r.onMutation = append(r.onMutation, hook)
	r.hookMu.Unlock()
}

func (r *Registry) fireMutation() {
	r.hookMu.RLock()
	hooks := append([]func(){}, r.onMutation...)
	r.hookMu.RUnlock()
	for _, hook := range hooks {
		hook()
	}
}

// RegisterServer upserts the record for the given connection identity. The
// call is idempotent; registering twice with unchanged fields leaves the
// registry state unchanged apart from the update timestamp.
func (r *Registry) RegisterServer(id string, info protocol.ServerInfo) {
	if r == nil || id == "" {
		return
	}
	info.Clamp()
	now := r.now()

	r.mu.Lock()
	rec, ok := r.servers[id]
	if !ok {
		rec = &Record{ID: id, RegisteredAt: now}
		r.servers[id] = rec
	}
	rec.Info = info
	rec.UpdatedAt = now
	r.mu.Unlock()

	r.fireMutation()
}

// Unregister removes whatever the connection registered, then fires the
// unregister hooks so dependent components can clean up pending state.
func (r *Registry) Unregister(id string) {
	if r == nil || id == "" {
		return
	}
	r.mu.Lock()
	_, hadServer := r.servers[id]
	_, hadClient := r.clients[id]
	delete(r.servers, id)
	delete(r.clients, id)
	r.mu.Unlock()

	if !hadServer && !hadClient {
		return
	}
	r.hookMu.RLock()
	hooks := append([]func(id string){}, r.onUnregister...)
	r.hookMu.RUnlock()
	for _, hook := range hooks {
		hook(id)
	}
	r.fireMutation()
}

// LookupServer returns a copy of the record for the given identity.
func (r *Registry) LookupServer(id string) (Record, bool) {
	if r == nil {
		return Record{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.servers[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// QueryServers produces the filtered record list, sorted by identity so the
// order is stable within one query.
func (r *Registry) QueryServers(filter *Filter) []Record {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	matched := make([]Record, 0, len(r.servers))
	for _, rec := range r.servers {
		if rec.Ignored {
			continue
		}
		if filter.matches(rec) {
			matched = append(matched, *rec)
		}
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	return matched
}

// TrackClient upserts the client info entry for a connection.
func (r *Registry) TrackClient(info ClientInfo) {
	if r == nil || info.ID == "" {
		return
	}
	if info.LastActive.IsZero() {
		info.LastActive = r.now()
	}
	r.mu.Lock()
	clone := info
	r.clients[info.ID] = &clone
	r.mu.Unlock()
	r.fireMutation()
}

// UpdateClient applies a mutation to the client entry under the registry lock.
func (r *Registry) UpdateClient(id string, apply func(*ClientInfo)) bool {
	if r == nil || id == "" || apply == nil {
		return false
	}
	r.mu.Lock()
	info, ok := r.clients[id]
	if ok {
		apply(info)
		info.LastActive = r.now()
	}
	r.mu.Unlock()
	if ok {
		r.fireMutation()
	}
	return ok
}

// LookupClient returns a copy of the client entry for the given identity.
func (r *Registry) LookupClient(id string) (ClientInfo, bool) {
	if r == nil {
		return ClientInfo{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.clients[id]
	if !ok {
		return ClientInfo{}, false
	}
	return *info, true
}

// Counts reports how many servers and clients are currently connected.
func (r *Registry) Counts() (servers, clients int) {
	if r == nil {
		return 0, 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.servers), len(r.clients)
}
