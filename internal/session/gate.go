package session

import (
	"sync"
	"time"
)

// StrikeReason enumerates why a session earned a demerit.
type StrikeReason string

const (
	StrikeReasonNone     StrikeReason = ""
	StrikeReasonFlood    StrikeReason = "flood"
	StrikeReasonProtocol StrikeReason = "protocol"
	StrikeReasonAuth     StrikeReason = "auth"
)

// GateConfig controls the flood guard and the strike policy for one session.
type GateConfig struct {
	MinInterval time.Duration
	Limit       int
	Decay       time.Duration
}

// StrikeGate tracks abuse demerits for one session. Strikes decay after a
// window of good behaviour; auth-attributed strikes clear on a successful
// login. Safe for concurrent use: auth results land on worker goroutines.
type StrikeGate struct {
	mu  sync.Mutex
	cfg GateConfig
	now func() time.Time

	lastRequest time.Time
	lastStrike  time.Time
	general     int
	auth        int
}

// NewStrikeGate constructs a gate; a nil clock defaults to time.Now.
func NewStrikeGate(cfg GateConfig, clock func() time.Time) *StrikeGate {
	if clock == nil {
		clock = time.Now
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 3
	}
	return &StrikeGate{cfg: cfg, now: clock}
}

// CheckActivity records one request arrival and reports whether it passed the
// flood guard. A rejected request earns a strike but is otherwise only
// dropped, never a hard error.
func (g *StrikeGate) CheckActivity() bool {
	if g == nil {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.decayLocked(now)
	tooSoon := g.cfg.MinInterval > 0 && !g.lastRequest.IsZero() && now.Sub(g.lastRequest) < g.cfg.MinInterval
	g.lastRequest = now
	if tooSoon {
		g.strikeLocked(now, StrikeReasonFlood)
	}
	return !tooSoon
}

// Strike adds one demerit and returns the new total.
func (g *StrikeGate) Strike(reason StrikeReason) int {
	if g == nil {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	g.decayLocked(now)
	g.strikeLocked(now, reason)
	return g.general + g.auth
}

func (g *StrikeGate) strikeLocked(now time.Time, reason StrikeReason) {
	if reason == StrikeReasonAuth {
		g.auth++
	} else {
		g.general++
	}
	g.lastStrike = now
}

// decayLocked forgives strikes earned longer than one decay window ago, one
// per elapsed window.
func (g *StrikeGate) decayLocked(now time.Time) {
	if g.cfg.Decay <= 0 || g.lastStrike.IsZero() {
		return
	}
	for g.general+g.auth > 0 && now.Sub(g.lastStrike) >= g.cfg.Decay {
		if g.general > 0 {
			g.general--
		} else {
			g.auth--
		}
		g.lastStrike = g.lastStrike.Add(g.cfg.Decay)
	}
	if g.general+g.auth == 0 {
		g.lastStrike = time.Time{}
	}
}

// ResetAuth clears the strikes attributable to failed logins.
func (g *StrikeGate) ResetAuth() {
	if g == nil {
		return
	}
	g.mu.Lock()
	g.auth = 0
	g.mu.Unlock()
}

// Strikes reports the current total after applying decay.
func (g *StrikeGate) Strikes() int {
	if g == nil {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.decayLocked(g.now())
	return g.general + g.auth
}

// Exhausted reports whether the session crossed the disconnection threshold.
func (g *StrikeGate) Exhausted() bool {
	if g == nil {
		return false
	}
	return g.Strikes() >= g.cfg.Limit
}

// Limit exposes the configured threshold for strike warnings.
func (g *StrikeGate) Limit() int {
	if g == nil {
		return 0
	}
	return g.cfg.Limit
}
