package session

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/encoding/json"

	"skirmish/master/internal/auth"
	"skirmish/master/internal/cache"
	"skirmish/master/internal/logging"
	"skirmish/master/internal/protocol"
	"skirmish/master/internal/registry"
	"skirmish/master/internal/store"
)

// outboundQueueDepth bounds the per-session write queue; a peer that cannot
// drain it loses frames rather than stalling the master.
const outboundQueueDepth = 64

// writeTimeout bounds store writes that outlive the frame that triggered them.
const writeTimeout = 10 * time.Second

// State tracks where a session is in its lifecycle.
type State int

const (
	StateHandshaking State = iota
	StateEstablished
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Session is the state machine for one peer connection. HandleFrame is called
// from a single reader goroutine; auth results and cache deliveries arrive on
// worker goroutines, so mutable fields live behind the mutex.
type Session struct {
	id         string
	remoteAddr string
	manager    *Manager
	gate       *StrikeGate
	out        chan []byte
	logger     *logging.Logger

	mu            sync.Mutex
	state         State
	role          protocol.Role
	displayName   string
	playerID      uint32
	authenticated bool
	authPending   bool
	lastQueryID   uint32
	closed        bool
}

// ID returns the connection identity the registry and broker key on.
func (s *Session) ID() string {
	if s == nil {
		return ""
	}
	return s.id
}

// State reports the current lifecycle state.
func (s *Session) State() State {
	if s == nil {
		return StateClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Role reports the negotiated role, empty before the handshake completes.
func (s *Session) Role() protocol.Role {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// Outbound exposes the frames queued for this peer. The channel closes when
// the session does; the writer pump must drain it to the end.
func (s *Session) Outbound() <-chan []byte {
	if s == nil {
		return nil
	}
	return s.out
}

// enqueue encodes and queues one outbound frame, dropping it when the peer
// cannot keep up or the session already closed.
func (s *Session) enqueue(msgType protocol.Type, payload any) {
	if s == nil {
		return
	}
	frame, err := protocol.Encode(msgType, payload)
	if err != nil {
		s.logger.Error("encode outbound frame", logging.String("type", string(msgType)), logging.Error(err))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.out <- frame:
	default:
		s.logger.Warn("outbound queue full, dropping frame", logging.String("type", string(msgType)))
	}
}

// HandleFrame consumes one inbound frame. Malformed or out-of-order traffic
// earns strikes; it never crashes the session outright.
func (s *Session) HandleFrame(ctx context.Context, frame []byte) {
	if s == nil {
		return
	}
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state == StateClosing || state == StateClosed {
		return
	}

	if !s.gate.CheckActivity() {
		//1.- The flood guard already recorded the strike; just report it.
		s.notifyStrikes()
		return
	}

	env, err := protocol.Decode(frame)
	if err != nil {
		s.fault("undecodable frame", logging.Error(err))
		return
	}
	s.dispatch(ctx, env)
}

func (s *Session) dispatch(ctx context.Context, env *protocol.Envelope) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	if state == StateHandshaking {
		if env.Type != protocol.TypeHandshake {
			s.fault("frame before handshake", logging.String("type", string(env.Type)))
			return
		}
		s.handleHandshake(env)
		return
	}

	switch env.Type {
	case protocol.TypeHandshake:
		s.fault("duplicate handshake")
	case protocol.TypeStatusUpdate:
		s.handleStatusUpdate(env)
	case protocol.TypeQueryServers:
		s.handleQueryServers(env)
	case protocol.TypeRequestArranged:
		s.handleRequestArranged(env)
	case protocol.TypeAcceptArranged:
		s.handleAcceptArranged(env)
	case protocol.TypeRejectArranged:
		s.handleRejectArranged(env)
	case protocol.TypeGetRating:
		s.handleGetRating(ctx, env)
	case protocol.TypeSetRating:
		s.handleSetRating(env)
	case protocol.TypeGetHighScores:
		s.handleGetHighScores(ctx, env)
	case protocol.TypeAuthenticate:
		s.handleAuthenticate(ctx, env)
	case protocol.TypeChatJoin:
		s.handleChatJoin()
	case protocol.TypeChatLeave:
		s.handleChatLeave()
	case protocol.TypeChatMessage:
		s.handleChatMessage(env)
	case protocol.TypeGameStatistics:
		s.handleGameStatistics(env)
	case protocol.TypeAchievement:
		s.handleAchievement(env)
	case protocol.TypeLevelInfo:
		s.handleLevelInfo(env)
	case protocol.TypeDisconnectNotice:
		s.Close("peer disconnect")
	default:
		s.fault("unknown message type", logging.String("type", string(env.Type)))
	}
}

// fault records one protocol strike and notifies or tears down the session.
func (s *Session) fault(reason string, fields ...logging.Field) {
	s.logger.Warn("protocol fault: "+reason, fields...)
	s.gate.Strike(StrikeReasonProtocol)
	s.notifyStrikes()
}

// notifyStrikes warns the peer about its strike total, or disconnects it once
// the limit is crossed.
func (s *Session) notifyStrikes() {
	if s.gate.Exhausted() {
		s.enqueue(protocol.TypeDisconnectNotice, &protocol.DisconnectNotice{Reason: "strike limit reached"})
		s.Close("strike limit")
		return
	}
	s.enqueue(protocol.TypeStrikeWarning, &protocol.StrikeWarning{
		Strikes: s.gate.Strikes(),
		Limit:   s.gate.Limit(),
	})
}

// requireHost gates server-only messages; a client issuing them is a fault.
func (s *Session) requireHost(env *protocol.Envelope) bool {
	s.mu.Lock()
	role := s.role
	s.mu.Unlock()
	if role.CanHost() {
		return true
	}
	s.fault("host-only message from "+string(role)+" role", logging.String("type", string(env.Type)))
	return false
}

// requirePlayer gates client-only messages symmetrically.
func (s *Session) requirePlayer(env *protocol.Envelope) bool {
	s.mu.Lock()
	role := s.role
	s.mu.Unlock()
	if role.CanPlay() {
		return true
	}
	s.fault("client-only message from "+string(role)+" role", logging.String("type", string(env.Type)))
	return false
}

func (s *Session) handleHandshake(env *protocol.Envelope) {
	var msg protocol.Handshake
	if err := env.Bind(&msg); err != nil {
		s.fault("bad handshake", logging.Error(err))
		return
	}
	if !msg.Role.Valid() {
		s.fault("invalid role", logging.String("role", string(msg.Role)))
		return
	}
	if msg.MasterProtocol != protocol.CurrentMasterProtocol {
		s.enqueue(protocol.TypeHandshakeAck, &protocol.HandshakeAck{
			SessionID:      s.id,
			MasterProtocol: protocol.CurrentMasterProtocol,
			Accepted:       false,
			Reason:         "unsupported master protocol",
		})
		s.Close("master protocol mismatch")
		return
	}

	s.mu.Lock()
	s.role = msg.Role
	s.displayName = msg.DisplayName
	s.state = StateEstablished
	s.mu.Unlock()

	if msg.Role.CanPlay() {
		s.manager.deps.Registry.TrackClient(registry.ClientInfo{
			ID:          s.id,
			DisplayName: msg.DisplayName,
		})
	}
	s.enqueue(protocol.TypeHandshakeAck, &protocol.HandshakeAck{
		SessionID:      s.id,
		MasterProtocol: protocol.CurrentMasterProtocol,
		Accepted:       true,
	})
	s.logger.Info("handshake complete",
		logging.String("role", string(msg.Role)),
		logging.Uint32("client_protocol", msg.ClientProtocol),
		logging.Uint32("build", msg.BuildNumber))
}

func (s *Session) handleStatusUpdate(env *protocol.Envelope) {
	if !s.requireHost(env) {
		return
	}
	var msg protocol.StatusUpdate
	if err := env.Bind(&msg); err != nil {
		s.fault("bad status update", logging.Error(err))
		return
	}
	s.manager.deps.Registry.RegisterServer(s.id, msg.Info)
}

func (s *Session) handleQueryServers(env *protocol.Envelope) {
	if !s.requirePlayer(env) {
		return
	}
	var msg protocol.QueryServers
	if err := env.Bind(&msg); err != nil {
		s.fault("bad server query", logging.Error(err))
		return
	}

	s.mu.Lock()
	if s.lastQueryID != 0 && msg.QueryID <= s.lastQueryID {
		//1.- A newer query already superseded this one; its stream must not start.
		s.mu.Unlock()
		return
	}
	s.lastQueryID = msg.QueryID
	s.mu.Unlock()

	filter := &registry.Filter{
		ClientProtocol: msg.ClientProtocol,
		MaxPing:        msg.MaxPing,
		SearchText:     msg.SearchText,
		LevelType:      msg.LevelType,
		MinPlayers:     msg.MinPlayers,
		MaxPlayers:     msg.MaxPlayers,
		DedicatedOnly:  msg.DedicatedOnly,
		HostileToBots:  msg.HostileToBots,
	}
	records := s.manager.deps.Registry.QueryServers(filter)

	chunkSize := s.manager.cfg.QueryChunkSize
	if chunkSize <= 0 {
		chunkSize = 16
	}
	for start := 0; start < len(records); start += chunkSize {
		end := start + chunkSize
		if end > len(records) {
			end = len(records)
		}
		entries := make([]protocol.ServerEntry, 0, end-start)
		for _, rec := range records[start:end] {
			entries = append(entries, protocol.ServerEntry{ID: rec.ID, Info: rec.Info})
		}
		s.enqueue(protocol.TypeServerChunk, packServerChunk(msg.QueryID, entries))
	}
	s.enqueue(protocol.TypeQueryDone, &protocol.QueryDone{QueryID: msg.QueryID, Total: len(records)})
}

// packServerChunk compresses large chunks on the wire and leaves small ones as
// plain JSON.
func packServerChunk(queryID uint32, entries []protocol.ServerEntry) *protocol.ServerChunk {
	raw, err := json.Marshal(entries)
	if err != nil {
		return &protocol.ServerChunk{QueryID: queryID, Servers: entries}
	}
	blob := protocol.Pack(raw)
	if blob.Encoding == "" {
		return &protocol.ServerChunk{QueryID: queryID, Servers: entries}
	}
	return &protocol.ServerChunk{QueryID: queryID, Packed: blob}
}

func (s *Session) handleRequestArranged(env *protocol.Envelope) {
	if !s.requirePlayer(env) {
		return
	}
	var msg protocol.RequestArranged
	if err := env.Bind(&msg); err != nil {
		s.fault("bad arranged request", logging.Error(err))
		return
	}
	if msg.RemoteAddress == "" {
		msg.RemoteAddress = s.remoteAddr
	}
	if _, ok := s.manager.deps.Registry.LookupServer(msg.ServerID); !ok {
		//1.- Target vanished before the request arrived: answer now, never queue.
		s.enqueue(protocol.TypeArrangedResult, &protocol.ArrangedResult{
			RequestID: msg.RequestID,
			Accepted:  false,
			Synthetic: true,
		})
		return
	}
	s.mu.Lock()
	name := s.displayName
	s.mu.Unlock()
	s.manager.broker.Request(s.id, msg, name)
}

func (s *Session) handleAcceptArranged(env *protocol.Envelope) {
	if !s.requireHost(env) {
		return
	}
	var msg protocol.AcceptArranged
	if err := env.Bind(&msg); err != nil {
		s.fault("bad arranged accept", logging.Error(err))
		return
	}
	if msg.InternalAddress == "" {
		if rec, ok := s.manager.deps.Registry.LookupServer(s.id); ok {
			msg.InternalAddress = rec.Info.PublicAddress
		}
	}
	s.manager.broker.Accept(s.id, msg)
}

func (s *Session) handleRejectArranged(env *protocol.Envelope) {
	if !s.requireHost(env) {
		return
	}
	var msg protocol.RejectArranged
	if err := env.Bind(&msg); err != nil {
		s.fault("bad arranged reject", logging.Error(err))
		return
	}
	s.manager.broker.Reject(s.id, msg)
}

func (s *Session) handleGetRating(ctx context.Context, env *protocol.Envelope) {
	if !s.requirePlayer(env) {
		return
	}
	var msg protocol.GetRating
	if err := env.Bind(&msg); err != nil {
		s.fault("bad rating request", logging.Error(err))
		return
	}
	s.mu.Lock()
	playerID := s.playerID
	s.mu.Unlock()

	key := cache.RatingKey{PlayerID: playerID, LevelID: msg.LevelID}
	s.manager.deps.Ratings.Get(ctx, key, s.id, func(pair store.RatingPair, err error) {
		if err != nil {
			pair = store.NotRatedPair
		}
		s.enqueue(protocol.TypeRatingResult, &protocol.RatingResult{
			LevelID:      msg.LevelID,
			PlayerRating: pair.Player,
			LevelRating:  pair.Level,
		})
	})
}

func (s *Session) handleSetRating(env *protocol.Envelope) {
	if !s.requirePlayer(env) {
		return
	}
	var msg protocol.SetRating
	if err := env.Bind(&msg); err != nil {
		s.fault("bad rating submission", logging.Error(err))
		return
	}
	if !msg.Rating.Known() {
		s.fault("rating sentinel submitted as value")
		return
	}
	s.mu.Lock()
	playerID := s.playerID
	authenticated := s.authenticated
	s.mu.Unlock()
	if !authenticated {
		s.fault("rating submission before authentication")
		return
	}

	key := cache.RatingKey{PlayerID: playerID, LevelID: msg.LevelID}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := s.manager.deps.Ratings.SetRating(ctx, key, msg.Rating); err != nil {
			s.logger.Error("rating write failed", logging.Uint32("level", msg.LevelID), logging.Error(err))
		}
	}()
}

func (s *Session) handleGetHighScores(ctx context.Context, env *protocol.Envelope) {
	if !s.requirePlayer(env) {
		return
	}
	var msg protocol.GetHighScores
	if err := env.Bind(&msg); err != nil {
		s.fault("bad high score request", logging.Error(err))
		return
	}
	key := cache.ScoreKey{Group: msg.Group, Category: msg.Category}
	s.manager.deps.Scores.Get(ctx, key, s.id, func(rows []protocol.HighScoreRow, err error) {
		if err != nil {
			rows = nil
		}
		s.enqueue(protocol.TypeHighScoresResult, packHighScores(msg.Group, msg.Category, rows))
	})
}

func packHighScores(group, category string, rows []protocol.HighScoreRow) *protocol.HighScoresResult {
	result := &protocol.HighScoresResult{Group: group, Category: category}
	raw, err := json.Marshal(rows)
	if err != nil || len(rows) == 0 {
		result.Rows = rows
		return result
	}
	blob := protocol.Pack(raw)
	if blob.Encoding == "" {
		result.Rows = rows
		return result
	}
	result.Packed = blob
	return result
}

func (s *Session) handleAuthenticate(ctx context.Context, env *protocol.Envelope) {
	var msg protocol.Authenticate
	if err := env.Bind(&msg); err != nil {
		s.fault("bad authenticate", logging.Error(err))
		return
	}

	s.mu.Lock()
	if s.authPending {
		//1.- One check at a time; duplicates are dropped, not queued.
		s.mu.Unlock()
		return
	}
	s.authPending = true
	s.mu.Unlock()

	s.manager.deps.Validator.Check(ctx, msg.Username, msg.Password, s.finishAuth)
}

// finishAuth lands on the validator's worker goroutine.
func (s *Session) finishAuth(res auth.Result) {
	s.mu.Lock()
	s.authPending = false
	if res.Status == auth.StatusAuthenticated {
		s.authenticated = true
		s.playerID = res.Profile.PlayerID
		if res.Profile.DisplayName != "" {
			s.displayName = res.Profile.DisplayName
		}
	}
	s.mu.Unlock()

	s.enqueue(protocol.TypeAuthResult, &protocol.AuthResult{
		Status:      string(res.Status),
		PlayerID:    res.Profile.PlayerID,
		Badges:      res.Profile.Badges,
		GamesPlayed: res.Profile.GamesPlayed,
	})

	switch {
	case res.Status == auth.StatusAuthenticated:
		s.gate.ResetAuth()
		s.manager.deps.Registry.UpdateClient(s.id, func(info *registry.ClientInfo) {
			info.Authenticated = true
			info.PlayerID = res.Profile.PlayerID
			info.Badges = res.Profile.Badges
			info.GamesPlayed = res.Profile.GamesPlayed
			if res.Profile.DisplayName != "" {
				info.DisplayName = res.Profile.DisplayName
			}
		})
		s.logger.Info("authenticated", logging.Uint32("player_id", res.Profile.PlayerID))
	case res.Status.Failed():
		s.gate.Strike(StrikeReasonAuth)
		s.notifyStrikes()
	}
}

func (s *Session) handleChatJoin() {
	s.mu.Lock()
	name := s.displayName
	s.mu.Unlock()
	s.manager.hub.Join(s.id, name)
	s.manager.deps.Registry.UpdateClient(s.id, func(info *registry.ClientInfo) { info.GlobalChat = true })
}

func (s *Session) handleChatLeave() {
	s.manager.hub.Leave(s.id)
	s.manager.deps.Registry.UpdateClient(s.id, func(info *registry.ClientInfo) { info.GlobalChat = false })
}

func (s *Session) handleChatMessage(env *protocol.Envelope) {
	var msg protocol.ChatMessage
	if err := env.Bind(&msg); err != nil {
		s.fault("bad chat message", logging.Error(err))
		return
	}
	if !s.manager.hub.Broadcast(s.id, msg.Text) {
		s.fault("chat message without membership")
	}
}

func (s *Session) handleGameStatistics(env *protocol.Envelope) {
	if !s.requireHost(env) {
		return
	}
	var msg protocol.GameStatisticsReport
	if err := env.Bind(&msg); err != nil {
		s.fault("bad game statistics", logging.Error(err))
		return
	}
	serverName := s.id
	if rec, ok := s.manager.deps.Registry.LookupServer(s.id); ok {
		serverName = rec.Info.Name
	}
	stats := store.GameStatistics{
		ServerName: serverName,
		LevelName:  msg.LevelName,
		LevelType:  msg.LevelType,
		Players:    msg.Players,
		Scores:     msg.Scores,
		PlayedAt:   s.manager.now(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := s.manager.deps.Games.WriteGameStatistics(ctx, stats); err != nil {
			s.logger.Error("game statistics write failed", logging.Error(err))
		}
	}()
	s.manager.deps.Stats.PublishGameStatistics(stats)
}

func (s *Session) handleAchievement(env *protocol.Envelope) {
	if !s.requireHost(env) {
		return
	}
	var msg protocol.AchievementReport
	if err := env.Bind(&msg); err != nil {
		s.fault("bad achievement report", logging.Error(err))
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := s.manager.deps.Games.WriteAchievement(ctx, msg.PlayerID, msg.AchievementID); err != nil {
			s.logger.Error("achievement write failed", logging.Error(err))
		}
	}()
	s.manager.deps.Stats.PublishAchievement(msg.PlayerID, msg.AchievementID)
}

func (s *Session) handleLevelInfo(env *protocol.Envelope) {
	if !s.requireHost(env) {
		return
	}
	var msg protocol.LevelInfoReport
	if err := env.Bind(&msg); err != nil {
		s.fault("bad level info", logging.Error(err))
		return
	}
	if msg.Hash == "" || msg.Name == "" {
		s.fault("level info missing hash or name")
		return
	}
	info := store.LevelInfo{Hash: msg.Hash, Name: msg.Name, Creator: msg.Creator, Type: msg.Type}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := s.manager.deps.Games.WriteLevelInfo(ctx, info); err != nil {
			s.logger.Error("level info write failed", logging.Error(err))
		}
	}()
}

// Close tears the session down exactly once: the registry entry, pending
// arranged requests, and chat membership all go with it.
func (s *Session) Close(reason string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.state = StateClosing
	s.mu.Unlock()

	m := s.manager
	//1.- Leave the routing table first so late deliveries become no-ops.
	m.remove(s.id)
	m.hub.Leave(s.id)
	if m.broker != nil {
		m.broker.DropEndpoint(s.id)
	}
	m.deps.Registry.Unregister(s.id)

	s.mu.Lock()
	s.state = StateClosed
	close(s.out)
	s.mu.Unlock()
	s.logger.Info("session closed", logging.String("reason", reason))
}
