package protocol

// Type tags every message travelling between a peer and the master.
type Type string

const (
	TypeHandshake    Type = "handshake"
	TypeHandshakeAck Type = "handshake_ack"

	TypeStatusUpdate Type = "status_update"

	TypeQueryServers Type = "query_servers"
	TypeServerChunk  Type = "server_chunk"
	TypeQueryDone    Type = "query_done"

	TypeRequestArranged  Type = "request_arranged"
	TypeArrangedIncoming Type = "arranged_incoming"
	TypeAcceptArranged   Type = "accept_arranged"
	TypeRejectArranged   Type = "reject_arranged"
	TypeArrangedResult   Type = "arranged_result"

	TypeGetRating        Type = "get_rating"
	TypeSetRating        Type = "set_rating"
	TypeRatingResult     Type = "rating_result"
	TypeGetHighScores    Type = "get_high_scores"
	TypeHighScoresResult Type = "high_scores_result"

	TypeAuthenticate Type = "authenticate"
	TypeAuthResult   Type = "auth_result"

	TypeChatJoin    Type = "chat_join"
	TypeChatLeave   Type = "chat_leave"
	TypeChatMessage Type = "chat_message"

	TypeGameStatistics Type = "game_statistics"
	TypeAchievement    Type = "achievement"
	TypeLevelInfo      Type = "level_info"

	TypeStrikeWarning    Type = "strike_warning"
	TypeDisconnectNotice Type = "disconnect_notice"
)

// CurrentMasterProtocol is the master protocol number this build speaks.
// Handshakes carrying any other number are refused.
const CurrentMasterProtocol uint32 = 2

// Role identifies what kind of peer completed the handshake.
type Role string

const (
	RoleServer Role = "server"
	RoleClient Role = "client"
	RoleBoth   Role = "both"
)

// Valid reports whether the role is one the master accepts.
func (r Role) Valid() bool {
	switch r {
	case RoleServer, RoleClient, RoleBoth:
		return true
	}
	return false
}

// CanHost reports whether the peer may register game server records.
func (r Role) CanHost() bool { return r == RoleServer || r == RoleBoth }

// CanPlay reports whether the peer may issue client-side requests.
func (r Role) CanPlay() bool { return r == RoleClient || r == RoleBoth }

// Rating is a bounded signed score for a player/level pair.
type Rating int8

// NotRated is the sentinel for "no rating exists yet". It is distinct from a
// zero rating and must survive the wire round trip unchanged.
const NotRated Rating = -128

// Known reports whether the rating holds an actual value.
func (r Rating) Known() bool { return r != NotRated }

// ServerInfo is the self-reported state of one game server. The master relays
// InfoFlags and LevelType without interpreting them.
type ServerInfo struct {
	Name            string `json:"name"`
	Description     string `json:"description,omitempty"`
	PublicAddress   string `json:"public_address"`
	InternalAddress string `json:"internal_address,omitempty"`
	MasterProtocol  uint32 `json:"master_protocol"`
	ClientProtocol  uint32 `json:"client_protocol"`
	BuildNumber     uint32 `json:"build_number"`
	LevelName       string `json:"level_name,omitempty"`
	LevelType       string `json:"level_type,omitempty"`
	PlayerCount     int    `json:"player_count"`
	BotCount        int    `json:"bot_count"`
	MaxPlayers      int    `json:"max_players"`
	InfoFlags       uint32 `json:"info_flags"`
	Dedicated       bool   `json:"dedicated"`
	DebugBuild      bool   `json:"debug_build,omitempty"`
	GlobalChat      bool   `json:"global_chat,omitempty"`
}

// Clamp forces the count invariants so a hostile update cannot push them negative.
func (s *ServerInfo) Clamp() {
	if s == nil {
		return
	}
	if s.PlayerCount < 0 {
		s.PlayerCount = 0
	}
	if s.BotCount < 0 {
		s.BotCount = 0
	}
	if s.MaxPlayers < 0 {
		s.MaxPlayers = 0
	}
}

// Handshake opens a session and negotiates protocol and build numbers.
type Handshake struct {
	Role           Role   `json:"role"`
	MasterProtocol uint32 `json:"master_protocol"`
	ClientProtocol uint32 `json:"client_protocol"`
	BuildNumber    uint32 `json:"build_number"`
	DisplayName    string `json:"display_name,omitempty"`
}

// HandshakeAck confirms a completed handshake.
type HandshakeAck struct {
	SessionID      string `json:"session_id"`
	MasterProtocol uint32 `json:"master_protocol"`
	Accepted       bool   `json:"accepted"`
	Reason         string `json:"reason,omitempty"`
}

// StatusUpdate is the periodic push from a game server into the registry.
type StatusUpdate struct {
	Info ServerInfo `json:"info"`
}

// QueryServers asks for the filtered server list. QueryID is chosen by the
// client and increases monotonically; stale IDs are discarded.
type QueryServers struct {
	QueryID        uint32 `json:"query_id"`
	ClientProtocol uint32 `json:"client_protocol,omitempty"`
	MaxPing        int    `json:"max_ping,omitempty"`
	SearchText     string `json:"search_text,omitempty"`
	LevelType      string `json:"level_type,omitempty"`
	MinPlayers     int    `json:"min_players,omitempty"`
	MaxPlayers     int    `json:"max_players,omitempty"`
	DedicatedOnly  bool   `json:"dedicated_only,omitempty"`
	HostileToBots  bool   `json:"hostile_to_bots,omitempty"`
}

// ServerEntry pairs a server's connection identity with its reported state.
// The identity is what arranged-connection requests address.
type ServerEntry struct {
	ID   string     `json:"id"`
	Info ServerInfo `json:"info"`
}

// ServerChunk carries one bounded slice of the query result stream. Large
// chunks travel as a packed blob holding the same entry list.
type ServerChunk struct {
	QueryID uint32        `json:"query_id"`
	Servers []ServerEntry `json:"servers,omitempty"`
	Packed  *Blob         `json:"packed,omitempty"`
}

// QueryDone terminates the result stream for QueryID.
type QueryDone struct {
	QueryID uint32 `json:"query_id"`
	Total   int    `json:"total"`
}

// RequestArranged asks the master to broker a connection to ServerID.
type RequestArranged struct {
	RequestID       uint32 `json:"request_id"`
	ServerID        string `json:"server_id"`
	RemoteAddress   string `json:"remote_address"`
	InternalAddress string `json:"internal_address,omitempty"`
	Params          []byte `json:"params,omitempty"`
}

// ArrangedIncoming is pushed to the target server when a client wants in.
type ArrangedIncoming struct {
	RequestID        uint32   `json:"request_id"`
	ClientAddresses  []string `json:"client_addresses"`
	Params           []byte   `json:"params,omitempty"`
	RequestingPlayer string   `json:"requesting_player,omitempty"`
}

// AcceptArranged is a server's positive answer for a pending request.
type AcceptArranged struct {
	RequestID       uint32 `json:"request_id"`
	InternalAddress string `json:"internal_address,omitempty"`
	Params          []byte `json:"params,omitempty"`
}

// RejectArranged is a server's negative answer for a pending request.
type RejectArranged struct {
	RequestID  uint32 `json:"request_id"`
	RejectData []byte `json:"reject_data,omitempty"`
}

// ArrangedResult relays the terminal outcome back to the requesting client.
type ArrangedResult struct {
	RequestID     uint32 `json:"request_id"`
	Accepted      bool   `json:"accepted"`
	ServerAddress string `json:"server_address,omitempty"`
	Params        []byte `json:"params,omitempty"`
	RejectData    []byte `json:"reject_data,omitempty"`
	Synthetic     bool   `json:"synthetic,omitempty"`
}

// GetRating requests the cached rating pair for a level.
type GetRating struct {
	LevelID uint32 `json:"level_id"`
}

// SetRating submits the caller's rating for a level.
type SetRating struct {
	LevelID uint32 `json:"level_id"`
	Rating  Rating `json:"rating"`
}

// RatingResult answers GetRating with the caller's own and the aggregate rating.
type RatingResult struct {
	LevelID      uint32 `json:"level_id"`
	PlayerRating Rating `json:"player_rating"`
	LevelRating  Rating `json:"level_rating"`
}

// GetHighScores requests one leaderboard table.
type GetHighScores struct {
	Group    string `json:"group"`
	Category string `json:"category"`
}

// HighScoreRow is one line of a leaderboard table.
type HighScoreRow struct {
	Rank       int    `json:"rank"`
	PlayerName string `json:"player_name"`
	Score      int64  `json:"score"`
}

// HighScoresResult answers GetHighScores; large tables travel packed.
type HighScoresResult struct {
	Group    string         `json:"group"`
	Category string         `json:"category"`
	Rows     []HighScoreRow `json:"rows,omitempty"`
	Packed   *Blob          `json:"packed,omitempty"`
}

// Authenticate submits credentials for verification.
type Authenticate struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AuthResult reports the outcome of an authentication attempt.
type AuthResult struct {
	Status      string `json:"status"`
	PlayerID    uint32 `json:"player_id,omitempty"`
	Badges      uint32 `json:"badges,omitempty"`
	GamesPlayed uint32 `json:"games_played,omitempty"`
}

// GameStatisticsReport is a finished game pushed by the hosting server.
type GameStatisticsReport struct {
	LevelName string   `json:"level_name"`
	LevelType string   `json:"level_type,omitempty"`
	Players   []string `json:"players"`
	Scores    []int64  `json:"scores"`
}

// AchievementReport records that a player earned an achievement in a
// server-hosted game.
type AchievementReport struct {
	PlayerID      uint32 `json:"player_id"`
	AchievementID uint32 `json:"achievement_id"`
}

// LevelInfoReport registers metadata for a user-made level by content hash.
type LevelInfoReport struct {
	Hash    string `json:"hash"`
	Name    string `json:"name"`
	Creator string `json:"creator,omitempty"`
	Type    string `json:"type,omitempty"`
}

// ChatMessage is one line of global chat, relayed to every member.
type ChatMessage struct {
	From string `json:"from,omitempty"`
	Text string `json:"text"`
}

// StrikeWarning tells a peer it is close to being disconnected for abuse.
type StrikeWarning struct {
	Strikes int `json:"strikes"`
	Limit   int `json:"limit"`
}

// DisconnectNotice is the last message before the master closes the connection.
type DisconnectNotice struct {
	Reason string `json:"reason"`
}
