// Package types defines the command and event envelopes shared by the
// websocket and HTTP layers. Both sets are closed: unknown command types are
// rejected at the boundary.
package types

// ClientCommand is the client -> server envelope.
type ClientCommand struct {
	Type     string   `json:"type"`
	UserID   string   `json:"user_id,omitempty"`
	TrackID  string   `json:"track_id,omitempty"`
	TrackIDs []string `json:"track_ids,omitempty"`
}

// Client command types.
const (
	CmdJoinSession   = "join_session"
	CmdLeaveSession  = "leave_session"
	CmdStartSession  = "start_session"
	CmdTrackPlayed   = "track_played"
	CmdSubmitVote    = "submit_vote"
	CmdSubmitDeck    = "submit_deck"
	CmdDeleteSession = "delete_session"
)

// Server event types.
const (
	EvtSessionUpdated = "session_updated"
	EvtRoundStarted   = "round_started"
	EvtVotingStarted  = "voting_started"
	EvtRoundEnded     = "round_ended"
	EvtMatchEnded     = "match_ended"
	EvtSessionDeleted = "session_deleted"
	EvtError          = "error"
)

type ArtistRef struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ImageURL string `json:"image_url,omitempty"`
}

// PlayerView is one participant in a snapshot, leaderboard-ready.
type PlayerView struct {
	UserID        string `json:"user_id"`
	IsHost        bool   `json:"is_host"`
	Score         int    `json:"score"`
	DeckSubmitted bool   `json:"deck_submitted"`
	Played        bool   `json:"played"`
	Voted         bool   `json:"voted"`
}

// SessionSnapshot is the full authoritative state pushed with every event.
// Clients replace their local view wholesale rather than patching deltas.
type SessionSnapshot struct {
	ID               string       `json:"id"`
	Code             string       `json:"code"`
	Name             string       `json:"name"`
	HostID           string       `json:"host_id"`
	Status           string       `json:"status"`
	Phase            string       `json:"phase"`
	Round            int          `json:"round"`
	DeckSize         int          `json:"deck_size"`
	MaxPlayers       int          `json:"max_players"`
	RoundDurationSec int          `json:"round_duration_sec"`
	Artist           ArtistRef    `json:"artist"`
	Players          []PlayerView `json:"players"`
}

// ServerEvent is the server -> client envelope.
type ServerEvent struct {
	Type             string           `json:"type"`
	Version          int              `json:"version,omitempty"`
	Round            int              `json:"round,omitempty"`
	DurationSec      int              `json:"duration_sec,omitempty"`
	WinningTrackID   string           `json:"winning_track_id,omitempty"`
	VoteCounts       map[string]int   `json:"vote_counts,omitempty"`
	Leaderboard      []PlayerView     `json:"leaderboard,omitempty"`
	FinalLeaderboard []PlayerView     `json:"final_leaderboard,omitempty"`
	Error            string           `json:"error,omitempty"`
	Snapshot         *SessionSnapshot `json:"snapshot,omitempty"`
}
