package types

// Client -> Server (websocket, also mirrored by the REST endpoints)
// Every command carries:
//   type: string
//   user_id: string // defaults to the ?user= query param of the connection
//
// join_session: {}
//
// leave_session: {}
//
// start_session: {} // host only, all decks must be submitted
//
// submit_deck:
//   track_ids: string[] // exactly deck_size ids from the session artist's top tracks
//
// track_played: {} // the round owner's client reports playback finished
//
// submit_vote:
//   track_id: string // may not be the voter's own track
//
// delete_session: {} // host only, cancels the session

// Server -> Client
// Every event carries the full authoritative snapshot; clients replace their
// local state wholesale.
//
// session_updated:
//   version: number
//   snapshot: SessionSnapshot
//
// round_started:
//   round: number
//   duration_sec: number
//   snapshot: SessionSnapshot
//
// voting_started:
//   round: number
//   duration_sec: number
//   snapshot: SessionSnapshot
//
// round_ended:
//   round: number
//   winning_track_id: string // empty when no votes were cast
//   vote_counts: { [track_id]: number }
//   leaderboard: PlayerView[]
//   snapshot: SessionSnapshot
//
// match_ended:
//   final_leaderboard: PlayerView[]
//   snapshot: SessionSnapshot
//
// session_deleted: {}
//
// error:
//   error: string
