package types

// SessionSnapshot:
//   id: string
//   code: string
//   name: string
//   host_id: string
//   status: "waiting" | "active" | "completed" | "cancelled"
//   phase: "lobby" | "round_playback" | "voting" | "round_complete" | "done"
//   round: number // 0-based deck index of the current round
//   deck_size: number
//   max_players: number
//   round_duration_sec: number
//   artist: { id: string, name: string, image_url?: string }
//   players: [
//     { user_id: string, is_host: boolean, score: number,
//       deck_submitted: boolean, played: boolean, voted: boolean }
//   ]
