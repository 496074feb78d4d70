package engine

import "sort"

// TrackTally is one candidate track's standing after a round.
type TrackTally struct {
	TrackID string
	OwnerID string
	Votes   int
	seq     int
}

// RoundResult is the derived outcome of one round: the full ranking plus the
// winner, if any votes were cast at all.
type RoundResult struct {
	Round         int
	Ranking       []TrackTally
	VoteCounts    map[string]int
	WinnerTrackID string
	WinnerUserID  string
	WinnerVotes   int
}

// TallyRound ranks the round's candidates (index `round` of each current
// player's submitted deck) by vote count descending. Ties break by deck
// submission order, earliest submission first. Candidates are keyed by owner,
// not raw track id, since two decks may carry the same track; each vote was
// attributed to one owner when it was cast. Decks of players who left are not
// candidates. The winner is credited elsewhere with a score increment equal
// to their vote count; a round with no votes has no winner.
func TallyRound(s State, round int) RoundResult {
	votes := s.Votes[round]

	counts := make(map[string]int, len(s.Players))
	ranking := make([]TrackTally, 0, len(s.Players))
	for _, p := range s.Players {
		d, ok := s.Decks[p.UserID]
		if !ok || !d.Submitted || round >= len(d.TrackIDs) {
			continue
		}
		trackID := d.TrackIDs[round]
		n := 0
		for _, v := range votes {
			if v.OwnerID == p.UserID {
				n++
			}
		}
		counts[trackID] += n
		ranking = append(ranking, TrackTally{TrackID: trackID, OwnerID: p.UserID, Votes: n, seq: d.Seq})
	}

	sort.SliceStable(ranking, func(i, j int) bool {
		if ranking[i].Votes != ranking[j].Votes {
			return ranking[i].Votes > ranking[j].Votes
		}
		return ranking[i].seq < ranking[j].seq
	})

	result := RoundResult{Round: round, Ranking: ranking, VoteCounts: counts}
	if len(ranking) > 0 && ranking[0].Votes > 0 {
		result.WinnerTrackID = ranking[0].TrackID
		result.WinnerUserID = ranking[0].OwnerID
		result.WinnerVotes = ranking[0].Votes
	}
	return result
}

// Leaderboard returns the players ordered by cumulative score descending,
// stable within equal scores (join order).
func Leaderboard(s State) []Player {
	board := make([]Player, len(s.Players))
	copy(board, s.Players)
	sort.SliceStable(board, func(i, j int) bool {
		return board[i].Score > board[j].Score
	})
	return board
}
