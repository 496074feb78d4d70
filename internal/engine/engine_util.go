package engine

import "slices"

// NewState builds the waiting-room state for a freshly created session. The
// host is the first participant.
func NewState(hostID string, deckSize, maxPlayers int) State {
	return State{
		Status:     StatusWaiting,
		Phase:      PhaseLobby,
		DeckSize:   deckSize,
		MaxPlayers: maxPlayers,
		HostID:     hostID,
		Players:    []Player{{UserID: hostID, IsHost: true}},
		Decks:      map[string]Deck{},
		PlayedBy:   map[string]bool{},
		Votes:      map[int]map[string]Vote{},
	}
}

func ContainsEvent(events []Event, eventType EventType) bool {
	for _, event := range events {
		if event.Type == eventType {
			return true
		}
	}
	return false
}

func cloneDecks(in map[string]Deck) map[string]Deck {
	out := make(map[string]Deck, len(in)+1)
	for k, v := range in {
		v.TrackIDs = slices.Clone(v.TrackIDs)
		out[k] = v
	}
	return out
}

func clonePlayed(in map[string]bool) map[string]bool {
	out := make(map[string]bool, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneVotes(in map[int]map[string]Vote) map[int]map[string]Vote {
	out := make(map[int]map[string]Vote, len(in)+1)
	for round, votes := range in {
		m := make(map[string]Vote, len(votes)+1)
		for k, v := range votes {
			m[k] = v
		}
		out[round] = m
	}
	return out
}
