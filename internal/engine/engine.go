package engine

import (
	"errors"
	"fmt"
	"slices"
)

var ErrSessionGone = errors.New("session no longer exists")
var ErrNotParticipant = errors.New("user is not in this session")
var ErrNotHost = errors.New("only the host can do that")
var ErrWrongPhase = errors.New("command not valid in current phase")
var ErrUnsupportedCommand = errors.New("unsupported command")

// PreconditionError is a state-machine guard failure. The reason is safe to
// return to the issuing client and never triggers a state change.
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string { return e.Reason }

func precondition(format string, args ...any) error {
	return &PreconditionError{Reason: fmt.Sprintf(format, args...)}
}

// ValidationError is malformed or out-of-range input, rejected before any
// guard is even consulted.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Phase is the round sub-state while a session is active. PhaseLobby covers
// the whole waiting status; PhaseDone covers both terminal statuses.
type Phase string

const (
	PhaseLobby         Phase = "lobby"
	PhasePlayback      Phase = "round_playback"
	PhaseVoting        Phase = "voting"
	PhaseRoundComplete Phase = "round_complete"
	PhaseDone          Phase = "done"
)

const (
	MinDeckSize = 3
	MaxDeckSize = 10
	MinPlayers  = 2
)

type Player struct {
	UserID string
	IsHost bool
	Score  int
}

type Deck struct {
	TrackIDs  []string
	Submitted bool
	// Seq is the 1-based submission order within the session, assigned on
	// submit. It is the tie-breaker when two tracks draw the same vote count.
	Seq int
}

type Vote struct {
	TrackID string
	OwnerID string
}

// State is the full authoritative state of one session. Apply never mutates
// its input, so a caller can keep the old state around until the new one has
// been persisted.
type State struct {
	Status     Status
	Phase      Phase
	Round      int
	DeckSize   int
	MaxPlayers int
	HostID     string
	Players    []Player // join order
	Decks      map[string]Deck
	// PlayedBy tracks which participants reported their current-round track
	// finished. Reset at every round start.
	PlayedBy map[string]bool
	// Votes is round index -> voter user id -> vote.
	Votes map[int]map[string]Vote
}

type CommandType string

const (
	CmdJoin           CommandType = "Join"
	CmdLeave          CommandType = "Leave"
	CmdSubmitDeck     CommandType = "SubmitDeck"
	CmdStart          CommandType = "Start"
	CmdTrackPlayed    CommandType = "TrackPlayed"
	CmdCastVote       CommandType = "CastVote"
	CmdTimeoutAdvance CommandType = "TimeoutAdvance"
	CmdCancel         CommandType = "Cancel"
)

type Command struct {
	Type     CommandType
	UserID   string
	TrackID  string   // CastVote
	TrackIDs []string // SubmitDeck
}

type EventType string

const (
	EvtPlayerJoined     EventType = "PlayerJoined"
	EvtPlayerLeft       EventType = "PlayerLeft"
	EvtDeckSubmitted    EventType = "DeckSubmitted"
	EvtMatchStarted     EventType = "MatchStarted"
	EvtRoundStarted     EventType = "RoundStarted"
	EvtVotingStarted    EventType = "VotingStarted"
	EvtVoteRecorded     EventType = "VoteRecorded"
	EvtPlaybackProgress EventType = "PlaybackProgress"
	EvtRoundEnded       EventType = "RoundEnded"
	EvtMatchEnded       EventType = "MatchEnded"
	EvtSessionCancelled EventType = "SessionCancelled"
)

type Event struct {
	Type    EventType
	UserID  string
	Round   int
	TrackID string
	Result  *RoundResult // EvtRoundEnded only
}

// Apply runs one command against the state machine. On success it returns the
// emitted events and the successor state; on failure the input state is
// returned untouched. Events are ordered: persistence and broadcast follow
// this order exactly.
func Apply(s State, cmd Command) ([]Event, State, error) {
	switch s.Status {
	case StatusCompleted, StatusCancelled:
		if cmd.Type == CmdLeave {
			// Leaving a finished session is a harmless no-op.
			return nil, s, nil
		}
		return nil, s, ErrSessionGone
	}

	switch cmd.Type {
	case CmdJoin:
		return applyJoin(s, cmd)
	case CmdLeave:
		return applyLeave(s, cmd)
	case CmdSubmitDeck:
		return applySubmitDeck(s, cmd)
	case CmdStart:
		return applyStart(s, cmd)
	case CmdTrackPlayed:
		return applyTrackPlayed(s, cmd)
	case CmdCastVote:
		return applyCastVote(s, cmd)
	case CmdTimeoutAdvance:
		return applyTimeoutAdvance(s)
	case CmdCancel:
		return applyCancel(s, cmd)
	default:
		return nil, s, ErrUnsupportedCommand
	}
}

func applyJoin(s State, cmd Command) ([]Event, State, error) {
	if s.HasPlayer(cmd.UserID) {
		// Rejoin is idempotent: no event, no state change.
		return nil, s, nil
	}
	if s.Status != StatusWaiting {
		return nil, s, precondition("session already started")
	}
	if len(s.Players) >= s.MaxPlayers {
		return nil, s, precondition("session full")
	}

	newState := s
	newState.Players = append(slices.Clone(s.Players), Player{UserID: cmd.UserID})
	events := []Event{{Type: EvtPlayerJoined, UserID: cmd.UserID}}
	return events, newState, nil
}

func applyLeave(s State, cmd Command) ([]Event, State, error) {
	if !s.HasPlayer(cmd.UserID) {
		return nil, s, nil
	}
	if cmd.UserID == s.HostID {
		// The host leaving tears the whole session down.
		return cancelled(s)
	}

	newState := s
	newState.Players = slices.DeleteFunc(slices.Clone(s.Players), func(p Player) bool {
		return p.UserID == cmd.UserID
	})
	events := []Event{{Type: EvtPlayerLeft, UserID: cmd.UserID}}

	// The departure can be the last thing the current phase was waiting on.
	if newState.Status == StatusActive {
		switch {
		case newState.Phase == PhasePlayback && allMarked(newState.Players, newState.PlayedBy):
			newState.Phase = PhaseVoting
			events = append(events, Event{Type: EvtVotingStarted, Round: newState.Round})
		case newState.Phase == PhaseVoting && allVoted(newState):
			more, closed := finishRound(newState)
			return append(events, more...), closed, nil
		}
	}
	return events, newState, nil
}

func applySubmitDeck(s State, cmd Command) ([]Event, State, error) {
	if s.Status != StatusWaiting {
		return nil, s, precondition("decks are locked once the match starts")
	}
	if !s.HasPlayer(cmd.UserID) {
		return nil, s, ErrNotParticipant
	}
	if d, ok := s.Decks[cmd.UserID]; ok && d.Submitted {
		return nil, s, precondition("deck already submitted")
	}
	if len(cmd.TrackIDs) != s.DeckSize {
		return nil, s, precondition("deck must contain exactly %d tracks", s.DeckSize)
	}
	seen := make(map[string]bool, len(cmd.TrackIDs))
	for _, id := range cmd.TrackIDs {
		if seen[id] {
			return nil, s, precondition("deck contains track %s more than once", id)
		}
		seen[id] = true
	}

	seq := 0
	for _, d := range s.Decks {
		if d.Seq > seq {
			seq = d.Seq
		}
	}

	newState := s
	newState.Decks = cloneDecks(s.Decks)
	newState.Decks[cmd.UserID] = Deck{
		TrackIDs:  slices.Clone(cmd.TrackIDs),
		Submitted: true,
		Seq:       seq + 1,
	}
	events := []Event{{Type: EvtDeckSubmitted, UserID: cmd.UserID}}
	return events, newState, nil
}

func applyStart(s State, cmd Command) ([]Event, State, error) {
	if cmd.UserID != s.HostID {
		return nil, s, ErrNotHost
	}
	if s.Status != StatusWaiting {
		return nil, s, precondition("session already started")
	}
	if len(s.Players) < MinPlayers {
		return nil, s, precondition("need at least %d players to start", MinPlayers)
	}
	if !s.AllDecksSubmitted() {
		return nil, s, precondition("players still building decks")
	}

	newState := s
	newState.Status = StatusActive
	newState.Phase = PhasePlayback
	newState.Round = 0
	newState.PlayedBy = map[string]bool{}
	events := []Event{
		{Type: EvtMatchStarted},
		{Type: EvtRoundStarted, Round: 0},
	}
	return events, newState, nil
}

func applyTrackPlayed(s State, cmd Command) ([]Event, State, error) {
	if s.Status != StatusActive || s.Phase != PhasePlayback {
		return nil, s, ErrWrongPhase
	}
	if !s.HasPlayer(cmd.UserID) {
		return nil, s, ErrNotParticipant
	}
	if s.PlayedBy[cmd.UserID] {
		return nil, s, nil
	}

	newState := s
	newState.PlayedBy = clonePlayed(s.PlayedBy)
	newState.PlayedBy[cmd.UserID] = true

	if !allMarked(newState.Players, newState.PlayedBy) {
		events := []Event{{Type: EvtPlaybackProgress, UserID: cmd.UserID, Round: s.Round}}
		return events, newState, nil
	}

	newState.Phase = PhaseVoting
	events := []Event{{Type: EvtVotingStarted, Round: s.Round}}
	return events, newState, nil
}

func applyCastVote(s State, cmd Command) ([]Event, State, error) {
	if s.Status != StatusActive || s.Phase != PhaseVoting {
		return nil, s, ErrWrongPhase
	}
	if !s.HasPlayer(cmd.UserID) {
		return nil, s, ErrNotParticipant
	}
	if _, voted := s.Votes[s.Round][cmd.UserID]; voted {
		return nil, s, precondition("already voted this round")
	}
	owner, selfOnly, ok := s.voteTarget(s.Round, cmd.TrackID, cmd.UserID)
	if !ok {
		return nil, s, precondition("track %s is not up for vote this round", cmd.TrackID)
	}
	if selfOnly {
		return nil, s, precondition("cannot vote for your own track")
	}

	newState := s
	newState.Votes = cloneVotes(s.Votes)
	round := newState.Votes[s.Round]
	if round == nil {
		round = map[string]Vote{}
		newState.Votes[s.Round] = round
	}
	round[cmd.UserID] = Vote{TrackID: cmd.TrackID, OwnerID: owner}

	events := []Event{{Type: EvtVoteRecorded, UserID: cmd.UserID, Round: s.Round, TrackID: cmd.TrackID}}

	if allVoted(newState) {
		// Everyone voted; close the round without waiting for the timer.
		more, closed := finishRound(newState)
		return append(events, more...), closed, nil
	}
	return events, newState, nil
}

// applyTimeoutAdvance is the phase timer firing. Playback timeout opens
// voting, voting timeout closes the round with whatever votes arrived, and
// the intermission timeout starts the next round.
func applyTimeoutAdvance(s State) ([]Event, State, error) {
	if s.Status != StatusActive {
		return nil, s, ErrWrongPhase
	}

	switch s.Phase {
	case PhasePlayback:
		newState := s
		newState.Phase = PhaseVoting
		return []Event{{Type: EvtVotingStarted, Round: s.Round}}, newState, nil
	case PhaseVoting:
		events, newState := finishRound(s)
		return events, newState, nil
	case PhaseRoundComplete:
		newState := s
		newState.Round = s.Round + 1
		newState.Phase = PhasePlayback
		newState.PlayedBy = map[string]bool{}
		return []Event{{Type: EvtRoundStarted, Round: newState.Round}}, newState, nil
	default:
		return nil, s, ErrWrongPhase
	}
}

func applyCancel(s State, cmd Command) ([]Event, State, error) {
	if cmd.UserID != s.HostID {
		return nil, s, ErrNotHost
	}
	return cancelled(s)
}

func cancelled(s State) ([]Event, State, error) {
	newState := s
	newState.Status = StatusCancelled
	newState.Phase = PhaseDone
	return []Event{{Type: EvtSessionCancelled}}, newState, nil
}

// finishRound tallies the current round, credits the winner, and either
// parks the session in round_complete or, after the last round, completes it.
func finishRound(s State) ([]Event, State) {
	result := TallyRound(s, s.Round)

	newState := s
	if result.WinnerUserID != "" {
		newState.Players = slices.Clone(s.Players)
		for i := range newState.Players {
			if newState.Players[i].UserID == result.WinnerUserID {
				newState.Players[i].Score += result.WinnerVotes
			}
		}
	}

	events := []Event{{Type: EvtRoundEnded, Round: s.Round, Result: &result}}

	if s.Round+1 < s.DeckSize {
		newState.Phase = PhaseRoundComplete
		return events, newState
	}

	newState.Status = StatusCompleted
	newState.Phase = PhaseDone
	events = append(events, Event{Type: EvtMatchEnded})
	return events, newState
}

func (s State) HasPlayer(userID string) bool {
	return slices.ContainsFunc(s.Players, func(p Player) bool { return p.UserID == userID })
}

// AllDecksSubmitted reports whether every current participant has a
// submitted deck of the configured size.
func (s State) AllDecksSubmitted() bool {
	for _, p := range s.Players {
		d, ok := s.Decks[p.UserID]
		if !ok || !d.Submitted || len(d.TrackIDs) != s.DeckSize {
			return false
		}
	}
	return true
}

// voteTarget resolves which candidate owner a vote for trackID lands on. Two
// decks may legitimately carry the same provider track, so ownership goes to
// the earliest-submitted deck that is not the voter's own. Only current
// players are candidates; a departed player's deck is no longer up for vote.
func (s State) voteTarget(round int, trackID, voterID string) (owner string, selfOnly, ok bool) {
	for _, p := range s.Players {
		d, has := s.Decks[p.UserID]
		if !has || !d.Submitted || round >= len(d.TrackIDs) || d.TrackIDs[round] != trackID {
			continue
		}
		ok = true
		if p.UserID == voterID {
			continue
		}
		if owner == "" || d.Seq < s.Decks[owner].Seq {
			owner = p.UserID
		}
	}
	selfOnly = ok && owner == ""
	return owner, selfOnly, ok
}

// allVoted reports whether every current player has a vote on record for the
// current round. Votes from players who since left still count toward the
// tally but no longer gate the round's close.
func allVoted(s State) bool {
	votes := s.Votes[s.Round]
	for _, p := range s.Players {
		if _, ok := votes[p.UserID]; !ok {
			return false
		}
	}
	return true
}

func allMarked(players []Player, marks map[string]bool) bool {
	for _, p := range players {
		if !marks[p.UserID] {
			return false
		}
	}
	return true
}
