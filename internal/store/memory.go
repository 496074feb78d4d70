package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/auxclash/auxclash-backend/internal/engine"
)

// Memory is an in-memory Store with the same semantics as the Postgres
// implementation, including uniqueness violations. Used by tests and useful
// for running the server without a database.
type Memory struct {
	mu           sync.Mutex
	sessions     map[string]*Session
	participants map[string][]*Participant // session id -> join order
	decks        map[string]map[string]*Deck
	votes        map[string][]*Vote

	// FailNextWrite makes the next mutating call fail, for exercising the
	// orchestrator's no-partial-commit path.
	FailNextWrite error
}

func NewMemory() *Memory {
	return &Memory{
		sessions:     map[string]*Session{},
		participants: map[string][]*Participant{},
		decks:        map[string]map[string]*Deck{},
		votes:        map[string][]*Vote{},
	}
}

func (m *Memory) failNext() error {
	if err := m.FailNextWrite; err != nil {
		m.FailNextWrite = nil
		return err
	}
	return nil
}

func isLive(s engine.Status) bool {
	return s == engine.StatusWaiting || s == engine.StatusActive
}

func (m *Memory) CreateSession(_ context.Context, sess *Session, host *Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return err
	}
	for _, existing := range m.sessions {
		if existing.Code == sess.Code && isLive(existing.Status) {
			return ErrConflict
		}
	}
	cp := *sess
	m.sessions[sess.ID] = &cp
	hp := *host
	m.participants[sess.ID] = []*Participant{&hp}
	return nil
}

func (m *Memory) SessionByID(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (m *Memory) SessionByCode(_ context.Context, code string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sess := range m.sessions {
		if sess.Code == code && isLive(sess.Status) {
			cp := *sess
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ActiveSessions(_ context.Context) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Session
	for _, sess := range m.sessions {
		if isLive(sess.Status) {
			out = append(out, *sess)
		}
	}
	slices.SortFunc(out, func(a, b Session) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out, nil
}

func (m *Memory) UpdateSessionState(_ context.Context, id string, status engine.Status, round int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return err
	}
	sess, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	sess.Status = status
	sess.CurrentRound = round
	sess.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return err
	}
	delete(m.sessions, id)
	delete(m.participants, id)
	delete(m.decks, id)
	delete(m.votes, id)
	return nil
}

func (m *Memory) AddParticipant(_ context.Context, p *Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return err
	}
	for _, existing := range m.participants[p.SessionID] {
		if existing.UserID == p.UserID {
			return ErrConflict
		}
	}
	cp := *p
	m.participants[p.SessionID] = append(m.participants[p.SessionID], &cp)
	return nil
}

func (m *Memory) RemoveParticipant(_ context.Context, sessionID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return err
	}
	m.participants[sessionID] = slices.DeleteFunc(m.participants[sessionID], func(p *Participant) bool {
		return p.UserID == userID
	})
	return nil
}

func (m *Memory) Participants(_ context.Context, sessionID string) ([]Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Participant, 0, len(m.participants[sessionID]))
	for _, p := range m.participants[sessionID] {
		out = append(out, *p)
	}
	return out, nil
}

func (m *Memory) SaveDeckDraft(_ context.Context, d *Deck) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return err
	}
	byUser := m.decks[d.SessionID]
	if byUser == nil {
		byUser = map[string]*Deck{}
		m.decks[d.SessionID] = byUser
	}
	if existing, ok := byUser[d.UserID]; ok && existing.Submitted {
		return ErrConflict
	}
	byUser[d.UserID] = &Deck{
		SessionID: d.SessionID,
		UserID:    d.UserID,
		TrackIDs:  slices.Clone(d.TrackIDs),
		UpdatedAt: time.Now(),
	}
	return nil
}

func (m *Memory) SubmitDeck(_ context.Context, sessionID, userID string, trackIDs []string, seq int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return err
	}
	byUser := m.decks[sessionID]
	if byUser == nil {
		byUser = map[string]*Deck{}
		m.decks[sessionID] = byUser
	}
	if existing, ok := byUser[userID]; ok && existing.Submitted {
		return ErrConflict
	}
	byUser[userID] = &Deck{
		SessionID:    sessionID,
		UserID:       userID,
		TrackIDs:     slices.Clone(trackIDs),
		Submitted:    true,
		SubmittedSeq: seq,
		UpdatedAt:    time.Now(),
	}
	return nil
}

func (m *Memory) DeckFor(_ context.Context, sessionID, userID string) (*Deck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.decks[sessionID][userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	cp.TrackIDs = slices.Clone(d.TrackIDs)
	return &cp, nil
}

func (m *Memory) Decks(_ context.Context, sessionID string) ([]Deck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Deck, 0, len(m.decks[sessionID]))
	for _, d := range m.decks[sessionID] {
		cp := *d
		cp.TrackIDs = slices.Clone(d.TrackIDs)
		out = append(out, cp)
	}
	slices.SortFunc(out, func(a, b Deck) int { return a.SubmittedSeq - b.SubmittedSeq })
	return out, nil
}

func (m *Memory) CreateVote(_ context.Context, v *Vote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return err
	}
	for _, existing := range m.votes[v.SessionID] {
		if existing.Round == v.Round && existing.VoterID == v.VoterID {
			return ErrConflict
		}
	}
	cp := *v
	m.votes[v.SessionID] = append(m.votes[v.SessionID], &cp)
	return nil
}

func (m *Memory) Votes(_ context.Context, sessionID string, round int) ([]Vote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Vote
	for _, v := range m.votes[sessionID] {
		if v.Round == round {
			out = append(out, *v)
		}
	}
	return out, nil
}

func (m *Memory) FinishRound(_ context.Context, sessionID, winnerID string, delta int, status engine.Status, round int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return err
	}
	sess, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if winnerID != "" && delta > 0 {
		// A winner who already left gets no credit; the round still closes.
		for _, p := range m.participants[sessionID] {
			if p.UserID == winnerID {
				p.Score += delta
			}
		}
	}
	sess.Status = status
	sess.CurrentRound = round
	sess.UpdatedAt = time.Now()
	return nil
}
