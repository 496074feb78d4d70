// Package store owns durable session state. Production runs on Postgres via
// gorm; tests run the same interface against the in-memory implementation.
package store

import (
	"context"

	"github.com/auxclash/auxclash-backend/internal/engine"
)

// Store is the repository contract the orchestrator and HTTP layer depend on.
type Store interface {
	// CreateSession inserts the session and its host participant in one
	// transaction. A join-code collision among non-terminal sessions
	// surfaces as ErrConflict so the caller can regenerate.
	CreateSession(ctx context.Context, sess *Session, host *Participant) error
	SessionByID(ctx context.Context, id string) (*Session, error)
	// SessionByCode resolves a join code against non-terminal sessions only.
	SessionByCode(ctx context.Context, code string) (*Session, error)
	ActiveSessions(ctx context.Context) ([]Session, error)
	UpdateSessionState(ctx context.Context, id string, status engine.Status, round int) error
	// DeleteSession removes the session and cascades to participants, decks
	// and votes.
	DeleteSession(ctx context.Context, id string) error

	AddParticipant(ctx context.Context, p *Participant) error
	RemoveParticipant(ctx context.Context, sessionID, userID string) error
	Participants(ctx context.Context, sessionID string) ([]Participant, error)

	// SaveDeckDraft upserts an unsubmitted deck. Submitted decks are
	// immutable; attempting to overwrite one returns ErrConflict.
	SaveDeckDraft(ctx context.Context, d *Deck) error
	SubmitDeck(ctx context.Context, sessionID, userID string, trackIDs []string, seq int) error
	DeckFor(ctx context.Context, sessionID, userID string) (*Deck, error)
	Decks(ctx context.Context, sessionID string) ([]Deck, error)

	CreateVote(ctx context.Context, v *Vote) error
	Votes(ctx context.Context, sessionID string, round int) ([]Vote, error)

	// FinishRound atomically credits the round winner (delta may be zero
	// with an empty winner) and moves the session to the given status and
	// round index.
	FinishRound(ctx context.Context, sessionID, winnerID string, delta int, status engine.Status, round int) error
}

var (
	_ Store = (*Postgres)(nil)
	_ Store = (*Memory)(nil)
)
