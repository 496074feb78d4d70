package hub

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/auxclash/auxclash-backend/internal/engine"
	"github.com/auxclash/auxclash-backend/internal/store"
)

// Recover reconciles persisted sessions with the (empty) worker registry
// after a process start. Sessions still in the waiting room hold no timer
// state and are resumed; sessions caught mid-round are cancelled, since their
// playback positions and timers did not survive the restart.
func (h *Hub) Recover(ctx context.Context) error {
	sessions, err := h.store.ActiveSessions(ctx)
	if err != nil {
		return fmt.Errorf("load non-terminal sessions: %w", err)
	}

	var resumed, cancelled int
	for _, sess := range sessions {
		switch sess.Status {
		case engine.StatusWaiting:
			st, err := h.rebuildState(ctx, sess)
			if err != nil {
				// Unreconstructable state is treated as fatal for the
				// session, not for the process.
				h.log.Error("cancelling unrecoverable session",
					zap.String("session_id", sess.ID), zap.Error(err))
				if uerr := h.store.UpdateSessionState(ctx, sess.ID, engine.StatusCancelled, sess.CurrentRound); uerr != nil {
					return uerr
				}
				cancelled++
				continue
			}
			if _, err := h.Create(ctx, sess, st); err != nil {
				return err
			}
			resumed++

		case engine.StatusActive:
			if err := h.store.UpdateSessionState(ctx, sess.ID, engine.StatusCancelled, sess.CurrentRound); err != nil {
				return fmt.Errorf("cancel in-flight session %s: %w", sess.ID, err)
			}
			cancelled++
		}
	}

	h.log.Info("session recovery complete",
		zap.Int("resumed", resumed), zap.Int("cancelled", cancelled))
	return nil
}

func (h *Hub) rebuildState(ctx context.Context, sess store.Session) (engine.State, error) {
	parts, err := h.store.Participants(ctx, sess.ID)
	if err != nil {
		return engine.State{}, fmt.Errorf("load participants: %w", err)
	}
	if len(parts) == 0 {
		return engine.State{}, fmt.Errorf("session %s has no participants", sess.ID)
	}
	decks, err := h.store.Decks(ctx, sess.ID)
	if err != nil {
		return engine.State{}, fmt.Errorf("load decks: %w", err)
	}

	st := engine.State{
		Status:     sess.Status,
		Phase:      engine.PhaseLobby,
		Round:      sess.CurrentRound,
		DeckSize:   sess.DeckSize,
		MaxPlayers: sess.MaxPlayers,
		HostID:     sess.HostID,
		Decks:      map[string]engine.Deck{},
		PlayedBy:   map[string]bool{},
		Votes:      map[int]map[string]engine.Vote{},
	}
	for _, p := range parts {
		st.Players = append(st.Players, engine.Player{
			UserID: p.UserID,
			IsHost: p.IsHost,
			Score:  p.Score,
		})
	}
	for _, d := range decks {
		st.Decks[d.UserID] = engine.Deck{
			TrackIDs:  d.TrackIDs,
			Submitted: d.Submitted,
			Seq:       d.SubmittedSeq,
		}
	}
	return st, nil
}
