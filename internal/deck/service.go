// Package deck validates and persists each player's selected track set.
// Drafts autosave freely; submission is validated against the session's
// artist catalog and is one-way.
package deck

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/auxclash/auxclash-backend/internal/catalog"
	"github.com/auxclash/auxclash-backend/internal/engine"
	"github.com/auxclash/auxclash-backend/internal/store"
)

var (
	ErrInvalidDeckSize  = errors.New("deck exceeds the session's deck size")
	ErrIncompleteDeck   = errors.New("deck must contain exactly the session's deck size")
	ErrDuplicateTrack   = errors.New("deck contains the same track twice")
	ErrInvalidTrack     = errors.New("track is not in the session artist's catalog")
	ErrAlreadySubmitted = errors.New("deck already submitted")
	ErrDecksLocked      = errors.New("decks are locked once the match starts")
)

const topTracksTTL = 10 * time.Minute

type cachedTracks struct {
	ids       map[string]bool
	fetchedAt time.Time
}

type Service struct {
	store   store.Store
	catalog catalog.Gateway
	log     *zap.Logger

	mu    sync.Mutex
	cache map[string]cachedTracks // artist id -> valid track ids
}

func NewService(st store.Store, cat catalog.Gateway, log *zap.Logger) *Service {
	return &Service{
		store:   st,
		catalog: cat,
		log:     log,
		cache:   map[string]cachedTracks{},
	}
}

// SaveDraft upserts an unsubmitted deck. Partial selections are fine; only
// the upper bound and uniqueness are enforced here.
func (s *Service) SaveDraft(ctx context.Context, sessionID, userID string, trackIDs []string) error {
	sess, err := s.store.SessionByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != engine.StatusWaiting {
		return ErrDecksLocked
	}
	if len(trackIDs) > sess.DeckSize {
		return ErrInvalidDeckSize
	}
	if hasDuplicate(trackIDs) {
		return ErrDuplicateTrack
	}

	err = s.store.SaveDeckDraft(ctx, &store.Deck{
		SessionID: sessionID,
		UserID:    userID,
		TrackIDs:  trackIDs,
	})
	if errors.Is(err, store.ErrConflict) {
		return ErrAlreadySubmitted
	}
	return err
}

// ValidateSubmit runs every submission rule that doesn't belong to the state
// machine: exact size, uniqueness, and membership in the session artist's top
// tracks. The one-way rule itself is enforced by the session worker and the
// store's unique constraint.
func (s *Service) ValidateSubmit(ctx context.Context, sessionID, userID string, trackIDs []string) error {
	sess, err := s.store.SessionByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != engine.StatusWaiting {
		return ErrDecksLocked
	}
	if len(trackIDs) != sess.DeckSize {
		return ErrIncompleteDeck
	}
	if hasDuplicate(trackIDs) {
		return ErrDuplicateTrack
	}

	if existing, err := s.store.DeckFor(ctx, sessionID, userID); err == nil && existing.Submitted {
		return ErrAlreadySubmitted
	}

	valid, err := s.validTracks(ctx, sess.ArtistID)
	if err != nil {
		return fmt.Errorf("fetch artist catalog: %w", err)
	}
	for _, id := range trackIDs {
		if !valid[id] {
			return fmt.Errorf("%w: %s", ErrInvalidTrack, id)
		}
	}
	return nil
}

func (s *Service) validTracks(ctx context.Context, artistID string) (map[string]bool, error) {
	s.mu.Lock()
	cached, ok := s.cache[artistID]
	s.mu.Unlock()
	if ok && time.Since(cached.fetchedAt) < topTracksTTL {
		return cached.ids, nil
	}

	tracks, err := s.catalog.ArtistTopTracks(ctx, artistID)
	if err != nil {
		if ok {
			// Serve the stale list rather than failing the submit.
			s.log.Warn("catalog refresh failed, using stale track list",
				zap.String("artist_id", artistID), zap.Error(err))
			return cached.ids, nil
		}
		return nil, err
	}

	ids := make(map[string]bool, len(tracks))
	for _, t := range tracks {
		ids[t.ID] = true
	}
	s.mu.Lock()
	s.cache[artistID] = cachedTracks{ids: ids, fetchedAt: time.Now()}
	s.mu.Unlock()
	return ids, nil
}

func hasDuplicate(ids []string) bool {
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			return true
		}
		seen[id] = true
	}
	return false
}
