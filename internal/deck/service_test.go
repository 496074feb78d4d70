package deck

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/auxclash/auxclash-backend/internal/catalog"
	"github.com/auxclash/auxclash-backend/internal/engine"
	"github.com/auxclash/auxclash-backend/internal/store"
)

type fakeCatalog struct {
	tracks []catalog.Track
	err    error
	calls  int
}

func (f *fakeCatalog) SearchArtists(context.Context, string) ([]catalog.Artist, error) {
	return nil, nil
}

func (f *fakeCatalog) ArtistTopTracks(context.Context, string) ([]catalog.Track, error) {
	f.calls++
	return f.tracks, f.err
}

func setup(t *testing.T) (*Service, *store.Memory, *fakeCatalog) {
	t.Helper()
	mem := store.NewMemory()
	sess := &store.Session{
		ID:       "s1",
		Code:     "ABC123",
		Name:     "test",
		HostID:   "host",
		DeckSize: 3,
		Status:   engine.StatusWaiting,
		ArtistID: "artist-1",
	}
	host := &store.Participant{SessionID: "s1", UserID: "host", IsHost: true, JoinedAt: time.Now()}
	require.NoError(t, mem.CreateSession(context.Background(), sess, host))

	cat := &fakeCatalog{tracks: []catalog.Track{
		{ID: "t1"}, {ID: "t2"}, {ID: "t3"}, {ID: "t4"},
	}}
	return NewService(mem, cat, zap.NewNop()), mem, cat
}

func TestSaveDraftPartialSelection(t *testing.T) {
	svc, mem, _ := setup(t)
	ctx := context.Background()

	require.NoError(t, svc.SaveDraft(ctx, "s1", "host", []string{"t1"}))
	require.NoError(t, svc.SaveDraft(ctx, "s1", "host", []string{"t1", "t2"}))

	d, err := mem.DeckFor(ctx, "s1", "host")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2"}, d.TrackIDs)
	assert.False(t, d.Submitted)
}

func TestSaveDraftRejectsOversizedDeck(t *testing.T) {
	svc, _, _ := setup(t)
	err := svc.SaveDraft(context.Background(), "s1", "host", []string{"t1", "t2", "t3", "t4"})
	assert.ErrorIs(t, err, ErrInvalidDeckSize)
}

func TestSaveDraftRejectsDuplicates(t *testing.T) {
	svc, _, _ := setup(t)
	err := svc.SaveDraft(context.Background(), "s1", "host", []string{"t1", "t1"})
	assert.ErrorIs(t, err, ErrDuplicateTrack)
}

func TestSaveDraftUnknownSession(t *testing.T) {
	svc, _, _ := setup(t)
	err := svc.SaveDraft(context.Background(), "nope", "host", []string{"t1"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestValidateSubmit(t *testing.T) {
	svc, _, _ := setup(t)
	ctx := context.Background()

	cases := []struct {
		name     string
		trackIDs []string
		wantErr  error
	}{
		{"complete valid deck", []string{"t1", "t2", "t3"}, nil},
		{"too few tracks", []string{"t1", "t2"}, ErrIncompleteDeck},
		{"too many tracks", []string{"t1", "t2", "t3", "t4"}, ErrIncompleteDeck},
		{"duplicate track", []string{"t1", "t1", "t2"}, ErrDuplicateTrack},
		{"track not in catalog", []string{"t1", "t2", "bogus"}, ErrInvalidTrack},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := svc.ValidateSubmit(ctx, "s1", "host", tc.trackIDs)
			if tc.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tc.wantErr)
			}
		})
	}
}

func TestValidateSubmitAfterSubmission(t *testing.T) {
	svc, mem, _ := setup(t)
	ctx := context.Background()
	require.NoError(t, mem.SubmitDeck(ctx, "s1", "host", []string{"t1", "t2", "t3"}, 1))

	err := svc.ValidateSubmit(ctx, "s1", "host", []string{"t1", "t2", "t3"})
	assert.ErrorIs(t, err, ErrAlreadySubmitted)
}

func TestDraftRejectedOnceSubmitted(t *testing.T) {
	svc, mem, _ := setup(t)
	ctx := context.Background()
	require.NoError(t, mem.SubmitDeck(ctx, "s1", "host", []string{"t1", "t2", "t3"}, 1))

	err := svc.SaveDraft(ctx, "s1", "host", []string{"t4"})
	assert.ErrorIs(t, err, ErrAlreadySubmitted)
}

func TestCatalogCachedBetweenSubmits(t *testing.T) {
	svc, _, cat := setup(t)
	ctx := context.Background()

	require.NoError(t, svc.ValidateSubmit(ctx, "s1", "host", []string{"t1", "t2", "t3"}))
	require.NoError(t, svc.ValidateSubmit(ctx, "s1", "guest", []string{"t1", "t2", "t3"}))
	assert.Equal(t, 1, cat.calls)
}

func TestCatalogFailureWithoutCacheFailsSubmit(t *testing.T) {
	svc, _, cat := setup(t)
	cat.err = errors.New("provider down")

	err := svc.ValidateSubmit(context.Background(), "s1", "host", []string{"t1", "t2", "t3"})
	assert.Error(t, err)
}
