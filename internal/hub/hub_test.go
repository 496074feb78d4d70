package hub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/auxclash/auxclash-backend/internal/engine"
	"github.com/auxclash/auxclash-backend/internal/store"
)

func seedSession(t *testing.T, mem *store.Memory, id, code string, status engine.Status) store.Session {
	t.Helper()
	sess := store.Session{
		ID:               id,
		Code:             code,
		Name:             "test",
		HostID:           "host",
		MaxPlayers:       4,
		RoundDurationSec: 30,
		DeckSize:         3,
		Status:           status,
		ArtistID:         "artist-1",
		CreatedAt:        time.Now(),
	}
	host := &store.Participant{SessionID: id, UserID: "host", IsHost: true, JoinedAt: time.Now()}
	require.NoError(t, mem.CreateSession(context.Background(), &sess, host))
	if status != engine.StatusWaiting {
		require.NoError(t, mem.UpdateSessionState(context.Background(), id, status, 1))
		sess.Status = status
	}
	return sess
}

func TestHub_Create_Get_SamePointer(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	h := NewHub(ctx, mem, 30*time.Second, zap.NewNop())

	sess := seedSession(t, mem, "s1", "ABC123", engine.StatusWaiting)

	w1, err := h.Create(ctx, sess, engine.NewState("host", 3, 4))
	require.NoError(t, err)

	w2 := h.Get(ctx, "s1")
	require.NotNil(t, w2)
	assert.Same(t, w1, w2)
}

func TestHub_GetUnknownReturnsNil(t *testing.T) {
	ctx := context.Background()
	h := NewHub(ctx, store.NewMemory(), 30*time.Second, zap.NewNop())
	assert.Nil(t, h.Get(ctx, "nope"))
}

func TestHub_WorkerRemovedAfterCancel(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	h := NewHub(ctx, mem, 30*time.Second, zap.NewNop())

	sess := seedSession(t, mem, "s1", "ABC123", engine.StatusWaiting)
	w, err := h.Create(ctx, sess, engine.NewState("host", 3, 4))
	require.NoError(t, err)

	_, err = w.Do(ctx, engine.Command{Type: engine.CmdCancel, UserID: "host"})
	require.NoError(t, err)

	// Removal is async; poll briefly.
	deadline := time.After(time.Second)
	for {
		if h.Get(ctx, "s1") == nil {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("worker still registered after cancellation")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestHub_RecoverResumesWaitingSessions(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()

	seedSession(t, mem, "s1", "ABC123", engine.StatusWaiting)
	require.NoError(t, mem.AddParticipant(ctx, &store.Participant{SessionID: "s1", UserID: "guest", JoinedAt: time.Now()}))
	require.NoError(t, mem.SubmitDeck(ctx, "s1", "host", []string{"h1", "h2", "h3"}, 1))

	h := NewHub(ctx, mem, 30*time.Second, zap.NewNop())
	require.NoError(t, h.Recover(ctx))

	w := h.Get(ctx, "s1")
	require.NotNil(t, w, "waiting session should be resumed")

	snap, err := w.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "waiting", snap.Status)
	require.Len(t, snap.Players, 2)

	var host *struct {
		submitted bool
		isHost    bool
	}
	for _, p := range snap.Players {
		if p.UserID == "host" {
			host = &struct {
				submitted bool
				isHost    bool
			}{p.DeckSubmitted, p.IsHost}
		}
	}
	require.NotNil(t, host)
	assert.True(t, host.submitted, "deck state should survive recovery")
	assert.True(t, host.isHost)
}

func TestHub_RecoverCancelsActiveSessions(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	seedSession(t, mem, "s1", "ABC123", engine.StatusActive)

	h := NewHub(ctx, mem, 30*time.Second, zap.NewNop())
	require.NoError(t, h.Recover(ctx))

	assert.Nil(t, h.Get(ctx, "s1"), "active session must not get a worker")

	sess, err := mem.SessionByID(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, engine.StatusCancelled, sess.Status)
}
