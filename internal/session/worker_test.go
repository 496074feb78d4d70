package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/auxclash/auxclash-backend/internal/engine"
	"github.com/auxclash/auxclash-backend/internal/store"
	"github.com/auxclash/auxclash-backend/internal/types"
)

// recvEvent receives one broadcast with a timeout so tests never hang.
func recvEvent(t *testing.T, ch <-chan types.ServerEvent, within time.Duration) types.ServerEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatalf("client outbox closed unexpectedly")
		}
		return ev
	case <-time.After(within):
		t.Fatalf("timed out waiting for event")
		return types.ServerEvent{} // unreachable
	}
}

func recvEventOfType(t *testing.T, ch <-chan types.ServerEvent, eventType string, within time.Duration) types.ServerEvent {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("client outbox closed while waiting for %s", eventType)
			}
			if ev.Type == eventType {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", eventType)
		}
	}
}

func recvNoEvent(t *testing.T, ch <-chan types.ServerEvent, within time.Duration) {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			return // closed is fine: no further events possible
		}
		t.Fatalf("expected no event within %v, got %+v", within, ev)
	case <-time.After(within):
	}
}

func testMeta(roundSec int) store.Session {
	return store.Session{
		ID:               "s1",
		Code:             "ABC123",
		Name:             "test session",
		HostID:           "host",
		MaxPlayers:       2,
		RoundDurationSec: roundSec,
		DeckSize:         3,
		Status:           engine.StatusWaiting,
		ArtistID:         "artist-1",
		ArtistName:       "The Artist",
	}
}

func seededStore(t *testing.T, meta store.Session) *store.Memory {
	t.Helper()
	mem := store.NewMemory()
	sessCopy := meta
	host := &store.Participant{SessionID: meta.ID, UserID: "host", IsHost: true, JoinedAt: time.Now()}
	if err := mem.CreateSession(context.Background(), &sessCopy, host); err != nil {
		t.Fatalf("seed store: %v", err)
	}
	return mem
}

// readyState mirrors a lobby where host and guest both submitted decks.
func readyState() engine.State {
	s := engine.NewState("host", 3, 2)
	_, s, _ = engine.Apply(s, engine.Command{Type: engine.CmdJoin, UserID: "guest"})
	_, s, _ = engine.Apply(s, engine.Command{Type: engine.CmdSubmitDeck, UserID: "host", TrackIDs: []string{"h1", "h2", "h3"}})
	_, s, _ = engine.Apply(s, engine.Command{Type: engine.CmdSubmitDeck, UserID: "guest", TrackIDs: []string{"g1", "g2", "g3"}})
	return s
}

func startWorker(t *testing.T, meta store.Session, st engine.State, mem *store.Memory, votingDur time.Duration) *Worker {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewWorker(ctx, meta, st, mem, votingDur, zap.NewNop(), nil)
}

func TestWorker_SubscribeSendsImmediateSnapshot(t *testing.T) {
	meta := testMeta(30)
	w := startWorker(t, meta, engine.NewState("host", 3, 2), seededStore(t, meta), 30*time.Second)

	out := make(chan types.ServerEvent, 4)
	w.Inbox() <- Subscribe{ClientID: "c1", Outbox: out}

	first := recvEvent(t, out, 200*time.Millisecond)
	if first.Type != types.EvtSessionUpdated || first.Version != 0 {
		t.Fatalf("want session_updated v0, got %s v%d", first.Type, first.Version)
	}
	if first.Snapshot == nil || first.Snapshot.Status != "waiting" {
		t.Fatalf("snapshot missing or wrong: %+v", first.Snapshot)
	}
}

func TestWorker_JoinPersistsAndBroadcasts(t *testing.T) {
	meta := testMeta(30)
	mem := seededStore(t, meta)
	w := startWorker(t, meta, engine.NewState("host", 3, 2), mem, 30*time.Second)

	out := make(chan types.ServerEvent, 4)
	w.Inbox() <- Subscribe{ClientID: "c1", Outbox: out}
	_ = recvEvent(t, out, 200*time.Millisecond)

	snap, err := w.Do(context.Background(), engine.Command{Type: engine.CmdJoin, UserID: "guest"})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if len(snap.Players) != 2 {
		t.Fatalf("want 2 players in reply snapshot, got %d", len(snap.Players))
	}

	ev := recvEvent(t, out, 200*time.Millisecond)
	if ev.Type != types.EvtSessionUpdated || ev.Version != 1 {
		t.Fatalf("want session_updated v1, got %s v%d", ev.Type, ev.Version)
	}

	parts, _ := mem.Participants(context.Background(), "s1")
	if len(parts) != 2 {
		t.Fatalf("join not persisted, participants=%d", len(parts))
	}
}

func TestWorker_FullRoundWithEarlyAdvances(t *testing.T) {
	meta := testMeta(60) // long playback timer; the early path should win
	mem := seededStore(t, meta)
	w := startWorker(t, meta, readyState(), mem, time.Minute)

	out := make(chan types.ServerEvent, 16)
	w.Inbox() <- Subscribe{ClientID: "c1", Outbox: out}
	_ = recvEvent(t, out, 200*time.Millisecond)

	ctx := context.Background()

	if _, err := w.Do(ctx, engine.Command{Type: engine.CmdStart, UserID: "host"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	started := recvEventOfType(t, out, types.EvtRoundStarted, 500*time.Millisecond)
	if started.Round != 0 || started.DurationSec != 60 {
		t.Fatalf("round_started payload wrong: %+v", started)
	}

	if _, err := w.Do(ctx, engine.Command{Type: engine.CmdTrackPlayed, UserID: "host"}); err != nil {
		t.Fatalf("host played: %v", err)
	}
	if _, err := w.Do(ctx, engine.Command{Type: engine.CmdTrackPlayed, UserID: "guest"}); err != nil {
		t.Fatalf("guest played: %v", err)
	}
	voting := recvEventOfType(t, out, types.EvtVotingStarted, 500*time.Millisecond)
	if voting.Round != 0 {
		t.Fatalf("voting_started for wrong round: %+v", voting)
	}

	if _, err := w.Do(ctx, engine.Command{Type: engine.CmdCastVote, UserID: "guest", TrackID: "h1"}); err != nil {
		t.Fatalf("guest vote: %v", err)
	}
	if _, err := w.Do(ctx, engine.Command{Type: engine.CmdCastVote, UserID: "host", TrackID: "g1"}); err != nil {
		t.Fatalf("host vote: %v", err)
	}

	ended := recvEventOfType(t, out, types.EvtRoundEnded, 500*time.Millisecond)
	// 1-1 tie; host submitted first so h1 wins, host credited +1.
	if ended.WinningTrackID != "h1" {
		t.Fatalf("want winning track h1, got %s", ended.WinningTrackID)
	}
	if ended.VoteCounts["h1"] != 1 || ended.VoteCounts["g1"] != 1 {
		t.Fatalf("vote counts wrong: %+v", ended.VoteCounts)
	}
	if len(ended.Leaderboard) != 2 || ended.Leaderboard[0].UserID != "host" || ended.Leaderboard[0].Score != 1 {
		t.Fatalf("leaderboard wrong: %+v", ended.Leaderboard)
	}

	parts, _ := mem.Participants(context.Background(), "s1")
	for _, p := range parts {
		if p.UserID == "host" && p.Score != 1 {
			t.Fatalf("winner score not persisted, got %d", p.Score)
		}
	}
}

func TestWorker_VotingTimeoutClosesRound(t *testing.T) {
	meta := testMeta(60)
	mem := seededStore(t, meta)
	w := startWorker(t, meta, readyState(), mem, 300*time.Millisecond)

	out := make(chan types.ServerEvent, 16)
	w.Inbox() <- Subscribe{ClientID: "c1", Outbox: out}
	_ = recvEvent(t, out, 200*time.Millisecond)

	ctx := context.Background()
	if _, err := w.Do(ctx, engine.Command{Type: engine.CmdStart, UserID: "host"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	w.Do(ctx, engine.Command{Type: engine.CmdTrackPlayed, UserID: "host"})
	w.Do(ctx, engine.Command{Type: engine.CmdTrackPlayed, UserID: "guest"})

	_ = recvEventOfType(t, out, types.EvtVotingStarted, 500*time.Millisecond)

	// No votes at all: the voting timer must close the round with no winner.
	ended := recvEventOfType(t, out, types.EvtRoundEnded, time.Second)
	if ended.WinningTrackID != "" {
		t.Fatalf("round with no votes should have no winner, got %s", ended.WinningTrackID)
	}
}

func TestWorker_StaleTimerDoesNotDoubleAdvance(t *testing.T) {
	// Playback timer armed for 1s, but both players finish immediately. The
	// replaced timer must not fire a second advance out of voting.
	meta := testMeta(1)
	mem := seededStore(t, meta)
	w := startWorker(t, meta, readyState(), mem, 3*time.Second)

	out := make(chan types.ServerEvent, 16)
	w.Inbox() <- Subscribe{ClientID: "c1", Outbox: out}
	_ = recvEvent(t, out, 200*time.Millisecond)

	ctx := context.Background()
	w.Do(ctx, engine.Command{Type: engine.CmdStart, UserID: "host"})
	w.Do(ctx, engine.Command{Type: engine.CmdTrackPlayed, UserID: "host"})
	w.Do(ctx, engine.Command{Type: engine.CmdTrackPlayed, UserID: "guest"})

	_ = recvEventOfType(t, out, types.EvtVotingStarted, 500*time.Millisecond)

	// Past the stale playback deadline: voting must still be open, so no
	// round_ended may arrive until the 3s voting timer.
	recvNoEvent(t, out, 1500*time.Millisecond)
}

// readyState3 is a 3-player lobby with every deck submitted.
func readyState3() engine.State {
	s := engine.NewState("host", 3, 3)
	_, s, _ = engine.Apply(s, engine.Command{Type: engine.CmdJoin, UserID: "g1"})
	_, s, _ = engine.Apply(s, engine.Command{Type: engine.CmdJoin, UserID: "g2"})
	_, s, _ = engine.Apply(s, engine.Command{Type: engine.CmdSubmitDeck, UserID: "host", TrackIDs: []string{"h1", "h2", "h3"}})
	_, s, _ = engine.Apply(s, engine.Command{Type: engine.CmdSubmitDeck, UserID: "g1", TrackIDs: []string{"a1", "a2", "a3"}})
	_, s, _ = engine.Apply(s, engine.Command{Type: engine.CmdSubmitDeck, UserID: "g2", TrackIDs: []string{"b1", "b2", "b3"}})
	return s
}

func TestWorker_DepartureMidVotingStillEndsRound(t *testing.T) {
	meta := testMeta(60)
	meta.MaxPlayers = 3
	mem := seededStore(t, meta)
	w := startWorker(t, meta, readyState3(), mem, time.Minute)

	out := make(chan types.ServerEvent, 16)
	w.Inbox() <- Subscribe{ClientID: "c1", Outbox: out}
	_ = recvEvent(t, out, 200*time.Millisecond)

	ctx := context.Background()
	if _, err := w.Do(ctx, engine.Command{Type: engine.CmdStart, UserID: "host"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	for _, uid := range []string{"host", "g1", "g2"} {
		if _, err := w.Do(ctx, engine.Command{Type: engine.CmdTrackPlayed, UserID: uid}); err != nil {
			t.Fatalf("%s played: %v", uid, err)
		}
	}
	_ = recvEventOfType(t, out, types.EvtVotingStarted, 500*time.Millisecond)

	if _, err := w.Do(ctx, engine.Command{Type: engine.CmdLeave, UserID: "g2"}); err != nil {
		t.Fatalf("leave: %v", err)
	}

	// The departed player's track is off the ballot.
	var pe *engine.PreconditionError
	if _, err := w.Do(ctx, engine.Command{Type: engine.CmdCastVote, UserID: "host", TrackID: "b1"}); !errors.As(err, &pe) {
		t.Fatalf("vote for departed track: want PreconditionError, got %v", err)
	}

	if _, err := w.Do(ctx, engine.Command{Type: engine.CmdCastVote, UserID: "host", TrackID: "a1"}); err != nil {
		t.Fatalf("host vote: %v", err)
	}
	if _, err := w.Do(ctx, engine.Command{Type: engine.CmdCastVote, UserID: "g1", TrackID: "h1"}); err != nil {
		t.Fatalf("g1 vote: %v", err)
	}

	// Both remaining players voted: the round must close despite the
	// departure, with the winner credited and the close persisted.
	ended := recvEventOfType(t, out, types.EvtRoundEnded, time.Second)
	if ended.WinningTrackID != "h1" {
		t.Fatalf("want h1 winning the tie on submission order, got %s", ended.WinningTrackID)
	}
	parts, _ := mem.Participants(ctx, "s1")
	for _, p := range parts {
		if p.UserID == "host" && p.Score != 1 {
			t.Fatalf("winner score not persisted, got %d", p.Score)
		}
	}
}

func TestWorker_VoteDoesNotExtendVotingTimer(t *testing.T) {
	meta := testMeta(60)
	mem := seededStore(t, meta)
	w := startWorker(t, meta, readyState(), mem, 600*time.Millisecond)

	out := make(chan types.ServerEvent, 16)
	w.Inbox() <- Subscribe{ClientID: "c1", Outbox: out}
	_ = recvEvent(t, out, 200*time.Millisecond)

	ctx := context.Background()
	w.Do(ctx, engine.Command{Type: engine.CmdStart, UserID: "host"})
	w.Do(ctx, engine.Command{Type: engine.CmdTrackPlayed, UserID: "host"})
	w.Do(ctx, engine.Command{Type: engine.CmdTrackPlayed, UserID: "guest"})
	_ = recvEventOfType(t, out, types.EvtVotingStarted, 500*time.Millisecond)
	votingStart := time.Now()

	// A vote partway through must not push the voting deadline out.
	time.Sleep(400 * time.Millisecond)
	if _, err := w.Do(ctx, engine.Command{Type: engine.CmdCastVote, UserID: "guest", TrackID: "h1"}); err != nil {
		t.Fatalf("vote: %v", err)
	}

	_ = recvEventOfType(t, out, types.EvtRoundEnded, 2*time.Second)
	if elapsed := time.Since(votingStart); elapsed > 900*time.Millisecond {
		t.Fatalf("voting window was extended by the vote: closed after %v", elapsed)
	}
}

func TestWorker_TimeoutPersistFailureRetries(t *testing.T) {
	meta := testMeta(60)
	mem := seededStore(t, meta)
	w := startWorker(t, meta, readyState(), mem, 300*time.Millisecond)

	out := make(chan types.ServerEvent, 16)
	w.Inbox() <- Subscribe{ClientID: "c1", Outbox: out}
	_ = recvEvent(t, out, 200*time.Millisecond)

	ctx := context.Background()
	if _, err := w.Do(ctx, engine.Command{Type: engine.CmdStart, UserID: "host"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	// Played signals persist nothing, so this failure lands on the round
	// close the voting timer drives.
	mem.FailNextWrite = errors.New("connection reset")
	w.Do(ctx, engine.Command{Type: engine.CmdTrackPlayed, UserID: "host"})
	w.Do(ctx, engine.Command{Type: engine.CmdTrackPlayed, UserID: "guest"})
	_ = recvEventOfType(t, out, types.EvtVotingStarted, 500*time.Millisecond)

	// First close attempt fails; nobody retries it but the worker itself.
	_ = recvEventOfType(t, out, types.EvtRoundEnded, 3*time.Second)
}

func TestWorker_PersistFailureLeavesStateUntouched(t *testing.T) {
	meta := testMeta(30)
	mem := seededStore(t, meta)
	w := startWorker(t, meta, engine.NewState("host", 3, 2), mem, 30*time.Second)

	out := make(chan types.ServerEvent, 4)
	w.Inbox() <- Subscribe{ClientID: "c1", Outbox: out}
	_ = recvEvent(t, out, 200*time.Millisecond)

	mem.FailNextWrite = errors.New("connection reset")

	_, err := w.Do(context.Background(), engine.Command{Type: engine.CmdJoin, UserID: "guest"})
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("want ErrStoreUnavailable, got %v", err)
	}

	// No broadcast happened and the state did not advance.
	recvNoEvent(t, out, 200*time.Millisecond)
	snap, err := w.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Players) != 1 {
		t.Fatalf("state advanced despite persist failure: %+v", snap.Players)
	}

	// The command is retryable once the store recovers.
	if _, err := w.Do(context.Background(), engine.Command{Type: engine.CmdJoin, UserID: "guest"}); err != nil {
		t.Fatalf("retry after recovery: %v", err)
	}
}

func TestWorker_HostCancelBroadcastsAndStops(t *testing.T) {
	meta := testMeta(30)
	mem := seededStore(t, meta)

	stopped := make(chan string, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := NewWorker(ctx, meta, readyState(), mem, 30*time.Second, zap.NewNop(), func(id string) {
		stopped <- id
	})

	out := make(chan types.ServerEvent, 4)
	w.Inbox() <- Subscribe{ClientID: "c1", Outbox: out}
	_ = recvEvent(t, out, 200*time.Millisecond)

	if _, err := w.Do(context.Background(), engine.Command{Type: engine.CmdCancel, UserID: "host"}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	ev := recvEventOfType(t, out, types.EvtSessionDeleted, 500*time.Millisecond)
	if ev.Snapshot.Status != "cancelled" {
		t.Fatalf("want cancelled snapshot, got %s", ev.Snapshot.Status)
	}

	select {
	case id := <-stopped:
		if id != "s1" {
			t.Fatalf("wrong session reported stopped: %s", id)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("worker did not report stop")
	}

	sess, err := mem.SessionByID(context.Background(), "s1")
	if err != nil {
		t.Fatalf("session lookup: %v", err)
	}
	if sess.Status != engine.StatusCancelled {
		t.Fatalf("cancellation not persisted: %v", sess.Status)
	}

	// In-flight commands after teardown report the session gone.
	if _, err := w.Do(context.Background(), engine.Command{Type: engine.CmdJoin, UserID: "late"}); !errors.Is(err, engine.ErrSessionGone) {
		t.Fatalf("want ErrSessionGone, got %v", err)
	}
}

func TestWorker_ShutdownStopsTimersNoFire(t *testing.T) {
	meta := testMeta(1)
	mem := seededStore(t, meta)
	w := startWorker(t, meta, readyState(), mem, time.Second)

	out := make(chan types.ServerEvent, 8)
	w.Inbox() <- Subscribe{ClientID: "c1", Outbox: out}
	_ = recvEvent(t, out, 200*time.Millisecond)

	w.Do(context.Background(), engine.Command{Type: engine.CmdStart, UserID: "host"})
	_ = recvEventOfType(t, out, types.EvtRoundStarted, 500*time.Millisecond)

	w.Inbox() <- Shutdown{}

	// Less than the 1s playback timer: nothing may fire after shutdown.
	recvNoEvent(t, out, 700*time.Millisecond)
}

func TestWorker_DropsSlowClient(t *testing.T) {
	meta := testMeta(30)
	mem := seededStore(t, meta)
	w := startWorker(t, meta, engine.NewState("host", 3, 2), mem, 30*time.Second)

	// Capacity 1 and nobody reading: the subscribe snapshot fills it, so the
	// next broadcast finds it full and the client gets dropped.
	out := make(chan types.ServerEvent, 1)
	w.Inbox() <- Subscribe{ClientID: "slow", Outbox: out}

	if _, err := w.Do(context.Background(), engine.Command{Type: engine.CmdJoin, UserID: "guest"}); err != nil {
		t.Fatalf("join: %v", err)
	}

	reply := make(chan View, 1)
	w.Inbox() <- GetView{Reply: reply}
	select {
	case v := <-reply:
		if v.NumClients != 0 {
			t.Fatalf("expected slow client to be dropped, NumClients=%d", v.NumClients)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timed out waiting for view")
	}
}
