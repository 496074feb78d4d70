// Package session runs one worker goroutine per live session. The worker
// owns the session's in-memory state and phase timers and serializes every
// mutating command, so concurrent votes, deck submissions and host commands
// never race. Persistence happens before any broadcast.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/auxclash/auxclash-backend/internal/engine"
	"github.com/auxclash/auxclash-backend/internal/store"
	"github.com/auxclash/auxclash-backend/internal/types"
)

// ErrStoreUnavailable wraps a persistence failure during a transition. The
// transition did not happen and the caller may retry.
var ErrStoreUnavailable = errors.New("session store unavailable")

// Intermission between a round's results and the next round's playback.
const intermission = 5 * time.Second

const persistTimeout = 5 * time.Second

// Retry delay when a timer-driven transition could not be persisted. Client
// commands are retried by their issuer; a timeout has nobody to retry it.
const persistRetryDelay = time.Second

type Msg interface{ isWorkerMsg() }

// Subscribe registers a client outbox; the current snapshot is sent to it
// immediately.
type Subscribe struct {
	ClientID string
	Outbox   chan types.ServerEvent
}

type Unsubscribe struct{ ClientID string }

// FromClient carries one engine command. The reply channel receives exactly
// one Result and must be buffered.
type FromClient struct {
	Cmd   engine.Command
	Reply chan Result
}

type GetView struct {
	Reply chan View
}

type Shutdown struct{}

type timerFired struct{ gen int }

func (Subscribe) isWorkerMsg()   {}
func (Unsubscribe) isWorkerMsg() {}
func (FromClient) isWorkerMsg()  {}
func (GetView) isWorkerMsg()     {}
func (Shutdown) isWorkerMsg()    {}
func (timerFired) isWorkerMsg()  {}

type Result struct {
	Snapshot *types.SessionSnapshot
	Err      error
}

// View reflects worker internals without data races; used by queries and
// tests.
type View struct {
	Version    int
	NumClients int
	State      engine.State
}

type Worker struct {
	inbox   chan Msg
	meta    store.Session // static fields: id, code, name, artist, durations
	st      engine.State
	version int
	clients map[string]chan types.ServerEvent

	store     store.Store
	log       *zap.Logger
	votingDur time.Duration

	timer    *time.Timer
	timerGen int

	ctx    context.Context
	cancel context.CancelFunc
	// onStop tells the hub to drop the registry entry once this worker is
	// done for any reason.
	onStop func(sessionID string)
}

func NewWorker(parent context.Context, meta store.Session, initial engine.State, st store.Store, votingDur time.Duration, log *zap.Logger, onStop func(string)) *Worker {
	ctx, cancel := context.WithCancel(parent)

	w := &Worker{
		inbox:     make(chan Msg, 64),
		meta:      meta,
		st:        initial,
		clients:   make(map[string]chan types.ServerEvent),
		store:     st,
		log:       log.With(zap.String("session_id", meta.ID), zap.String("code", meta.Code)),
		votingDur: votingDur,
		ctx:       ctx,
		cancel:    cancel,
		onStop:    onStop,
	}

	go w.loop()
	return w
}

func (w *Worker) Inbox() chan<- Msg { return w.inbox }

func (w *Worker) ID() string { return w.meta.ID }

// Do sends one command and waits for its outcome.
func (w *Worker) Do(ctx context.Context, cmd engine.Command) (*types.SessionSnapshot, error) {
	reply := make(chan Result, 1)
	select {
	case w.inbox <- FromClient{Cmd: cmd, Reply: reply}:
	case <-w.ctx.Done():
		return nil, engine.ErrSessionGone
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-reply:
		return res.Snapshot, res.Err
	case <-w.ctx.Done():
		// A cancel command shuts the worker down right after replying;
		// don't lose that reply to the race.
		select {
		case res := <-reply:
			return res.Snapshot, res.Err
		default:
			return nil, engine.ErrSessionGone
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Snapshot returns the current authoritative state.
func (w *Worker) Snapshot(ctx context.Context) (*types.SessionSnapshot, error) {
	reply := make(chan View, 1)
	select {
	case w.inbox <- GetView{Reply: reply}:
	case <-w.ctx.Done():
		return nil, engine.ErrSessionGone
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case v := <-reply:
		snap := buildSnapshot(w.meta, v.State)
		return &snap, nil
	case <-w.ctx.Done():
		return nil, engine.ErrSessionGone
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *Worker) loop() {
	for {
		select {
		case <-w.ctx.Done():
			w.shutdown()
			return

		case m := <-w.inbox:
			switch msg := m.(type) {
			case Subscribe:
				w.clients[msg.ClientID] = msg.Outbox
				snap := buildSnapshot(w.meta, w.st)
				msg.Outbox <- types.ServerEvent{Type: types.EvtSessionUpdated, Version: w.version, Snapshot: &snap}

			case Unsubscribe:
				delete(w.clients, msg.ClientID)

			case FromClient:
				w.handleCommand(msg)

			case GetView:
				msg.Reply <- View{Version: w.version, NumClients: len(w.clients), State: w.st}

			case timerFired:
				if msg.gen != w.timerGen {
					// A transition already replaced this timer.
					w.log.Debug("dropping stale timer fire", zap.Int("gen", msg.gen))
					break
				}
				w.handleCommand(FromClient{Cmd: engine.Command{Type: engine.CmdTimeoutAdvance}})

			case Shutdown:
				w.shutdown()
				return
			}

			if w.st.Status == engine.StatusCompleted || w.st.Status == engine.StatusCancelled {
				w.shutdown()
				return
			}
		}
	}
}

func (w *Worker) handleCommand(msg FromClient) {
	events, newState, err := engine.Apply(w.st, msg.Cmd)
	if err != nil {
		w.reply(msg, Result{Err: err})
		return
	}
	if len(events) == 0 {
		// Idempotent no-op (rejoin, repeated played-signal): current
		// snapshot, nothing persisted, nothing broadcast.
		snap := buildSnapshot(w.meta, w.st)
		w.reply(msg, Result{Snapshot: &snap})
		return
	}

	if err := w.persist(events, newState); err != nil {
		w.log.Error("transition not persisted", zap.String("cmd", string(msg.Cmd.Type)), zap.Error(err))
		if msg.Reply == nil {
			// Timer-driven advance with no issuer to retry it; the session
			// must not stall on a transient store failure.
			w.armRetryTimer()
		}
		w.reply(msg, Result{Err: fmt.Errorf("%w: %v", ErrStoreUnavailable, err)})
		return
	}

	phaseChanged := newState.Phase != w.st.Phase || newState.Round != w.st.Round || newState.Status != w.st.Status
	w.st = newState
	w.version++
	for _, ev := range events {
		w.broadcast(w.toServerEvent(ev))
	}
	if phaseChanged {
		// Phase-preserving transitions (a vote trickling in, a played signal)
		// leave the running timer's deadline alone: the phase timeout is a
		// hard ceiling, not a sliding window.
		w.armPhaseTimer()
	}

	snap := buildSnapshot(w.meta, w.st)
	w.reply(msg, Result{Snapshot: &snap})
}

func (w *Worker) reply(msg FromClient, res Result) {
	if msg.Reply != nil {
		msg.Reply <- res
	}
}

// persist writes the durable effect of each event before anything is
// broadcast. Conflict errors on inserts are tolerated so a retried
// transition does not fail on rows its first attempt already wrote.
func (w *Worker) persist(events []engine.Event, newState engine.State) error {
	ctx, cancel := context.WithTimeout(w.ctx, persistTimeout)
	defer cancel()

	for _, ev := range events {
		var err error
		switch ev.Type {
		case engine.EvtPlayerJoined:
			err = w.store.AddParticipant(ctx, &store.Participant{
				SessionID: w.meta.ID,
				UserID:    ev.UserID,
				JoinedAt:  time.Now(),
			})
		case engine.EvtPlayerLeft:
			err = w.store.RemoveParticipant(ctx, w.meta.ID, ev.UserID)
		case engine.EvtDeckSubmitted:
			d := newState.Decks[ev.UserID]
			err = w.store.SubmitDeck(ctx, w.meta.ID, ev.UserID, d.TrackIDs, d.Seq)
		case engine.EvtMatchStarted:
			err = w.store.UpdateSessionState(ctx, w.meta.ID, engine.StatusActive, 0)
		case engine.EvtRoundStarted:
			err = w.store.UpdateSessionState(ctx, w.meta.ID, engine.StatusActive, ev.Round)
		case engine.EvtVoteRecorded:
			v := newState.Votes[ev.Round][ev.UserID]
			err = w.store.CreateVote(ctx, &store.Vote{
				SessionID: w.meta.ID,
				Round:     ev.Round,
				VoterID:   ev.UserID,
				TrackID:   v.TrackID,
				OwnerID:   v.OwnerID,
			})
		case engine.EvtRoundEnded:
			err = w.store.FinishRound(ctx, w.meta.ID,
				ev.Result.WinnerUserID, ev.Result.WinnerVotes,
				newState.Status, newState.Round)
		case engine.EvtSessionCancelled:
			err = w.store.UpdateSessionState(ctx, w.meta.ID, engine.StatusCancelled, newState.Round)
		case engine.EvtVotingStarted, engine.EvtPlaybackProgress, engine.EvtMatchEnded:
			// Phase is worker-local; EvtRoundEnded already persisted the
			// completed status for the final round.
		}
		if err != nil && !errors.Is(err, store.ErrConflict) {
			return err
		}
	}
	return nil
}

func (w *Worker) toServerEvent(ev engine.Event) types.ServerEvent {
	snap := buildSnapshot(w.meta, w.st)
	out := types.ServerEvent{Version: w.version, Snapshot: &snap}

	switch ev.Type {
	case engine.EvtRoundStarted:
		out.Type = types.EvtRoundStarted
		out.Round = ev.Round
		out.DurationSec = w.meta.RoundDurationSec
	case engine.EvtVotingStarted:
		out.Type = types.EvtVotingStarted
		out.Round = ev.Round
		out.DurationSec = int(w.votingDur / time.Second)
	case engine.EvtRoundEnded:
		out.Type = types.EvtRoundEnded
		out.Round = ev.Round
		out.WinningTrackID = ev.Result.WinnerTrackID
		out.VoteCounts = ev.Result.VoteCounts
		out.Leaderboard = playerViews(engine.Leaderboard(w.st), w.st)
	case engine.EvtMatchEnded:
		out.Type = types.EvtMatchEnded
		out.FinalLeaderboard = playerViews(engine.Leaderboard(w.st), w.st)
	case engine.EvtSessionCancelled:
		out.Type = types.EvtSessionDeleted
	default:
		out.Type = types.EvtSessionUpdated
	}
	return out
}

// armPhaseTimer replaces the pending timer to match the current phase. The
// generation counter invalidates whatever was armed before, so a stale fire
// can never double-advance a round.
func (w *Worker) armPhaseTimer() {
	w.timerGen++
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	if w.st.Status != engine.StatusActive {
		return
	}

	var d time.Duration
	switch w.st.Phase {
	case engine.PhasePlayback:
		d = time.Duration(w.meta.RoundDurationSec) * time.Second
	case engine.PhaseVoting:
		d = w.votingDur
	case engine.PhaseRoundComplete:
		d = intermission
	default:
		return
	}

	gen := w.timerGen
	w.timer = time.AfterFunc(d, func() {
		select {
		case w.inbox <- timerFired{gen: gen}:
		case <-w.ctx.Done():
		}
	})
}

// armRetryTimer schedules a short re-fire of the phase advance after a failed
// timer-driven persist.
func (w *Worker) armRetryTimer() {
	w.timerGen++
	if w.timer != nil {
		w.timer.Stop()
	}
	gen := w.timerGen
	w.timer = time.AfterFunc(persistRetryDelay, func() {
		select {
		case w.inbox <- timerFired{gen: gen}:
		case <-w.ctx.Done():
		}
	})
}

func (w *Worker) broadcast(ev types.ServerEvent) {
	for id, ch := range w.clients {
		select {
		case ch <- ev:
		default:
			// Slow or wedged client; drop it rather than block the session.
			close(ch)
			delete(w.clients, id)
		}
	}
}

func (w *Worker) shutdown() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	for id, ch := range w.clients {
		close(ch)
		delete(w.clients, id)
	}
	w.cancel()
	if w.onStop != nil {
		w.onStop(w.meta.ID)
	}
}

func buildSnapshot(meta store.Session, st engine.State) types.SessionSnapshot {
	return types.SessionSnapshot{
		ID:               meta.ID,
		Code:             meta.Code,
		Name:             meta.Name,
		HostID:           st.HostID,
		Status:           string(st.Status),
		Phase:            string(st.Phase),
		Round:            st.Round,
		DeckSize:         st.DeckSize,
		MaxPlayers:       st.MaxPlayers,
		RoundDurationSec: meta.RoundDurationSec,
		Artist: types.ArtistRef{
			ID:       meta.ArtistID,
			Name:     meta.ArtistName,
			ImageURL: meta.ArtistImageURL,
		},
		Players: playerViews(st.Players, st),
	}
}

func playerViews(players []engine.Player, st engine.State) []types.PlayerView {
	out := make([]types.PlayerView, 0, len(players))
	for _, p := range players {
		_, voted := st.Votes[st.Round][p.UserID]
		out = append(out, types.PlayerView{
			UserID:        p.UserID,
			IsHost:        p.UserID == st.HostID,
			Score:         p.Score,
			DeckSubmitted: st.Decks[p.UserID].Submitted,
			Played:        st.PlayedBy[p.UserID],
			Voted:         voted,
		})
	}
	return out
}
