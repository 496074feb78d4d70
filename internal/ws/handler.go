package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"go.uber.org/zap"

	"github.com/auxclash/auxclash-backend/internal/deck"
	"github.com/auxclash/auxclash-backend/internal/engine"
	"github.com/auxclash/auxclash-backend/internal/hub"
	"github.com/auxclash/auxclash-backend/internal/session"
	"github.com/auxclash/auxclash-backend/internal/store"
	"github.com/auxclash/auxclash-backend/internal/types"
)

const (
	writeTimeout = 3 * time.Second
	readTimeout  = 60 * time.Second
)

// Handler upgrades `GET /ws?code=&user=` and bridges the connection to the
// session's worker: broadcasts stream out, typed commands come in.
func Handler(h *hub.Hub, st store.Store, decks *deck.Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := r.URL.Query().Get("code")
		userID := r.URL.Query().Get("user")
		if code == "" || userID == "" {
			http.Error(w, "missing code or user", http.StatusBadRequest)
			return
		}

		sess, err := st.SessionByCode(r.Context(), code)
		if err != nil {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		worker := h.Get(r.Context(), sess.ID)
		if worker == nil {
			http.Error(w, "session not running", http.StatusNotFound)
			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		clientID, err := gonanoid.New(8)
		if err != nil {
			return
		}
		clog := log.With(
			zap.String("session_id", sess.ID),
			zap.String("user_id", userID),
			zap.String("client_id", clientID),
		)

		out := make(chan types.ServerEvent, 8)
		worker.Inbox() <- session.Subscribe{ClientID: clientID, Outbox: out}
		defer func() {
			// Best effort; the worker may already be gone.
			select {
			case worker.Inbox() <- session.Unsubscribe{ClientID: clientID}:
			default:
			}
		}()

		writeCtx, writeCancel := context.WithCancel(r.Context())
		defer writeCancel()
		go func() {
			for ev := range out {
				payload, err := json.Marshal(ev)
				if err != nil {
					clog.Error("marshal event", zap.Error(err))
					continue
				}
				ctx, cancel := context.WithTimeout(writeCtx, writeTimeout)
				_ = conn.Write(ctx, websocket.MessageText, payload)
				cancel()
			}
			// Worker closed the outbox: the session ended or we were dropped.
			_ = conn.Close(websocket.StatusNormalClosure, "session ended")
		}()

		for {
			ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
			_, data, err := conn.Read(ctx)
			cancel()
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				default:
					clog.Debug("connection closed", zap.Error(err))
				}
				return
			}

			var cc types.ClientCommand
			if err := json.Unmarshal(data, &cc); err != nil {
				writeError(r.Context(), conn, "bad json")
				continue
			}
			if cc.UserID == "" {
				cc.UserID = userID
			}

			if cc.Type == types.CmdSubmitDeck {
				if err := decks.ValidateSubmit(r.Context(), sess.ID, cc.UserID, cc.TrackIDs); err != nil {
					writeError(r.Context(), conn, err.Error())
					continue
				}
			}

			cmd, ok := toEngineCommand(cc)
			if !ok {
				writeError(r.Context(), conn, "unknown command type")
				continue
			}

			if _, err := worker.Do(r.Context(), cmd); err != nil {
				writeError(r.Context(), conn, err.Error())
				if errors.Is(err, engine.ErrSessionGone) {
					return
				}
			}
		}
	}
}

func toEngineCommand(cc types.ClientCommand) (engine.Command, bool) {
	switch cc.Type {
	case types.CmdJoinSession:
		return engine.Command{Type: engine.CmdJoin, UserID: cc.UserID}, true
	case types.CmdLeaveSession:
		return engine.Command{Type: engine.CmdLeave, UserID: cc.UserID}, true
	case types.CmdStartSession:
		return engine.Command{Type: engine.CmdStart, UserID: cc.UserID}, true
	case types.CmdTrackPlayed:
		return engine.Command{Type: engine.CmdTrackPlayed, UserID: cc.UserID}, true
	case types.CmdSubmitVote:
		return engine.Command{Type: engine.CmdCastVote, UserID: cc.UserID, TrackID: cc.TrackID}, true
	case types.CmdSubmitDeck:
		return engine.Command{Type: engine.CmdSubmitDeck, UserID: cc.UserID, TrackIDs: cc.TrackIDs}, true
	case types.CmdDeleteSession:
		return engine.Command{Type: engine.CmdCancel, UserID: cc.UserID}, true
	default:
		return engine.Command{}, false
	}
}

func writeError(ctx context.Context, conn *websocket.Conn, msg string) {
	payload, _ := json.Marshal(types.ServerEvent{Type: types.EvtError, Error: msg})
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_ = conn.Write(wctx, websocket.MessageText, payload)
}
