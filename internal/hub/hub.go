// Package hub is the registry of live session workers. One worker exists per
// non-terminal session; the hub spawns them at creation or recovery time and
// drops them when a session reaches a terminal state.
package hub

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/auxclash/auxclash-backend/internal/engine"
	"github.com/auxclash/auxclash-backend/internal/session"
	"github.com/auxclash/auxclash-backend/internal/store"
)

type HubMsg interface{ isHubMsg() }

type CreateWorker struct {
	Meta  store.Session
	State engine.State
	Reply chan *session.Worker
}

type GetWorker struct {
	ID    string
	Reply chan *session.Worker
}

type RemoveWorker struct {
	ID string
}

type ShutdownHub struct{}

func (CreateWorker) isHubMsg() {}
func (GetWorker) isHubMsg()    {}
func (RemoveWorker) isHubMsg() {}
func (ShutdownHub) isHubMsg()  {}

type Hub struct {
	inbox     chan HubMsg
	workers   map[string]*session.Worker
	store     store.Store
	votingDur time.Duration
	log       *zap.Logger
	ctx       context.Context
	cancel    context.CancelFunc
}

func NewHub(parent context.Context, st store.Store, votingDur time.Duration, log *zap.Logger) *Hub {
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:     make(chan HubMsg, 64),
		workers:   make(map[string]*session.Worker),
		store:     st,
		votingDur: votingDur,
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case CreateWorker:
				if w := h.workers[msg.Meta.ID]; w != nil {
					msg.Reply <- w
					break
				}
				w := h.spawn(msg.Meta, msg.State)
				msg.Reply <- w

			case GetWorker:
				msg.Reply <- h.workers[msg.ID] // may be nil

			case RemoveWorker:
				delete(h.workers, msg.ID)

			case ShutdownHub:
				for _, w := range h.workers {
					w.Inbox() <- session.Shutdown{}
				}
				clear(h.workers)
				h.cancel()
			}
		}
	}
}

func (h *Hub) spawn(meta store.Session, st engine.State) *session.Worker {
	w := session.NewWorker(h.ctx, meta, st, h.store, h.votingDur, h.log, h.workerStopped)
	h.workers[meta.ID] = w
	h.log.Info("session worker started",
		zap.String("session_id", meta.ID), zap.String("code", meta.Code))
	return w
}

// workerStopped runs on the worker's goroutine; hand the removal to the hub
// loop instead of touching the map directly.
func (h *Hub) workerStopped(sessionID string) {
	select {
	case h.inbox <- RemoveWorker{ID: sessionID}:
	case <-h.ctx.Done():
	}
}

// Create registers a worker for a freshly persisted session.
func (h *Hub) Create(ctx context.Context, meta store.Session, st engine.State) (*session.Worker, error) {
	reply := make(chan *session.Worker, 1)
	select {
	case h.inbox <- CreateWorker{Meta: meta, State: st, Reply: reply}:
	case <-h.ctx.Done():
		return nil, engine.ErrSessionGone
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case w := <-reply:
		return w, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get returns the live worker for a session id, or nil if none is running.
func (h *Hub) Get(ctx context.Context, sessionID string) *session.Worker {
	reply := make(chan *session.Worker, 1)
	select {
	case h.inbox <- GetWorker{ID: sessionID, Reply: reply}:
	case <-h.ctx.Done():
		return nil
	case <-ctx.Done():
		return nil
	}
	select {
	case w := <-reply:
		return w
	case <-ctx.Done():
		return nil
	}
}
